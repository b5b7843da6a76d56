package container

// StaticIdentity is a fixed Identity, convenient for wiring and tests.
type StaticIdentity struct {
	Token   string
	User    string
	Version string
}

func (s StaticIdentity) AccessToken() string { return s.Token }
func (s StaticIdentity) UserID() string      { return s.User }
func (s StaticIdentity) AppVersion() string  { return s.Version }
