package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	internalconfig "github.com/harborline/snapstore/internal/config"
	"github.com/harborline/snapstore/snapshot"
)

// RequestStamper adds authentication/versioning metadata to outgoing
// delegate requests. The container supplies one built from its identity
// collaborator; values are opaque to this package.
type RequestStamper interface {
	Stamp(req *http.Request)
}

// HTTPSource fetches snapshots from a remote delegate endpoint.
// Transient failures are retried with doubling backoff; a 404 maps to
// NotFoundError and is never retried.
type HTTPSource struct {
	baseURL    string
	client     *http.Client
	stamper    RequestStamper
	retryCount int
	retryDelay time.Duration
}

// HTTPOption customises an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithClient replaces the default HTTP client.
func WithClient(client *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithStamper attaches a request stamper.
func WithStamper(stamper RequestStamper) HTTPOption {
	return func(s *HTTPSource) { s.stamper = stamper }
}

// WithRetry overrides the retry policy.
func WithRetry(count int, delay time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		if count > 0 {
			s.retryCount = count
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// NewHTTPSource builds a source for the given delegate base URL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) (*HTTPSource, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid delegate endpoint %q", baseURL)
	}
	s := &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: internalconfig.FetchTimeout},
		retryCount: internalconfig.DefaultRetryCount,
		retryDelay: internalconfig.DefaultRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Fetch implements SnapshotSource.
func (s *HTTPSource) Fetch(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	err := s.getJSON(ctx, fmt.Sprintf("%s/snapshots/%s", s.baseURL, url.PathEscape(id)), id, &snap)
	if err != nil {
		return nil, err
	}
	if snap.ID == "" {
		snap.ID = id
	}
	return &snap, nil
}

// FetchBySubscriber implements SnapshotSource.
func (s *HTTPSource) FetchBySubscriber(ctx context.Context, subscriberID string) ([]*snapshot.Snapshot, error) {
	var snaps []*snapshot.Snapshot
	err := s.getJSON(ctx, fmt.Sprintf("%s/subscribers/%s/snapshots", s.baseURL, url.PathEscape(subscriberID)), "", &snaps)
	if err != nil {
		if snapshot.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return snaps, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, endpoint, snapshotID string, out any) error {
	delay := s.retryDelay
	var lastErr error

	for attempt := 0; attempt < s.retryCount; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.getOnce(ctx, endpoint, snapshotID, out)
		if err == nil {
			return nil
		}
		if snapshot.IsNotFound(err) {
			return err
		}
		lastErr = err

		if attempt == s.retryCount-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		timer.Stop()
		delay *= 2
	}

	return snapshot.DelegateUnavailableError{
		Endpoint: s.baseURL,
		Attempts: s.retryCount,
		Err:      lastErr,
	}
}

func (s *HTTPSource) getOnce(ctx context.Context, endpoint, snapshotID string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if s.stamper != nil {
		s.stamper.Stamp(req)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return snapshot.NotFoundError{ID: snapshotID}
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("delegate returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, out)
}
