package snapshot

import (
	"errors"
	"fmt"
)

// DuplicateError indicates a snapshot id is already present in a store.
type DuplicateError struct {
	ID string
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("snapshot %s already exists", e.ID)
}

// NotFoundError indicates a snapshot id is absent from a store and all
// configured delegates.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("snapshot %s not found", e.ID)
}

// ConfigurationMissingError indicates no base config and no matching
// delegate exist for a store.
type ConfigurationMissingError struct {
	StoreID string
}

func (e ConfigurationMissingError) Error() string {
	return fmt.Sprintf("no configuration available for store %s", e.StoreID)
}

// DelegateUnavailableError indicates every attempt against a delegate
// failed. It wraps the final transport error.
type DelegateUnavailableError struct {
	StoreID  string
	Endpoint string
	Attempts int
	Err      error
}

func (e DelegateUnavailableError) Error() string {
	return fmt.Sprintf("delegate %s unavailable for store %s after %d attempt(s): %v", e.Endpoint, e.StoreID, e.Attempts, e.Err)
}

func (e DelegateUnavailableError) Unwrap() error { return e.Err }

// InvalidCriteriaError indicates a malformed search criteria value.
type InvalidCriteriaError struct {
	Field  string
	Reason string
}

func (e InvalidCriteriaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid criteria: %s", e.Reason)
	}
	return fmt.Sprintf("invalid criteria %s: %s", e.Field, e.Reason)
}

// CycleError indicates a hierarchy mutation would make a snapshot its own
// ancestor.
type CycleError struct {
	ParentID string
	ChildID  string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("adding %s under %s would create a hierarchy cycle", e.ChildID, e.ParentID)
}

// SubscriberNotFoundError indicates an unsubscribe or lookup referenced an
// unknown subscriber.
type SubscriberNotFoundError struct {
	SubscriberID string
}

func (e SubscriberNotFoundError) Error() string {
	return fmt.Sprintf("subscriber %s not found", e.SubscriberID)
}

// DisabledError is returned by every store operation while the resolved
// configuration has Enabled=false. It is a typed no-op result, not a
// failure of the operation itself.
type DisabledError struct {
	StoreID string
}

func (e DisabledError) Error() string {
	return fmt.Sprintf("store %s is disabled by configuration", e.StoreID)
}

// IsDuplicate reports whether err represents a duplicate snapshot id.
func IsDuplicate(err error) bool {
	var target DuplicateError
	return errors.As(err, &target)
}

// IsNotFound reports whether err represents a missing snapshot.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// IsConfigurationMissing reports whether err represents a store without
// any resolvable configuration.
func IsConfigurationMissing(err error) bool {
	var target ConfigurationMissingError
	return errors.As(err, &target)
}

// IsDelegateUnavailable reports whether err represents an exhausted
// delegate.
func IsDelegateUnavailable(err error) bool {
	var target DelegateUnavailableError
	return errors.As(err, &target)
}

// IsInvalidCriteria reports whether err represents malformed criteria.
func IsInvalidCriteria(err error) bool {
	var target InvalidCriteriaError
	return errors.As(err, &target)
}

// IsCycle reports whether err represents a rejected hierarchy cycle.
func IsCycle(err error) bool {
	var target CycleError
	return errors.As(err, &target)
}

// IsSubscriberNotFound reports whether err references an unknown
// subscriber.
func IsSubscriberNotFound(err error) bool {
	var target SubscriberNotFoundError
	return errors.As(err, &target)
}

// IsDisabled reports whether err is the disabled-store no-op result.
func IsDisabled(err error) bool {
	var target DisabledError
	return errors.As(err, &target)
}
