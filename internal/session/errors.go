package session

import (
	"errors"
	"fmt"

	"github.com/weave-vtt/backend/internal/eventstore"
)

// ErrNotReady is returned for commands sent before Start finished or after Close.
var ErrNotReady = errors.New("session not ready")

// Wire codes reported on a connection's error channel.
const (
	KindValidation   = "validation"
	KindUnauthorized = "unauthorized"
	KindConflict     = "conflict"
	KindPersistence  = "persistence"
	KindInternal     = "internal"
)

// ValidationError rejects a malformed or out-of-range command.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid command: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError rejects a credential, a non-member or a command the role may not issue.
type AuthorizationError struct {
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unauthorized: %s: %v", e.Reason, e.Err)
	}
	return "unauthorized: " + e.Reason
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

func unauthorized(reason string) error {
	return &AuthorizationError{Reason: reason}
}

// ConcurrencyError reports that another writer appended first. The aggregate has reloaded;
// the client may resubmit against the new state.
type ConcurrencyError struct {
	Expected int64
	Actual   int64
	Err      error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stream moved on: expected v%d, found v%d", e.Expected, e.Actual)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

// PersistenceError reports a store failure. No state change was applied.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Kind maps err to its wire code.
func Kind(err error) string {
	var (
		ve *ValidationError
		ae *AuthorizationError
		ce *ConcurrencyError
		pe *PersistenceError
		se *eventstore.PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ae):
		return KindUnauthorized
	case errors.As(err, &ce), errors.Is(err, eventstore.ErrConcurrency):
		return KindConflict
	case errors.As(err, &pe), errors.As(err, &se):
		return KindPersistence
	}
	return KindInternal
}
