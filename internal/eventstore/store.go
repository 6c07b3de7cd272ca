// Package eventstore is the append-only, per-stream event log with optimistic-concurrency
// appends and snapshot storage.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/weave-vtt/backend/internal/models"
)

// DefaultPageLimit bounds EventsAfter when the caller passes a non-positive limit.
const DefaultPageLimit = 10000

// ErrConcurrency is matched (errors.Is) by every expected-version conflict.
var ErrConcurrency = errors.New("concurrency conflict")

// ConflictError reports an append whose expected version did not match the stream.
type ConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict: expected v%d but stream %s is at v%d", e.Expected, e.StreamID, e.Actual)
}

// Is makes errors.Is(err, ErrConcurrency) true for conflicts.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrency
}

// PersistenceError reports a failed unit of work. Nothing was written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("eventstore %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) || errors.Is(err, ErrConcurrency) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// AppendOptions carries the optional concurrency and correlation parameters of Append.
type AppendOptions struct {
	// ExpectedVersion, when set, must equal the stream's current version.
	ExpectedVersion *int64
	CorrelationID   *uuid.UUID
}

// ExpectVersion is a convenience for AppendOptions{ExpectedVersion: &v}.
func ExpectVersion(v int64) AppendOptions {
	return AppendOptions{ExpectedVersion: &v}
}

// Rehydration is a consistent read of a stream's latest snapshot and the events after it.
type Rehydration struct {
	Snapshot       *models.Snapshot
	Tail           []models.Event
	CurrentVersion int64
}

// BaseVersion is the snapshot version, or 0 without a snapshot.
func (r *Rehydration) BaseVersion() int64 {
	if r == nil || r.Snapshot == nil {
		return 0
	}
	return r.Snapshot.Version
}

// Store is the event log consumed by the session aggregate, the rehydrator and the worker.
type Store interface {
	CurrentVersion(ctx context.Context, streamID string) (int64, error)
	Append(ctx context.Context, streamID, eventType string, payload json.RawMessage, opts AppendOptions) (int64, error)
	EventsAfter(ctx context.Context, streamID string, afterVersion int64, limit int) ([]models.Event, error)
	LatestSnapshot(ctx context.Context, streamID string) (*models.Snapshot, error)
	SaveSnapshot(ctx context.Context, streamID string, version int64, state json.RawMessage) error
	EnsureStream(ctx context.Context, streamID, streamType string) error
	LoadForRehydrate(ctx context.Context, streamID string) (*Rehydration, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultPageLimit {
		return DefaultPageLimit
	}
	return limit
}

func normalizePayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}
