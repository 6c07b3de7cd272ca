package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weave-vtt/backend/internal/models"
)

// MemoryStore is an in-process Store with the same semantics as Repository.
// It backs tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string]models.Stream
	events    map[string][]models.Event
	snapshots map[string]map[int64]models.Snapshot
	now       func() time.Time

	// failNext, when set, makes the next mutating call fail with a PersistenceError.
	failNext error
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string]models.Stream),
		events:    make(map[string][]models.Event),
		snapshots: make(map[string]map[int64]models.Snapshot),
		now:       time.Now,
	}
}

// FailNext makes the next Append, SaveSnapshot or EnsureStream fail with err.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *MemoryStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// CurrentVersion returns the highest event version of the stream, or 0.
func (m *MemoryStore) CurrentVersion(_ context.Context, streamID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events[streamID])), nil
}

// Append inserts one event at current+1 unless the expected version does not match.
func (m *MemoryStore) Append(ctx context.Context, streamID, eventType string, payload json.RawMessage, opts AppendOptions) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, persistErr("append", err)
	}
	if eventType == "" {
		return 0, persistErr("append", errors.New("event type is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, persistErr("append", err)
	}

	current := int64(len(m.events[streamID]))
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current {
		return 0, &ConflictError{StreamID: streamID, Expected: *opts.ExpectedVersion, Actual: current}
	}
	next := current + 1
	body := append(json.RawMessage(nil), normalizePayload(payload)...)
	m.events[streamID] = append(m.events[streamID], models.Event{
		ID:            uuid.New(),
		StreamID:      streamID,
		Version:       next,
		Type:          eventType,
		Payload:       body,
		CorrelationID: opts.CorrelationID,
		CreatedAt:     m.now(),
	})
	return next, nil
}

// EventsAfter returns up to limit events with version > afterVersion, ascending.
func (m *MemoryStore) EventsAfter(_ context.Context, streamID string, afterVersion int64, limit int) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsAfterLocked(streamID, afterVersion, normalizeLimit(limit)), nil
}

func (m *MemoryStore) eventsAfterLocked(streamID string, afterVersion int64, limit int) []models.Event {
	all := m.events[streamID]
	if afterVersion < 0 {
		afterVersion = 0
	}
	if afterVersion >= int64(len(all)) {
		return nil
	}
	// versions are contiguous from 1, so version v lives at index v-1
	rest := all[afterVersion:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]models.Event, len(rest))
	copy(out, rest)
	return out
}

// LatestSnapshot returns the highest-version snapshot, or nil.
func (m *MemoryStore) LatestSnapshot(_ context.Context, streamID string) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestSnapshotLocked(streamID), nil
}

func (m *MemoryStore) latestSnapshotLocked(streamID string) *models.Snapshot {
	byVersion := m.snapshots[streamID]
	if len(byVersion) == 0 {
		return nil
	}
	versions := make([]int64, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	snap := byVersion[versions[0]]
	snap.State = append(json.RawMessage(nil), snap.State...)
	return &snap
}

// SaveSnapshot upserts the snapshot keyed by (stream, version).
func (m *MemoryStore) SaveSnapshot(ctx context.Context, streamID string, version int64, state json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return persistErr("save snapshot", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return persistErr("save snapshot", err)
	}
	if version < 0 || version > int64(len(m.events[streamID])) {
		return persistErr("save snapshot", errors.New("snapshot version beyond stream head"))
	}
	if m.snapshots[streamID] == nil {
		m.snapshots[streamID] = make(map[int64]models.Snapshot)
	}
	id := uuid.New()
	if prev, ok := m.snapshots[streamID][version]; ok {
		id = prev.ID
	}
	m.snapshots[streamID][version] = models.Snapshot{
		ID:        id,
		StreamID:  streamID,
		Version:   version,
		State:     append(json.RawMessage(nil), normalizePayload(state)...),
		CreatedAt: m.now(),
	}
	return nil
}

// EnsureStream creates the stream if it does not exist.
func (m *MemoryStore) EnsureStream(_ context.Context, streamID, streamType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return persistErr("ensure stream", err)
	}
	if _, ok := m.streams[streamID]; !ok {
		m.streams[streamID] = models.Stream{ID: streamID, Type: streamType, CreatedAt: m.now()}
	}
	return nil
}

// Stream returns the stream row, if created.
func (m *MemoryStore) Stream(streamID string) (models.Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamID]
	return s, ok
}

// LoadForRehydrate reads snapshot, tail and current version under one lock.
func (m *MemoryStore) LoadForRehydrate(_ context.Context, streamID string) (*Rehydration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.latestSnapshotLocked(streamID)
	current := int64(len(m.events[streamID]))
	base := int64(0)
	if snap != nil {
		base = snap.Version
	}
	return &Rehydration{
		Snapshot:       snap,
		Tail:           m.eventsAfterLocked(streamID, base, int(current-base)+1),
		CurrentVersion: current,
	}, nil
}
