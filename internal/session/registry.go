package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// EvictFunc is called when an aggregate whose latest events are not yet snapshotted leaves
// the registry.
type EvictFunc func(streamID string, persisted, snapshot int64)

// Registry holds the one live aggregate per stream (thread-safe). Aggregates are started on
// first Acquire and closed when the last holder releases them.
type Registry struct {
	deps    Deps
	opts    Options
	onEvict EvictFunc
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	agg   *Aggregate
	refs  int
	ready chan struct{}
	err   error
}

// NewRegistry creates a registry whose aggregates share deps and opts. onEvict may be nil.
func NewRegistry(deps Deps, opts Options, onEvict EvictFunc) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		deps:    deps,
		opts:    opts,
		onEvict: onEvict,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the started aggregate for streamID and a release func that must be called
// exactly once when the caller is done. Concurrent callers share one start; a failed start is
// not cached.
func (r *Registry) Acquire(ctx context.Context, streamID string) (*Aggregate, func(), error) {
	r.mu.Lock()
	e, ok := r.entries[streamID]
	if !ok {
		e = &entry{agg: NewAggregate(streamID, r.deps, r.opts), ready: make(chan struct{})}
		r.entries[streamID] = e
	}
	e.refs++
	r.mu.Unlock()

	if !ok {
		err := e.agg.Start(context.WithoutCancel(ctx))
		r.mu.Lock()
		e.err = err
		if err != nil && r.entries[streamID] == e {
			delete(r.entries, streamID)
		}
		r.mu.Unlock()
		close(e.ready)
		if err != nil {
			r.logger.Error("start aggregate failed", zap.String("stream_id", streamID), zap.Error(err))
		}
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		r.release(streamID, e)
		return nil, nil, ctx.Err()
	}
	if e.err != nil {
		return nil, nil, e.err
	}

	var once sync.Once
	return e.agg, func() { once.Do(func() { r.release(streamID, e) }) }, nil
}

func (r *Registry) release(streamID string, e *entry) {
	r.mu.Lock()
	e.refs--
	evict := e.refs <= 0 && r.entries[streamID] == e
	if evict {
		delete(r.entries, streamID)
	}
	r.mu.Unlock()
	if evict {
		r.evict(e.agg)
	}
}

func (r *Registry) evict(agg *Aggregate) {
	agg.Close()
	persisted, snapshot := agg.Versions()
	r.logger.Info("aggregate evicted",
		zap.String("stream_id", agg.StreamID()),
		zap.Int64("version", persisted),
		zap.Int64("snapshot_version", snapshot),
	)
	if r.onEvict != nil && persisted > snapshot {
		r.onEvict(agg.StreamID(), persisted, snapshot)
	}
}

// Len returns the number of live aggregates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close evicts every live aggregate regardless of holders. Used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		<-e.ready
		if e.err == nil {
			r.evict(e.agg)
		}
	}
}
