// Package session owns the live state of one campaign stream: it authenticates and admits
// participants, validates and authorizes commands, commits them to the event store under
// optimistic concurrency and broadcasts committed changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weave-vtt/backend/internal/campaign"
	"github.com/weave-vtt/backend/internal/eventstore"
)

const (
	// DefaultSnapshotInterval is the number of events between snapshots.
	DefaultSnapshotInterval = 50
	// DefaultCommandTimeout bounds one command's store round trip.
	DefaultCommandTimeout = 5 * time.Second

	// StreamType is recorded on streams created by the aggregate.
	StreamType = "campaign"

	// EventParticipantChanged is broadcast after every committed command.
	EventParticipantChanged = "participant_changed"
)

// Status is the lifecycle of an aggregate.
type Status int

const (
	StatusCreated Status = iota
	StatusRehydrating
	StatusReady
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRehydrating:
		return "rehydrating"
	case StatusReady:
		return "ready"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Options tunes an aggregate. Zero values take the defaults.
type Options struct {
	SnapshotInterval int64
	CommandTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = DefaultSnapshotInterval
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	return o
}

// Deps are the collaborators of an aggregate. Membership and Broadcaster may be nil.
type Deps struct {
	Store       eventstore.Store
	Authorizer  Authorizer
	Membership  MembershipChecker
	Broadcaster Broadcaster
	Logger      *zap.Logger
}

// Change describes one committed command. It is both the command result and the
// participant_changed broadcast payload.
type Change struct {
	Version       int64                `json:"version"`
	Event         campaign.EventType   `json:"event"`
	Participant   campaign.Participant `json:"participant"`
	CorrelationID *uuid.UUID           `json:"correlation_id,omitempty"`
}

// Aggregate is the single live writer of one stream in this process.
type Aggregate struct {
	streamID string
	deps     Deps
	opts     Options
	logger   *zap.Logger

	// cmdMu serializes Start, Join and Execute.
	cmdMu sync.Mutex

	// stateMu guards the fields below. State values are never mutated after publication.
	stateMu         sync.RWMutex
	status          Status
	state           campaign.State
	persisted       int64
	snapshotVersion int64
	stale           bool

	snapMu       sync.Mutex
	snapInFlight bool
	snapWG       sync.WaitGroup
}

// NewAggregate creates an aggregate for streamID. Call Start before use.
func NewAggregate(streamID string, deps Deps, opts Options) *Aggregate {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregate{
		streamID: streamID,
		deps:     deps,
		opts:     opts.withDefaults(),
		logger:   logger.With(zap.String("stream_id", streamID)),
		state:    campaign.NewState(),
	}
}

// StreamID returns the stream the aggregate owns.
func (a *Aggregate) StreamID() string { return a.streamID }

// Start creates the stream if needed and rehydrates state from the latest snapshot and tail.
func (a *Aggregate) Start(ctx context.Context) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.stateMu.Lock()
	switch a.status {
	case StatusReady:
		a.stateMu.Unlock()
		return nil
	case StatusClosed:
		a.stateMu.Unlock()
		return ErrNotReady
	}
	a.status = StatusRehydrating
	a.stateMu.Unlock()

	if err := a.deps.Store.EnsureStream(ctx, a.streamID, StreamType); err != nil {
		a.setStatus(StatusCreated)
		return &PersistenceError{Err: err}
	}
	if err := a.reload(ctx); err != nil {
		a.setStatus(StatusCreated)
		return err
	}
	a.setStatus(StatusReady)
	return nil
}

func (a *Aggregate) setStatus(s Status) {
	a.stateMu.Lock()
	a.status = s
	a.stateMu.Unlock()
}

// reload replaces in-memory state with a fresh rehydration. Callers hold cmdMu.
func (a *Aggregate) reload(ctx context.Context) error {
	started := time.Now()
	r, err := a.deps.Store.LoadForRehydrate(ctx, a.streamID)
	if err != nil {
		return &PersistenceError{Err: err}
	}
	st, err := campaign.Rehydrate(r.Snapshot, r.Tail)
	if err != nil {
		return &PersistenceError{Err: fmt.Errorf("rehydrate: %w", err)}
	}
	if st.Version != r.CurrentVersion {
		return &PersistenceError{Err: fmt.Errorf("%w: rehydrated v%d, stream at v%d", campaign.ErrVersionGap, st.Version, r.CurrentVersion)}
	}

	a.stateMu.Lock()
	a.state = st
	a.persisted = r.CurrentVersion
	if base := r.BaseVersion(); base > a.snapshotVersion || a.status != StatusReady {
		a.snapshotVersion = base
	}
	a.stale = false
	a.stateMu.Unlock()

	a.logger.Info("campaign rehydrated",
		zap.Int64("snapshot_version", r.BaseVersion()),
		zap.Int("replayed", len(r.Tail)),
		zap.Int64("version", r.CurrentVersion),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

// Authenticate verifies credential and checks that it is bound to this campaign.
func (a *Aggregate) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if a.deps.Authorizer == nil {
		return Identity{}, unauthorized("no authorizer configured")
	}
	id, err := a.deps.Authorizer.Verify(ctx, credential)
	if err != nil {
		return Identity{}, &AuthorizationError{Reason: "invalid credential", Err: err}
	}
	if id.ParticipantID == "" {
		return Identity{}, unauthorized("credential has no subject")
	}
	if id.SessionBinding != a.streamID {
		return Identity{}, unauthorized("credential is bound to another campaign")
	}
	if !id.Role.Valid() {
		return Identity{}, unauthorized("unknown role " + string(id.Role))
	}
	return id, nil
}

// Join admits id and records it on the roster. It returns the state to sync the client with.
func (a *Aggregate) Join(ctx context.Context, id Identity) (campaign.State, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.CommandTimeout)
	defer cancel()

	if err := a.ensureFresh(ctx); err != nil {
		return campaign.State{}, err
	}
	if err := a.admit(ctx, id); err != nil {
		return campaign.State{}, err
	}

	a.stateMu.RLock()
	_, known := a.state.Participant(id.ParticipantID)
	a.stateMu.RUnlock()

	name := ""
	if id.DisplayName != "" {
		name = campaign.TruncateName(id.DisplayName)
	}
	ev := campaign.Upsert(id.ParticipantID, name, "")
	if !known {
		// the roster role is seeded once; later changes go through SET_ROLE
		ev = campaign.Upsert(id.ParticipantID, name, id.Role)
	}
	if _, err := a.commit(ctx, ev, nil); err != nil {
		return campaign.State{}, err
	}
	a.logger.Info("participant joined", zap.String("participant_id", id.ParticipantID), zap.String("role", string(id.Role)))
	return a.Snapshot(), nil
}

// Execute validates, authorizes, commits and broadcasts one command from id.
// Commands run to completion even if ctx is cancelled, bounded by CommandTimeout.
func (a *Aggregate) Execute(ctx context.Context, id Identity, cmd Command) (Change, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.CommandTimeout)
	defer cancel()

	if err := a.ensureFresh(ctx); err != nil {
		return Change{}, err
	}
	if err := a.admit(ctx, id); err != nil {
		return Change{}, err
	}
	corr, err := parseCorrelation(cmd.CorrelationID)
	if err != nil {
		return Change{}, err
	}

	a.stateMu.RLock()
	st := a.state
	a.stateMu.RUnlock()

	ev, err := plan(st, id, cmd)
	if err != nil {
		a.logger.Debug("command rejected",
			zap.String("participant_id", id.ParticipantID),
			zap.String("command", string(cmd.Type)),
			zap.Error(err),
		)
		return Change{}, err
	}
	return a.commit(ctx, ev, corr)
}

// ensureFresh fails when the aggregate is not ready and reloads it when stale.
func (a *Aggregate) ensureFresh(ctx context.Context) error {
	a.stateMu.RLock()
	status, stale := a.status, a.stale
	a.stateMu.RUnlock()
	if status != StatusReady {
		return ErrNotReady
	}
	if !stale {
		return nil
	}
	a.logger.Info("reloading stale aggregate")
	return a.reload(ctx)
}

// admit re-checks the binding and the membership of id.
func (a *Aggregate) admit(ctx context.Context, id Identity) error {
	if id.ParticipantID == "" {
		return unauthorized("missing participant")
	}
	if id.SessionBinding != a.streamID {
		return unauthorized("credential is bound to another campaign")
	}
	if a.deps.Membership == nil {
		return nil
	}
	ok, err := a.deps.Membership.IsActiveMember(ctx, a.streamID, id.ParticipantID)
	if err != nil {
		return &PersistenceError{Err: fmt.Errorf("check membership: %w", err)}
	}
	if !ok {
		return unauthorized("not an active member of this campaign")
	}
	return nil
}

// commit appends ev at persisted+1, publishes the new state and broadcasts the change.
// Callers hold cmdMu.
func (a *Aggregate) commit(ctx context.Context, ev campaign.Event, corr *uuid.UUID) (Change, error) {
	a.stateMu.RLock()
	current, expected := a.state, a.persisted
	a.stateMu.RUnlock()

	next := campaign.Apply(current, ev)
	typ, payload, err := campaign.Encode(ev)
	if err != nil {
		return Change{}, err
	}

	version, err := a.deps.Store.Append(ctx, a.streamID, string(typ), payload, eventstore.AppendOptions{
		ExpectedVersion: &expected,
		CorrelationID:   corr,
	})
	if err != nil {
		if errors.Is(err, eventstore.ErrConcurrency) {
			return Change{}, a.recoverConflict(ctx, expected, err)
		}
		// the write may or may not have landed
		a.markStale()
		a.logger.Error("append failed", zap.String("event", string(typ)), zap.Error(err))
		return Change{}, &PersistenceError{Err: err}
	}

	a.stateMu.Lock()
	if version != next.Version {
		a.stale = true
	} else {
		a.state = next
		a.persisted = version
	}
	due := version-a.snapshotVersion >= a.opts.SnapshotInterval
	a.stateMu.Unlock()
	if version != next.Version {
		a.logger.Error("store assigned unexpected version", zap.Int64("want", next.Version), zap.Int64("got", version))
		return Change{}, &PersistenceError{Err: fmt.Errorf("store assigned v%d, expected v%d", version, next.Version)}
	}

	if due {
		a.scheduleSnapshot(next)
	}

	p, _ := next.Participant(campaign.TargetID(ev))
	change := Change{Version: version, Event: typ, Participant: p, CorrelationID: corr}
	if a.deps.Broadcaster != nil {
		a.deps.Broadcaster.Broadcast(a.streamID, EventParticipantChanged, change)
	}
	return change, nil
}

// recoverConflict discards the optimistic state by reloading from the store.
func (a *Aggregate) recoverConflict(ctx context.Context, expected int64, cause error) error {
	actual := expected
	var ce *eventstore.ConflictError
	if errors.As(cause, &ce) {
		actual = ce.Actual
	}
	a.logger.Warn("append conflict", zap.Int64("expected", expected), zap.Int64("actual", actual))
	if err := a.reload(ctx); err != nil {
		a.markStale()
		a.logger.Error("reload after conflict failed", zap.Error(err))
	}
	return &ConcurrencyError{Expected: expected, Actual: actual, Err: cause}
}

func (a *Aggregate) markStale() {
	a.stateMu.Lock()
	a.stale = true
	a.stateMu.Unlock()
}

// scheduleSnapshot saves st in the background unless a save is already running.
func (a *Aggregate) scheduleSnapshot(st campaign.State) {
	a.snapMu.Lock()
	if a.snapInFlight {
		a.snapMu.Unlock()
		return
	}
	a.snapInFlight = true
	a.snapWG.Add(1)
	a.snapMu.Unlock()

	go func() {
		defer a.snapWG.Done()
		defer func() {
			a.snapMu.Lock()
			a.snapInFlight = false
			a.snapMu.Unlock()
		}()
		if err := a.saveSnapshot(st); err != nil {
			a.logger.Warn("snapshot failed", zap.Int64("version", st.Version), zap.Error(err))
		}
	}()
}

func (a *Aggregate) saveSnapshot(st campaign.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.CommandTimeout)
	defer cancel()
	body, err := st.Marshal()
	if err != nil {
		return err
	}
	if err := a.deps.Store.SaveSnapshot(ctx, a.streamID, st.Version, body); err != nil {
		return err
	}
	a.stateMu.Lock()
	if st.Version > a.snapshotVersion {
		a.snapshotVersion = st.Version
	}
	a.stateMu.Unlock()
	a.logger.Debug("snapshot saved", zap.Int64("version", st.Version))
	return nil
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregate) Snapshot() campaign.State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state.Clone()
}

// Versions returns the persisted version and the latest snapshotted version.
func (a *Aggregate) Versions() (persisted, snapshot int64) {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.persisted, a.snapshotVersion
}

// Status returns the lifecycle state.
func (a *Aggregate) Status() Status {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.status
}

// Close stops accepting commands and waits for an in-flight snapshot.
func (a *Aggregate) Close() {
	a.cmdMu.Lock()
	a.setStatus(StatusClosed)
	a.cmdMu.Unlock()
	a.snapWG.Wait()
}
