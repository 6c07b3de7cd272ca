package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weave-vtt/backend/internal/campaign"
	"github.com/weave-vtt/backend/internal/eventstore"
	"github.com/weave-vtt/backend/internal/models"
)

type broadcast struct {
	streamID string
	event    string
	payload  any
}

type recorder struct {
	mu   sync.Mutex
	sent []broadcast
}

func (r *recorder) Broadcast(streamID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, broadcast{streamID: streamID, event: event, payload: payload})
}

func (r *recorder) all() []broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast(nil), r.sent...)
}

// members is a membership set keyed by "session/participant"; check plugs into MembershipFunc.
type members struct {
	mu  sync.Mutex
	set map[string]bool
	err error
}

func newMembers(streamID string, ids ...string) *members {
	m := &members{set: make(map[string]bool)}
	for _, id := range ids {
		m.set[streamID+"/"+id] = true
	}
	return m
}

func (m *members) check(_ context.Context, sessionID, participantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.set[sessionID+"/"+participantID], nil
}

func (m *members) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *members) remove(streamID, id string) {
	m.mu.Lock()
	delete(m.set, streamID+"/"+id)
	m.mu.Unlock()
}

type fixture struct {
	store   *eventstore.MemoryStore
	members *members
	rec     *recorder
	deps    Deps
}

func newFixture(streamID string, ids ...string) *fixture {
	f := &fixture{
		store:   eventstore.NewMemoryStore(),
		members: newMembers(streamID, ids...),
		rec:     &recorder{},
	}
	f.deps = Deps{
		Store:       f.store,
		Membership:  MembershipFunc(f.members.check),
		Broadcaster: f.rec,
		Authorizer: AuthorizerFunc(func(_ context.Context, credential string) (Identity, error) {
			if credential == "bad" {
				return Identity{}, errors.New("signature mismatch")
			}
			return Identity{ParticipantID: credential, Role: models.RolePlayer, SessionBinding: streamID}, nil
		}),
	}
	return f
}

func (f *fixture) start(t *testing.T, streamID string, opts Options) *Aggregate {
	t.Helper()
	a := NewAggregate(streamID, f.deps, opts)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Close)
	return a
}

func ident(streamID, id string, role models.Role) Identity {
	return Identity{ParticipantID: id, DisplayName: "Name " + id, Role: role, SessionBinding: streamID}
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestAggregate_JoinAndSetName(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := f.start(t, "s1", Options{})
	u1 := ident("s1", "u1", models.RolePlayer)

	st, err := a.Join(ctx, u1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Version)
	p, ok := st.Participant("u1")
	require.True(t, ok)
	assert.Equal(t, campaign.Participant{ID: "u1", Name: "Name u1", Health: 10, Role: models.RolePlayer}, p)

	corr := uuid.NewString()
	change, err := a.Execute(ctx, u1, Command{Type: CmdSetName, Name: strPtr("Ann"), CorrelationID: corr})
	require.NoError(t, err)
	assert.EqualValues(t, 2, change.Version)
	assert.Equal(t, campaign.EventNameSet, change.Event)
	assert.Equal(t, "Ann", change.Participant.Name)
	require.NotNil(t, change.CorrelationID)
	assert.Equal(t, corr, change.CorrelationID.String())

	events, err := f.store.EventsAfter(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "PARTICIPANT_UPSERT", events[0].Type)
	assert.Equal(t, "NAME_SET", events[1].Type)
	assert.JSONEq(t, `{"id":"u1","name":"Ann"}`, string(events[1].Payload))

	sent := f.rec.all()
	require.Len(t, sent, 2)
	assert.Equal(t, EventParticipantChanged, sent[1].event)
	assert.Equal(t, change, sent[1].payload)

	persisted, _ := a.Versions()
	assert.EqualValues(t, 2, persisted)
}

func TestAggregate_RejoinKeepsStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := f.start(t, "s1", Options{})
	u1 := ident("s1", "u1", models.RolePlayer)

	_, err := a.Join(ctx, u1)
	require.NoError(t, err)
	_, err = a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(40)})
	require.NoError(t, err)

	st, err := a.Join(ctx, u1)
	require.NoError(t, err)
	p, _ := st.Participant("u1")
	assert.Equal(t, 40, p.Experience)
	assert.Equal(t, 10, p.Health)
}

func TestAggregate_ExperienceClampedAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := f.start(t, "s1", Options{})
	u1 := ident("s1", "u1", models.RolePlayer)
	_, err := a.Join(ctx, u1)
	require.NoError(t, err)

	_, err = a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(5)})
	require.NoError(t, err)
	change, err := a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(-1000)})
	require.NoError(t, err)
	assert.Equal(t, 0, change.Participant.Experience)
}

func TestAggregate_HealthCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "gm", "u1")
	a := f.start(t, "s1", Options{})
	gm := ident("s1", "gm", models.RoleDM)
	u1 := ident("s1", "u1", models.RolePlayer)
	_, err := a.Join(ctx, gm)
	require.NoError(t, err)
	_, err = a.Join(ctx, u1)
	require.NoError(t, err)

	change, err := a.Execute(ctx, gm, Command{Type: CmdSetHealth, ID: "u1", Value: intPtr(-5)})
	require.NoError(t, err)
	assert.Equal(t, 0, change.Participant.Health)

	change, err = a.Execute(ctx, gm, Command{Type: CmdAdjustHealth, ID: "u1", Amount: intPtr(7)})
	require.NoError(t, err)
	assert.Equal(t, campaign.EventHealthSet, change.Event)
	assert.Equal(t, 7, change.Participant.Health)

	change, err = a.Execute(ctx, gm, Command{Type: CmdAdjustHealth, ID: "u1", Amount: intPtr(-3)})
	require.NoError(t, err)
	assert.Equal(t, 4, change.Participant.Health)
}

func TestAggregate_Authorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "owner", "gm", "u1", "u2", "watcher")
	a := f.start(t, "s1", Options{})
	owner := ident("s1", "owner", models.RoleOwner)
	gm := ident("s1", "gm", models.RoleDM)
	u1 := ident("s1", "u1", models.RolePlayer)
	u2 := ident("s1", "u2", models.RolePlayer)
	watcher := ident("s1", "watcher", models.RoleViewer)
	for _, id := range []Identity{owner, gm, u1, u2, watcher} {
		_, err := a.Join(ctx, id)
		require.NoError(t, err)
	}

	cases := []struct {
		name  string
		actor Identity
		cmd   Command
		ok    bool
	}{
		{"viewer cannot rename self", watcher, Command{Type: CmdSetName, Name: strPtr("W")}, false},
		{"viewer cannot add experience", watcher, Command{Type: CmdAddExperience, Amount: intPtr(1)}, false},
		{"player renames self", u1, Command{Type: CmdSetName, Name: strPtr("Ann")}, true},
		{"player upserts self", u1, Command{Type: CmdParticipantUpsert, Name: strPtr("Ann")}, true},
		{"player adds own experience", u1, Command{Type: CmdAddExperience, Amount: intPtr(3)}, true},
		{"player cannot rename another", u1, Command{Type: CmdSetName, ID: "u2", Name: strPtr("X")}, false},
		{"player cannot set own health", u1, Command{Type: CmdSetHealth, Value: intPtr(99)}, false},
		{"player cannot adjust health", u1, Command{Type: CmdAdjustHealth, Amount: intPtr(1)}, false},
		{"player cannot set role", u1, Command{Type: CmdSetRole, ID: "u1", Role: "dm"}, false},
		{"dm sets health of player", gm, Command{Type: CmdSetHealth, ID: "u2", Value: intPtr(3)}, true},
		{"dm renames player", gm, Command{Type: CmdSetName, ID: "u2", Name: strPtr("Bo")}, true},
		{"dm upserts new npc", gm, Command{Type: CmdParticipantUpsert, ID: "npc-1", Name: strPtr("Goblin")}, true},
		{"dm promotes player to dm", gm, Command{Type: CmdSetRole, ID: "u2", Role: "dm"}, true},
		{"dm cannot grant owner", gm, Command{Type: CmdSetRole, ID: "u1", Role: "owner"}, false},
		{"dm cannot demote owner", gm, Command{Type: CmdSetRole, ID: "owner", Role: "player"}, false},
		{"owner demotes dm", owner, Command{Type: CmdSetRole, ID: "u2", Role: "player"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Execute(ctx, tc.actor, tc.cmd)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var ae *AuthorizationError
			assert.True(t, errors.As(err, &ae), "want AuthorizationError, got %v", err)
			assert.Equal(t, KindUnauthorized, Kind(err))
		})
	}
}

func TestAggregate_DemotionOverridesOlderCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "owner", "gm", "u1")
	a := f.start(t, "s1", Options{})
	owner := ident("s1", "owner", models.RoleOwner)
	gm := ident("s1", "gm", models.RoleDM)
	_, err := a.Join(ctx, owner)
	require.NoError(t, err)
	_, err = a.Join(ctx, gm)
	require.NoError(t, err)
	_, err = a.Join(ctx, ident("s1", "u1", models.RolePlayer))
	require.NoError(t, err)

	_, err = a.Execute(ctx, owner, Command{Type: CmdSetRole, ID: "gm", Role: "player"})
	require.NoError(t, err)

	// gm still presents a dm credential
	_, err = a.Execute(ctx, gm, Command{Type: CmdSetHealth, ID: "u1", Value: intPtr(1)})
	assert.Equal(t, KindUnauthorized, Kind(err))

	// rejoining with the same credential does not restore the role
	st, err := a.Join(ctx, gm)
	require.NoError(t, err)
	p, _ := st.Participant("gm")
	assert.Equal(t, models.RolePlayer, p.Role)
}

func TestAggregate_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "gm")
	a := f.start(t, "s1", Options{})
	gm := ident("s1", "gm", models.RoleDM)
	_, err := a.Join(ctx, gm)
	require.NoError(t, err)

	cases := []struct {
		name string
		cmd  Command
	}{
		{"unknown type", Command{Type: "CAST_SPELL"}},
		{"amount too large", Command{Type: CmdAddExperience, Amount: intPtr(1_000_001)}},
		{"amount too small", Command{Type: CmdAdjustHealth, Amount: intPtr(-1_000_001)}},
		{"missing amount", Command{Type: CmdAddExperience}},
		{"missing value", Command{Type: CmdSetHealth}},
		{"empty name", Command{Type: CmdSetName, Name: strPtr("   ")}},
		{"name too long", Command{Type: CmdSetName, Name: strPtr(string(make([]rune, 65)) + "x")}},
		{"missing name", Command{Type: CmdSetName}},
		{"bad correlation id", Command{Type: CmdAddExperience, Amount: intPtr(1), CorrelationID: "not-a-uuid"}},
		{"unknown target", Command{Type: CmdSetHealth, ID: "ghost", Value: intPtr(1)}},
		{"set role without target", Command{Type: CmdSetRole, Role: "player"}},
		{"set role to unknown role", Command{Type: CmdSetRole, ID: "gm", Role: "wizard"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Execute(ctx, gm, tc.cmd)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
			assert.Equal(t, KindValidation, Kind(err))
		})
	}

	persisted, _ := a.Versions()
	assert.EqualValues(t, 1, persisted, "rejected commands write nothing")
	assert.Len(t, f.rec.all(), 1)
}

func TestAggregate_BoundaryMagnitudeAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "gm")
	a := f.start(t, "s1", Options{})
	gm := ident("s1", "gm", models.RoleDM)
	_, err := a.Join(ctx, gm)
	require.NoError(t, err)

	change, err := a.Execute(ctx, gm, Command{Type: CmdSetHealth, Value: intPtr(MaxMagnitude)})
	require.NoError(t, err)
	assert.Equal(t, MaxMagnitude, change.Participant.Health)
}

func TestAggregate_MembershipEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := f.start(t, "s1", Options{})

	_, err := a.Join(ctx, ident("s1", "stranger", models.RoleOwner))
	assert.Equal(t, KindUnauthorized, Kind(err))

	u1 := ident("s1", "u1", models.RolePlayer)
	_, err = a.Join(ctx, u1)
	require.NoError(t, err)

	f.members.remove("s1", "u1")
	_, err = a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(1)})
	assert.Equal(t, KindUnauthorized, Kind(err))

	f.members.fail(errors.New("db down"))
	_, err = a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(1)})
	assert.Equal(t, KindPersistence, Kind(err))
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)
}

func TestAggregate_Authenticate(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := f.start(t, "s1", Options{})

	id, err := a.Authenticate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ParticipantID)

	_, err = a.Authenticate(ctx, "bad")
	assert.Equal(t, KindUnauthorized, Kind(err))

	other := NewAggregate("s2", f.deps, Options{})
	require.NoError(t, other.Start(ctx))
	defer other.Close()
	_, err = other.Authenticate(ctx, "u1")
	assert.Equal(t, KindUnauthorized, Kind(err), "credential bound to s1 is rejected by s2")

	_, err = other.Join(ctx, ident("s1", "u1", models.RolePlayer))
	assert.Equal(t, KindUnauthorized, Kind(err))
}

func TestAggregate_ConflictReloadsAndFailsCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1", "u2")
	first := f.start(t, "s1", Options{})
	u1 := ident("s1", "u1", models.RolePlayer)
	_, err := first.Join(ctx, u1)
	require.NoError(t, err)

	// a second writer (another process) moves the stream on
	second := f.start(t, "s1", Options{})
	_, err = second.Join(ctx, ident("s1", "u2", models.RolePlayer))
	require.NoError(t, err)

	_, err = first.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(5)})
	var ce *ConcurrencyError
	require.True(t, errors.As(err, &ce), "want ConcurrencyError, got %v", err)
	assert.EqualValues(t, 1, ce.Expected)
	assert.EqualValues(t, 2, ce.Actual)
	assert.Equal(t, KindConflict, Kind(err))

	st := first.Snapshot()
	assert.EqualValues(t, 2, st.Version, "aggregate reloaded after conflict")
	_, ok := st.Participant("u2")
	assert.True(t, ok)
	p, _ := st.Participant("u1")
	assert.Equal(t, 0, p.Experience, "optimistic change discarded")

	change, err := first.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(5)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, change.Version)
	assert.Equal(t, 5, change.Participant.Experience)
}

func TestAggregate_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := f.start(t, "s1", Options{})
	u1 := ident("s1", "u1", models.RolePlayer)
	_, err := a.Join(ctx, u1)
	require.NoError(t, err)
	before := a.Snapshot()

	f.store.FailNext(errors.New("connection reset"))
	_, err = a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(5)})
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe), "want PersistenceError, got %v", err)
	assert.Equal(t, KindPersistence, Kind(err))
	assert.Equal(t, before, a.Snapshot())
	assert.Len(t, f.rec.all(), 1, "nothing broadcast for a failed command")

	change, err := a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(5)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, change.Version)
}

func TestAggregate_SnapshotEveryInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := NewAggregate("s1", f.deps, Options{})
	require.NoError(t, a.Start(ctx))
	u1 := ident("s1", "u1", models.RolePlayer)
	_, err := a.Join(ctx, u1)
	require.NoError(t, err)
	for i := 0; i < 49; i++ {
		_, err := a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(1)})
		require.NoError(t, err)
	}
	a.Close()

	snap, err := f.store.LatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.EqualValues(t, 50, snap.Version)
	persisted, snapshot := a.Versions()
	assert.EqualValues(t, 50, persisted)
	assert.EqualValues(t, 50, snapshot)

	r, err := f.store.LoadForRehydrate(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, r.BaseVersion())
	assert.Empty(t, r.Tail, "nothing to replay past the snapshot")

	restarted := f.start(t, "s1", Options{})
	assert.Equal(t, a.Snapshot(), restarted.Snapshot())
	p, _ := restarted.Snapshot().Participant("u1")
	assert.Equal(t, 49, p.Experience)

	for i := 0; i < 3; i++ {
		_, err := restarted.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(1)})
		require.NoError(t, err)
	}
	restarted.Close()

	r, err = f.store.LoadForRehydrate(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, r.BaseVersion())
	assert.EqualValues(t, 53, r.CurrentVersion)
	require.Len(t, r.Tail, 3)
	assert.EqualValues(t, 51, r.Tail[0].Version)

	again := f.start(t, "s1", Options{})
	persisted, snapshot = again.Versions()
	assert.EqualValues(t, 53, persisted)
	assert.EqualValues(t, 50, snapshot)
	assert.EqualValues(t, 53, again.Snapshot().Version)
	p, _ = again.Snapshot().Participant("u1")
	assert.Equal(t, 52, p.Experience)
}

func TestAggregate_RestartReplaysSnapshotAndTail(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := NewAggregate("s1", f.deps, Options{SnapshotInterval: 3})
	require.NoError(t, a.Start(ctx))
	u1 := ident("s1", "u1", models.RolePlayer)
	_, err := a.Join(ctx, u1)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(2)})
		require.NoError(t, err)
	}
	a.Close()
	want := a.Snapshot()

	// tail-only replay from an empty store copy matches too
	events, err := f.store.EventsAfter(ctx, "s1", 0, 0)
	require.NoError(t, err)
	full, err := campaign.Rehydrate(nil, events)
	require.NoError(t, err)
	assert.Equal(t, want, full)

	restarted := f.start(t, "s1", Options{SnapshotInterval: 3})
	assert.Equal(t, want, restarted.Snapshot())
	persisted, snapshot := restarted.Versions()
	assert.EqualValues(t, 8, persisted)
	assert.Positive(t, snapshot)
}

func TestAggregate_NotReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture("s1", "u1")
	a := NewAggregate("s1", f.deps, Options{})
	_, err := a.Execute(ctx, ident("s1", "u1", models.RolePlayer), Command{Type: CmdAddExperience, Amount: intPtr(1)})
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, a.Start(ctx))
	a.Close()
	_, err = a.Join(ctx, ident("s1", "u1", models.RolePlayer))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StatusClosed, a.Status())
}

func TestAggregate_CancelledContextStillCommits(t *testing.T) {
	f := newFixture("s1", "u1")
	a := f.start(t, "s1", Options{})
	u1 := ident("s1", "u1", models.RolePlayer)
	_, err := a.Join(context.Background(), u1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	change, err := a.Execute(ctx, u1, Command{Type: CmdAddExperience, Amount: intPtr(1)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, change.Version)
}
