package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AppendAssignsContiguousVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureStream(ctx, "s1", "campaign"))

	v, err := s.Append(ctx, "s1", "PARTICIPANT_UPSERT", json.RawMessage(`{"id":"u1"}`), ExpectVersion(0))
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = s.Append(ctx, "s1", "NAME_SET", json.RawMessage(`{"id":"u1","name":"Ann"}`), AppendOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	current, err := s.CurrentVersion(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, current)

	events, err := s.EventsAfter(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 1, events[0].Version)
	assert.EqualValues(t, 2, events[1].Version)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestMemoryStore_ConflictWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Append(ctx, "s1", "PARTICIPANT_UPSERT", nil, ExpectVersion(0))
	require.NoError(t, err)

	_, err = s.Append(ctx, "s1", "PARTICIPANT_UPSERT", nil, ExpectVersion(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrency)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.EqualValues(t, 0, conflict.Expected)
	assert.EqualValues(t, 1, conflict.Actual)

	current, _ := s.CurrentVersion(ctx, "s1")
	assert.EqualValues(t, 1, current)
}

func TestMemoryStore_ConcurrentAppendsOneWinnerPerVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, "s1", "NAME_SET", json.RawMessage(fmt.Sprintf(`{"id":"u%d"}`, i)), ExpectVersion(0))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrConcurrency) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)
}

func TestMemoryStore_EmptyPayloadAndCorrelation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	corr := uuid.New()
	_, err := s.Append(ctx, "s1", "NAME_SET", nil, AppendOptions{CorrelationID: &corr})
	require.NoError(t, err)

	events, err := s.EventsAfter(ctx, "s1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{}`, string(events[0].Payload))
	require.NotNil(t, events[0].CorrelationID)
	assert.Equal(t, corr, *events[0].CorrelationID)
}

func TestMemoryStore_EventsAfterHonorsLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "s1", "XP", nil, AppendOptions{})
		require.NoError(t, err)
	}
	events, err := s.EventsAfter(ctx, "s1", 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 3, events[0].Version)
	assert.EqualValues(t, 4, events[1].Version)

	events, err = s.EventsAfter(ctx, "s1", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = s.EventsAfter(ctx, "missing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStore_SnapshotsUpsertAndLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	snap, err := s.LatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "s1", "XP", nil, AppendOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveSnapshot(ctx, "s1", 1, json.RawMessage(`{"v":1}`)))
	require.NoError(t, s.SaveSnapshot(ctx, "s1", 3, json.RawMessage(`{"v":3}`)))
	first, err := s.LatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, "s1", 3, json.RawMessage(`{"v":"again"}`)))

	latest, err := s.LatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.EqualValues(t, 3, latest.Version)
	assert.JSONEq(t, `{"v":"again"}`, string(latest.State))
	assert.Equal(t, first.ID, latest.ID, "upsert keeps one row per (stream, version)")

	assert.Error(t, s.SaveSnapshot(ctx, "s1", 9, json.RawMessage(`{}`)))
}

func TestMemoryStore_LoadForRehydrate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 7; i++ {
		_, err := s.Append(ctx, "s1", "XP", nil, AppendOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveSnapshot(ctx, "s1", 4, json.RawMessage(`{}`)))

	r, err := s.LoadForRehydrate(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, r.BaseVersion())
	assert.EqualValues(t, 7, r.CurrentVersion)
	require.Len(t, r.Tail, 3)
	assert.EqualValues(t, 5, r.Tail[0].Version)

	empty, err := s.LoadForRehydrate(ctx, "fresh")
	require.NoError(t, err)
	assert.Nil(t, empty.Snapshot)
	assert.Empty(t, empty.Tail)
	assert.EqualValues(t, 0, empty.CurrentVersion)
}

func TestMemoryStore_FailNextIsPersistenceError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.FailNext(errors.New("disk full"))

	_, err := s.Append(ctx, "s1", "XP", nil, AppendOptions{})
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "append", pe.Op)
	assert.False(t, errors.Is(err, ErrConcurrency))

	current, _ := s.CurrentVersion(ctx, "s1")
	assert.EqualValues(t, 0, current)

	_, err = s.Append(ctx, "s1", "XP", nil, AppendOptions{})
	assert.NoError(t, err, "failure is consumed once")
}

func TestMemoryStore_EnsureStreamIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureStream(ctx, "s1", "campaign"))
	first, ok := s.Stream("s1")
	require.True(t, ok)
	require.NoError(t, s.EnsureStream(ctx, "s1", "other"))
	again, _ := s.Stream("s1")
	assert.Equal(t, first, again)
}
