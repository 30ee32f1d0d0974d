package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/approval-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to REDIS_ADDR on a scratch database and flushes it.
func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	store, err := NewRedisStorage(RedisOptions{
		Addr:         addr,
		DB:           15,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, store.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStorage(t *testing.T) {
	t.Run("ConnectionFailure", func(t *testing.T) {
		_, err := NewRedisStorage(RedisOptions{Addr: "invalid:6379"})
		assert.Error(t, err)
	})

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		wf := newWorkflow(1)
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		got, err := store.GetWorkflow(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, wf, got)

		_, err = store.GetWorkflow(ctx, 2)
		assert.ErrorIs(t, err, types.ErrWorkflowNotFound)
	})

	t.Run("CreateLoadCommit", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		snap := newSnapshot(1, types.StateCreated)
		require.NoError(t, store.Create(ctx, snap))
		assert.ErrorIs(t, store.Create(ctx, snap), types.ErrInvalidState)

		next := bump(snap, func(s *types.Snapshot) {
			s.Instance.State = types.StateRunning
			s.Instance.Steps = []types.StepRecord{{StepID: "s1", ExecutedAt: 1, Compensation: &types.CompensationDescriptor{Action: "undo"}}}
		})
		require.NoError(t, store.Commit(ctx, 1, 1, next))
		assert.ErrorIs(t, store.Commit(ctx, 1, 1, next), types.ErrVersionConflict)

		got, err := store.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.StateRunning, got.Instance.State)
		assert.Equal(t, uint64(2), got.Instance.Version)
		require.Len(t, got.Instance.Steps, 1)
		assert.Equal(t, "undo", got.Instance.Steps[0].Compensation.Action)

		_, err = store.Load(ctx, 42)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("AppendHistory", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newSnapshot(1, types.StateRunning)))

		got, err := store.AppendHistory(ctx, 1, 1, types.StepRecord{StepID: "s1", ExecutedAt: 3})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Instance.Version)

		_, err = store.AppendHistory(ctx, 1, 1, types.StepRecord{StepID: "s2"})
		assert.ErrorIs(t, err, types.ErrVersionConflict)

		loaded, err := store.Load(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, loaded.Instance.Steps, 1)
	})

	t.Run("CheckpointIndexes", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()
		snap := newSnapshot(1, types.StateRunning)
		require.NoError(t, store.Create(ctx, snap))

		withCP := bump(snap, func(s *types.Snapshot) {
			s.Instance.State = types.StateAwaitingApproval
			s.Checkpoints = []types.ApprovalCheckpoint{
				{ID: "cp1", InstanceID: 1, StepID: "s2", Status: types.CheckpointPending, RequestedAt: 5, Deadline: 100},
			}
		})
		require.NoError(t, store.Commit(ctx, 1, 1, withCP))

		cp, err := store.GetCheckpoint(ctx, "cp1")
		require.NoError(t, err)
		assert.Equal(t, "s2", cp.StepID)

		due, err := store.ListPendingCheckpoints(ctx, 99)
		require.NoError(t, err)
		assert.Empty(t, due)
		due, err = store.ListPendingCheckpoints(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, due, 1)

		resolved := bump(withCP, func(s *types.Snapshot) { s.Checkpoints[0].Status = types.CheckpointApproved })
		require.NoError(t, store.Commit(ctx, 1, 2, resolved))

		all, err := store.ListPendingCheckpoints(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, all)

		flipped := bump(resolved, func(s *types.Snapshot) { s.Checkpoints[0].Status = types.CheckpointRejected })
		assert.ErrorIs(t, store.Commit(ctx, 1, 3, flipped), types.ErrAlreadyResolved)
	})

	t.Run("ListInstances", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newSnapshot(1, types.StateRunning)))
		require.NoError(t, store.Create(ctx, newSnapshot(2, types.StateCompleted)))

		live, err := store.ListInstances(ctx, types.StateRunning)
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, uint64(1), live[0].ID)
	})

	t.Run("ConcurrentCommits", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()
		snap := newSnapshot(1, types.StateRunning)
		require.NoError(t, store.Create(ctx, snap))

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Commit(ctx, 1, 1, bump(snap, nil))
				if err == nil {
					atomic.AddInt32(&wins, 1)
				} else if !errors.Is(err, types.ErrVersionConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("TryLead", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		ok, err := store.TryLead(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		// Renewal by the same owner succeeds.
		ok, err = store.TryLead(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		other := &RedisStorage{client: store.client, owner: "someone-else"}
		ok, err = other.TryLead(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
