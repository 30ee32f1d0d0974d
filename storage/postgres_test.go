package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/songzhibin97/approval-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) *PostgresStorage {
	t.Helper()
	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		t.Skip("DB_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStorage(ctx, PostgresOptions{DSN: dsn, MaxConns: 20})
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, `TRUNCATE approval_checkpoints, step_history, workflow_instances, workflows`)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStorage(t *testing.T) {
	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		store := newTestPostgres(t)
		ctx := context.Background()

		wf := newWorkflow(1)
		require.NoError(t, store.SaveWorkflow(ctx, wf))
		got, err := store.GetWorkflow(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, wf, got)

		_, err = store.GetWorkflow(ctx, 99)
		assert.ErrorIs(t, err, types.ErrWorkflowNotFound)
	})

	t.Run("CreateLoadCommit", func(t *testing.T) {
		store := newTestPostgres(t)
		ctx := context.Background()

		snap := newSnapshot(1, types.StateCreated)
		require.NoError(t, store.Create(ctx, snap))
		assert.ErrorIs(t, store.Create(ctx, snap), types.ErrInvalidState)

		next := bump(snap, func(s *types.Snapshot) {
			s.Instance.State = types.StateRunning
			s.Instance.Steps = []types.StepRecord{{StepID: "s1", ExecutedAt: 1}}
		})
		require.NoError(t, store.Commit(ctx, 1, 1, next))
		assert.ErrorIs(t, store.Commit(ctx, 1, 1, next), types.ErrVersionConflict)

		got, err := store.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Instance.Version)
		assert.Len(t, got.Instance.Steps, 1)

		appended, err := store.AppendHistory(ctx, 1, 2, types.StepRecord{StepID: "s2", ExecutedAt: 2})
		require.NoError(t, err)
		assert.Len(t, appended.Instance.Steps, 2)

		rewritten := bump(appended, func(s *types.Snapshot) { s.Instance.Steps = s.Instance.Steps[:1] })
		assert.ErrorIs(t, store.Commit(ctx, 1, 3, rewritten), types.ErrInvalidState)
	})

	t.Run("Checkpoints", func(t *testing.T) {
		store := newTestPostgres(t)
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

		due, err := store.ListPendingCheckpoints(ctx, 100)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "cp1", due[0].ID)

		due, err = store.ListPendingCheckpoints(ctx, 50)
		require.NoError(t, err)
		assert.Empty(t, due)

		resolved := bump(withCP, func(s *types.Snapshot) { s.Checkpoints[0].Status = types.CheckpointRejected })
		require.NoError(t, store.Commit(ctx, 1, 2, resolved))

		cp, err := store.GetCheckpoint(ctx, "cp1")
		require.NoError(t, err)
		assert.Equal(t, types.CheckpointRejected, cp.Status)
	})

	t.Run("ListInstances", func(t *testing.T) {
		store := newTestPostgres(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newSnapshot(1, types.StateRunning)))
		require.NoError(t, store.Create(ctx, newSnapshot(2, types.StateRolledBack)))

		all, err := store.ListInstances(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		done, err := store.ListInstances(ctx, types.StateRolledBack)
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, uint64(2), done[0].ID)
	})

	t.Run("ConcurrentCommits", func(t *testing.T) {
		store := newTestPostgres(t)
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
		store := newTestPostgres(t)
		ctx := context.Background()

		ok, err := store.TryLead(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.TryLead(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
