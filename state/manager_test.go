package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/storage"
	"github.com/songzhibin97/approval-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Notify(_ context.Context, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func newTestManager(t *testing.T) (*Manager, *recordingSink) {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveWorkflow(context.Background(), types.Workflow{
		ID:    1,
		Name:  "two-step",
		Steps: []types.Step{{ID: "s1", Action: "noop"}, {ID: "s2", Action: "noop", RequiresApproval: true}},
	}))
	sink := &recordingSink{}
	clock := time.UnixMilli(1_700_000_000_000)
	m, err := NewManager(store, &MockGenerator{}, WithSink(sink), WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	return m, sink
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(nil, &MockGenerator{})
	assert.EqualError(t, err, "storage is required")
	_, err = NewManager(storage.NewMemoryStorage(), nil)
	assert.EqualError(t, err, "generator is required")
}

func TestCreateInstance(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	inst, err := m.CreateInstance(ctx, 1, map[string]interface{}{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, inst.State)
	assert.Equal(t, uint64(1), inst.Version)
	assert.Equal(t, 10, inst.Context["amount"])
	assert.Equal(t, int64(1_700_000_000_000), inst.CreatedAt)

	got, err := m.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)

	_, err = m.CreateInstance(ctx, 99, nil)
	assert.ErrorIs(t, err, types.ErrWorkflowNotFound)

	_, err = m.GetInstance(ctx, 12345)
	assert.ErrorIs(t, err, types.ErrNotFound)

	evs := sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, types.StateCreated, evs[0].ToState)
}

func TestApplyTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("VersionAdvancesByOne", func(t *testing.T) {
		m, sink := newTestManager(t)
		inst, _ := m.CreateInstance(ctx, 1, nil)

		snap, err := m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning, Reason: "start"})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), snap.Instance.Version)

		snap, err = m.ApplyTransition(ctx, inst.ID, 2, Transition{
			To:       types.StateRunning,
			Append:   []types.StepRecord{{StepID: "s1", StepIndex: 0}},
			NextStep: Step(1),
			Context:  map[string]interface{}{"steps": map[string]interface{}{"s1": "ok"}},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(3), snap.Instance.Version)
		assert.Equal(t, 1, snap.Instance.NextStep)
		assert.Len(t, snap.Instance.Steps, 1)

		// Progress without a state change emits nothing.
		assert.Len(t, sink.all(), 2)
	})

	t.Run("StaleVersion", func(t *testing.T) {
		m, _ := newTestManager(t)
		inst, _ := m.CreateInstance(ctx, 1, nil)
		_, err := m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
		require.NoError(t, err)

		_, err = m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
		assert.ErrorIs(t, err, types.ErrVersionConflict)
	})

	t.Run("IllegalEdges", func(t *testing.T) {
		m, _ := newTestManager(t)
		inst, _ := m.CreateInstance(ctx, 1, nil)

		_, err := m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateCompleted})
		assert.ErrorIs(t, err, types.ErrInvalidState)

		_, err = m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
		require.NoError(t, err)
		_, err = m.ApplyTransition(ctx, inst.ID, 2, Transition{To: types.StateCompleted})
		require.NoError(t, err)

		_, err = m.ApplyTransition(ctx, inst.ID, 3, Transition{To: types.StateRunning})
		assert.ErrorIs(t, err, types.ErrInvalidState)
	})

	t.Run("CheckpointRules", func(t *testing.T) {
		m, _ := newTestManager(t)
		inst, _ := m.CreateInstance(ctx, 1, nil)
		_, err := m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
		require.NoError(t, err)

		_, err = m.ApplyTransition(ctx, inst.ID, 2, Transition{To: types.StateAwaitingApproval})
		assert.ErrorIs(t, err, types.ErrInvalidArgument)

		cp := types.ApprovalCheckpoint{ID: "cp1", InstanceID: inst.ID, StepID: "s2", Status: types.CheckpointPending}
		snap, err := m.ApplyTransition(ctx, inst.ID, 2, Transition{To: types.StateAwaitingApproval, Checkpoint: &cp})
		require.NoError(t, err)
		_, ok := snap.PendingCheckpoint()
		assert.True(t, ok)

		// Resuming without resolving the checkpoint is refused.
		_, err = m.ApplyTransition(ctx, inst.ID, 3, Transition{To: types.StateRunning})
		assert.ErrorIs(t, err, types.ErrInvalidState)

		resolved := cp
		resolved.Status = types.CheckpointApproved
		snap, err = m.ApplyTransition(ctx, inst.ID, 3, Transition{To: types.StateRunning, Checkpoint: &resolved, Approve: "s2"})
		require.NoError(t, err)
		assert.True(t, snap.Instance.IsApproved("s2"))

		again := cp
		again.Status = types.CheckpointRejected
		_, err = m.ApplyTransition(ctx, inst.ID, 4, Transition{To: types.StateRollingBack, Checkpoint: &again})
		assert.ErrorIs(t, err, types.ErrAlreadyResolved)
	})

	t.Run("DuplicatePending", func(t *testing.T) {
		m, _ := newTestManager(t)
		inst, _ := m.CreateInstance(ctx, 1, nil)
		_, _ = m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
		cp := types.ApprovalCheckpoint{ID: "cp1", Status: types.CheckpointPending}
		_, err := m.ApplyTransition(ctx, inst.ID, 2, Transition{To: types.StateAwaitingApproval, Checkpoint: &cp})
		require.NoError(t, err)

		cp2 := types.ApprovalCheckpoint{ID: "cp2", Status: types.CheckpointPending}
		_, err = m.ApplyTransition(ctx, inst.ID, 3, Transition{To: types.StateAwaitingApproval, Checkpoint: &cp2})
		assert.Error(t, err)
	})

	t.Run("FailedOnlyResumesRollback", func(t *testing.T) {
		m, _ := newTestManager(t)
		inst, _ := m.CreateInstance(ctx, 1, nil)
		_, _ = m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
		_, _ = m.ApplyTransition(ctx, inst.ID, 2, Transition{To: types.StateRollingBack})
		rb := types.RollbackRecord{ID: "rb1", ResultState: types.StateFailed, Complete: true, NextIndex: 0}
		_, err := m.ApplyTransition(ctx, inst.ID, 3, Transition{To: types.StateFailed, Rollback: &rb})
		require.NoError(t, err)

		_, err = m.ApplyTransition(ctx, inst.ID, 4, Transition{To: types.StateRollingBack})
		assert.ErrorIs(t, err, types.ErrInvalidState)

		retry := types.RollbackRecord{ID: "rb2", NextIndex: 0}
		snap, err := m.ApplyTransition(ctx, inst.ID, 4, Transition{To: types.StateRollingBack, Rollback: &retry})
		require.NoError(t, err)
		assert.Len(t, snap.Rollbacks, 2)
	})
}

func TestExecutionLog(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()
	inst, _ := m.CreateInstance(ctx, 1, nil)

	_, err := m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning, Reason: "started"})
	require.NoError(t, err)
	snap, err := m.ApplyTransition(ctx, inst.ID, 2, Transition{To: types.StateRollingBack, Reason: "cancelled: customer withdrew"})
	require.NoError(t, err)

	log := snap.Instance.ExecutionLog
	require.Len(t, log, 3)
	assert.Equal(t, types.LogEntry{At: 1_700_000_000_000, Version: 1, To: types.StateCreated, Reason: "created"}, log[0])
	assert.Equal(t, types.StateCreated, log[1].From)
	assert.Equal(t, types.StateRunning, log[1].To)
	assert.Equal(t, uint64(3), log[2].Version)
	assert.Equal(t, "cancelled: customer withdrew", log[2].Reason)

	stored, err := m.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, log, stored.ExecutionLog)

	// Events carry the injected clock, not the wall clock.
	for _, ev := range sink.all() {
		assert.Equal(t, snap.Instance.UpdatedAt, ev.Timestamp)
	}
}

func TestExecutionLogIsBounded(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	inst, _ := m.CreateInstance(ctx, 1, nil)
	snap, err := m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
	require.NoError(t, err)

	for i := 0; i < types.MaxExecutionLog+10; i++ {
		snap, err = m.ApplyTransition(ctx, inst.ID, snap.Instance.Version, Transition{To: types.StateRunning, Reason: "progress"})
		require.NoError(t, err)
	}

	log := snap.Instance.ExecutionLog
	assert.Len(t, log, types.MaxExecutionLog)
	assert.Equal(t, snap.Instance.Version, log[len(log)-1].Version)
	assert.Equal(t, "progress", log[0].Reason)
}

func TestRecordStep(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	inst, _ := m.CreateInstance(ctx, 1, nil)

	_, err := m.RecordStep(ctx, inst.ID, 1, types.StepRecord{StepID: "s1"})
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, _ = m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
	snap, err := m.RecordStep(ctx, inst.ID, 2, types.StepRecord{StepID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Instance.Version)
	assert.Len(t, snap.Instance.Steps, 1)
}

func TestConcurrentTransitionsAreLinearizable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	inst, _ := m.CreateInstance(ctx, 1, nil)
	_, err := m.ApplyTransition(ctx, inst.ID, 1, Transition{To: types.StateRunning})
	require.NoError(t, err)

	// Each writer retries until its record lands; every commit must see a
	// distinct prior version.
	const writers = 20
	var wg sync.WaitGroup
	seen := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				cur, err := m.GetInstance(ctx, inst.ID)
				if err != nil {
					t.Error(err)
					return
				}
				next, err := m.ApplyTransition(ctx, inst.ID, cur.Version, Transition{
					To:     types.StateRunning,
					Append: []types.StepRecord{{StepID: "w", StepIndex: i}},
				})
				if errors.Is(err, types.ErrVersionConflict) {
					continue
				}
				if err != nil {
					t.Error(err)
					return
				}
				seen <- next.Instance.Version
				return
			}
		}(i)
	}
	wg.Wait()
	close(seen)

	versions := map[uint64]bool{}
	for v := range seen {
		assert.False(t, versions[v], "version %d committed twice", v)
		versions[v] = true
	}
	final, err := m.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2+writers), final.Version)
	assert.Len(t, final.Steps, writers)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(types.StateCreated, types.StateRunning))
	assert.True(t, CanTransition(types.StateAwaitingApproval, types.StateRollingBack))
	assert.True(t, CanTransition(types.StateFailed, types.StateRollingBack))
	assert.False(t, CanTransition(types.StateRollingBack, types.StateRunning))
	assert.False(t, CanTransition(types.StateRolledBack, types.StateRollingBack))
	assert.False(t, CanTransition(types.StateCompleted, types.StateRunning))
}
