package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/approval-workflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	workflows   map[uint64]types.Workflow
	instances   map[uint64]types.Snapshot
	checkpoints map[string]uint64 // checkpoint ID -> instance ID
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows:   make(map[uint64]types.Workflow),
		instances:   make(map[uint64]types.Snapshot),
		checkpoints: make(map[string]uint64),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, what string) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %s %v", types.ErrNotFound, what, id)
		}
		return item, nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = wf
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	wf, err := getItem(ctx, &s.mu, s.workflows, id, "workflow")
	if errors.Is(err, types.ErrNotFound) {
		return types.Workflow{}, fmt.Errorf("%w: id=%d", types.ErrWorkflowNotFound, id)
	}
	return wf, err
}

// Create stores a new instance snapshot.
func (s *MemoryStorage) Create(ctx context.Context, snap types.Snapshot) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[snap.Instance.ID]; ok {
			return fmt.Errorf("%w: instance %d already exists", types.ErrInvalidState, snap.Instance.ID)
		}
		s.store(snap)
		return nil
	})
}

// Load returns a copy of the stored snapshot.
func (s *MemoryStorage) Load(ctx context.Context, instanceID uint64) (types.Snapshot, error) {
	snap, err := getItem(ctx, &s.mu, s.instances, instanceID, "instance")
	if err != nil {
		return types.Snapshot{}, err
	}
	return snap.Clone(), nil
}

// Commit swaps in next if the stored version still equals expectedVersion.
func (s *MemoryStorage) Commit(ctx context.Context, instanceID, expectedVersion uint64, next types.Snapshot) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.instances[instanceID]
		if !ok {
			return fmt.Errorf("%w: instance %d", types.ErrNotFound, instanceID)
		}
		if _, err := checkCommit(cur, expectedVersion, next); err != nil {
			return err
		}
		s.store(next)
		return nil
	})
}

// AppendHistory appends rec under the same version check as Commit.
func (s *MemoryStorage) AppendHistory(ctx context.Context, instanceID, expectedVersion uint64, rec types.StepRecord) (types.Snapshot, error) {
	return withContext(ctx, func() (types.Snapshot, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.instances[instanceID]
		if !ok {
			return types.Snapshot{}, fmt.Errorf("%w: instance %d", types.ErrNotFound, instanceID)
		}
		next := appendRecord(cur, rec, time.Now().UnixMilli())
		if _, err := checkCommit(cur, expectedVersion, next); err != nil {
			return types.Snapshot{}, err
		}
		s.store(next)
		return next.Clone(), nil
	})
}

// GetCheckpoint returns the current record of a checkpoint.
func (s *MemoryStorage) GetCheckpoint(ctx context.Context, checkpointID string) (types.ApprovalCheckpoint, error) {
	return withContext(ctx, func() (types.ApprovalCheckpoint, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		instanceID, ok := s.checkpoints[checkpointID]
		if !ok {
			return types.ApprovalCheckpoint{}, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
		}
		cp, ok := s.instances[instanceID].Checkpoint(checkpointID)
		if !ok {
			return types.ApprovalCheckpoint{}, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
		}
		return cp, nil
	})
}

// ListPendingCheckpoints scans every instance for open checkpoints.
func (s *MemoryStorage) ListPendingCheckpoints(ctx context.Context, olderThan int64) ([]types.ApprovalCheckpoint, error) {
	return withContext(ctx, func() ([]types.ApprovalCheckpoint, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ApprovalCheckpoint
		for _, snap := range s.instances {
			cp, ok := snap.PendingCheckpoint()
			if !ok {
				continue
			}
			if olderThan > 0 && !cp.Overdue(olderThan) {
				continue
			}
			out = append(out, cp)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt < out[j].RequestedAt })
		return out, nil
	})
}

// ListInstances returns instances in the given states ordered by ID.
func (s *MemoryStorage) ListInstances(ctx context.Context, states ...types.State) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, snap := range s.instances {
			if matchesState(snap.Instance.State, states) {
				out = append(out, snap.Clone().Instance)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// store must be called with s.mu held.
func (s *MemoryStorage) store(snap types.Snapshot) {
	snap = snap.Clone()
	s.instances[snap.Instance.ID] = snap
	for _, cp := range snap.Checkpoints {
		s.checkpoints[cp.ID] = snap.Instance.ID
	}
}
