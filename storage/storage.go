package storage

import (
	"context"
	"fmt"

	"github.com/songzhibin97/approval-workflow/types"
)

// Storage is the persistence gateway. Every write to an instance is a
// compare-and-swap on its version; step history is append-only.
type Storage interface {
	// SaveWorkflow saves a workflow definition.
	SaveWorkflow(ctx context.Context, wf types.Workflow) error

	// GetWorkflow retrieves a workflow definition by ID.
	GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error)

	// Create persists a new instance snapshot. Fails with ErrInvalidState if
	// the instance already exists.
	Create(ctx context.Context, snap types.Snapshot) error

	// Load returns the latest committed snapshot of an instance.
	Load(ctx context.Context, instanceID uint64) (types.Snapshot, error)

	// Commit replaces the snapshot if the stored version equals expectedVersion.
	// next.Instance.Version must be expectedVersion+1.
	Commit(ctx context.Context, instanceID, expectedVersion uint64, next types.Snapshot) error

	// AppendHistory appends one step record and bumps the version, with the
	// same compare-and-swap guarantee as Commit.
	AppendHistory(ctx context.Context, instanceID, expectedVersion uint64, rec types.StepRecord) (types.Snapshot, error)

	// GetCheckpoint resolves a checkpoint ID to its current record.
	GetCheckpoint(ctx context.Context, checkpointID string) (types.ApprovalCheckpoint, error)

	// ListPendingCheckpoints lists pending checkpoints whose deadline is at or
	// before olderThan (unix millis). olderThan <= 0 lists every pending checkpoint.
	ListPendingCheckpoints(ctx context.Context, olderThan int64) ([]types.ApprovalCheckpoint, error)

	// ListInstances lists instances in any of the given states, or all when none given.
	ListInstances(ctx context.Context, states ...types.State) ([]types.WorkflowInstance, error)
}

// Leader is implemented by stores that can elect a single sweeping process.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// checkCommit validates a commit against the currently stored snapshot and
// returns the number of history records next appends.
func checkCommit(cur types.Snapshot, expectedVersion uint64, next types.Snapshot) (int, error) {
	if cur.Instance.Version != expectedVersion {
		return 0, fmt.Errorf("%w: instance %d at version %d, expected %d",
			types.ErrVersionConflict, cur.Instance.ID, cur.Instance.Version, expectedVersion)
	}
	if next.Instance.Version != expectedVersion+1 {
		return 0, fmt.Errorf("%w: version must advance by one (got %d after %d)",
			types.ErrInvalidArgument, next.Instance.Version, expectedVersion)
	}
	if next.Instance.ID != cur.Instance.ID {
		return 0, fmt.Errorf("%w: instance id mismatch", types.ErrInvalidArgument)
	}
	old, neu := cur.Instance.Steps, next.Instance.Steps
	if len(neu) < len(old) {
		return 0, fmt.Errorf("%w: history of instance %d cannot shrink", types.ErrInvalidState, cur.Instance.ID)
	}
	for i := range old {
		if old[i].StepID != neu[i].StepID || old[i].ExecutedAt != neu[i].ExecutedAt || old[i].Failed != neu[i].Failed {
			return 0, fmt.Errorf("%w: history entry %d of instance %d was rewritten", types.ErrInvalidState, i, cur.Instance.ID)
		}
	}
	pending := 0
	for _, cp := range next.Checkpoints {
		if cp.IsPending() {
			pending++
		}
	}
	if pending > 1 {
		return 0, fmt.Errorf("%w: instance %d", types.ErrDuplicatePending, cur.Instance.ID)
	}
	for _, cp := range cur.Checkpoints {
		if cp.IsPending() {
			continue
		}
		if nc, ok := next.Checkpoint(cp.ID); ok && nc.Status != cp.Status {
			return 0, fmt.Errorf("%w: checkpoint %s", types.ErrAlreadyResolved, cp.ID)
		}
	}
	return len(neu) - len(old), nil
}

// appendRecord builds the snapshot produced by appending rec.
func appendRecord(cur types.Snapshot, rec types.StepRecord, now int64) types.Snapshot {
	next := cur.Clone()
	next.Instance.Steps = append(next.Instance.Steps, rec)
	next.Instance.Version++
	next.Instance.UpdatedAt = now
	return next
}

// matchesState reports whether st is one of states (or states is empty).
func matchesState(st types.State, states []types.State) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}
