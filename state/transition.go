package state

import (
	"fmt"

	"github.com/songzhibin97/approval-workflow/types"
)

// Transition describes one change to an instance, applied atomically with
// a version bump. Zero-valued fields leave the instance untouched.
type Transition struct {
	To     types.State
	Reason string

	// Append adds records to the history, in order.
	Append []types.StepRecord
	// NextStep moves the cursor into the definition's step list.
	NextStep *int
	// Approve marks a step's checkpoint as approved.
	Approve string
	// Checkpoint is inserted, or replaces the checkpoint with the same ID.
	Checkpoint *types.ApprovalCheckpoint
	// Rollback is inserted, or replaces the record with the same ID.
	Rollback *types.RollbackRecord
	// Context is merged into the instance context.
	Context map[string]interface{}
}

// Step returns a pointer to i, for Transition.NextStep.
func Step(i int) *int { return &i }

// allowed is the instance state machine. A state may list itself when
// progress is committed without a state change.
var allowed = map[types.State][]types.State{
	types.StateCreated:          {types.StateRunning},
	types.StateRunning:          {types.StateRunning, types.StateAwaitingApproval, types.StateRollingBack, types.StateCompleted},
	types.StateAwaitingApproval: {types.StateRunning, types.StateRollingBack},
	types.StateRollingBack:      {types.StateRollingBack, types.StateRolledBack, types.StateFailed},
	types.StateFailed:           {types.StateRollingBack},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to types.State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// validate checks tr against the current snapshot.
func validate(cur types.Snapshot, tr Transition) error {
	from := cur.Instance.State
	if !CanTransition(from, tr.To) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidState, from, tr.To)
	}
	// Leaving FAILED is only a retry of a rollback that stopped on a failed
	// compensation.
	if from == types.StateFailed {
		last, ok := cur.LastRollback()
		if !ok || last.ResultState != types.StateFailed || tr.Rollback == nil || tr.Rollback.ID == last.ID {
			return fmt.Errorf("%w: instance %d is FAILED without a resumable rollback", types.ErrInvalidState, cur.Instance.ID)
		}
	}

	if tr.Checkpoint != nil {
		existing, found := cur.Checkpoint(tr.Checkpoint.ID)
		switch {
		case found && !existing.IsPending():
			return fmt.Errorf("%w: checkpoint %s", types.ErrAlreadyResolved, existing.ID)
		case !found && tr.Checkpoint.IsPending():
			if open, ok := cur.PendingCheckpoint(); ok {
				return fmt.Errorf("%w: instance %d has %s", types.ErrDuplicatePending, cur.Instance.ID, open.ID)
			}
		}
	}
	if tr.To == types.StateAwaitingApproval {
		if tr.Checkpoint == nil || !tr.Checkpoint.IsPending() {
			return fmt.Errorf("%w: awaiting approval requires a pending checkpoint", types.ErrInvalidArgument)
		}
	} else if open, ok := cur.PendingCheckpoint(); ok {
		// Leaving AWAITING_APPROVAL must resolve the open checkpoint.
		if tr.Checkpoint == nil || tr.Checkpoint.ID != open.ID || tr.Checkpoint.IsPending() {
			return fmt.Errorf("%w: checkpoint %s is still pending", types.ErrInvalidState, open.ID)
		}
	}
	return nil
}

// apply builds the next snapshot. cur is not modified.
func apply(cur types.Snapshot, tr Transition, now int64) types.Snapshot {
	next := cur.Clone()
	inst := &next.Instance
	from := inst.State
	inst.State = tr.To
	inst.Version++
	inst.UpdatedAt = now
	inst.AppendLog(types.LogEntry{At: now, Version: inst.Version, From: from, To: tr.To, Reason: tr.Reason})

	inst.Steps = append(inst.Steps, tr.Append...)
	if tr.NextStep != nil {
		inst.NextStep = *tr.NextStep
	}
	if tr.Approve != "" && !inst.IsApproved(tr.Approve) {
		inst.ApprovedSteps = append(inst.ApprovedSteps, tr.Approve)
	}
	if len(tr.Context) > 0 {
		if inst.Context == nil {
			inst.Context = make(map[string]interface{}, len(tr.Context))
		}
		for k, v := range tr.Context {
			inst.Context[k] = v
		}
	}
	if tr.Checkpoint != nil {
		next.Checkpoints = upsertCheckpoint(next.Checkpoints, *tr.Checkpoint)
	}
	if tr.Rollback != nil {
		next.Rollbacks = upsertRollback(next.Rollbacks, *tr.Rollback)
	}
	return next
}

func upsertCheckpoint(list []types.ApprovalCheckpoint, cp types.ApprovalCheckpoint) []types.ApprovalCheckpoint {
	for i := range list {
		if list[i].ID == cp.ID {
			list[i] = cp
			return list
		}
	}
	return append(list, cp)
}

func upsertRollback(list []types.RollbackRecord, rb types.RollbackRecord) []types.RollbackRecord {
	for i := range list {
		if list[i].ID == rb.ID {
			list[i] = rb
			return list
		}
	}
	return append(list, rb)
}
