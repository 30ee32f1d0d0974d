// Package approval manages human approval checkpoints: opening them,
// resolving them exactly once, and expiring the ones nobody answered.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/metrics"
	"github.com/songzhibin97/approval-workflow/rollback"
	"github.com/songzhibin97/approval-workflow/state"
	"github.com/songzhibin97/approval-workflow/telemetry"
	"github.com/songzhibin97/approval-workflow/types"
)

// SystemReviewer is recorded on checkpoints resolved by expiry or cancellation.
const SystemReviewer = "system"

// ResolvedFunc runs after a checkpoint resolution has been committed.
type ResolvedFunc func(ctx context.Context, cp types.ApprovalCheckpoint) error

// Manager opens and resolves approval checkpoints.
type Manager struct {
	states          *state.Manager
	sink            events.Sink
	metrics         *metrics.Collector
	logger          *slog.Logger
	conflictRetries int
	onResolved      ResolvedFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink sets where checkpoint events go.
func WithSink(sink events.Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithConflictRetries bounds how often a resolution is retried after losing
// a version race.
func WithConflictRetries(n int) Option {
	return func(m *Manager) { m.conflictRetries = n }
}

// WithResolvedHook registers fn to run after every committed resolution.
// Its error is returned from SubmitDecision and ExpireOverdue.
func WithResolvedHook(fn ResolvedFunc) Option {
	return func(m *Manager) { m.onResolved = fn }
}

// NewManager creates a Manager on top of states.
func NewManager(states *state.Manager, opts ...Option) *Manager {
	m := &Manager{
		states:          states,
		sink:            events.Nop,
		logger:          slog.Default(),
		conflictRetries: state.DefaultConflictRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestOption customises a requested checkpoint.
type RequestOption func(*types.ApprovalCheckpoint)

// WithLevel sets the approval level the reviewer must hold.
func WithLevel(level int) RequestOption {
	return func(cp *types.ApprovalCheckpoint) { cp.ApprovalLevel = level }
}

// WithMetadata attaches reviewer-facing metadata to the checkpoint.
func WithMetadata(md map[string]interface{}) RequestOption {
	return func(cp *types.ApprovalCheckpoint) { cp.Metadata = md }
}

// RequestApproval opens a checkpoint for stepID and suspends the instance
// in AWAITING_APPROVAL. A zero deadline means the checkpoint never expires.
func (m *Manager) RequestApproval(ctx context.Context, instanceID uint64, stepID string, deadline time.Time, opts ...RequestOption) (types.ApprovalCheckpoint, error) {
	if stepID == "" {
		return types.ApprovalCheckpoint{}, fmt.Errorf("%w: step id is required", types.ErrInvalidArgument)
	}

	var cp types.ApprovalCheckpoint
	_, err := state.Retry(ctx, m.conflictRetries, func() (types.Snapshot, error) {
		cur, err := m.states.Snapshot(ctx, instanceID)
		if err != nil {
			return types.Snapshot{}, err
		}
		if open, ok := cur.PendingCheckpoint(); ok {
			return types.Snapshot{}, fmt.Errorf("%w: instance %d already waits on %s", types.ErrDuplicatePending, instanceID, open.ID)
		}
		if cur.Instance.State != types.StateRunning {
			return types.Snapshot{}, fmt.Errorf("%w: cannot request approval in %s", types.ErrInvalidState, cur.Instance.State)
		}

		cp = types.ApprovalCheckpoint{
			ID:          uuid.NewString(),
			InstanceID:  instanceID,
			StepID:      stepID,
			Status:      types.CheckpointPending,
			RequestedAt: m.states.Now(),
		}
		if !deadline.IsZero() {
			cp.Deadline = deadline.UnixMilli()
		}
		for _, opt := range opts {
			opt(&cp)
		}
		return m.states.ApplyTransition(ctx, instanceID, cur.Instance.Version, state.Transition{
			To:         types.StateAwaitingApproval,
			Reason:     "approval requested for step " + stepID,
			Checkpoint: &cp,
		})
	})
	if err != nil {
		return types.ApprovalCheckpoint{}, err
	}

	m.metrics.Checkpoint(types.CheckpointPending)
	telemetry.WithCheckpointID(telemetry.WithInstanceID(m.logger, instanceID), cp.ID).
		InfoContext(ctx, "approval requested", "step_id", stepID, "deadline", cp.Deadline)
	ev := events.NewEvent(events.TypeCheckpointRequested, instanceID, types.StateRunning, types.StateAwaitingApproval, "approval requested for step "+stepID, cp.RequestedAt)
	ev.Data = map[string]interface{}{"checkpoint_id": cp.ID, "step_id": stepID, "deadline": cp.Deadline}
	m.sink.Notify(ctx, ev)
	return cp, nil
}

// SubmitDecision resolves a pending checkpoint. APPROVE resumes the
// instance in RUNNING; REJECT moves it to ROLLING_BACK. A checkpoint can be
// resolved once: later calls fail with ErrAlreadyResolved and change nothing.
//
// When a resolved hook is set its error is returned along with the
// committed checkpoint.
func (m *Manager) SubmitDecision(ctx context.Context, checkpointID string, decision types.Decision, reviewer, comment string) (types.ApprovalCheckpoint, error) {
	var status types.CheckpointStatus
	switch decision {
	case types.DecisionApprove:
		status = types.CheckpointApproved
	case types.DecisionReject:
		status = types.CheckpointRejected
	default:
		return types.ApprovalCheckpoint{}, fmt.Errorf("%w: unknown decision %q", types.ErrInvalidArgument, decision)
	}
	if reviewer == "" {
		return types.ApprovalCheckpoint{}, fmt.Errorf("%w: reviewer is required", types.ErrInvalidArgument)
	}
	return m.resolve(ctx, checkpointID, status, reviewer, comment)
}

// ExpireOverdue resolves every pending checkpoint whose deadline has passed
// to EXPIRED, which rolls its instance back like a rejection. Checkpoints
// decided concurrently are skipped. It returns how many it expired.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := m.states.Store().ListPendingCheckpoints(ctx, m.states.Now())
	if err != nil {
		return 0, fmt.Errorf("list overdue checkpoints: %w", err)
	}

	expired := 0
	var errs []error
	for _, cp := range overdue {
		resolved, err := m.resolve(ctx, cp.ID, types.CheckpointExpired, SystemReviewer, "decision deadline passed")
		if errors.Is(err, types.ErrAlreadyResolved) {
			continue
		}
		// A committed expiry is counted even if its rollback failed.
		if resolved.ID != "" {
			expired++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", cp.ID, err))
		}
	}

	if pending, err := m.states.Store().ListPendingCheckpoints(ctx, 0); err == nil {
		m.metrics.Pending(len(pending))
	}
	if expired > 0 {
		m.logger.InfoContext(ctx, "expired overdue checkpoints", "count", expired)
	}
	return expired, errors.Join(errs...)
}

// Cancel force-rejects an instance that is RUNNING or AWAITING_APPROVAL,
// resolving its open checkpoint if there is one. The instance is left in
// ROLLING_BACK; the caller drives the rollback.
func (m *Manager) Cancel(ctx context.Context, instanceID uint64, reason string) (types.Snapshot, error) {
	detail := "cancelled"
	if reason != "" {
		detail += ": " + reason
	}

	var resolved *types.ApprovalCheckpoint
	snap, err := state.Retry(ctx, m.conflictRetries, func() (types.Snapshot, error) {
		resolved = nil
		cur, err := m.states.Snapshot(ctx, instanceID)
		if err != nil {
			return types.Snapshot{}, err
		}
		inst := cur.Instance
		if inst.State != types.StateRunning && inst.State != types.StateAwaitingApproval {
			return types.Snapshot{}, fmt.Errorf("%w: cannot cancel instance %d in %s", types.ErrInvalidState, instanceID, inst.State)
		}

		tr := state.Transition{To: types.StateRollingBack, Reason: detail}
		if open, ok := cur.PendingCheckpoint(); ok {
			cp := decide(open, types.CheckpointRejected, SystemReviewer, detail, m.states.Now())
			tr.Checkpoint = &cp
			resolved = &cp
		}
		rec := rollback.NewRecord(instanceID, len(inst.Steps), types.RollbackRejected, detail, m.states.Now())
		tr.Rollback = &rec
		return m.states.ApplyTransition(ctx, instanceID, inst.Version, tr)
	})
	if err != nil {
		return types.Snapshot{}, err
	}
	if resolved != nil {
		m.report(ctx, *resolved)
	}
	return snap, nil
}

// GetCheckpoint returns a checkpoint by ID.
func (m *Manager) GetCheckpoint(ctx context.Context, checkpointID string) (types.ApprovalCheckpoint, error) {
	return m.states.Store().GetCheckpoint(ctx, checkpointID)
}

// ListPending lists every checkpoint still awaiting a decision.
func (m *Manager) ListPending(ctx context.Context) ([]types.ApprovalCheckpoint, error) {
	return m.states.Store().ListPendingCheckpoints(ctx, 0)
}

// resolve commits the resolution of checkpointID, retrying version
// conflicts with a fresh read so a concurrent winner is seen as resolved.
func (m *Manager) resolve(ctx context.Context, checkpointID string, status types.CheckpointStatus, reviewer, comment string) (types.ApprovalCheckpoint, error) {
	var out types.ApprovalCheckpoint
	_, err := state.Retry(ctx, m.conflictRetries, func() (types.Snapshot, error) {
		ref, err := m.states.Store().GetCheckpoint(ctx, checkpointID)
		if err != nil {
			return types.Snapshot{}, err
		}
		cur, err := m.states.Snapshot(ctx, ref.InstanceID)
		if err != nil {
			return types.Snapshot{}, err
		}
		cp, ok := cur.Checkpoint(checkpointID)
		if !ok {
			return types.Snapshot{}, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
		}
		if !cp.IsPending() {
			return types.Snapshot{}, fmt.Errorf("%w: checkpoint %s is %s", types.ErrAlreadyResolved, cp.ID, cp.Status)
		}

		out = decide(cp, status, reviewer, comment, m.states.Now())
		tr := state.Transition{Checkpoint: &out}
		if status == types.CheckpointApproved {
			tr.To = types.StateRunning
			tr.Approve = cp.StepID
			tr.Reason = "approved by " + reviewer
		} else {
			detail := rollback.DecisionDetail(out)
			rec := rollback.NewRecord(cur.Instance.ID, len(cur.Instance.Steps), types.RollbackRejected, detail, m.states.Now())
			tr.To = types.StateRollingBack
			tr.Rollback = &rec
			tr.Reason = detail
		}
		return m.states.ApplyTransition(ctx, cur.Instance.ID, cur.Instance.Version, tr)
	})
	if err != nil {
		return types.ApprovalCheckpoint{}, err
	}
	m.report(ctx, out)
	if m.onResolved == nil {
		return out, nil
	}
	return out, m.onResolved(ctx, out)
}

// report records a committed resolution in metrics, logs and events.
func (m *Manager) report(ctx context.Context, cp types.ApprovalCheckpoint) {
	m.metrics.Checkpoint(cp.Status)
	m.metrics.Decided(cp.RequestedAt, cp.Decision.DecidedAt)
	telemetry.WithCheckpointID(telemetry.WithInstanceID(m.logger, cp.InstanceID), cp.ID).
		InfoContext(ctx, "checkpoint resolved", "step_id", cp.StepID, "status", cp.Status, "reviewer", cp.Decision.Reviewer)

	to := types.StateRollingBack
	if cp.Status == types.CheckpointApproved {
		to = types.StateRunning
	}
	ev := events.NewEvent(events.TypeCheckpointResolved, cp.InstanceID, types.StateAwaitingApproval, to, rollback.DecisionDetail(cp), cp.Decision.DecidedAt)
	ev.Data = map[string]interface{}{
		"checkpoint_id": cp.ID,
		"step_id":       cp.StepID,
		"status":        string(cp.Status),
		"reviewer":      cp.Decision.Reviewer,
	}
	m.sink.Notify(ctx, ev)
}

func decide(cp types.ApprovalCheckpoint, status types.CheckpointStatus, reviewer, comment string, now int64) types.ApprovalCheckpoint {
	cp.Status = status
	cp.Decision = &types.DecisionRecord{Reviewer: reviewer, Comment: comment, DecidedAt: now}
	return cp
}
