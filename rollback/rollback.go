// Package rollback undoes committed steps of an instance by applying their
// compensations in reverse order. Progress is committed after every
// compensation, so an interrupted rollback resumes where it stopped.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/approval-workflow/actions"
	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/metrics"
	"github.com/songzhibin97/approval-workflow/state"
	"github.com/songzhibin97/approval-workflow/telemetry"
	"github.com/songzhibin97/approval-workflow/types"
)

// Engine applies compensations through the state manager.
type Engine struct {
	states   *state.Manager
	registry *actions.Registry
	policy   actions.Policy
	sink     events.Sink
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[uint64]*instanceLock
}

// instanceLock serializes rollbacks of one instance within the process.
type instanceLock struct {
	ch   chan struct{}
	refs int
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy sets how often a failing compensation is retried before
// the rollback is parked in FAILED.
func WithRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(e *Engine) { e.policy = actions.Policy{MaxRetries: maxRetries, Delay: delay} }
}

// WithSink sets where compensation events go.
func WithSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates a rollback engine resolving compensations from registry.
func New(states *state.Manager, registry *actions.Registry, opts ...Option) *Engine {
	e := &Engine{
		states:   states,
		registry: registry,
		policy:   actions.Policy{MaxRetries: 3, Delay: time.Second},
		sink:     events.Nop,
		logger:   slog.Default(),
		locks:    make(map[uint64]*instanceLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewRecord starts a rollback record covering a history of historyLen
// entries. Callers commit it in the same transition that enters ROLLING_BACK.
func NewRecord(instanceID uint64, historyLen int, reason types.RollbackReason, detail string, now int64) types.RollbackRecord {
	return types.RollbackRecord{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Reason:     reason,
		Detail:     detail,
		NextIndex:  historyLen - 1,
		StartedAt:  now,
	}
}

// Rollback drives the instance's rollback to completion. An instance in
// ROLLING_BACK continues its active record; a FAILED instance gets a new
// record resuming at the compensation that failed; a ROLLED_BACK instance
// returns its last record unchanged. reason is used only when a record has
// to be created and no reason can be derived from the history.
//
// A compensation that still fails after its retries moves the instance to
// FAILED and returns ErrCompensationFailure together with the partial record.
//
// Concurrent calls for one instance in the same process run one at a time;
// a later caller finds the rollback finished and returns its record.
func (e *Engine) Rollback(ctx context.Context, instanceID uint64, reason types.RollbackReason) (types.RollbackRecord, error) {
	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return types.RollbackRecord{}, err
	}
	defer release()
	return e.rollback(ctx, instanceID, reason)
}

func (e *Engine) lock(ctx context.Context, instanceID uint64) (func(), error) {
	e.mu.Lock()
	l, ok := e.locks[instanceID]
	if !ok {
		l = &instanceLock{ch: make(chan struct{}, 1)}
		e.locks[instanceID] = l
	}
	l.refs++
	e.mu.Unlock()

	unref := func() {
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, instanceID)
		}
		e.mu.Unlock()
	}
	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			unref()
		}, nil
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}
}

func (e *Engine) rollback(ctx context.Context, instanceID uint64, reason types.RollbackReason) (types.RollbackRecord, error) {
	snap, err := e.states.Snapshot(ctx, instanceID)
	if err != nil {
		return types.RollbackRecord{}, err
	}

	rec, snap, err := e.activeRecord(ctx, snap, reason)
	if err != nil {
		return rec, err
	}
	if rec.Complete {
		return rec, nil
	}
	logger := telemetry.WithInstanceID(e.logger, instanceID).With("rollback_id", rec.ID)
	logger.InfoContext(ctx, "rollback started", "reason", rec.Reason, "next_index", rec.NextIndex)

	if n := len(snap.Instance.Steps); rec.NextIndex >= n {
		rec.NextIndex = n - 1
	}
	for rec.NextIndex >= 0 {
		idx := rec.NextIndex
		sr := snap.Instance.Steps[idx]
		if sr.Failed || sr.Compensation == nil {
			rec.NextIndex--
			continue
		}

		attempts, cerr := e.compensate(ctx, snap, sr)
		e.metrics.Compensated(sr.Compensation.Action, cerr == nil)
		if cerr != nil {
			logger.ErrorContext(ctx, "compensation failed",
				"step_id", sr.StepID, "action", sr.Compensation.Action, "attempts", attempts, "error", cerr)
			return e.finish(ctx, snap, rec, types.StateFailed, fmt.Errorf("%w: step %s: %v", types.ErrCompensationFailure, sr.StepID, cerr))
		}

		rec.Compensations = append(rec.Compensations, types.CompensationResult{
			StepID:    sr.StepID,
			StepIndex: idx,
			Action:    sr.Compensation.Action,
			Attempts:  attempts,
			AppliedAt: e.states.Now(),
		})
		rec.NextIndex = idx - 1
		progress := rec
		snap, err = e.states.ApplyTransition(ctx, instanceID, snap.Instance.Version, state.Transition{
			To:       types.StateRollingBack,
			Reason:   "compensated step " + sr.StepID,
			Rollback: &progress,
		})
		if err != nil {
			return rec, fmt.Errorf("record compensation of step %s: %w", sr.StepID, err)
		}
		logger.DebugContext(ctx, "compensation applied", "step_id", sr.StepID, "action", sr.Compensation.Action)
		ev := events.NewEvent(events.TypeCompensationApplied, instanceID, types.StateRollingBack, types.StateRollingBack, "compensated step "+sr.StepID, snap.Instance.UpdatedAt)
		ev.Data = map[string]interface{}{"rollback_id": rec.ID, "step_id": sr.StepID, "action": sr.Compensation.Action}
		e.sink.Notify(ctx, ev)
	}
	return e.finish(ctx, snap, rec, types.StateRolledBack, nil)
}

// activeRecord returns the record to continue, creating and committing one
// when the instance has none in progress.
func (e *Engine) activeRecord(ctx context.Context, snap types.Snapshot, reason types.RollbackReason) (types.RollbackRecord, types.Snapshot, error) {
	inst := snap.Instance
	last, hasLast := snap.LastRollback()

	switch inst.State {
	case types.StateRolledBack:
		if hasLast {
			return last, snap, nil
		}
		return types.RollbackRecord{}, snap, fmt.Errorf("%w: instance %d has no rollback record", types.ErrNotFound, inst.ID)

	case types.StateRollingBack:
		if hasLast && !last.Complete {
			return last, snap, nil
		}
		rec := NewRecord(inst.ID, len(inst.Steps), deriveReason(inst, reason), deriveDetail(snap), e.states.Now())
		next, err := e.states.ApplyTransition(ctx, inst.ID, inst.Version, state.Transition{
			To: types.StateRollingBack, Reason: "rollback started", Rollback: &rec,
		})
		return rec, next, err

	case types.StateFailed:
		if !hasLast || last.ResultState != types.StateFailed {
			return types.RollbackRecord{}, snap, fmt.Errorf("%w: instance %d failed without a rollback to resume", types.ErrInvalidState, inst.ID)
		}
		rec := NewRecord(inst.ID, 0, last.Reason, "resumes "+last.ID, e.states.Now())
		rec.NextIndex = last.NextIndex
		next, err := e.states.ApplyTransition(ctx, inst.ID, inst.Version, state.Transition{
			To: types.StateRollingBack, Reason: "rollback resumed", Rollback: &rec,
		})
		return rec, next, err

	default:
		return types.RollbackRecord{}, snap, fmt.Errorf("%w: cannot roll back instance %d in %s", types.ErrInvalidState, inst.ID, inst.State)
	}
}

func (e *Engine) compensate(ctx context.Context, snap types.Snapshot, sr types.StepRecord) (int, error) {
	a, err := e.registry.Lookup(sr.Compensation.Action)
	if err != nil {
		return 0, err
	}
	_, attempts, err := actions.Run(ctx, a, actions.Request{
		InstanceID: snap.Instance.ID,
		StepID:     sr.StepID,
		Context:    copyContext(snap.Instance.Context),
		Record:     &sr,
	}, e.policy)
	return attempts, err
}

// finish closes the record and moves the instance to its terminal state.
func (e *Engine) finish(ctx context.Context, snap types.Snapshot, rec types.RollbackRecord, result types.State, cause error) (types.RollbackRecord, error) {
	rec.Complete = true
	rec.ResultState = result
	rec.CompletedAt = e.states.Now()
	if cause != nil {
		rec.Error = cause.Error()
	}
	reason := "rollback completed"
	if result == types.StateFailed {
		reason = "rollback failed: " + rec.Error
	}
	if _, err := e.states.ApplyTransition(ctx, snap.Instance.ID, snap.Instance.Version, state.Transition{
		To: result, Reason: reason, Rollback: &rec,
	}); err != nil {
		if cause != nil {
			return rec, errors.Join(cause, fmt.Errorf("record failure: %w", err))
		}
		return rec, fmt.Errorf("finish rollback: %w", err)
	}
	e.metrics.RollbackFinished(rec.Reason, result)
	telemetry.WithInstanceID(e.logger, snap.Instance.ID).InfoContext(ctx, "rollback finished",
		"rollback_id", rec.ID, "result", result, "compensations", len(rec.Compensations))
	return rec, cause
}

// deriveReason prefers the explicit reason, then the last history entry.
func deriveReason(inst types.WorkflowInstance, reason types.RollbackReason) types.RollbackReason {
	if reason != "" {
		return reason
	}
	if n := len(inst.Steps); n > 0 && inst.Steps[n-1].Failed {
		return types.RollbackStepFailure
	}
	return types.RollbackRejected
}

// deriveDetail describes what sent the instance into rollback.
func deriveDetail(snap types.Snapshot) string {
	steps := snap.Instance.Steps
	if n := len(steps); n > 0 && steps[n-1].Failed {
		return fmt.Sprintf("step %s failed: %s", steps[n-1].StepID, steps[n-1].Error)
	}
	for i := len(snap.Checkpoints) - 1; i >= 0; i-- {
		if cp := snap.Checkpoints[i]; !cp.IsPending() {
			return DecisionDetail(cp)
		}
	}
	return ""
}

// DecisionDetail summarises a resolved checkpoint for a rollback record.
func DecisionDetail(cp types.ApprovalCheckpoint) string {
	detail := fmt.Sprintf("checkpoint %s %s", cp.StepID, cp.Status)
	if cp.Decision != nil {
		detail += " by " + cp.Decision.Reviewer
		if cp.Decision.Comment != "" {
			detail += ": " + cp.Decision.Comment
		}
	}
	return detail
}

func copyContext(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
