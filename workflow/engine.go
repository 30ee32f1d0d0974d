package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/approval-workflow/actions"
	"github.com/songzhibin97/approval-workflow/approval"
	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/metrics"
	"github.com/songzhibin97/approval-workflow/rollback"
	"github.com/songzhibin97/approval-workflow/rules"
	"github.com/songzhibin97/approval-workflow/state"
	"github.com/songzhibin97/approval-workflow/storage"
	"github.com/songzhibin97/approval-workflow/telemetry"
	"github.com/songzhibin97/approval-workflow/types"
	"github.com/songzhibin97/gkit/generator"
	"golang.org/x/sync/errgroup"
)

// WorkflowEngine drives instances through their steps. It keeps no
// per-instance state in memory: every call starts from the committed
// snapshot, so Advance can be repeated after a crash.
type WorkflowEngine struct {
	workflows map[uint64]types.Workflow
	mu        sync.RWMutex

	store     storage.Storage
	states    *state.Manager
	approvals *approval.Manager
	rollbacks *rollback.Engine
	registry  *actions.Registry
	evaluator rules.Evaluator
	eventBus  *events.EventBus

	sinks              []events.Sink
	metrics            *metrics.Collector
	logger             *slog.Logger
	clock              func() time.Time
	defaultMaxRetries  int
	defaultRetryDelay  time.Duration
	approvalTimeout    time.Duration
	conflictRetries    int
	recoverConcurrency int
}

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithRegistry sets the action registry. The default registry holds the
// built-in actions.
func WithRegistry(r *actions.Registry) Option {
	return func(e *WorkflowEngine) { e.registry = r }
}

// WithSink subscribes a notification sink to the engine's event bus. Sinks
// run on the bus goroutine, never on the commit path.
func WithSink(sink events.Sink) Option {
	return func(e *WorkflowEngine) { e.sinks = append(e.sinks, sink) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *WorkflowEngine) { e.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *WorkflowEngine) { e.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *WorkflowEngine) { e.clock = now }
}

// WithRetryPolicy sets the default retries for steps and compensations.
// A step's own max_retries and retry_delay_sec take precedence.
func WithRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(e *WorkflowEngine) {
		e.defaultMaxRetries = maxRetries
		e.defaultRetryDelay = delay
	}
}

// WithApprovalTimeout sets the deadline of checkpoints whose step declares
// none. Zero disables the default deadline.
func WithApprovalTimeout(d time.Duration) Option {
	return func(e *WorkflowEngine) { e.approvalTimeout = d }
}

// WithConflictRetries bounds retries after a lost version race.
func WithConflictRetries(n int) Option {
	return func(e *WorkflowEngine) { e.conflictRetries = n }
}

// WithRecoverConcurrency bounds how many instances Recover advances at once.
func WithRecoverConcurrency(n int) Option {
	return func(e *WorkflowEngine) { e.recoverConcurrency = n }
}

// NewWorkflowEngine creates an engine. A nil store selects in-memory
// storage and a nil evaluator selects the expr evaluator.
func NewWorkflowEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &WorkflowEngine{
		workflows:          make(map[uint64]types.Workflow),
		store:              store,
		evaluator:          evaluator,
		logger:             slog.Default(),
		clock:              time.Now,
		defaultMaxRetries:  3,
		defaultRetryDelay:  time.Second,
		approvalTimeout:    24 * time.Hour,
		conflictRetries:    state.DefaultConflictRetries,
		recoverConcurrency: 10,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = actions.NewRegistry()
		actions.RegisterBuiltins(e.registry)
	}

	e.eventBus = events.NewEventBus(events.WithErrorHandler(func(ev events.Event, err error) {
		if errors.Is(err, events.ErrChannelFull) || errors.Is(err, events.ErrBusClosed) {
			e.metrics.NotificationDropped()
		}
		e.logger.Warn("event delivery failed", "type", ev.Type, "instance_id", ev.InstanceID, "error", err)
	}))
	if len(e.sinks) > 0 {
		e.eventBus.SubscribeSink(events.MultiSink(e.sinks))
	}
	sink := events.Sink(e.eventBus)

	states, err := state.NewManager(store, generate,
		state.WithSink(sink), state.WithMetrics(e.metrics), state.WithLogger(e.logger), state.WithClock(e.clock))
	if err != nil {
		return nil, err
	}
	e.states = states
	e.rollbacks = rollback.New(states, e.registry,
		rollback.WithRetryPolicy(e.defaultMaxRetries, e.defaultRetryDelay),
		rollback.WithSink(sink), rollback.WithMetrics(e.metrics), rollback.WithLogger(e.logger))
	e.approvals = approval.NewManager(states,
		approval.WithSink(sink), approval.WithMetrics(e.metrics), approval.WithLogger(e.logger),
		approval.WithConflictRetries(e.conflictRetries),
		approval.WithResolvedHook(e.onResolved))
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *WorkflowEngine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// SetEvaluator sets a custom evaluator for step conditions.
func (e *WorkflowEngine) SetEvaluator(evaluator rules.Evaluator) {
	if evaluator == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluator = evaluator
}

// Approvals returns the approval manager.
func (e *WorkflowEngine) Approvals() *approval.Manager { return e.approvals }

// States returns the state manager.
func (e *WorkflowEngine) States() *state.Manager { return e.states }

// RegisterAction registers an action for use in workflow steps.
func (e *WorkflowEngine) RegisterAction(ctx context.Context, name string, action actions.Action) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return e.registry.Register(name, action)
	}
}

// RegisterWorkflow validates and persists a workflow definition.
func (e *WorkflowEngine) RegisterWorkflow(ctx context.Context, wf types.Workflow) error {
	if err := e.validate(wf); err != nil {
		return err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("save workflow %d: %w", wf.ID, err)
	}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "workflow registered", "workflow_id", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	return nil
}

func (e *WorkflowEngine) validate(wf types.Workflow) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: workflow %d: %s", types.ErrInvalidArgument, wf.ID, fmt.Sprintf(format, args...))
	}
	if wf.ID == 0 {
		return fmt.Errorf("%w: workflow ID cannot be zero", types.ErrInvalidArgument)
	}
	if len(wf.Steps) == 0 {
		return invalid("workflow must have at least one step")
	}

	seen := make(map[string]bool)
	var check func(step types.Step, branch bool) error
	check = func(step types.Step, branch bool) error {
		if step.ID == "" {
			return invalid("step ID cannot be empty")
		}
		if seen[step.ID] {
			return invalid("duplicate step ID %q", step.ID)
		}
		seen[step.ID] = true

		for _, cond := range []string{step.ApprovalWhen, step.SkipWhen} {
			if err := e.compile(cond); err != nil {
				return invalid("step %q: %v", step.ID, err)
			}
		}
		if step.IsParallel() {
			if branch {
				return invalid("branch %q cannot have branches", step.ID)
			}
			for _, b := range step.Branches {
				if b.RequiresApproval || b.ApprovalWhen != "" {
					return invalid("branch %q cannot require approval; set it on %q", b.ID, step.ID)
				}
				if err := check(b, true); err != nil {
					return err
				}
			}
			return nil
		}
		if _, err := e.registry.Lookup(step.Action); err != nil {
			return invalid("step %q: %v", step.ID, err)
		}
		if name := compensationFor(step); name != "" {
			if _, err := e.registry.Lookup(name); err != nil {
				return invalid("step %q compensation: %v", step.ID, err)
			}
		}
		return nil
	}
	for _, step := range wf.Steps {
		if err := check(step, false); err != nil {
			return err
		}
	}
	return nil
}

// compile reports syntax errors of a condition when the evaluator can.
func (e *WorkflowEngine) compile(expression string) error {
	if expression == "" {
		return nil
	}
	e.mu.RLock()
	v, ok := e.evaluator.(interface{ Validate(string) error })
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return v.Validate(expression)
}

// GetWorkflow retrieves a workflow by ID, checking the cache first.
func (e *WorkflowEngine) GetWorkflow(ctx context.Context, workflowID uint64) (types.Workflow, error) {
	e.mu.RLock()
	wf, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if ok {
		return wf, nil
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return types.Workflow{}, err
	}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	return wf, nil
}

// CreateInstance creates an instance in CREATED without running it.
func (e *WorkflowEngine) CreateInstance(ctx context.Context, workflowID uint64, input map[string]interface{}) (types.WorkflowInstance, error) {
	if _, err := e.GetWorkflow(ctx, workflowID); err != nil {
		return types.WorkflowInstance{}, err
	}
	return e.states.CreateInstance(ctx, workflowID, input)
}

// StartWorkflow creates an instance and advances it until it completes,
// suspends on a checkpoint, or rolls back.
func (e *WorkflowEngine) StartWorkflow(ctx context.Context, workflowID uint64, input map[string]interface{}) (types.WorkflowInstance, error) {
	inst, err := e.CreateInstance(ctx, workflowID, input)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	return e.Advance(ctx, inst.ID)
}

// GetInstance retrieves a workflow instance by ID.
func (e *WorkflowEngine) GetInstance(ctx context.Context, instanceID uint64) (types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowInstance{}, ctx.Err()
	default:
		return e.states.GetInstance(ctx, instanceID)
	}
}

// Snapshot returns an instance with its checkpoints and rollback records.
func (e *WorkflowEngine) Snapshot(ctx context.Context, instanceID uint64) (types.Snapshot, error) {
	return e.states.Snapshot(ctx, instanceID)
}

// ListInstances lists instances in the given states, or all of them.
func (e *WorkflowEngine) ListInstances(ctx context.Context, states ...types.State) ([]types.WorkflowInstance, error) {
	return e.states.ListInstances(ctx, states...)
}

// Advance moves an instance forward from its committed state: it runs
// pending steps, opens checkpoints, finishes rollbacks and completes the
// instance. It is a no-op on instances awaiting approval or terminal, and
// safe to call repeatedly. Version conflicts are retried; any other error
// ends the call.
func (e *WorkflowEngine) Advance(ctx context.Context, instanceID uint64) (types.WorkflowInstance, error) {
	logger := telemetry.WithInstanceID(e.logger, instanceID)
	for {
		select {
		case <-ctx.Done():
			return types.WorkflowInstance{}, ctx.Err()
		default:
		}
		done, err := state.Retry(ctx, e.conflictRetries, func() (bool, error) {
			return e.advanceOnce(ctx, instanceID)
		})
		if err != nil {
			logger.ErrorContext(ctx, "advance failed", "error", err)
			inst, getErr := e.states.GetInstance(ctx, instanceID)
			if getErr != nil {
				return types.WorkflowInstance{}, err
			}
			return inst, err
		}
		if done {
			return e.states.GetInstance(ctx, instanceID)
		}
	}
}

// advanceOnce commits at most one unit of progress and reports whether the
// instance is suspended or terminal.
func (e *WorkflowEngine) advanceOnce(ctx context.Context, instanceID uint64) (bool, error) {
	snap, err := e.states.Snapshot(ctx, instanceID)
	if err != nil {
		return true, err
	}
	inst := snap.Instance

	switch inst.State {
	case types.StateCreated:
		_, err := e.states.ApplyTransition(ctx, instanceID, inst.Version, state.Transition{To: types.StateRunning, Reason: "started"})
		return false, err
	case types.StateRunning:
		return e.runNext(ctx, snap)
	case types.StateRollingBack:
		_, err := e.rollbacks.Rollback(ctx, instanceID, "")
		return true, err
	default:
		return true, nil
	}
}

// runNext handles the step at the instance's cursor.
func (e *WorkflowEngine) runNext(ctx context.Context, snap types.Snapshot) (bool, error) {
	inst := snap.Instance
	wf, err := e.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return true, err
	}
	if inst.NextStep >= len(wf.Steps) {
		_, err := e.states.ApplyTransition(ctx, inst.ID, inst.Version, state.Transition{
			To: types.StateCompleted, Reason: "all steps completed",
		})
		return true, err
	}
	step := wf.Steps[inst.NextStep]

	skip, err := e.condition(step.SkipWhen, inst)
	if err != nil {
		return false, e.fail(ctx, inst, e.conditionFailure(inst, step, err))
	}
	if skip {
		_, err := e.states.ApplyTransition(ctx, inst.ID, inst.Version, state.Transition{
			To: types.StateRunning, Reason: "skipped step " + step.ID, NextStep: state.Step(inst.NextStep + 1),
		})
		return false, err
	}

	gated, err := e.requiresApproval(step, inst)
	if err != nil {
		return false, e.fail(ctx, inst, e.conditionFailure(inst, step, err))
	}
	if gated && !inst.IsApproved(step.ID) {
		_, err := e.approvals.RequestApproval(ctx, inst.ID, step.ID, e.deadline(step),
			approval.WithLevel(step.ApprovalLevel), approval.WithMetadata(checkpointMetadata(wf, step)))
		return true, err
	}

	if step.IsParallel() {
		recs, err := e.runParallel(ctx, snap, step)
		if err != nil {
			return false, err
		}
		cur, err := e.states.GetInstance(ctx, inst.ID)
		if err != nil {
			return false, err
		}
		for _, rec := range recs {
			if rec.Failed {
				return false, e.fail(ctx, cur, nil)
			}
		}
		ctxUpdate := withOutputs(cur, recs...)
		outputs := ctxUpdate[stepsKey].(map[string]interface{})
		branches := make(map[string]interface{}, len(recs))
		for _, rec := range recs {
			branches[rec.StepID] = rec.Output
		}
		outputs[step.ID] = branches
		_, err = e.states.ApplyTransition(ctx, inst.ID, cur.Version, state.Transition{
			To:       types.StateRunning,
			Reason:   "step " + step.ID + " completed",
			NextStep: state.Step(inst.NextStep + 1),
			Context:  ctxUpdate,
		})
		return false, err
	}

	rec := e.executeTaskWithRetry(ctx, inst, step, inst.NextStep, "")
	if rec.Failed {
		return false, e.fail(ctx, inst, &rec)
	}
	_, err = e.states.ApplyTransition(ctx, inst.ID, inst.Version, state.Transition{
		To:       types.StateRunning,
		Reason:   "step " + step.ID + " completed",
		Append:   []types.StepRecord{rec},
		NextStep: state.Step(inst.NextStep + 1),
		Context:  withOutputs(inst, rec),
	})
	return false, err
}

// fail appends the failed record, if not yet recorded, and enters
// ROLLING_BACK in one transition. The caller's next round runs the rollback.
func (e *WorkflowEngine) fail(ctx context.Context, inst types.WorkflowInstance, failed *types.StepRecord) error {
	tr := state.Transition{To: types.StateRollingBack}
	history := len(inst.Steps)
	if failed != nil {
		tr.Append = []types.StepRecord{*failed}
		history++
	}

	detail := "step failed"
	all := append(append([]types.StepRecord(nil), inst.Steps...), tr.Append...)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Failed {
			detail = fmt.Sprintf("step %s failed: %s", all[i].StepID, all[i].Error)
			break
		}
	}
	rec := rollback.NewRecord(inst.ID, history, types.RollbackStepFailure, detail, e.states.Now())
	tr.Rollback = &rec
	tr.Reason = detail
	_, err := e.states.ApplyTransition(ctx, inst.ID, inst.Version, tr)
	return err
}

// conditionFailure records an unevaluable condition as a failed step.
func (e *WorkflowEngine) conditionFailure(inst types.WorkflowInstance, step types.Step, err error) *types.StepRecord {
	return &types.StepRecord{
		StepID:     step.ID,
		StepIndex:  inst.NextStep,
		Input:      copyMap(inst.Context),
		Failed:     true,
		Error:      err.Error(),
		ExecutedAt: e.states.Now(),
	}
}

func (e *WorkflowEngine) condition(expression string, inst types.WorkflowInstance) (bool, error) {
	if expression == "" {
		return false, nil
	}
	e.mu.RLock()
	evaluator := e.evaluator
	e.mu.RUnlock()
	return evaluator.Evaluate(expression, inst.Context)
}

func (e *WorkflowEngine) requiresApproval(step types.Step, inst types.WorkflowInstance) (bool, error) {
	if step.RequiresApproval {
		return true, nil
	}
	return e.condition(step.ApprovalWhen, inst)
}

// deadline computes a checkpoint deadline; zero means none.
func (e *WorkflowEngine) deadline(step types.Step) time.Time {
	var timeout time.Duration
	switch {
	case step.ApprovalTimeoutSec < 0:
		return time.Time{}
	case step.ApprovalTimeoutSec > 0:
		timeout = time.Duration(step.ApprovalTimeoutSec) * time.Second
	default:
		timeout = e.approvalTimeout
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.states.Now()).Add(timeout)
}

// SubmitDecision resolves a checkpoint. A rejection rolls the instance back
// before returning; an approval leaves it RUNNING for the next Advance.
func (e *WorkflowEngine) SubmitDecision(ctx context.Context, checkpointID string, decision types.Decision, reviewer, comment string) (types.ApprovalCheckpoint, error) {
	return e.approvals.SubmitDecision(ctx, checkpointID, decision, reviewer, comment)
}

// RequestApproval suspends a RUNNING instance on a manual checkpoint for
// one of its workflow's top-level steps. A positive timeout overrides the
// step's deadline and a negative one disables it; a positive level
// overrides the step's approval level. Approving the checkpoint marks the
// step approved, so its own gate does not ask again.
func (e *WorkflowEngine) RequestApproval(ctx context.Context, instanceID uint64, stepID string, timeout time.Duration, level int) (types.ApprovalCheckpoint, error) {
	inst, err := e.states.GetInstance(ctx, instanceID)
	if err != nil {
		return types.ApprovalCheckpoint{}, err
	}
	wf, err := e.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return types.ApprovalCheckpoint{}, err
	}
	step, ok := wf.Step(stepID)
	if !ok {
		return types.ApprovalCheckpoint{}, fmt.Errorf("%w: workflow %d has no step %q", types.ErrInvalidArgument, wf.ID, stepID)
	}

	deadline := e.deadline(step)
	switch {
	case timeout < 0:
		deadline = time.Time{}
	case timeout > 0:
		deadline = time.UnixMilli(e.states.Now()).Add(timeout)
	}
	if level <= 0 {
		level = step.ApprovalLevel
	}
	return e.approvals.RequestApproval(ctx, instanceID, stepID, deadline,
		approval.WithLevel(level), approval.WithMetadata(checkpointMetadata(wf, step)))
}

func checkpointMetadata(wf types.Workflow, step types.Step) map[string]interface{} {
	return map[string]interface{}{
		"workflow_name": wf.Name,
		"step_name":     step.Name,
		"task_type":     wf.TaskType,
		"priority":      wf.Priority,
	}
}

// ExpireOverdue expires overdue checkpoints and rolls their instances back.
func (e *WorkflowEngine) ExpireOverdue(ctx context.Context) (int, error) {
	return e.approvals.ExpireOverdue(ctx)
}

// onResolved rolls back instances whose checkpoint was not approved.
func (e *WorkflowEngine) onResolved(ctx context.Context, cp types.ApprovalCheckpoint) error {
	if cp.Status == types.CheckpointApproved {
		return nil
	}
	_, err := e.rollback(ctx, cp.InstanceID, types.RollbackRejected)
	return err
}

// rollback drives a rollback, retrying lost version races against other
// writers of the instance.
func (e *WorkflowEngine) rollback(ctx context.Context, instanceID uint64, reason types.RollbackReason) (types.RollbackRecord, error) {
	return state.Retry(ctx, e.conflictRetries, func() (types.RollbackRecord, error) {
		return e.rollbacks.Rollback(ctx, instanceID, reason)
	})
}

// Cancel force-rejects a RUNNING or AWAITING_APPROVAL instance and rolls it
// back. Cancelling any other state fails with ErrInvalidState.
func (e *WorkflowEngine) Cancel(ctx context.Context, instanceID uint64, reason string) (types.RollbackRecord, error) {
	if _, err := e.approvals.Cancel(ctx, instanceID, reason); err != nil {
		return types.RollbackRecord{}, err
	}
	return e.rollback(ctx, instanceID, types.RollbackRejected)
}

// Rollback continues an interrupted rollback or retries one that stopped
// in FAILED, resuming at the first compensation not yet applied.
func (e *WorkflowEngine) Rollback(ctx context.Context, instanceID uint64) (types.RollbackRecord, error) {
	return e.rollback(ctx, instanceID, "")
}

// Recover advances every instance left CREATED, RUNNING or ROLLING_BACK,
// for example after a restart. It returns how many instances it visited.
func (e *WorkflowEngine) Recover(ctx context.Context) (int, error) {
	insts, err := e.states.ListInstances(ctx, types.StateCreated, types.StateRunning, types.StateRollingBack)
	if err != nil {
		return 0, fmt.Errorf("list recoverable instances: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	if e.recoverConcurrency > 0 {
		g.SetLimit(e.recoverConcurrency)
	}
	for _, inst := range insts {
		id := inst.ID
		g.Go(func() error {
			if _, err := e.Advance(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("instance %d: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(insts), errors.Join(errs...)
}

// Stop closes the engine's event bus and waits for queued events to reach
// their sinks, or for ctx to end.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	return e.eventBus.Drain(ctx)
}
