package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/approval-workflow/actions"
	"github.com/songzhibin97/approval-workflow/state"
	"github.com/songzhibin97/approval-workflow/types"
	"golang.org/x/sync/errgroup"
)

// stepsKey is the context key holding step outputs by step ID.
const stepsKey = "steps"

// executeTaskWithRetry runs one step's action and returns its history
// record. A failure after the last retry is returned as a failed record,
// never as an error.
func (e *WorkflowEngine) executeTaskWithRetry(ctx context.Context, inst types.WorkflowInstance, step types.Step, index int, parent string) types.StepRecord {
	rec := types.StepRecord{
		StepID:       step.ID,
		ParentStepID: parent,
		StepIndex:    index,
		Input:        copyMap(inst.Context),
	}

	policy := actions.Policy{MaxRetries: e.defaultMaxRetries, Delay: e.defaultRetryDelay}
	switch {
	case step.MaxRetries < 0:
		policy.MaxRetries = 0
	case step.MaxRetries > 0:
		policy.MaxRetries = step.MaxRetries
	}
	if step.RetryDelaySec > 0 {
		policy.Delay = time.Duration(step.RetryDelaySec) * time.Second
	}

	action, err := e.registry.Lookup(step.Action)
	if err == nil {
		var out interface{}
		out, rec.Attempts, err = actions.Run(ctx, action, actions.Request{
			InstanceID: inst.ID,
			StepID:     step.ID,
			Step:       step,
			Context:    copyMap(inst.Context),
		}, policy)
		rec.Output = out
	}
	rec.ExecutedAt = e.states.Now()
	e.metrics.StepExecuted(step.Action, err == nil)

	if err != nil {
		rec.Failed = true
		rec.Error = err.Error()
		e.logger.WarnContext(ctx, "step failed", "instance_id", inst.ID, "step_id", step.ID, "attempts", rec.Attempts, "error", err)
		return rec
	}
	if name := compensationFor(step); name != "" {
		rec.Compensation = &types.CompensationDescriptor{Action: name}
	}
	return rec
}

// runParallel runs the branches of step concurrently and records each
// result as soon as it is known. Branches already recorded by an earlier
// attempt are not run again. It returns every branch record of step.
func (e *WorkflowEngine) runParallel(ctx context.Context, snap types.Snapshot, step types.Step) ([]types.StepRecord, error) {
	inst := snap.Instance
	done := make(map[string]types.StepRecord)
	for _, rec := range inst.Steps {
		if rec.ParentStepID == step.ID {
			done[rec.StepID] = rec
		}
	}
	for _, rec := range done {
		if rec.Failed {
			// A branch failure was recorded before the rollback was committed.
			return branchRecords(step, done), nil
		}
	}

	var todo []types.Step
	for _, branch := range step.Branches {
		if _, ok := done[branch.ID]; !ok {
			todo = append(todo, branch)
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, branch := range todo {
		branch := branch
		g.Go(func() error {
			rec := e.executeTaskWithRetry(ctx, inst, branch, inst.NextStep, step.ID)
			if _, err := state.Retry(ctx, e.conflictRetries, func() (types.Snapshot, error) {
				cur, err := e.states.GetInstance(ctx, inst.ID)
				if err != nil {
					return types.Snapshot{}, err
				}
				return e.states.RecordStep(ctx, inst.ID, cur.Version, rec)
			}); err != nil {
				return fmt.Errorf("record branch %s: %w", branch.ID, err)
			}
			mu.Lock()
			done[branch.ID] = rec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return branchRecords(step, done), nil
}

// branchRecords orders recorded branches as the definition lists them.
func branchRecords(step types.Step, done map[string]types.StepRecord) []types.StepRecord {
	out := make([]types.StepRecord, 0, len(done))
	for _, b := range step.Branches {
		if rec, ok := done[b.ID]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// compensationFor resolves the step's compensation name, if any.
func compensationFor(step types.Step) string {
	switch step.Compensation {
	case "":
		return ""
	case actions.CompensationAuto:
		return actions.CompensationFor(step.Action)
	default:
		return step.Compensation
	}
}

// withOutputs returns the instance's "steps" context entry extended with
// the outputs of recs.
func withOutputs(inst types.WorkflowInstance, recs ...types.StepRecord) map[string]interface{} {
	outputs := make(map[string]interface{})
	if prev, ok := inst.Context[stepsKey].(map[string]interface{}); ok {
		for k, v := range prev {
			outputs[k] = v
		}
	}
	for _, rec := range recs {
		outputs[rec.StepID] = rec.Output
	}
	return map[string]interface{}{stepsKey: outputs}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
