// Package state owns instance lifecycles: creation, validated transitions
// and reads, all going through the storage compare-and-swap.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/metrics"
	"github.com/songzhibin97/approval-workflow/storage"
	"github.com/songzhibin97/approval-workflow/telemetry"
	"github.com/songzhibin97/approval-workflow/types"
	"github.com/songzhibin97/gkit/generator"
)

// Manager applies transitions to workflow instances. It holds no per-instance
// locks: the version check in storage serializes writers, and a losing
// writer gets ErrVersionConflict.
type Manager struct {
	store   storage.Storage
	ids     generator.Generator
	sink    events.Sink
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink sets where state-change events go.
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

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. ids generates instance IDs.
func NewManager(store storage.Storage, ids generator.Generator, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if ids == nil {
		return nil, errors.New("generator is required")
	}
	m := &Manager{
		store:  store,
		ids:    ids,
		sink:   events.Nop,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Now returns the manager's clock reading in unix millis.
func (m *Manager) Now() int64 {
	return m.now().UnixMilli()
}

// Store returns the underlying storage.
func (m *Manager) Store() storage.Storage {
	return m.store
}

// CreateInstance creates an instance of workflowID in state CREATED. The
// input seeds the instance context.
func (m *Manager) CreateInstance(ctx context.Context, workflowID uint64, input map[string]interface{}) (types.WorkflowInstance, error) {
	if _, err := m.store.GetWorkflow(ctx, workflowID); err != nil {
		return types.WorkflowInstance{}, err
	}
	id, err := m.ids.NextID()
	if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("generate instance id: %w", err)
	}

	now := m.Now()
	snap := types.Snapshot{Instance: types.WorkflowInstance{
		ID:         id,
		WorkflowID: workflowID,
		State:      types.StateCreated,
		Version:    1,
		Input:      input,
		Context:    make(map[string]interface{}, len(input)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	snap.Instance.AppendLog(types.LogEntry{At: now, Version: 1, To: types.StateCreated, Reason: "created"})
	for k, v := range input {
		snap.Instance.Context[k] = v
	}
	snap = snap.Clone()

	if err := m.store.Create(ctx, snap); err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("create instance: %w", err)
	}
	telemetry.WithInstanceID(m.logger, id).InfoContext(ctx, "instance created", "workflow_id", workflowID)
	m.sink.Notify(ctx, events.NewEvent(events.TypeStateChanged, id, "", types.StateCreated, "created", snap.Instance.CreatedAt))
	return snap.Instance, nil
}

// GetInstance returns the latest committed instance.
func (m *Manager) GetInstance(ctx context.Context, instanceID uint64) (types.WorkflowInstance, error) {
	snap, err := m.Snapshot(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	return snap.Instance, nil
}

// Snapshot returns the instance with its checkpoints and rollback records.
func (m *Manager) Snapshot(ctx context.Context, instanceID uint64) (types.Snapshot, error) {
	return m.store.Load(ctx, instanceID)
}

// ApplyTransition validates tr against the stored instance and commits it
// if the stored version still equals expectedVersion. The returned snapshot
// is the committed one.
func (m *Manager) ApplyTransition(ctx context.Context, instanceID, expectedVersion uint64, tr Transition) (types.Snapshot, error) {
	cur, err := m.store.Load(ctx, instanceID)
	if err != nil {
		return types.Snapshot{}, err
	}
	if cur.Instance.Version != expectedVersion {
		m.metrics.Conflict("state")
		return types.Snapshot{}, fmt.Errorf("%w: instance %d at version %d, expected %d",
			types.ErrVersionConflict, instanceID, cur.Instance.Version, expectedVersion)
	}
	if err := validate(cur, tr); err != nil {
		return types.Snapshot{}, err
	}

	next := apply(cur, tr, m.Now())
	if err := m.store.Commit(ctx, instanceID, expectedVersion, next); err != nil {
		if errors.Is(err, types.ErrVersionConflict) {
			m.metrics.Conflict("state")
		}
		return types.Snapshot{}, err
	}

	from := cur.Instance.State
	m.metrics.Transition(from, tr.To)
	logger := telemetry.WithInstanceID(m.logger, instanceID)
	logger.DebugContext(ctx, "transition committed",
		"from", from, "to", tr.To, "version", next.Instance.Version, "reason", tr.Reason)
	if from != tr.To {
		logger.InfoContext(ctx, "state changed", "from", from, "to", tr.To, "reason", tr.Reason)
		m.sink.Notify(ctx, events.NewEvent(events.TypeStateChanged, instanceID, from, tr.To, tr.Reason, next.Instance.UpdatedAt))
	}
	return next, nil
}

// RecordStep appends one history record to a RUNNING instance without a
// state change. Parallel branches use it to persist each result as soon as
// it is known.
func (m *Manager) RecordStep(ctx context.Context, instanceID, expectedVersion uint64, rec types.StepRecord) (types.Snapshot, error) {
	cur, err := m.store.Load(ctx, instanceID)
	if err != nil {
		return types.Snapshot{}, err
	}
	if cur.Instance.State != types.StateRunning {
		return types.Snapshot{}, fmt.Errorf("%w: cannot record step in %s", types.ErrInvalidState, cur.Instance.State)
	}
	next, err := m.store.AppendHistory(ctx, instanceID, expectedVersion, rec)
	if errors.Is(err, types.ErrVersionConflict) {
		m.metrics.Conflict("state")
	}
	return next, err
}

// ListInstances lists instances in the given states, or all of them.
func (m *Manager) ListInstances(ctx context.Context, states ...types.State) ([]types.WorkflowInstance, error) {
	return m.store.ListInstances(ctx, states...)
}
