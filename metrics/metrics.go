// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/approval-workflow/types"
)

// Collector groups the counters updated by the core components. A nil
// *Collector is valid and records nothing.
type Collector struct {
	transitions     *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
	pending         prometheus.Gauge
	stepExecutions  *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	decisionLatency prometheus.Histogram
	notifyDropped   prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_workflow_transitions_total",
				Help: "Committed instance transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_workflow_version_conflicts_total",
				Help: "Compare-and-swap commits rejected because of a stale version",
			},
			[]string{"component"},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_workflow_checkpoints_total",
				Help: "Approval checkpoints by resulting status",
			},
			[]string{"status"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "approval_workflow_pending_checkpoints",
				Help: "Checkpoints awaiting a decision as of the last sweep",
			},
		),
		stepExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_workflow_step_executions_total",
				Help: "Step executions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_workflow_compensations_total",
				Help: "Compensations applied during rollback by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_workflow_rollbacks_total",
				Help: "Finished rollbacks by reason and resulting state",
			},
			[]string{"reason", "result"},
		),
		decisionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "approval_workflow_decision_latency_seconds",
				Help:    "Time from checkpoint request to resolution",
				Buckets: []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600},
			},
		),
		notifyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "approval_workflow_notifications_dropped_total",
				Help: "Events the notification sink failed to accept",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			c.transitions, c.conflicts, c.checkpoints, c.pending, c.stepExecutions,
			c.compensations, c.rollbacks, c.decisionLatency, c.notifyDropped,
		)
	}
	return c
}

// Transition counts a committed state change.
func (c *Collector) Transition(from, to types.State) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Conflict counts a version conflict seen by component.
func (c *Collector) Conflict(component string) {
	if c == nil {
		return
	}
	c.conflicts.WithLabelValues(component).Inc()
}

// Checkpoint counts a checkpoint entering status.
func (c *Collector) Checkpoint(status types.CheckpointStatus) {
	if c == nil {
		return
	}
	c.checkpoints.WithLabelValues(string(status)).Inc()
}

// Decided observes resolution latency; both arguments are unix millis.
func (c *Collector) Decided(requestedAt, decidedAt int64) {
	if c == nil || decidedAt < requestedAt {
		return
	}
	c.decisionLatency.Observe(float64(decidedAt-requestedAt) / 1000)
}

// Pending sets the pending checkpoint gauge.
func (c *Collector) Pending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

// StepExecuted counts one step execution.
func (c *Collector) StepExecuted(action string, ok bool) {
	if c == nil {
		return
	}
	c.stepExecutions.WithLabelValues(action, outcome(ok)).Inc()
}

// Compensated counts one compensation attempt sequence.
func (c *Collector) Compensated(action string, ok bool) {
	if c == nil {
		return
	}
	c.compensations.WithLabelValues(action, outcome(ok)).Inc()
}

// RollbackFinished counts a completed rollback record.
func (c *Collector) RollbackFinished(reason types.RollbackReason, result types.State) {
	if c == nil {
		return
	}
	c.rollbacks.WithLabelValues(string(reason), string(result)).Inc()
}

// NotificationDropped counts an event the sink did not accept.
func (c *Collector) NotificationDropped() {
	if c == nil {
		return
	}
	c.notifyDropped.Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
