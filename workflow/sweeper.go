package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/songzhibin97/approval-workflow/storage"
)

// Sweeper periodically expires overdue checkpoints and recovers stalled
// instances. With a Leader, only the process holding leadership sweeps.
type Sweeper struct {
	engine *WorkflowEngine
	leader storage.Leader
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper schedules sweeps on a cron spec such as "@every 30s". leader
// may be nil.
func NewSweeper(engine *WorkflowEngine, schedule string, leader storage.Leader, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		engine: engine,
		leader: leader,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		_ = s.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the schedule in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop stops the schedule. The returned context is done once a running
// sweep has finished.
func (s *Sweeper) Stop() context.Context { return s.cron.Stop() }

// Sweep runs one sweep: expire overdue checkpoints, then advance every
// instance that is not suspended or terminal.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.leader != nil {
		lead, err := s.leader.TryLead(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "leadership check failed", "error", err)
			return err
		}
		if !lead {
			s.logger.DebugContext(ctx, "not the leader, skipping sweep")
			return nil
		}
	}

	expired, expErr := s.engine.ExpireOverdue(ctx)
	recovered, recErr := s.engine.Recover(ctx)
	err := errors.Join(expErr, recErr)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep finished with errors", "expired", expired, "recovered", recovered, "error", err)
		return err
	}
	s.logger.DebugContext(ctx, "sweep finished", "expired", expired, "recovered", recovered)
	return nil
}
