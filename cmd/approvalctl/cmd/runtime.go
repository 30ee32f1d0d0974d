package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/approval-workflow/config"
	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/metrics"
	"github.com/songzhibin97/approval-workflow/rules"
	"github.com/songzhibin97/approval-workflow/storage"
	"github.com/songzhibin97/approval-workflow/workflow"
	"github.com/songzhibin97/gkit/generator"
)

// idEpoch is the snowflake start time shared by every process writing to
// the same store.
var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// drainTimeout bounds how long a command waits for queued notifications.
const drainTimeout = 10 * time.Second

// runtime is a fully wired engine plus what it needs released on exit.
type runtime struct {
	engine  *workflow.WorkflowEngine
	leader  storage.Leader
	closers []func() error
}

func (r *runtime) Close() error {
	var errs []error
	if r.engine != nil {
		// Queued events reach the sinks before they are closed.
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		errs = append(errs, r.engine.Stop(ctx))
		cancel()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// openRuntime connects the configured store and sinks, builds the engine
// and registers every configured definition. reg may be nil.
func openRuntime(ctx context.Context, reg prometheus.Registerer, extra ...events.Sink) (*runtime, error) {
	rt := &runtime{}
	store, err := rt.openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithRetryPolicy(cfg.Engine.MaxRetries, cfg.Engine.RetryDelay),
		workflow.WithApprovalTimeout(cfg.Approval.DefaultTimeout),
		workflow.WithConflictRetries(cfg.Engine.ConflictRetries),
		workflow.WithRecoverConcurrency(cfg.Engine.RecoverConcurrency),
	}
	if reg != nil {
		opts = append(opts, workflow.WithMetrics(metrics.New(reg)))
	}
	if url := cfg.Notify.RabbitMQ.URL; url != "" {
		sink, err := events.NewRabbitSink(url, cfg.Notify.RabbitMQ.Exchange, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, sink.Close)
		opts = append(opts, workflow.WithSink(sink))
	}
	for _, sink := range extra {
		opts = append(opts, workflow.WithSink(sink))
	}

	ids := generator.NewSnowflake(idEpoch, cfg.ID.MachineID)
	engine, err := workflow.NewWorkflowEngine(ids, store, rules.NewExprEvaluator(), opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine

	defs, err := config.LoadDefinitions(cfg.Definitions...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	for _, wf := range defs {
		if err := engine.RegisterWorkflow(ctx, wf); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (r *runtime) openStore(ctx context.Context, sc config.StorageConfig) (storage.Storage, error) {
	switch sc.Driver {
	case config.DriverRedis:
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         sc.Redis.Addr,
			Password:     sc.Redis.Password,
			DB:           sc.Redis.DB,
			PoolSize:     sc.Redis.PoolSize,
			MinIdleConns: sc.Redis.MinIdleConns,
			IdleTimeout:  sc.Redis.IdleTimeout,
		})
		if err != nil {
			return nil, err
		}
		r.leader = store
		r.closers = append(r.closers, store.Close)
		return store, nil
	case config.DriverPostgres:
		store, err := storage.NewPostgresStorage(ctx, storage.PostgresOptions{
			DSN:      sc.Postgres.DSN,
			MaxConns: sc.Postgres.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		r.leader = store
		r.closers = append(r.closers, func() error { store.Close(); return nil })
		return store, nil
	case config.DriverMemory:
		logger.Warn("memory storage keeps state for this process only")
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

// withRuntime opens a runtime for one command and closes it afterwards.
func withRuntime(ctx context.Context, fn func(*runtime) error) error {
	rt, err := openRuntime(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}
