package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/telemetry"
	"github.com/songzhibin97/approval-workflow/workflow"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Recover interrupted instances, then periodically expire overdue
checkpoints and advance stalled instances. Exposes /metrics and /healthz.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The long-running process logs to stdout like any other service.
	logger = telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	rt, err := openRuntime(ctx, prometheus.DefaultRegisterer, events.LogSink{Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	sweeper, err := workflow.NewSweeper(rt.engine, cfg.Sweep.Schedule, rt.leader, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Sweep(ctx); err != nil {
		logger.Warn("initial sweep finished with errors", "error", err)
	}
	sweeper.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	select {
	case <-sweeper.Stop().Done():
	case <-shutdownCtx.Done():
	}
	logger.Info("approvalctl stopped")
	return err
}
