package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/songzhibin97/approval-workflow/config"
	"github.com/songzhibin97/approval-workflow/telemetry"
	"github.com/songzhibin97/approval-workflow/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	outputFormat string

	v      = viper.New()
	cfg    config.Config
	logger *slog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "approvalctl",
	Short: "Approval workflow orchestrator",
	Long: `approvalctl runs multi-step workflows that pause at human approval
checkpoints and roll back completed steps when a checkpoint is rejected,
expires, or a step fails.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("storage", "", "storage driver: memory, redis or postgres")
	rootCmd.PersistentFlags().String("log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
	rootCmd.PersistentFlags().StringSlice("definitions", nil, "workflow definition files to load")

	_ = v.BindPFlag("storage.driver", rootCmd.PersistentFlags().Lookup("storage"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("definitions", rootCmd.PersistentFlags().Lookup("definitions"))
}

// initConfig resolves flags, the config file and APPROVAL_* variables.
func initConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.LoadWith(v, cfgFile)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	cfg = c
	// Command output owns stdout.
	logger = telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return nil
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q", types.ErrInvalidArgument, s)
	}
	return id, nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
