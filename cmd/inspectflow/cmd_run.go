package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/inspectflow/inspectflow/internal/app"
)

var runFlags struct {
	timeout    time.Duration
	workers    int
	poolBudget int64
	logLevel   string
	logFormat  string
}

var runCmd = &cobra.Command{
	Use:   "run <flow.hcl>",
	Short: "Execute a flow definition once against a synthetic source image",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.DurationVar(&runFlags.timeout, "timeout", 30*time.Second, "Run deadline (0 for none)")
	f.IntVar(&runFlags.workers, "workers", 0, "Concurrent node limit (0 for CPU count)")
	f.Int64Var(&runFlags.poolBudget, "pool-budget", 0, "Buffer pool budget in bytes (0 for default)")
	f.StringVar(&runFlags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&runFlags.logFormat, "log-format", "text", "Log format: text or json")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := app.NewConfig(app.Config{
		FlowPath:        args[0],
		Workers:         runFlags.workers,
		PoolBudgetBytes: runFlags.poolBudget,
		Timeout:         runFlags.timeout,
		LogLevel:        runFlags.logLevel,
		LogFormat:       runFlags.logFormat,
	})
	if err != nil {
		return err
	}

	a, err := app.NewApp(cmd.OutOrStdout(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(cmd.Context())
}
