package main

import (
	"github.com/spf13/cobra"

	"github.com/inspectflow/inspectflow/internal/app"
)

var validateFlags struct {
	logLevel  string
	logFormat string
}

var validateCmd = &cobra.Command{
	Use:   "validate <flow.hcl>",
	Short: "Check a flow definition for structural errors without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	f := validateCmd.Flags()
	f.StringVar(&validateFlags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&validateFlags.logFormat, "log-format", "text", "Log format: text or json")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := app.NewConfig(app.Config{
		FlowPath:  args[0],
		LogLevel:  validateFlags.logLevel,
		LogFormat: validateFlags.logFormat,
	})
	if err != nil {
		return err
	}

	a, err := app.NewApp(cmd.OutOrStdout(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Validate(cmd.Context())
}
