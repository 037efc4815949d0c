package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/djlord-it/flowsched/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code through cobra's RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidConfig(err error) error {
	return &exitError{code: exitInvalidConfig, err: err}
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitRuntimeError
	}
	return exitSuccess
}

func newRootCmd() *cobra.Command {
	var configFile string
	var v *viper.Viper

	root := &cobra.Command{
		Use:   "flowsched",
		Short: "flowsched - distributed flow trigger scheduler",
		Long: `flowsched evaluates the schedule triggers of flow definitions and creates
executions when they are due. Any number of instances may share one database;
each due trigger fires once per scheduled instant.

Configuration comes from environment variables (DATABASE_URL, TICK_INTERVAL,
...) optionally layered over a YAML file given with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			v, err = config.NewViper(configFile)
			if err != nil {
				return invalidConfig(err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file; environment variables take precedence")

	loadConfig := func() config.Config { return config.Load(v) }

	root.AddCommand(
		newServeCmd(loadConfig),
		newValidateCmd(loadConfig),
		newConfigCmd(loadConfig),
		newMigrateCmd(loadConfig),
		newNotifyCmd(loadConfig),
		newVersionCmd(),
	)
	return root
}
