package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/djlord-it/flowsched/internal/condition"
	"github.com/djlord-it/flowsched/internal/config"
	"github.com/djlord-it/flowsched/internal/cron"
	"github.com/djlord-it/flowsched/internal/flowrepo"
	"github.com/djlord-it/flowsched/internal/logging"
	"github.com/djlord-it/flowsched/internal/notify"
	"github.com/djlord-it/flowsched/internal/store/sqlstore"
)

func newServeCmd(load func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler, the status API and the metrics server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), load())
		},
	}
}

func newValidateCmd(load func() config.Config) *cobra.Command {
	var configOnly bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and flow definitions (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			if err := config.Validate(cfg); err != nil {
				return invalidConfig(err)
			}
			out := cmd.OutOrStdout()
			if !configOnly {
				if err := validateFlows(cmd.Context(), cfg.FlowsDir, out); err != nil {
					return invalidConfig(err)
				}
			}
			fmt.Fprintln(out, "configuration valid")
			return nil
		},
	}
	cmd.Flags().BoolVar(&configOnly, "config-only", false, "skip loading flow definitions")
	return cmd
}

// validateFlows loads every flow file under dir and checks each trigger's
// schedule and conditions the way the scheduler would. Every problem is
// written to out.
func validateFlows(ctx context.Context, dir string, out io.Writer) error {
	flows, problems, err := flowrepo.NewDir(dir, nil).Load(ctx)
	if err != nil {
		return err
	}
	for _, p := range problems {
		fmt.Fprintf(out, "%s: %v\n", p.Path, p.Err)
	}

	parser := cron.NewParser()
	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return err
	}

	bad := len(problems)
	triggers := 0
	for _, f := range flows {
		for _, t := range f.Triggers {
			triggers++
			if _, err := parser.Parse(t.Schedule, t.Timezone); err != nil {
				fmt.Fprintf(out, "%s/%s: schedule %q: %v\n", f.Key(), t.ID, t.Schedule, err)
				bad++
			}
			if err := evaluator.Validate(t.Conditions); err != nil {
				fmt.Fprintf(out, "%s/%s: %v\n", f.Key(), t.ID, err)
				bad++
			}
		}
	}
	if bad > 0 {
		return errors.Newf("%d problem(s) in flow definitions under %s", bad, dir)
	}
	fmt.Fprintf(out, "%d flow(s), %d trigger(s) valid\n", len(flows), triggers)
	return nil
}

func newConfigCmd(load func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			if cfg.SchedulerID == "" {
				cfg.SchedulerID = defaultSchedulerID()
			}
			data, err := cfg.MaskedJSON()
			if err != nil {
				return errors.Wrap(err, "marshal config")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newMigrateCmd(load func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			dialect, err := sqlstore.DialectFor(cfg.DatabaseDriver)
			if err != nil {
				return invalidConfig(err)
			}
			if cfg.DatabaseURL == "" {
				return invalidConfig(errors.New("DATABASE_URL: required"))
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
			if err != nil {
				return invalidConfig(err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := sqlstore.Open(ctx, dialect, cfg.DatabaseURL, sqlstore.OpenOptions{
				MaxOpenConns: cfg.DBMaxOpenConns,
				BusyTimeout:  cfg.DBOpTimeout,
			})
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := sqlstore.Migrate(ctx, db, dialect, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) on %s\n", n, dialect.Name)
			return nil
		},
	}
}

func newNotifyCmd(load func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "notify <namespace/flow>",
		Short: "Tell running instances that flow definitions changed",
		Long: `Publishes a change notification on NOTIFY_CHANNEL. Every subscribed instance
refreshes its flow index right away instead of waiting for
FLOWS_REFRESH_INTERVAL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if ns, id, ok := strings.Cut(key, "/"); !ok || ns == "" || id == "" {
				return errors.Newf("expected <namespace/flow>, got %q", key)
			}

			cfg := load()
			if cfg.RedisAddr == "" {
				return invalidConfig(errors.New("REDIS_ADDR: required for notify"))
			}
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			n, err := notify.NewPublisher(client, cfg.NotifyChannel).Publish(ctx, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notified %d instance(s)\n", n)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowsched version %s (commit: %s)\n", version, commit)
		},
	}
}
