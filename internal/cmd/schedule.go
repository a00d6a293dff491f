package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/internal/observability"
	"github.com/3leaps/gomatrix/pkg/manifest"
	"github.com/3leaps/gomatrix/pkg/runregistry"
	"github.com/3leaps/gomatrix/pkg/trigger"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run a build matrix on a cron schedule",
	Long: `Run the manifest on a fixed cron schedule until interrupted.

The schedule comes from the manifest's schedule section or --cron. Runs
never overlap: a tick that arrives while a run is in progress is dropped.
The manifest is reloaded before every run. SIGINT or SIGTERM stops the
scheduler after the in-flight run finishes.

Example:
  gomatrix schedule --job matrix.yaml
  gomatrix schedule --job matrix.yaml --cron "0 3 * * *" --timezone Europe/Berlin
  gomatrix schedule --job matrix.yaml --cron "*/30 * * * * *" --with-seconds --run-on-start`,
	RunE: runSchedule,
}

var (
	scheduleJobPath     string
	scheduleCron        string
	scheduleWithSeconds bool
	scheduleTimezone    string
	scheduleRunOnStart  bool
	scheduleConcurrency int
	scheduleOnly        []string
	scheduleStopTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().StringVarP(&scheduleJobPath, "job", "j", "", "Path to matrix manifest (required)")
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression (overrides the manifest schedule)")
	scheduleCmd.Flags().BoolVar(&scheduleWithSeconds, "with-seconds", false, "Cron expression has a leading seconds field")
	scheduleCmd.Flags().StringVar(&scheduleTimezone, "timezone", "", "IANA time zone for the schedule (default: manifest, then local)")
	scheduleCmd.Flags().BoolVar(&scheduleRunOnStart, "run-on-start", false, "Run once immediately, then follow the schedule")
	scheduleCmd.Flags().IntVarP(&scheduleConcurrency, "concurrency", "c", 0, "Jobs run in parallel")
	scheduleCmd.Flags().StringArrayVar(&scheduleOnly, "only", nil, "Run only jobs matching axis=value (repeatable)")
	scheduleCmd.Flags().DurationVar(&scheduleStopTimeout, "stop-timeout", 30*time.Minute, "How long to wait for an in-flight run on shutdown")

	_ = scheduleCmd.MarkFlagRequired("job")
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(scheduleJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	tcfg, err := scheduleConfig(m, cmd.Flags().Changed("with-seconds"))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid schedule", err)
	}
	if err := trigger.Validate(tcfg.Cron, tcfg.WithSeconds); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid schedule", err)
	}

	sched, err := trigger.New(tcfg, scheduledRun)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid schedule", err)
	}
	sched.WithLogger(observability.CLILogger)

	if err := sched.Run(ctx); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Scheduler failed", err)
	}

	observability.CLILogger.Info("Scheduler stopped",
		zap.Int64("runs", sched.Fired()),
		zap.Int64("failed", sched.Failed()))
	return nil
}

// scheduleConfig layers the flags over the manifest schedule.
func scheduleConfig(m *manifest.Manifest, withSecondsSet bool) (trigger.Config, error) {
	cfg := trigger.DefaultConfig()
	cfg.RunOnStart = scheduleRunOnStart
	cfg.StopTimeout = scheduleStopTimeout
	if m.Name != "" {
		cfg.Name = m.Name
	}

	timezone := scheduleTimezone
	if m.Schedule != nil {
		cfg.Cron = m.Schedule.Cron
		cfg.WithSeconds = m.Schedule.WithSeconds
		if timezone == "" {
			timezone = m.Schedule.Timezone
		}
	}
	if scheduleCron != "" {
		cfg.Cron = scheduleCron
	}
	if withSecondsSet {
		cfg.WithSeconds = scheduleWithSeconds
	}
	if cfg.Cron == "" {
		return cfg, fmt.Errorf("no schedule: set schedule.cron in the manifest or pass --cron")
	}
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return cfg, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		cfg.Location = loc
	}
	return cfg, nil
}

// scheduledRun reloads the manifest and runs it once.
func scheduledRun(ctx context.Context) error {
	m, err := manifest.Load(scheduleJobPath)
	if err != nil {
		return fmt.Errorf("reload manifest: %w", err)
	}
	_, err = executeRun(ctx, scheduleJobPath, m, runOptions{
		Trigger:     runregistry.TriggerSchedule,
		Concurrency: scheduleConcurrency,
		Only:        scheduleOnly,
	})
	return err
}
