package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/internal/observability"
	"github.com/3leaps/gomatrix/pkg/manifest"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a build matrix from manifest",
	Long: `Expand the matrix declared in a YAML or JSON manifest and run every
job's pipeline.

Jobs run in parallel up to --concurrency; stages within a job run in order.
A failing job never affects its siblings. The process exits 1 when any job
failed and prints a per-job failure summary to stderr.

Example:
  gomatrix run --job matrix.yaml
  gomatrix run --job matrix.yaml --report report.json --events file:events.jsonl
  gomatrix run --job matrix.yaml --only platform=linux --only python=3.12
  gomatrix run --job matrix.yaml --dry-run
  gomatrix run --job matrix.yaml --background`,
	RunE: runRun,
}

var (
	runJobPath     string
	runConcurrency int
	runReportPath  string
	runEvents      string
	runOnly        []string
	runDryRun      bool
	runRunID       string
	runWorkspace   string
	runBackground  bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to matrix manifest (required)")
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "c", 0, "Jobs run in parallel (default: manifest, config, then CPU count)")
	runCmd.Flags().StringVar(&runReportPath, "report", "", "Write the run report to this path")
	runCmd.Flags().StringVar(&runEvents, "events", "", "JSONL event destination: stdout, stderr, file:<path> or <path>")
	runCmd.Flags().StringArrayVar(&runOnly, "only", nil, "Run only jobs matching axis=value (repeatable)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show the job plan without executing")
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "Run ID (default: generated)")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "Root directory for job working directories")
	runCmd.Flags().BoolVar(&runBackground, "background", false, "Start the run as a background process and print its run ID")

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runJobPath),
		zap.String("name", m.Name),
		zap.Strings("axes", m.AxisNames()))

	if runDryRun {
		jobs, _, err := planRun(m, runOnly)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid matrix", err)
		}
		return writePlan(os.Stdout, m, jobs, false)
	}

	if runBackground {
		return startBackgroundRun(cmd)
	}

	_, err = executeRun(ctx, runJobPath, m, runOptions{
		RunID:       runRunID,
		Trigger:     runregistry.TriggerManual,
		Concurrency: runConcurrency,
		Workspace:   runWorkspace,
		ReportPath:  runReportPath,
		Events:      runEvents,
		Only:        runOnly,
	})
	return err
}

// startBackgroundRun hands the run to a detached child process that
// records itself in the run registry.
func startBackgroundRun(cmd *cobra.Command) error {
	cfg, err := appConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	args := []string{"--data-dir", cfg.DataDir}
	for _, name := range []string{"concurrency", "report", "workspace", "events"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			args = append(args, "--"+name, f.Value.String())
		}
	}
	for _, sel := range runOnly {
		args = append(args, "--only", sel)
	}

	launcher := runregistry.NewLauncher(registry(cfg))
	rec, err := launcher.Start(runJobPath, runregistry.LaunchOptions{
		Trigger: runregistry.TriggerManual,
		Args:    args,
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start background run", err)
	}

	observability.CLILogger.Info("Started background run",
		zap.String("run_id", rec.RunID),
		zap.Int("pid", rec.PID))
	_, _ = fmt.Fprintln(os.Stdout, rec.RunID)
	return nil
}
