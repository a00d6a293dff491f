package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/internal/observability"
	"github.com/3leaps/gomatrix/pkg/manifest"
	"github.com/3leaps/gomatrix/pkg/trigger"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a matrix manifest",
	Long: `Validate a manifest against the embedded schema and check its
semantics: axis and stage names, placeholders, publish references, the
bootstrap section and the schedule.

Example:
  gomatrix validate --job matrix.yaml`,
	RunE: runValidate,
}

var validateJobPath string

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateJobPath, "job", "j", "", "Path to matrix manifest (required)")
	_ = validateCmd.MarkFlagRequired("job")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	m, err := manifest.Load(validateJobPath)
	if err != nil {
		observability.CLILogger.Error("Manifest is invalid",
			zap.String("path", validateJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	jobs, pipeline, err := planRun(m, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid matrix", err)
	}
	if _, _, err := m.BootstrapConfig(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid bootstrap", err)
	}
	_, hasStore := m.PublisherConfig()
	if err := pipeline.Validate(hasStore); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pipeline", err)
	}
	if m.Schedule != nil {
		if err := trigger.Validate(m.Schedule.Cron, m.Schedule.WithSeconds); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid schedule", err)
		}
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d jobs, %d stages)\n",
		validateJobPath, len(jobs), len(pipeline.Stages))
	return nil
}
