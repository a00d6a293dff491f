package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gomatrix/pkg/report"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
	Long: `Inspect the run registry under <data_dir>/runs.

Every run, whether started by 'run', 'schedule' or POST /runs, leaves a
record with its state, trigger, counts and report.

Example:
  gomatrix runs list
  gomatrix runs list --json
  gomatrix runs show 3f2a9c1e
  gomatrix runs show 3f2a9c1e --report`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsShowCmd.Flags().Bool("json", false, "Output the record as JSON")
	runsShowCmd.Flags().Bool("report", false, "Output the run report document")
}

func runsStore(cmd *cobra.Command) (*runregistry.Store, error) {
	cfg, err := appConfig(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return registry(cfg), nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := runsStore(cmd)
	if err != nil {
		return err
	}
	runs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run registry", err)
	}
	return writeRunList(cmd.OutOrStdout(), runs, jsonOutput)
}

func writeRunList(w io.Writer, runs []runregistry.RunRecord, jsonOutput bool) error {
	if jsonOutput {
		if runs == nil {
			runs = []runregistry.RunRecord{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "RUN ID\tNAME\tSTATE\tTRIGGER\tJOBS\tFAILED\tSTARTED\tENDED")
	for _, r := range runs {
		jobs, failed := "-", "-"
		if r.Counts != nil {
			jobs = fmt.Sprint(r.Counts.Total)
			failed = fmt.Sprint(r.Counts.Failed)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			orDash(r.Name),
			r.State,
			r.Trigger,
			jobs,
			failed,
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
		)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	reportOutput, _ := cmd.Flags().GetBool("report")

	store, err := runsStore(cmd)
	if err != nil {
		return err
	}
	runID, err := resolveRunID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown run", err)
	}

	out := cmd.OutOrStdout()
	if reportOutput {
		r, err := store.Report(runID)
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "No report for run", err)
		}
		return report.Encode(out, r)
	}

	rec, err := store.Get(runID)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown run", err)
	}
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	writeRunRecord(out, rec)
	if rec.State.Terminal() {
		if r, err := store.Report(runID); err == nil {
			_, _ = fmt.Fprintln(out)
			_ = report.RenderSummary(out, r)
		}
	}
	return nil
}

func writeRunRecord(w io.Writer, rec *runregistry.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintf(tw, "Run ID:\t%s\n", rec.RunID)
	_, _ = fmt.Fprintf(tw, "Name:\t%s\n", orDash(rec.Name))
	_, _ = fmt.Fprintf(tw, "State:\t%s\n", rec.State)
	_, _ = fmt.Fprintf(tw, "Trigger:\t%s\n", rec.Trigger)
	_, _ = fmt.Fprintf(tw, "Manifest:\t%s\n", orDash(rec.ManifestPath))
	_, _ = fmt.Fprintf(tw, "Workspace:\t%s\n", orDash(rec.Workspace))
	_, _ = fmt.Fprintf(tw, "Created:\t%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(tw, "Started:\t%s\n", formatOptionalTime(rec.StartedAt))
	_, _ = fmt.Fprintf(tw, "Ended:\t%s\n", formatOptionalTime(rec.EndedAt))
	if rec.Counts != nil {
		c := rec.Counts
		_, _ = fmt.Fprintf(tw, "Jobs:\t%d (%d succeeded, %d failed, %d skipped, %d cancelled)\n",
			c.Total, c.Succeeded, c.Failed, c.Skipped, c.Cancelled)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(tw, "Error:\t%s\n", rec.Error)
	}
	if rec.StderrPath != "" {
		_, _ = fmt.Fprintf(tw, "Stderr:\t%s\n", rec.StderrPath)
	}
}

// resolveRunID accepts a full run ID or a unique prefix as printed by
// 'runs list'.
func resolveRunID(store *runregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("run_id is required")
	}
	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	runs, err := store.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, input) {
			matches = append(matches, r.RunID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", runregistry.ErrNotFound, input)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("run id prefix %q is ambiguous (%d matches)", input, len(matches))
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if len(runID) <= 12 {
		return runID
	}
	return runID[:12]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
