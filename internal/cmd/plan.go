package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gomatrix/pkg/manifest"
	"github.com/3leaps/gomatrix/pkg/matrix"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the expanded job list",
	Long: `Expand the matrix and print every job that a run would execute, in
execution order, without running anything.

Example:
  gomatrix plan --job matrix.yaml
  gomatrix plan --job matrix.yaml --only platform=linux
  gomatrix plan --job matrix.yaml --json`,
	RunE: runPlan,
}

var (
	planJobPath string
	planOnly    []string
	planJSON    bool
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planJobPath, "job", "j", "", "Path to matrix manifest (required)")
	planCmd.Flags().StringArrayVar(&planOnly, "only", nil, "Show only jobs matching axis=value (repeatable)")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output as JSON")

	_ = planCmd.MarkFlagRequired("job")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	m, err := manifest.Load(planJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	jobs, _, err := planRun(m, planOnly)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid matrix", err)
	}
	return writePlan(cmd.OutOrStdout(), m, jobs, planJSON)
}

// PlannedJob is one entry of the JSON plan.
type PlannedJob struct {
	ID          string              `json:"id"`
	Slug        string              `json:"slug"`
	Coordinates []matrix.Coordinate `json:"coordinates"`
	Environment map[string]string   `json:"environment,omitempty"`
	Stages      []string            `json:"stages"`
}

// Plan is the JSON plan document.
type Plan struct {
	Name string       `json:"name,omitempty"`
	Axes []string     `json:"axes"`
	Jobs []PlannedJob `json:"jobs"`
}

func writePlan(w io.Writer, m *manifest.Manifest, jobs []matrix.JobSpec, asJSON bool) error {
	if w == nil {
		w = os.Stdout
	}
	if asJSON {
		plan := Plan{Name: m.Name, Axes: m.AxisNames(), Jobs: make([]PlannedJob, 0, len(jobs))}
		for _, j := range jobs {
			plan.Jobs = append(plan.Jobs, PlannedJob{
				ID:          j.ID(),
				Slug:        j.Slug(),
				Coordinates: j.Coordinates(),
				Environment: j.Environment(),
				Stages:      j.Stages(),
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs (matrix expanded to nothing)")
		return nil
	}

	axes := m.AxisNames()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := append([]string{"#"}, upper(axes)...)
	header = append(header, "STAGES")
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for i, j := range jobs {
		row := []string{fmt.Sprint(i + 1)}
		for _, axis := range axes {
			v, _ := j.Value(axis)
			row = append(row, v)
		}
		row = append(row, strings.Join(j.Stages(), ","))
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "\n%d jobs\n", len(jobs))
	return nil
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
