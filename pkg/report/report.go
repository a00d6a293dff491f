// Package report serializes a RunReport as the stable gomatrix.report.v1
// JSON document and renders the human failure summary.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/gomatrix/pkg/orchestrator"
)

// SchemaID identifies the report document format.
const SchemaID = "gomatrix.report.v1"

// ErrUnsupportedSchema is returned when a document carries another schema id.
var ErrUnsupportedSchema = errors.New("unsupported report schema")

// Document is the on-disk report: a schema id followed by the run report
// fields.
type Document struct {
	Schema string `json:"schema"`
	*orchestrator.RunReport
}

// Encode writes r as an indented report document.
func Encode(w io.Writer, r *orchestrator.RunReport) error {
	if r == nil {
		return errors.New("report is nil")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Document{Schema: SchemaID, RunReport: r})
}

// Decode reads a report document.
func Decode(rd io.Reader) (*orchestrator.RunReport, error) {
	doc := Document{RunReport: &orchestrator.RunReport{}}
	if err := json.NewDecoder(rd).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	if doc.Schema != SchemaID {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSchema, doc.Schema)
	}
	return doc.RunReport, nil
}

// Write atomically replaces path with the report document. Parent
// directories are created as needed.
func Write(path string, r *orchestrator.RunReport) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := Encode(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp report file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp report file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename report file: %w", err)
	}
	return nil
}

// Load reads a report document from path.
func Load(path string) (*orchestrator.RunReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// RenderSummary writes a short human summary: one status line, then one
// line per failed job naming the failed stage, its error and its log.
func RenderSummary(w io.Writer, r *orchestrator.RunReport) error {
	var b strings.Builder

	if r.NoJobs {
		fmt.Fprintf(&b, "run %s: no jobs (matrix expanded to nothing)\n", r.RunID)
		_, err := io.WriteString(w, b.String())
		return err
	}

	c := r.Counts
	fmt.Fprintf(&b, "run %s: %s (%d jobs: %d succeeded, %d failed, %d skipped, %d cancelled) in %s\n",
		r.RunID, r.Status, c.Total, c.Succeeded, c.Failed, c.Skipped, c.Cancelled,
		r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))

	for _, job := range r.Failed() {
		stage, ok := job.FailedStage()
		if !ok {
			fmt.Fprintf(&b, "  FAIL %s\n", job.ID)
			continue
		}
		fmt.Fprintf(&b, "  FAIL %s  stage %s", job.ID, stage.Name)
		if stage.ErrorCode != "" {
			fmt.Fprintf(&b, " [%s]", stage.ErrorCode)
		}
		if stage.Error != "" {
			fmt.Fprintf(&b, ": %s", stage.Error)
		}
		b.WriteByte('\n')
		if stage.LogPath != "" {
			fmt.Fprintf(&b, "       log: %s\n", stage.LogPath)
		}
		if tail := lastLines(stage.Output, 5); tail != "" {
			for _, line := range strings.Split(tail, "\n") {
				fmt.Fprintf(&b, "       | %s\n", line)
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
