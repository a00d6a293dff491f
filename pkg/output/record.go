// Package output provides JSONL event output for matrix runs.
//
// Output is structured as typed record envelopes describing run, job and
// stage transitions. Each line is a self-contained JSON object that can be
// parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gomatrix.<type>.v<version>
const (
	// TypeRun identifies run start records.
	TypeRun = "gomatrix.run.v1"

	// TypeJob identifies job transition records.
	TypeJob = "gomatrix.job.v1"

	// TypeStage identifies stage transition records.
	TypeStage = "gomatrix.stage.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gomatrix.summary.v1"

	// TypeError identifies error records.
	TypeError = "gomatrix.error.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gomatrix.stage.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this run.
	RunID string `json:"run_id"`

	// Pipeline is the manifest name, if any.
	Pipeline string `json:"pipeline,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// RunRecord is emitted once, before any job starts.
type RunRecord struct {
	// Jobs is the number of expanded jobs.
	Jobs int `json:"jobs"`

	// Stages lists the pipeline stage names in order.
	Stages []string `json:"stages"`

	// Concurrency is the worker pool size.
	Concurrency int `json:"concurrency"`

	// Workspace is the run working directory.
	Workspace string `json:"workspace,omitempty"`
}

// JobRecord is emitted when a job starts and when it is sealed.
type JobRecord struct {
	// Job is the job identity (e.g., "platform=linux,python=3.9").
	Job string `json:"job"`

	// Status is the job status at the time of the record.
	Status string `json:"status"`

	// WorkDir is the job working directory.
	WorkDir string `json:"workdir,omitempty"`

	// Duration is the job wall time, set on the final record.
	Duration time.Duration `json:"duration_ns,omitempty"`

	// FailedStage names the first failed stage, if any.
	FailedStage string `json:"failed_stage,omitempty"`
}

// StageRecord is emitted when a stage starts and when it reaches a
// terminal state.
type StageRecord struct {
	Job       string        `json:"job"`
	Stage     string        `json:"stage"`
	Status    string        `json:"status"`
	Attempt   int           `json:"attempt,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	LogPath   string        `json:"log_path,omitempty"`

	// Artifacts lists collected artifact paths or published keys.
	Artifacts []string `json:"artifacts,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire run,
// allowing partial results when some jobs fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Job is the job identity related to this error, if applicable.
	Job string `json:"job,omitempty"`

	// Stage is the stage related to this error, if applicable.
	Stage string `json:"stage,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// Status is the aggregate run status.
	Status string `json:"status"`

	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// FailedJobs lists failed job identities in declaration order.
	FailedJobs []string `json:"failed_jobs,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
