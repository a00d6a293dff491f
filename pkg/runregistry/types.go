package runregistry

import (
	"time"

	"github.com/3leaps/gomatrix/pkg/orchestrator"
)

// RunState is the lifecycle state of a recorded run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
	RunStateNoJobs    RunState = "no_jobs"

	// RunStateUnknown marks a run that claims to be running but whose
	// process is gone.
	RunStateUnknown RunState = "unknown"

	// RunStateError marks a run that never started its jobs, e.g. because the
	// manifest failed validation.
	RunStateError RunState = "error"
)

// Terminal reports whether the run has ended.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateQueued, RunStateRunning:
		return false
	}
	return true
}

// StateFor maps a report status to the registry state.
func StateFor(status orchestrator.RunStatus) RunState {
	switch status {
	case orchestrator.RunSucceeded:
		return RunStateSucceeded
	case orchestrator.RunFailed:
		return RunStateFailed
	case orchestrator.RunCancelled:
		return RunStateCancelled
	case orchestrator.RunNoJobs:
		return RunStateNoJobs
	}
	return RunStateUnknown
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerHTTP     Trigger = "http"
)

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Name         string    `json:"name,omitempty"`
	State        RunState  `json:"state"`
	Trigger      Trigger   `json:"trigger"`
	ManifestPath string    `json:"manifest_path"`
	Workspace    string    `json:"workspace,omitempty"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StartedAt  *time.Time           `json:"started_at,omitempty"`
	EndedAt    *time.Time           `json:"ended_at,omitempty"`
	Counts     *orchestrator.Counts `json:"counts,omitempty"`
	Error      string               `json:"error,omitempty"`
	StdoutPath string               `json:"stdout_path,omitempty"`
	StderrPath string               `json:"stderr_path,omitempty"`
}
