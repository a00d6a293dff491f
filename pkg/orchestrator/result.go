package orchestrator

import (
	"fmt"
	"time"

	"github.com/3leaps/gomatrix/pkg/matrix"
)

// Status is the lifecycle state of a stage or job.
//
// NOTE: values are persisted in reports and are part of the stable contract.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"

	// StatusCancelled marks a job that was in flight when the run was
	// cancelled and had not failed. Stage results never use it.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// StageResult is the outcome of one stage for one job.
type StageResult struct {
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	Output    string     `json:"output_tail,omitempty"`
	LogPath   string     `json:"log_path,omitempty"`
	Artifacts []string   `json:"artifacts,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Transition moves the result to the given status, stamping start and end
// times. Leaving a terminal state returns ErrTerminalState.
func (r *StageResult) Transition(to Status, at time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("stage %q %s -> %s: %w", r.Name, r.Status, to, ErrTerminalState)
	}
	if to == StatusCancelled {
		return fmt.Errorf("stage %q: invalid stage status %s", r.Name, to)
	}
	at = at.UTC()
	switch {
	case to == StatusRunning:
		r.StartedAt = &at
	case to.Terminal() && to != StatusSkipped:
		if r.StartedAt == nil {
			r.StartedAt = &at
		}
		r.EndedAt = &at
	}
	r.Status = to
	return nil
}

// Duration returns the stage wall time, or zero if it did not run.
func (r *StageResult) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// JobResult is the ordered stage outcomes for one job.
type JobResult struct {
	ID          string              `json:"id"`
	Slug        string              `json:"slug"`
	Coordinates []matrix.Coordinate `json:"coordinates"`
	Status      Status              `json:"status"`
	WorkDir     string              `json:"workdir,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	EndedAt     *time.Time          `json:"ended_at,omitempty"`
	Stages      []StageResult       `json:"stages"`

	job    matrix.JobSpec
	sealed bool
}

func newJobResult(job matrix.JobSpec, stages int) *JobResult {
	return &JobResult{
		ID:          job.ID(),
		Slug:        job.Slug(),
		Coordinates: job.Coordinates(),
		Status:      StatusPending,
		Stages:      make([]StageResult, 0, stages),
		job:         job,
	}
}

// Job returns the JobSpec this result belongs to.
func (j *JobResult) Job() matrix.JobSpec {
	return j.job
}

// Stage returns the result for the named stage.
func (j *JobResult) Stage(name string) (*StageResult, bool) {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			return &j.Stages[i], true
		}
	}
	return nil, false
}

// FailedStage returns the first failed stage, if any.
func (j *JobResult) FailedStage() (*StageResult, bool) {
	for i := range j.Stages {
		if j.Stages[i].Status == StatusFailed {
			return &j.Stages[i], true
		}
	}
	return nil, false
}

// Sealed reports whether the job has ended.
func (j *JobResult) Sealed() bool {
	return j.sealed
}

func (j *JobResult) append(name string) *StageResult {
	j.Stages = append(j.Stages, StageResult{Name: name, Status: StatusPending})
	return &j.Stages[len(j.Stages)-1]
}

// skipRemaining appends skipped results for planned stages not yet recorded.
func (j *JobResult) skipRemaining(planned []string, at time.Time) {
	for _, name := range planned[len(j.Stages):] {
		sr := j.append(name)
		_ = sr.Transition(StatusSkipped, at)
	}
}

// seal derives the job status and freezes the result. A job that never
// started is skipped; a started job with unattempted stages and no failure
// was cancelled.
func (j *JobResult) seal(at time.Time) {
	if j.sealed {
		return
	}
	status := StatusSucceeded
	for _, s := range j.Stages {
		if s.Status == StatusFailed {
			status = StatusFailed
			break
		}
		if s.Status != StatusSucceeded {
			status = StatusCancelled
		}
	}
	if j.StartedAt == nil {
		status = StatusSkipped
	} else {
		at = at.UTC()
		j.EndedAt = &at
	}
	j.Status = status
	j.sealed = true
}

// RunStatus is the aggregate status of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"

	// RunNoJobs marks a run whose matrix expanded to zero jobs. It is not a
	// failure, and is distinct from a run where every job passed.
	RunNoJobs RunStatus = "no_jobs"
)

// Counts aggregates job statuses.
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// RunReport maps every expanded job to its result, in declaration order.
//
// A RunReport is read-only once Run returns.
type RunReport struct {
	RunID     string       `json:"run_id"`
	Name      string       `json:"name,omitempty"`
	Status    RunStatus    `json:"status"`
	NoJobs    bool         `json:"no_jobs"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Counts    Counts       `json:"counts"`
	Jobs      []*JobResult `json:"jobs"`

	index map[string]int
}

// Get returns the result for a job identity.
func (r *RunReport) Get(id string) (*JobResult, bool) {
	if r.index == nil {
		r.reindex()
	}
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return r.Jobs[i], true
}

// Failed returns the failed jobs in declaration order.
func (r *RunReport) Failed() []*JobResult {
	var out []*JobResult
	for _, j := range r.Jobs {
		if j.Status == StatusFailed {
			out = append(out, j)
		}
	}
	return out
}

// HasFailures reports whether any job failed. The process exit status of a
// run is non-zero exactly when this is true.
func (r *RunReport) HasFailures() bool {
	return r.Counts.Failed > 0
}

func (r *RunReport) reindex() {
	r.index = make(map[string]int, len(r.Jobs))
	for i, j := range r.Jobs {
		r.index[j.ID] = i
	}
}

func (r *RunReport) finalize(cancelled bool, at time.Time) {
	r.EndedAt = at.UTC()
	r.Counts = Counts{Total: len(r.Jobs)}
	for _, j := range r.Jobs {
		switch j.Status {
		case StatusSucceeded:
			r.Counts.Succeeded++
		case StatusFailed:
			r.Counts.Failed++
		case StatusSkipped:
			r.Counts.Skipped++
		case StatusCancelled:
			r.Counts.Cancelled++
		}
	}
	switch {
	case len(r.Jobs) == 0:
		r.NoJobs = true
		r.Status = RunNoJobs
	case r.Counts.Failed > 0:
		r.Status = RunFailed
	case cancelled || r.Counts.Skipped > 0 || r.Counts.Cancelled > 0:
		r.Status = RunCancelled
	default:
		r.Status = RunSucceeded
	}
	r.reindex()
}
