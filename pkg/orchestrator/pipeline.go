package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gomatrix/pkg/matrix"
	"github.com/3leaps/gomatrix/pkg/placeholder"
)

// StageKind selects how a stage is executed.
type StageKind string

const (
	// KindCommand runs the stage command through the Executor.
	KindCommand StageKind = "command"

	// KindPublish forwards the artifacts of an earlier stage to the Publisher.
	KindPublish StageKind = "publish"
)

// DefaultPlatformAxis is the axis whose value selects per-platform overrides.
const DefaultPlatformAxis = "platform"

// Placeholders available to stage commands in addition to axis names.
const (
	VarJob     = "job"
	VarSlug    = "slug"
	VarRun     = "run"
	VarWorkdir = "workdir"
)

// ReservedVars lists the non-axis placeholder names for commands.
var ReservedVars = []string{VarJob, VarSlug, VarRun, VarWorkdir}

// Stage is one step of a job pipeline.
//
// Stages are read-only configuration shared by all jobs.
type Stage struct {
	Name string
	Kind StageKind

	// Command is rendered per job with axis and reserved placeholders.
	Command *placeholder.Template

	// WorkingDirectory is relative to the job working directory.
	WorkingDirectory string

	// Environment applies to every job running this stage.
	Environment map[string]string

	// PlatformEnvironment maps a platform axis value to extra variables.
	PlatformEnvironment map[string]map[string]string

	// Timeout bounds each attempt. Zero means unbounded.
	Timeout time.Duration

	// Artifacts is a glob (relative to the stage directory) of files the stage
	// produces. A command stage with a pattern fails if nothing matches.
	Artifacts string

	// From names the stage whose artifacts a publish stage forwards.
	From string

	// Retries is the number of extra attempts after a failed attempt.
	Retries int
}

// Pipeline is the ordered list of stages run for every job.
type Pipeline struct {
	Stages []Stage

	// PlatformAxis defaults to DefaultPlatformAxis.
	PlatformAxis string
}

// Names returns the stage names in order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

func (p Pipeline) platformAxis() string {
	if p.PlatformAxis == "" {
		return DefaultPlatformAxis
	}
	return p.PlatformAxis
}

// Validate checks the pipeline definition. hasPublisher reports whether a
// Publisher is configured for publish stages.
func (p Pipeline) Validate(hasPublisher bool) error {
	if len(p.Stages) == 0 {
		return &ConfigurationError{Field: "stages", Message: "pipeline has no stages"}
	}
	declared := make(map[string]Stage, len(p.Stages))
	for i, s := range p.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			return &ConfigurationError{Field: field, Message: "stage name is required"}
		}
		if _, dup := declared[s.Name]; dup {
			return &ConfigurationError{Field: field, Message: fmt.Sprintf("duplicate stage %q", s.Name)}
		}
		if s.Timeout < 0 || s.Retries < 0 {
			return &ConfigurationError{Field: field, Message: "timeout and retries must not be negative"}
		}

		switch s.Kind {
		case KindCommand, "":
			if s.Command == nil || strings.TrimSpace(s.Command.String()) == "" {
				return &ConfigurationError{Field: field, Message: fmt.Sprintf("stage %q has no command", s.Name)}
			}
		case KindPublish:
			if !hasPublisher {
				return &ConfigurationError{Field: field, Message: fmt.Sprintf("publish stage %q has no artifact store", s.Name)}
			}
			src, ok := declared[s.From]
			if !ok {
				return &ConfigurationError{Field: field, Message: fmt.Sprintf("publish stage %q must follow its source stage %q", s.Name, s.From)}
			}
			if src.Artifacts == "" {
				return &ConfigurationError{Field: field, Message: fmt.Sprintf("source stage %q declares no artifacts", s.From)}
			}
		default:
			return &ConfigurationError{Field: field, Message: fmt.Sprintf("unknown stage kind %q", s.Kind)}
		}
		declared[s.Name] = s
	}
	return nil
}

// StageEnvironment merges the environment handed to a stage.
//
// Precedence, lowest first: stage environment, per-platform stage overrides,
// job environment. The job always wins on key collision.
func StageEnvironment(s Stage, job matrix.JobSpec, platformAxis string) map[string]string {
	if platformAxis == "" {
		platformAxis = DefaultPlatformAxis
	}
	env := make(map[string]string)
	for k, v := range s.Environment {
		env[k] = v
	}
	if platform, ok := job.Value(platformAxis); ok {
		for k, v := range s.PlatformEnvironment[platform] {
			env[k] = v
		}
	}
	for k, v := range job.Environment() {
		env[k] = v
	}
	return env
}

// CommandVars returns the placeholder values for rendering a job's commands.
func CommandVars(runID string, job matrix.JobSpec, workdir string) map[string]string {
	vars := job.Vars()
	vars[VarJob] = job.ID()
	vars[VarSlug] = job.Slug()
	vars[VarRun] = runID
	vars[VarWorkdir] = workdir
	return vars
}

// ArtifactRef is the cumulative output of the stages run so far for a job:
// the job working directory and the artifact files collected per stage.
type ArtifactRef struct {
	WorkDir string              `json:"workdir"`
	ByStage map[string][]string `json:"by_stage,omitempty"`
}

// Files returns the artifact paths produced by the named stage.
func (a ArtifactRef) Files(stage string) []string {
	return append([]string(nil), a.ByStage[stage]...)
}

// StageRequest is everything an Executor needs to run one stage of one job.
type StageRequest struct {
	RunID     string
	Job       matrix.JobSpec
	Stage     Stage
	Command   string
	Env       map[string]string
	WorkDir   string
	Attempt   int
	Artifacts ArtifactRef
}

// StageOutput is what an Executor reports back for a stage attempt.
type StageOutput struct {
	// Output is a bounded tail of the captured output.
	Output string

	// LogPath references the full captured output, if kept.
	LogPath string

	// Artifacts are the files collected by the stage's artifact pattern.
	Artifacts []string
}

// Executor runs stage commands.
//
// Execute must return once ctx is done; a deadline means the stage timed out.
// A non-nil error marks the attempt failed; output should still be returned.
type Executor interface {
	Execute(ctx context.Context, req StageRequest) (StageOutput, error)
}

// Bootstrapper provisions the base toolchain for a job before any stage runs.
// Only the returned error is consumed.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, runID string, job matrix.JobSpec, workdir string) error
}

// PublishRequest carries a job's artifacts to the Publisher.
type PublishRequest struct {
	RunID    string
	Job      matrix.JobSpec
	Result   JobResult
	Stage    Stage
	Artifact ArtifactRef
	Files    []string
}

// Publisher forwards artifacts to an external store and returns the
// published keys.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) ([]string, error)
}
