// Package bootstrap provisions the base toolchain for a job before its first
// stage runs.
//
// The orchestrator consumes only the returned error: a non-nil error fails
// the job's first stage with an environment error.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/pkg/matrix"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/placeholder"
)

// StageName names bootstrap runs in logs. Pipelines may not reuse it.
const StageName = "bootstrap"

// Noop never fails. It is used when no bootstrap command is configured.
type Noop struct{}

// Bootstrap implements orchestrator.Bootstrapper.
func (Noop) Bootstrap(context.Context, string, matrix.JobSpec, string) error { return nil }

// Config configures a command bootstrapper.
type Config struct {
	// Command runs for jobs whose platform has no specific command.
	// Nil means such jobs need no bootstrap.
	Command *placeholder.Template

	// PlatformCommands maps a platform axis value to its command.
	PlatformCommands map[string]*placeholder.Template

	// PlatformAxis selects the platform value.
	// Default: orchestrator.DefaultPlatformAxis
	PlatformAxis string

	// Timeout bounds each bootstrap run. Zero means unbounded.
	Timeout time.Duration
}

// Command runs a per-platform bootstrap command through an Executor, the
// way a stage would run, so its output lands in logs/bootstrap.log.
type Command struct {
	exec   orchestrator.Executor
	config Config
	logger *zap.Logger
}

var (
	_ orchestrator.Bootstrapper = (*Command)(nil)
	_ orchestrator.Bootstrapper = Noop{}
)

// New creates a command bootstrapper.
func New(exec orchestrator.Executor, cfg Config) *Command {
	if cfg.PlatformAxis == "" {
		cfg.PlatformAxis = orchestrator.DefaultPlatformAxis
	}
	return &Command{exec: exec, config: cfg, logger: zap.NewNop()}
}

// WithLogger sets the logger. Returns the bootstrapper for method chaining.
func (c *Command) WithLogger(l *zap.Logger) *Command {
	if l != nil {
		c.logger = l
	}
	return c
}

// CommandFor returns the template that applies to job, or nil.
func (c *Command) CommandFor(job matrix.JobSpec) *placeholder.Template {
	if platform, ok := job.Value(c.config.PlatformAxis); ok {
		if tpl, ok := c.config.PlatformCommands[platform]; ok {
			return tpl
		}
	}
	return c.config.Command
}

// Bootstrap implements orchestrator.Bootstrapper.
func (c *Command) Bootstrap(ctx context.Context, runID string, job matrix.JobSpec, workdir string) error {
	tpl := c.CommandFor(job)
	if tpl == nil {
		return nil
	}
	command, err := tpl.Apply(orchestrator.CommandVars(runID, job, workdir))
	if err != nil {
		return err
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	c.logger.Debug("bootstrapping job",
		zap.String("job", job.ID()),
		zap.String("command", command))

	out, err := c.exec.Execute(ctx, orchestrator.StageRequest{
		RunID:     runID,
		Job:       job,
		Stage:     orchestrator.Stage{Name: StageName, Timeout: c.config.Timeout},
		Command:   command,
		Env:       job.Environment(),
		WorkDir:   workdir,
		Attempt:   1,
		Artifacts: orchestrator.ArtifactRef{WorkDir: workdir},
	})
	if err != nil {
		if out.LogPath != "" {
			return fmt.Errorf("%w (see %s)", err, out.LogPath)
		}
		return err
	}
	return nil
}
