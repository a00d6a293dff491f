// Package orchestrator runs the pipeline of every expanded matrix job on a
// bounded worker pool and aggregates a RunReport.
//
// Each job owns a working directory under <workspace>/<run id>/<job slug>.
// Stages of one job run strictly in order; jobs are independent and a
// failure in one never affects another. Only configuration errors abort a
// run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/pkg/matrix"
	"github.com/3leaps/gomatrix/pkg/output"
)

// Config configures orchestrator behavior.
type Config struct {
	// RunID correlates every record of one run. Generated when empty.
	RunID string

	// Name is the pipeline name carried into the report.
	Name string

	// Concurrency is the number of jobs run in parallel.
	// Default: runtime.NumCPU()
	Concurrency int

	// Workspace is the root under which job working directories are created.
	// Default: <os temp dir>/gomatrix
	Workspace string
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: runtime.NumCPU(),
		Workspace:   filepath.Join(os.TempDir(), "gomatrix"),
	}
}

// Orchestrator executes matrix jobs.
//
// An Orchestrator is safe for single use only. Create a new one per run.
type Orchestrator struct {
	exec      Executor
	boot      Bootstrapper
	publisher Publisher
	writer    output.Writer
	logger    *zap.Logger
	now       func() time.Time
	config    Config
}

// New creates an orchestrator that runs command stages with exec.
//
// Use the With* methods to attach a bootstrapper, publisher, event writer
// or logger.
func New(exec Executor, cfg Config) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.Workspace == "" {
		cfg.Workspace = defaults.Workspace
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Orchestrator{
		exec:   exec,
		writer: output.Discard,
		logger: zap.NewNop(),
		now:    time.Now,
		config: cfg,
	}
}

// WithBootstrapper sets the environment bootstrap collaborator.
// Returns the orchestrator for method chaining.
func (o *Orchestrator) WithBootstrapper(b Bootstrapper) *Orchestrator {
	o.boot = b
	return o
}

// WithPublisher sets the artifact publisher used by publish stages.
func (o *Orchestrator) WithPublisher(p Publisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithWriter sets the JSONL event writer. Event write failures are logged
// and never fail a job.
func (o *Orchestrator) WithWriter(w output.Writer) *Orchestrator {
	if w != nil {
		o.writer = w
	}
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(l *zap.Logger) *Orchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

// WithClock overrides the time source. Intended for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// RunID returns the run correlation ID.
func (o *Orchestrator) RunID() string {
	return o.config.RunID
}

// Run executes the pipeline for every job and returns the report.
//
// A ConfigurationError is returned, with a nil report, before any job starts.
// Cancelling ctx stops new jobs from starting: in-flight stages run to their
// terminal state, the remaining stages are skipped, and the complete report
// is returned together with the context error.
func (o *Orchestrator) Run(ctx context.Context, jobs []matrix.JobSpec, p Pipeline) (*RunReport, error) {
	if o.exec == nil {
		return nil, &ConfigurationError{Message: "no stage executor configured"}
	}
	if err := p.Validate(o.publisher != nil); err != nil {
		return nil, err
	}
	planned := p.Names()
	seen := make(map[string]struct{}, len(jobs))
	slugs := make(map[string]string, len(jobs))
	for i, job := range jobs {
		if _, dup := seen[job.ID()]; dup {
			return nil, &ConfigurationError{Field: fmt.Sprintf("jobs[%d]", i), Message: fmt.Sprintf("duplicate job %q", job.ID())}
		}
		seen[job.ID()] = struct{}{}
		// Each job owns <workspace>/<run>/<slug>.
		if prev, dup := slugs[job.Slug()]; dup {
			return nil, &ConfigurationError{Field: fmt.Sprintf("jobs[%d]", i), Message: fmt.Sprintf("jobs %q and %q share working directory %q", prev, job.ID(), job.Slug())}
		}
		slugs[job.Slug()] = job.ID()
		if s := job.Stages(); len(s) > 0 && !slices.Equal(s, planned) {
			return nil, &ConfigurationError{Field: fmt.Sprintf("jobs[%d]", i), Message: fmt.Sprintf("job %q stages %v do not match pipeline %v", job.ID(), s, planned)}
		}
	}

	report := &RunReport{
		RunID:     o.config.RunID,
		Name:      o.config.Name,
		StartedAt: o.now().UTC(),
		Jobs:      make([]*JobResult, len(jobs)),
	}

	logger := o.logger.With(zap.String("run_id", o.config.RunID))
	events := context.WithoutCancel(ctx)

	if len(jobs) == 0 {
		logger.Info("matrix expanded to zero jobs")
		report.finalize(false, o.now())
		o.emitSummary(events, report)
		return report, nil
	}

	workers := min(o.config.Concurrency, len(jobs))
	o.emit("run", o.writer.WriteRun(events, &output.RunRecord{
		Jobs:        len(jobs),
		Stages:      planned,
		Concurrency: workers,
		Workspace:   filepath.Join(o.config.Workspace, o.config.RunID),
	}))
	logger.Info("run starting",
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", workers),
		zap.Strings("stages", planned))

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				// A job handed over as cancellation lands is left unstarted.
				if ctx.Err() != nil {
					continue
				}
				report.Jobs[i] = o.runJob(ctx, jobs[i], p, planned)
			}
		}()
	}

dispatch:
	for i := range jobs {
		select {
		case <-ctx.Done():
			break dispatch
		case indexes <- i:
		}
	}
	close(indexes)
	wg.Wait()

	end := o.now()
	for i, res := range report.Jobs {
		if res != nil {
			continue
		}
		res = newJobResult(jobs[i], len(planned))
		res.skipRemaining(planned, end)
		res.seal(end)
		report.Jobs[i] = res
		o.emit("job", o.writer.WriteJob(events, &output.JobRecord{Job: res.ID, Status: string(res.Status)}))
	}

	cancelled := ctx.Err() != nil
	report.finalize(cancelled, end)
	o.emitSummary(events, report)

	logger.Info("run finished",
		zap.String("status", string(report.Status)),
		zap.Int("succeeded", report.Counts.Succeeded),
		zap.Int("failed", report.Counts.Failed),
		zap.Int("skipped", report.Counts.Skipped),
		zap.Int("cancelled", report.Counts.Cancelled),
		zap.Duration("duration", report.EndedAt.Sub(report.StartedAt)))

	if cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// runJob executes one job. It never returns an error: every failure is
// recorded on the returned result.
func (o *Orchestrator) runJob(ctx context.Context, job matrix.JobSpec, p Pipeline, planned []string) *JobResult {
	events := context.WithoutCancel(ctx)
	logger := o.logger.With(zap.String("run_id", o.config.RunID), zap.String("job", job.ID()))

	res := newJobResult(job, len(planned))
	start := o.now().UTC()
	res.StartedAt = &start
	res.Status = StatusRunning
	res.WorkDir = filepath.Join(o.config.Workspace, o.config.RunID, job.Slug())
	o.emit("job", o.writer.WriteJob(events, &output.JobRecord{Job: res.ID, Status: string(StatusRunning), WorkDir: res.WorkDir}))
	logger.Debug("job starting", zap.String("workdir", res.WorkDir))

	if err := o.prepare(ctx, job, res.WorkDir); err != nil {
		o.failFirstStage(events, res, planned[0], err)
		logger.Warn("job environment failed", zap.Error(err))
	} else {
		o.runStages(ctx, job, p, res, logger)
	}

	end := o.now()
	res.skipRemaining(planned, end)
	res.seal(end)

	rec := &output.JobRecord{Job: res.ID, Status: string(res.Status), WorkDir: res.WorkDir}
	if res.EndedAt != nil {
		rec.Duration = res.EndedAt.Sub(*res.StartedAt)
	}
	if failed, ok := res.FailedStage(); ok {
		rec.FailedStage = failed.Name
	}
	o.emit("job", o.writer.WriteJob(events, rec))
	logger.Info("job finished", zap.String("status", string(res.Status)), zap.Duration("duration", rec.Duration))
	return res
}

// prepare creates the job working directory and runs the bootstrapper.
func (o *Orchestrator) prepare(ctx context.Context, job matrix.JobSpec, workdir string) error {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return &EnvironmentError{Job: job.ID(), Err: err}
	}
	if o.boot == nil {
		return nil
	}
	if err := o.boot.Bootstrap(context.WithoutCancel(ctx), o.config.RunID, job, workdir); err != nil {
		return &EnvironmentError{Job: job.ID(), Err: err}
	}
	return nil
}

func (o *Orchestrator) failFirstStage(ctx context.Context, res *JobResult, name string, err error) {
	sr := res.append(name)
	at := o.now()
	_ = sr.Transition(StatusRunning, at)
	sr.ErrorCode = errorCode(err)
	sr.Error = err.Error()
	_ = sr.Transition(StatusFailed, at)
	o.emitStage(ctx, res.ID, sr, err)
}

func (o *Orchestrator) runStages(ctx context.Context, job matrix.JobSpec, p Pipeline, res *JobResult, logger *zap.Logger) {
	events := context.WithoutCancel(ctx)
	ref := ArtifactRef{WorkDir: res.WorkDir, ByStage: map[string][]string{}}
	vars := CommandVars(o.config.RunID, job, res.WorkDir)

	for _, stage := range p.Stages {
		if ctx.Err() != nil {
			logger.Info("run cancelled, skipping remaining stages", zap.String("stage", stage.Name))
			return
		}

		sr := res.append(stage.Name)
		_ = sr.Transition(StatusRunning, o.now())
		o.emitStage(events, res.ID, sr, nil)

		var err error
		switch stage.Kind {
		case KindPublish:
			err = o.publishStage(ctx, job, res, stage, ref, sr)
		default:
			err = o.commandStage(ctx, job, p, stage, vars, ref, sr, logger)
		}

		if err != nil {
			sr.ErrorCode = errorCode(err)
			sr.Error = err.Error()
			_ = sr.Transition(StatusFailed, o.now())
			o.emitStage(events, res.ID, sr, err)
			logger.Warn("stage failed",
				zap.String("stage", stage.Name),
				zap.String("code", sr.ErrorCode),
				zap.Error(err))
			return
		}

		if stage.Kind != KindPublish {
			ref.ByStage[stage.Name] = sr.Artifacts
		}
		_ = sr.Transition(StatusSucceeded, o.now())
		o.emitStage(events, res.ID, sr, nil)
	}
}

// stageContext detaches a stage from run cancellation and applies its
// per-attempt timeout.
func stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if timeout > 0 {
		return context.WithTimeout(detached, timeout)
	}
	return context.WithCancel(detached)
}

func (o *Orchestrator) commandStage(ctx context.Context, job matrix.JobSpec, p Pipeline, stage Stage, vars map[string]string, ref ArtifactRef, sr *StageResult, logger *zap.Logger) error {
	command, err := stage.Command.Apply(vars)
	if err != nil {
		return &StageExecutionError{Stage: stage.Name, Err: err}
	}
	workdir := ref.WorkDir
	if stage.WorkingDirectory != "" {
		workdir = filepath.Join(ref.WorkDir, stage.WorkingDirectory)
	}
	req := StageRequest{
		RunID:     o.config.RunID,
		Job:       job,
		Stage:     stage,
		Command:   command,
		Env:       StageEnvironment(stage, job, p.platformAxis()),
		WorkDir:   workdir,
		Artifacts: ArtifactRef{WorkDir: ref.WorkDir, ByStage: maps.Clone(ref.ByStage)},
	}

	for attempt := 1; ; attempt++ {
		req.Attempt = attempt
		sr.Attempts = attempt

		out, err := o.attempt(ctx, stage, req)
		sr.Output = out.Output
		sr.LogPath = out.LogPath
		sr.Artifacts = out.Artifacts
		if err == nil {
			return nil
		}
		if attempt > stage.Retries || ctx.Err() != nil {
			return err
		}
		logger.Info("retrying stage",
			zap.String("stage", stage.Name),
			zap.Int("attempt", attempt),
			zap.Int("retries", stage.Retries),
			zap.Error(err))
	}
}

func (o *Orchestrator) attempt(ctx context.Context, stage Stage, req StageRequest) (StageOutput, error) {
	stageCtx, cancel := stageContext(ctx, stage.Timeout)
	defer cancel()

	out, err := o.exec.Execute(stageCtx, req)
	if err == nil {
		return out, nil
	}
	if stage.Timeout > 0 && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return out, &TimeoutError{Stage: stage.Name, Timeout: stage.Timeout}
	}
	if !IsStageExecution(err) {
		err = &StageExecutionError{Stage: stage.Name, Err: err}
	}
	return out, err
}

func (o *Orchestrator) publishStage(ctx context.Context, job matrix.JobSpec, res *JobResult, stage Stage, ref ArtifactRef, sr *StageResult) error {
	files := ref.Files(stage.From)
	if len(files) == 0 {
		return &PublishError{Stage: stage.Name, Err: fmt.Errorf("stage %q produced no artifacts", stage.From)}
	}

	stageCtx, cancel := stageContext(ctx, stage.Timeout)
	defer cancel()

	keys, err := o.publisher.Publish(stageCtx, PublishRequest{
		RunID:    o.config.RunID,
		Job:      job,
		Result:   *res,
		Stage:    stage,
		Artifact: ref,
		Files:    files,
	})
	sr.Attempts = 1
	sr.Artifacts = keys
	if err != nil {
		if stage.Timeout > 0 && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Stage: stage.Name, Timeout: stage.Timeout}
		}
		return &PublishError{Stage: stage.Name, Err: err}
	}
	return nil
}

func (o *Orchestrator) emitStage(ctx context.Context, job string, sr *StageResult, err error) {
	rec := &output.StageRecord{
		Job:       job,
		Stage:     sr.Name,
		Status:    string(sr.Status),
		Attempt:   sr.Attempts,
		Duration:  sr.Duration(),
		ErrorCode: sr.ErrorCode,
		Error:     sr.Error,
		LogPath:   sr.LogPath,
		Artifacts: sr.Artifacts,
	}
	o.emit("stage", o.writer.WriteStage(ctx, rec))
	if err != nil {
		o.emit("error", o.writer.WriteError(ctx, &output.ErrorRecord{
			Code:    sr.ErrorCode,
			Message: err.Error(),
			Job:     job,
			Stage:   sr.Name,
		}))
	}
}

func (o *Orchestrator) emitSummary(ctx context.Context, r *RunReport) {
	rec := &output.SummaryRecord{
		Status:        string(r.Status),
		Total:         r.Counts.Total,
		Succeeded:     r.Counts.Succeeded,
		Failed:        r.Counts.Failed,
		Skipped:       r.Counts.Skipped,
		Cancelled:     r.Counts.Cancelled,
		Duration:      r.EndedAt.Sub(r.StartedAt),
		DurationHuman: r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	}
	for _, j := range r.Failed() {
		rec.FailedJobs = append(rec.FailedJobs, j.ID)
	}
	o.emit("summary", o.writer.WriteSummary(ctx, rec))
}

// emit logs event write failures. Events are best-effort.
func (o *Orchestrator) emit(kind string, err error) {
	if err != nil {
		o.logger.Debug("event write failed", zap.String("record", kind), zap.Error(err))
	}
}
