package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gomatrix/internal/config"
	"github.com/3leaps/gomatrix/internal/observability"
	"github.com/3leaps/gomatrix/pkg/artifact"
	filestore "github.com/3leaps/gomatrix/pkg/artifact/file"
	s3store "github.com/3leaps/gomatrix/pkg/artifact/s3"
	"github.com/3leaps/gomatrix/pkg/bootstrap"
	"github.com/3leaps/gomatrix/pkg/executor"
	"github.com/3leaps/gomatrix/pkg/manifest"
	"github.com/3leaps/gomatrix/pkg/matrix"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/output"
	"github.com/3leaps/gomatrix/pkg/report"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

// runOptions are the per-invocation settings layered over the manifest.
// Zero values defer to the manifest, then to application configuration.
type runOptions struct {
	RunID       string
	Trigger     runregistry.Trigger
	Concurrency int
	Workspace   string
	ReportPath  string
	Events      string
	Only        []string

	// Summary receives the human run summary. Default: stderr.
	Summary io.Writer
}

// planRun expands and filters the matrix and compiles the pipeline.
func planRun(m *manifest.Manifest, only []string) ([]matrix.JobSpec, orchestrator.Pipeline, error) {
	sel, err := matrix.ParseSelector(only)
	if err != nil {
		return nil, orchestrator.Pipeline{}, &orchestrator.ConfigurationError{Field: "only", Message: err.Error()}
	}
	jobs, err := m.Jobs(sel)
	if err != nil {
		return nil, orchestrator.Pipeline{}, err
	}
	p, err := m.Pipeline()
	if err != nil {
		return nil, orchestrator.Pipeline{}, err
	}
	return jobs, p, nil
}

// runSettings resolves concurrency and workspace across flags, manifest
// and application configuration.
func runSettings(m *manifest.Manifest, cfg *config.Config, opts runOptions) (int, string, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = m.Run.Concurrency
	}
	if concurrency <= 0 && cfg != nil {
		concurrency = cfg.Concurrency
	}

	workspace := opts.Workspace
	if workspace == "" {
		workspace = m.Run.Workspace
	}
	if workspace == "" && cfg != nil {
		workspace = cfg.Workspace
	}
	if workspace == "" {
		return concurrency, "", nil
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return 0, "", fmt.Errorf("resolve workspace: %w", err)
	}
	return concurrency, abs, nil
}

// openStore connects the artifact store the manifest names.
func openStore(ctx context.Context, sc manifest.StoreConfig) (artifact.Store, error) {
	switch sc.Provider {
	case manifest.ProviderS3:
		return s3store.New(ctx, s3store.Config{
			Bucket:         sc.Bucket,
			Region:         sc.Region,
			Endpoint:       sc.Endpoint,
			Profile:        sc.Profile,
			ForcePathStyle: sc.ForcePathStyle,
		})
	case manifest.ProviderFile:
		return filestore.New(filestore.Config{BaseDir: sc.BaseDir})
	}
	return nil, fmt.Errorf("unsupported store provider %q", sc.Provider)
}

// openEvents opens the JSONL event destination: "stdout", "stderr",
// "file:<path>" or a bare path. An empty destination discards events.
func openEvents(dest, runID, name string) (output.Writer, func(), error) {
	dest = strings.TrimSpace(dest)
	switch dest {
	case "":
		return output.Discard, func() {}, nil
	case "stdout", "-":
		w := output.NewJSONLWriter(os.Stdout, runID, name)
		return w, func() { _ = w.Close() }, nil
	case "stderr":
		w := output.NewJSONLWriter(os.Stderr, runID, name)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create events directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create events file %s: %w", path, err)
	}
	w := output.NewJSONLWriter(f, runID, name)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

// buildOrchestrator wires the executor, bootstrapper, publisher and event
// writer for one run. The returned cleanup releases the store and the
// event destination.
func buildOrchestrator(ctx context.Context, m *manifest.Manifest, cfg *config.Config, opts runOptions, runID string, logger *zap.Logger) (*orchestrator.Orchestrator, func(), error) {
	cleanups := []func(){}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	concurrency, workspace, err := runSettings(m, cfg, opts)
	if err != nil {
		return nil, cleanup, exitError(foundry.ExitInvalidArgument, "Invalid workspace", err)
	}

	ecfg := executor.DefaultConfig()
	if len(m.Run.Shell) > 0 {
		ecfg.Shell = m.Run.Shell
	}
	if m.Run.OutputTailBytes > 0 {
		ecfg.TailBytes = m.Run.OutputTailBytes
	}
	exec := executor.New(ecfg).WithLogger(logger)

	o := orchestrator.New(exec, orchestrator.Config{
		RunID:       runID,
		Name:        m.Name,
		Concurrency: concurrency,
		Workspace:   workspace,
	}).WithLogger(logger)

	bcfg, ok, err := m.BootstrapConfig()
	if err != nil {
		return nil, cleanup, exitError(foundry.ExitInvalidArgument, "Invalid bootstrap", err)
	}
	var boot orchestrator.Bootstrapper = bootstrap.Noop{}
	if ok {
		boot = bootstrap.New(exec, bcfg).WithLogger(logger)
	}
	o.WithBootstrapper(boot)

	if pcfg, ok := m.PublisherConfig(); ok {
		store, err := openStore(ctx, m.Publish.Store)
		if err != nil {
			logger.Error("Failed to open artifact store", zap.String("provider", m.Publish.Store.Provider), zap.Error(err))
			return nil, cleanup, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to artifact store", err)
		}
		cleanups = append(cleanups, func() { _ = store.Close() })
		pub, err := artifact.NewPublisher(store, pcfg)
		if err != nil {
			return nil, cleanup, exitError(foundry.ExitInvalidArgument, "Invalid publish configuration", err)
		}
		o.WithPublisher(pub.WithLogger(logger))
	}

	events := opts.Events
	if events == "" {
		events = m.Output.Events
	}
	writer, closeEvents, err := openEvents(events, runID, m.Name)
	if err != nil {
		return nil, cleanup, exitError(foundry.ExitFileWriteError, "Failed to create event stream", err)
	}
	cleanups = append(cleanups, closeEvents)
	o.WithWriter(writer)

	return o, cleanup, nil
}

// beginRecord claims a queued record left by the launcher, or registers a
// new one. Registry failures are logged and never stop a run.
func beginRecord(reg *runregistry.Store, manifestPath, runID string, m *manifest.Manifest, trigger runregistry.Trigger, workspace string, logger *zap.Logger) *runregistry.RunRecord {
	rec, err := reg.Get(runID)
	if err != nil {
		abs, absErr := filepath.Abs(manifestPath)
		if absErr != nil {
			abs = manifestPath
		}
		rec = &runregistry.RunRecord{
			RunID:        runID,
			Name:         m.Name,
			Trigger:      trigger,
			ManifestPath: abs,
		}
	}
	if rec.Workspace == "" && workspace != "" {
		rec.Workspace = filepath.Join(workspace, runID)
	}
	if err := reg.Begin(rec); err != nil {
		logger.Warn("Failed to record run start", zap.String("run_id", runID), zap.Error(err))
		return nil
	}
	return rec
}

func finishRecord(reg *runregistry.Store, rec *runregistry.RunRecord, r *orchestrator.RunReport, runErr error, logger *zap.Logger) {
	if rec == nil {
		return
	}
	if err := reg.Finish(rec, r, runErr); err != nil {
		logger.Warn("Failed to record run result", zap.String("run_id", rec.RunID), zap.Error(err))
	}
}

// registry opens the run registry under the configured data directory.
func registry(cfg *config.Config) *runregistry.Store {
	return runregistry.NewStore(filepath.Join(cfg.DataDir, "runs"))
}

// executeRun runs the manifest once and maps the outcome to an exit error:
// configuration problems, unreachable stores, failed jobs and cancellation
// each carry their own exit code. The report is returned whenever jobs ran.
func executeRun(ctx context.Context, manifestPath string, m *manifest.Manifest, opts runOptions) (*orchestrator.RunReport, error) {
	logger := observability.CLILogger
	cfg, err := appConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	jobs, pipeline, err := planRun(m, opts.Only)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid matrix", err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = runregistry.TriggerManual
	}

	o, cleanup, err := buildOrchestrator(ctx, m, cfg, opts, runID, logger)
	defer cleanup()
	if err != nil {
		return nil, err
	}

	_, workspace, _ := runSettings(m, cfg, opts)
	reg := registry(cfg)
	rec := beginRecord(reg, manifestPath, runID, m, trigger, workspace, logger)

	logger.Info("Starting run",
		zap.String("run_id", runID),
		zap.String("name", m.Name),
		zap.String("trigger", string(trigger)),
		zap.Int("jobs", len(jobs)))

	r, runErr := o.Run(ctx, jobs, pipeline)
	finishRecord(reg, rec, r, runErr, logger)
	if r == nil {
		logger.Error("Run rejected", zap.String("run_id", runID), zap.Error(runErr))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid run configuration", runErr)
	}

	summary := opts.Summary
	if summary == nil {
		summary = os.Stderr
	}
	_ = report.RenderSummary(summary, r)

	reportPath := opts.ReportPath
	if reportPath == "" {
		reportPath = m.Output.Report
	}
	if reportPath != "" {
		if err := report.Write(reportPath, r); err != nil {
			logger.Error("Failed to write report", zap.String("path", reportPath), zap.Error(err))
			return r, exitError(foundry.ExitFileWriteError, "Failed to write report", err)
		}
	}

	return r, outcomeError(r, runErr)
}

// outcomeError maps a finished run to its exit error. A run with failed
// jobs exits 1 even when it was also cancelled.
func outcomeError(r *orchestrator.RunReport, runErr error) error {
	if r.HasFailures() {
		return exitError(exitJobsFailed, "Run failed",
			fmt.Errorf("%d of %d jobs failed", r.Counts.Failed, r.Counts.Total))
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return exitError(foundry.ExitSignalInt, "Run cancelled", runErr)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", runErr)
	}
	return nil
}
