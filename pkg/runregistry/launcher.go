package runregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Launcher spawns runs as detached child processes.
//
// The child runs:
//
//	gomatrix run --job <manifest> --run-id <run_id> --events <run dir>/events.jsonl
//
// with stdout/stderr captured to per-run log files. The child owns the
// record once started and finishes it itself.
type Launcher struct {
	store *Store
	exe   string
}

// NewLauncher returns a launcher that re-executes the current binary.
func NewLauncher(store *Store) *Launcher {
	return &Launcher{store: store}
}

// Store returns the backing registry.
func (l *Launcher) Store() *Store {
	return l.store
}

// StdoutPath returns the captured stdout of a launched run.
func (l *Launcher) StdoutPath(runID string) string {
	return filepath.Join(l.store.RunDir(runID), "stdout.log")
}

// StderrPath returns the captured stderr of a launched run.
func (l *Launcher) StderrPath(runID string) string {
	return filepath.Join(l.store.RunDir(runID), "stderr.log")
}

// LaunchOptions tunes a background launch.
type LaunchOptions struct {
	Name    string
	Trigger Trigger

	// Dedupe refuses to start when a run of the same manifest is running.
	Dedupe bool

	// Args are appended to the child's run command.
	Args []string
}

// Start spawns the run and returns after the child has started.
//
// With Dedupe set and a run of the same manifest active, Start returns that
// run's record with ErrRunInProgress.
func (l *Launcher) Start(manifestPath string, opts LaunchOptions) (*RunRecord, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("launcher is not initialized")
	}

	absManifest, err := filepath.Abs(strings.TrimSpace(manifestPath))
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	if _, err := os.Stat(absManifest); err != nil {
		return nil, fmt.Errorf("manifest not found: %s", absManifest)
	}

	if opts.Dedupe {
		active, err := l.store.Active(absManifest)
		if err != nil {
			return nil, err
		}
		if len(active) > 0 {
			return &active[0], fmt.Errorf("%w: %s", ErrRunInProgress, active[0].RunID)
		}
	}

	exe := l.exe
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	runID := uuid.NewString()
	if err := os.MkdirAll(l.store.RunDir(runID), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(l.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(l.StderrPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	// The record is written before the child starts so the child can pick it
	// up and finish it, however quickly it exits.
	rec := &RunRecord{
		RunID:        runID,
		Name:         strings.TrimSpace(opts.Name),
		State:        RunStateQueued,
		Trigger:      trigger,
		ManifestPath: absManifest,
		CreatedAt:    time.Now().UTC(),
		StdoutPath:   l.StdoutPath(runID),
		StderrPath:   l.StderrPath(runID),
	}
	if err := l.store.Write(rec); err != nil {
		return nil, err
	}

	args := []string{"run", "--job", absManifest, "--run-id", runID, "--events", l.store.EventsPath(runID)}
	args = append(args, opts.Args...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		rec.State = RunStateError
		rec.Error = err.Error()
		_ = l.store.Write(rec)
		return nil, fmt.Errorf("start background run: %w", err)
	}
	rec.PID = cmd.Process.Pid
	_ = cmd.Process.Release()

	return rec, nil
}
