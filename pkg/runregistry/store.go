// Package runregistry records runs on disk so they can be listed and
// inspected after the process that ran them has exited.
package runregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/report"
)

// ErrNotFound is returned when no record exists for a run id.
var ErrNotFound = errors.New("run not found")

// ErrRunInProgress is returned when a deduplicated launch finds an active
// run of the same manifest.
var ErrRunInProgress = errors.New("run already in progress")

// ErrInvalidRunID is returned for run ids that cannot name a run directory.
var ErrInvalidRunID = errors.New("invalid run_id")

// IsInvalidRunID reports whether err is ErrInvalidRunID.
func IsInvalidRunID(err error) bool {
	return errors.Is(err, ErrInvalidRunID)
}

// queuedGrace bounds how long a launched child may take to claim its record.
const queuedGrace = time.Minute

// Store persists and loads RunRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/report.json
//	<root>/<run_id>/events.jsonl
//
// Root is expected to be <data_dir>/runs.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore returns a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), now: time.Now}
}

// RootDir returns the store root.
func (s *Store) RootDir() string {
	return s.root
}

// RunDir returns the directory holding one run's files.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// RunPath returns the path of run.json.
func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

// ReportPath returns the path of the run's report document.
func (s *Store) ReportPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "report.json")
}

// EventsPath returns the path of the run's JSONL event stream.
func (s *Store) EventsPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "events.jsonl")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

func validRunID(runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", fmt.Errorf("%w: run_id is required", ErrInvalidRunID)
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("%w %q", ErrInvalidRunID, runID)
	}
	return runID, nil
}

// Write atomically replaces the run's record.
func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID, err := validRunID(record.RunID)
	if err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Begin records a run as running.
func (s *Store) Begin(record *RunRecord) error {
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.StartedAt = &now
	record.State = RunStateRunning
	if record.PID == 0 {
		record.PID = os.Getpid()
	}
	return s.Write(record)
}

// Finish stores the report next to the record and moves the record to its
// terminal state. A nil report with a non-nil runErr records an error run.
func (s *Store) Finish(record *RunRecord, r *orchestrator.RunReport, runErr error) error {
	now := s.now().UTC()
	record.EndedAt = &now

	if r != nil {
		if err := report.Write(s.ReportPath(record.RunID), r); err != nil {
			return err
		}
		counts := r.Counts
		record.Counts = &counts
		record.State = StateFor(r.Status)
	} else {
		record.State = RunStateError
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	return s.Write(record)
}

// Get loads a run record.
func (s *Store) Get(runID string) (*RunRecord, error) {
	runID, err := validRunID(runID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	// Zombie detection: a run that claims running but whose pid is gone, or
	// a queued run never claimed by its child, is marked unknown.
	switch {
	case record.State == RunStateRunning && record.PID > 0 && record.PID != os.Getpid():
		if !isProcessAlive(record.PID) {
			record.State = RunStateUnknown
			_ = s.Write(&record)
		}
	case record.State == RunStateQueued && s.now().Sub(record.CreatedAt) > queuedGrace:
		record.State = RunStateUnknown
		_ = s.Write(&record)
	}

	return &record, nil
}

// Report loads a finished run's report.
func (s *Store) Report(runID string) (*orchestrator.RunReport, error) {
	runID, err := validRunID(runID)
	if err != nil {
		return nil, err
	}
	r, err := report.Load(s.ReportPath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no report for %s", ErrNotFound, runID)
	}
	return r, err
}

// List returns all readable records, newest first.
func (s *Store) List() ([]RunRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})

	return out, nil
}

// Active returns the queued or running records for manifestPath.
func (s *Store) Active(manifestPath string) ([]RunRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []RunRecord
	for _, r := range all {
		if !r.State.Terminal() && r.ManifestPath == manifestPath {
			out = append(out, r)
		}
	}
	return out, nil
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
