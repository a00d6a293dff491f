package runregistry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatrix/pkg/matrix"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/placeholder"
)

type okExecutor struct{}

func (okExecutor) Execute(context.Context, orchestrator.StageRequest) (orchestrator.StageOutput, error) {
	return orchestrator.StageOutput{Output: "ok"}, nil
}

func runReport(t *testing.T, runID string) *orchestrator.RunReport {
	t.Helper()
	p := orchestrator.Pipeline{Stages: []orchestrator.Stage{
		{Name: "build", Command: placeholder.MustCompile("make")},
	}}
	jobs, err := matrix.Matrix{Axes: []matrix.Axis{
		{Name: "platform", Values: []string{"linux", "macos"}},
	}}.Jobs(p.Names())
	require.NoError(t, err)

	r, err := orchestrator.New(okExecutor{}, orchestrator.Config{RunID: runID, Workspace: t.TempDir()}).
		Run(context.Background(), jobs, p)
	require.NoError(t, err)
	return r
}

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:        "run-1",
		Name:         "wheels",
		State:        RunStateSucceeded,
		Trigger:      TriggerSchedule,
		ManifestPath: "/tmp/matrix.yaml",
		CreatedAt:    now,
		StartedAt:    &now,
		Counts:       &orchestrator.Counts{Total: 4, Succeeded: 4},
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, RunStateSucceeded, got.State)
	assert.Equal(t, TriggerSchedule, got.Trigger)
	require.NotNil(t, got.Counts)
	assert.Equal(t, 4, got.Counts.Succeeded)
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("../escape")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateFailed, ManifestPath: "/tmp/a", CreatedAt: t1, StartedAt: &t1}))
	require.NoError(t, s.Write(&RunRecord{RunID: "run-2", State: RunStateSucceeded, ManifestPath: "/tmp/b", CreatedAt: t2, StartedAt: &t2}))
	require.NoError(t, os.MkdirAll(filepath.Join(s.RootDir(), "not-a-run"), 0o755))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)
	assert.Equal(t, "run-1", got[1].RunID)
}

func TestStore_BeginFinish(t *testing.T) {
	s := NewStore(t.TempDir())
	fixed := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	rec := &RunRecord{RunID: "run-7", Trigger: TriggerManual, ManifestPath: "/m.yaml"}
	require.NoError(t, s.Begin(rec))

	got, err := s.Get("run-7")
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, got.State)
	assert.Equal(t, os.Getpid(), got.PID)
	assert.Equal(t, fixed, got.CreatedAt)

	active, err := s.Active("/m.yaml")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	r := runReport(t, "run-7")
	require.NoError(t, s.Finish(rec, r, nil))

	got, err = s.Get("run-7")
	require.NoError(t, err)
	assert.Equal(t, RunStateSucceeded, got.State)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, 2, got.Counts.Total)

	loaded, err := s.Report("run-7")
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 2)

	active, err = s.Active("/m.yaml")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStore_FinishWithoutReport(t *testing.T) {
	s := NewStore(t.TempDir())
	rec := &RunRecord{RunID: "run-8", ManifestPath: "/m.yaml"}
	require.NoError(t, s.Begin(rec))
	require.NoError(t, s.Finish(rec, nil, errors.New("manifest invalid")))

	got, err := s.Get("run-8")
	require.NoError(t, err)
	assert.Equal(t, RunStateError, got.State)
	assert.Equal(t, "manifest invalid", got.Error)

	_, err = s.Report("run-8")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateFor(t *testing.T) {
	assert.Equal(t, RunStateSucceeded, StateFor(orchestrator.RunSucceeded))
	assert.Equal(t, RunStateFailed, StateFor(orchestrator.RunFailed))
	assert.Equal(t, RunStateCancelled, StateFor(orchestrator.RunCancelled))
	assert.Equal(t, RunStateNoJobs, StateFor(orchestrator.RunNoJobs))
	assert.False(t, RunStateQueued.Terminal())
	assert.True(t, RunStateNoJobs.Terminal())
}

func TestLauncher_Start(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses the POSIX true binary")
	}
	s := NewStore(t.TempDir())
	manifest := filepath.Join(t.TempDir(), "matrix.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("version: \"1.0\"\n"), 0o644))

	l := NewLauncher(s)
	l.exe = "true"

	rec, err := l.Start(manifest, LaunchOptions{Name: "nightly", Trigger: TriggerHTTP})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.RunID)
	assert.Positive(t, rec.PID)
	assert.FileExists(t, l.StdoutPath(rec.RunID))

	got, err := s.Get(rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStateQueued, got.State)
	assert.Equal(t, TriggerHTTP, got.Trigger)

	active, err := l.Start(manifest, LaunchOptions{Dedupe: true})
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, rec.RunID, active.RunID)
}

func TestStore_UnclaimedQueuedRunBecomesUnknown(t *testing.T) {
	s := NewStore(t.TempDir())
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Write(&RunRecord{RunID: "r-queued", State: RunStateQueued, CreatedAt: created}))

	s.now = func() time.Time { return created.Add(30 * time.Second) }
	got, err := s.Get("r-queued")
	require.NoError(t, err)
	assert.Equal(t, RunStateQueued, got.State)

	s.now = func() time.Time { return created.Add(2 * queuedGrace) }
	got, err = s.Get("r-queued")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, got.State)
}

func TestLauncher_MissingManifest(t *testing.T) {
	l := NewLauncher(NewStore(t.TempDir()))
	_, err := l.Start(filepath.Join(t.TempDir(), "missing.yaml"), LaunchOptions{})
	assert.ErrorContains(t, err, "manifest not found")
}
