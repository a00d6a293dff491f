package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatrix/pkg/matrix"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/placeholder"
)

type failingExecutor struct {
	job, stage string
}

func (f failingExecutor) Execute(_ context.Context, req orchestrator.StageRequest) (orchestrator.StageOutput, error) {
	if req.Job.ID() == f.job && req.Stage.Name == f.stage {
		return orchestrator.StageOutput{
			Output:  "compiling\nerror: clang not found\n",
			LogPath: filepath.Join(req.Artifacts.WorkDir, "logs", req.Stage.Name+".log"),
		}, &orchestrator.StageExecutionError{Stage: req.Stage.Name, Err: errors.New("exit status 2")}
	}
	return orchestrator.StageOutput{Output: "ok"}, nil
}

func runMatrix(t *testing.T, axes []matrix.Axis) *orchestrator.RunReport {
	t.Helper()
	p := orchestrator.Pipeline{Stages: []orchestrator.Stage{
		{Name: "build", Command: placeholder.MustCompile("make")},
		{Name: "test", Command: placeholder.MustCompile("make test")},
	}}
	jobs, err := matrix.Matrix{Axes: axes}.Jobs(p.Names())
	require.NoError(t, err)

	o := orchestrator.New(failingExecutor{job: "platform=macos,python=3.9", stage: "build"},
		orchestrator.Config{RunID: "run-42", Name: "wheels", Concurrency: 2, Workspace: t.TempDir()})
	r, err := o.Run(context.Background(), jobs, p)
	require.NoError(t, err)
	return r
}

func twoByTwo() []matrix.Axis {
	return []matrix.Axis{
		{Name: "platform", Values: []string{"linux", "macos"}},
		{Name: "python", Values: []string{"3.9", "3.10"}},
	}
}

func TestWriteLoad_RoundTrip(t *testing.T) {
	r := runMatrix(t, twoByTwo())
	path := filepath.Join(t.TempDir(), "out", "report.json")

	require.NoError(t, Write(path, r))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "run-42", loaded.RunID)
	assert.Equal(t, orchestrator.RunFailed, loaded.Status)
	assert.Equal(t, r.Counts, loaded.Counts)
	require.Len(t, loaded.Jobs, 4)

	ids := make([]string, len(loaded.Jobs))
	for i, j := range loaded.Jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{
		"platform=linux,python=3.9",
		"platform=linux,python=3.10",
		"platform=macos,python=3.9",
		"platform=macos,python=3.10",
	}, ids)

	failed, ok := loaded.Get("platform=macos,python=3.9")
	require.True(t, ok)
	assert.Equal(t, orchestrator.StatusFailed, failed.Status)
	require.Len(t, failed.Stages, 2)
	assert.Equal(t, orchestrator.StatusFailed, failed.Stages[0].Status)
	assert.Equal(t, "STAGE_FAILED", failed.Stages[0].ErrorCode)
	assert.Equal(t, orchestrator.StatusSkipped, failed.Stages[1].Status)
}

func TestEncode_StableFields(t *testing.T) {
	r := runMatrix(t, twoByTwo())

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, r))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, SchemaID, doc["schema"])
	assert.Equal(t, "run-42", doc["run_id"])
	assert.Equal(t, "failed", doc["status"])
	assert.Equal(t, false, doc["no_jobs"])

	jobs := doc["jobs"].([]any)
	first := jobs[0].(map[string]any)
	for _, key := range []string{"id", "coordinates", "status", "stages"} {
		assert.Contains(t, first, key)
	}
	stage := first["stages"].([]any)[0].(map[string]any)
	for _, key := range []string{"name", "status", "started_at", "ended_at", "output_tail"} {
		assert.Contains(t, stage, key)
	}
}

func TestDecode_RejectsOtherSchema(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"schema":"gomatrix.report.v0","run_id":"x"}`))
	assert.ErrorIs(t, err, ErrUnsupportedSchema)

	_, err = Decode(strings.NewReader(`not json`))
	assert.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(filepath.Join(dir, "report.json"), runMatrix(t, twoByTwo())))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.json", entries[0].Name())
}

func TestRenderSummary_Failures(t *testing.T) {
	r := runMatrix(t, twoByTwo())

	var buf bytes.Buffer
	require.NoError(t, RenderSummary(&buf, r))
	out := buf.String()

	assert.Contains(t, out, "run run-42: failed (4 jobs: 3 succeeded, 1 failed, 0 skipped, 0 cancelled)")
	assert.Contains(t, out, "FAIL platform=macos,python=3.9  stage build [STAGE_FAILED]: stage build: exit status 2")
	assert.Contains(t, out, "log: ")
	assert.Contains(t, out, "| error: clang not found")
	assert.NotContains(t, out, "platform=linux")
}

func TestRenderSummary_NoJobs(t *testing.T) {
	r := runMatrix(t, []matrix.Axis{{Name: "platform", Values: nil}})
	assert.True(t, r.NoJobs)

	var buf bytes.Buffer
	require.NoError(t, RenderSummary(&buf, r))
	assert.Equal(t, "run run-42: no jobs (matrix expanded to nothing)\n", buf.String())
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "", lastLines("\n", 3))
	assert.Equal(t, "c\nd", lastLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", lastLines("a", 2))
}
