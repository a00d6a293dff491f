package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatrix/pkg/matrix"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/placeholder"
)

type recordingExecutor struct {
	reqs []orchestrator.StageRequest
	err  error
}

func (r *recordingExecutor) Execute(ctx context.Context, req orchestrator.StageRequest) (orchestrator.StageOutput, error) {
	r.reqs = append(r.reqs, req)
	if _, ok := ctx.Deadline(); ok && req.Stage.Timeout == 0 {
		return orchestrator.StageOutput{}, errors.New("unexpected deadline")
	}
	return orchestrator.StageOutput{LogPath: "/work/logs/bootstrap.log"}, r.err
}

func jobs(t *testing.T) []matrix.JobSpec {
	t.Helper()
	js, err := matrix.Matrix{Axes: []matrix.Axis{
		{Name: "platform", Values: []string{"linux", "windows"}},
		{Name: "python", Values: []string{"3.9"}},
	}}.Jobs([]string{"build"})
	require.NoError(t, err)
	return js
}

func TestCommand_PlatformSelection(t *testing.T) {
	exec := &recordingExecutor{}
	b := New(exec, Config{
		Command: placeholder.MustCompile("./ci/setup_env.sh {python}"),
		PlatformCommands: map[string]*placeholder.Template{
			"windows": placeholder.MustCompile("powershell -File ci/setup_conda_env.ps1 {python}"),
		},
		Timeout: time.Minute,
	})

	for _, job := range jobs(t) {
		require.NoError(t, b.Bootstrap(context.Background(), "run-1", job, "/work/"+job.Slug()))
	}

	require.Len(t, exec.reqs, 2)
	assert.Equal(t, "./ci/setup_env.sh 3.9", exec.reqs[0].Command)
	assert.Equal(t, "powershell -File ci/setup_conda_env.ps1 3.9", exec.reqs[1].Command)

	req := exec.reqs[0]
	assert.Equal(t, StageName, req.Stage.Name)
	assert.Equal(t, "/work/linux_3.9", req.WorkDir)
	assert.Equal(t, "/work/linux_3.9", req.Artifacts.WorkDir)
	assert.Equal(t, "linux", req.Env["MATRIX_PLATFORM"])
}

func TestCommand_NoCommandForPlatform(t *testing.T) {
	exec := &recordingExecutor{}
	b := New(exec, Config{PlatformCommands: map[string]*placeholder.Template{
		"windows": placeholder.MustCompile("setup.cmd"),
	}})

	js := jobs(t)
	require.NoError(t, b.Bootstrap(context.Background(), "run-1", js[0], t.TempDir()))
	assert.Empty(t, exec.reqs)
	assert.Nil(t, b.CommandFor(js[0]))
}

func TestCommand_FailureReferencesLog(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("exit status 1")}
	b := New(exec, Config{Command: placeholder.MustCompile("false")})

	err := b.Bootstrap(context.Background(), "run-1", jobs(t)[0], t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Contains(t, err.Error(), "bootstrap.log")
}

func TestCommand_UnknownPlaceholder(t *testing.T) {
	b := New(&recordingExecutor{}, Config{Command: placeholder.MustCompile("setup {compiler}")})
	err := b.Bootstrap(context.Background(), "run-1", jobs(t)[0], t.TempDir())
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Bootstrap(context.Background(), "run", matrix.JobSpec{}, ""))
}
