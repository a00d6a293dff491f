package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePlan_Table(t *testing.T) {
	m, _ := wheelManifest(t, t.TempDir())
	jobs, _, err := planRun(m, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writePlan(&buf, m, jobs, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, []string{"#", "PLATFORM", "PYTHON", "STAGES"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1", "linux", "3.9", "build,publish"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"4", "macos", "3.12", "build,publish"}, strings.Fields(lines[4]))
	assert.Equal(t, "4 jobs", lines[len(lines)-1])
}

func TestWritePlan_JSON(t *testing.T) {
	m, _ := wheelManifest(t, t.TempDir())
	jobs, _, err := planRun(m, []string{"python=3.12"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writePlan(&buf, m, jobs, true))

	var plan Plan
	require.NoError(t, json.Unmarshal(buf.Bytes(), &plan))
	assert.Equal(t, "wheels", plan.Name)
	assert.Equal(t, []string{"platform", "python"}, plan.Axes)
	require.Len(t, plan.Jobs, 2)
	assert.Equal(t, "platform=linux,python=3.12", plan.Jobs[0].ID)
	assert.Equal(t, "linux_3.12", plan.Jobs[0].Slug)
	assert.Equal(t, "python", plan.Jobs[0].Coordinates[1].Axis)
}

func TestWritePlan_Empty(t *testing.T) {
	m, _ := wheelManifest(t, t.TempDir())
	jobs, _, err := planRun(m, []string{"platform=freebsd"})
	require.NoError(t, err)
	require.Empty(t, jobs)

	var buf bytes.Buffer
	require.NoError(t, writePlan(&buf, m, jobs, false))
	assert.Equal(t, "No jobs (matrix expanded to nothing)\n", buf.String())

	buf.Reset()
	require.NoError(t, writePlan(&buf, m, jobs, true))
	assert.Contains(t, buf.String(), `"jobs": []`)
}
