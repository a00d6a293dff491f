package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wheelMatrix() Matrix {
	return Matrix{
		Axes: []Axis{
			{Name: "platform", Values: []string{"linux", "macos", "windows"}},
			{Name: "python", Values: []string{"3.8", "3.9"}},
		},
		Exclude: []map[string]string{
			{"platform": "windows", "python": "3.8"},
		},
		Environment: map[string]string{
			"CIBW_BUILD_VERBOSITY": "1",
			"MATRIX_PLATFORM":      "shadowed",
		},
		Overrides: []Override{
			{When: map[string]string{"platform": "macos"}, Environment: map[string]string{"MACOSX_DEPLOYMENT_TARGET": "10.9"}},
			{When: map[string]string{"platform": "macos", "python": "3.9"}, Environment: map[string]string{"MACOSX_DEPLOYMENT_TARGET": "11.0"}},
		},
	}
}

func TestMatrix_Jobs(t *testing.T) {
	stages := []string{"install", "build", "test", "publish"}

	jobs, err := wheelMatrix().Jobs(stages)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"platform=linux,python=3.8",
		"platform=linux,python=3.9",
		"platform=macos,python=3.8",
		"platform=macos,python=3.9",
		"platform=windows,python=3.9",
	}, ids(jobs))

	t.Run("stages attached", func(t *testing.T) {
		for _, j := range jobs {
			assert.Equal(t, stages, j.Stages())
		}
	})

	t.Run("environment precedence", func(t *testing.T) {
		linux := jobs[0].Environment()
		assert.Equal(t, "1", linux["CIBW_BUILD_VERBOSITY"])
		assert.Equal(t, "linux", linux["MATRIX_PLATFORM"])
		assert.NotContains(t, linux, "MACOSX_DEPLOYMENT_TARGET")

		assert.Equal(t, "10.9", jobs[2].Environment()["MACOSX_DEPLOYMENT_TARGET"])
		assert.Equal(t, "11.0", jobs[3].Environment()["MACOSX_DEPLOYMENT_TARGET"])
	})
}

func TestMatrix_JobsRejectsUnknownAxis(t *testing.T) {
	m := wheelMatrix()
	m.Exclude = append(m.Exclude, map[string]string{"arch": "arm64"})

	_, err := m.Jobs(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMatrix)
	assert.Contains(t, err.Error(), `"arch"`)
}

func TestSelect(t *testing.T) {
	jobs, err := wheelMatrix().Jobs(nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		exprs []string
		want  []string
	}{
		{"no selector", nil, ids(jobs)},
		{"single axis", []string{"platform=macos"}, []string{
			"platform=macos,python=3.8",
			"platform=macos,python=3.9",
		}},
		{"alternatives and conjunction", []string{"platform=linux", "platform=windows", "python=3.9"}, []string{
			"platform=linux,python=3.9",
			"platform=windows,python=3.9",
		}},
		{"unknown axis", []string{"arch=arm64"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseSelector(tt.exprs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(Select(jobs, sel)))
		})
	}
}

func TestParseSelector_Invalid(t *testing.T) {
	_, err := ParseSelector([]string{"platform"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMatrix)
}
