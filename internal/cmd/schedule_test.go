package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatrix/pkg/manifest"
)

func resetScheduleFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		scheduleCron = ""
		scheduleWithSeconds = false
		scheduleTimezone = ""
		scheduleRunOnStart = false
		scheduleStopTimeout = 30 * time.Minute
	}
	reset()
	t.Cleanup(reset)
}

func TestScheduleConfig_FromManifest(t *testing.T) {
	resetScheduleFlags(t)
	m := &manifest.Manifest{
		Name:     "nightly",
		Schedule: &manifest.ScheduleConfig{Cron: "0 3 * * *", Timezone: "UTC"},
	}

	cfg, err := scheduleConfig(m, false)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", cfg.Cron)
	assert.Equal(t, "nightly", cfg.Name)
	assert.False(t, cfg.WithSeconds)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, 30*time.Minute, cfg.StopTimeout)
}

func TestScheduleConfig_FlagsOverrideManifest(t *testing.T) {
	resetScheduleFlags(t)
	scheduleCron = "*/30 * * * * *"
	scheduleWithSeconds = true
	scheduleTimezone = "Europe/Berlin"
	scheduleRunOnStart = true
	m := &manifest.Manifest{
		Schedule: &manifest.ScheduleConfig{Cron: "0 3 * * *", WithSeconds: false, Timezone: "UTC"},
	}

	cfg, err := scheduleConfig(m, true)
	require.NoError(t, err)
	assert.Equal(t, "*/30 * * * * *", cfg.Cron)
	assert.True(t, cfg.WithSeconds)
	assert.True(t, cfg.RunOnStart)
	assert.Equal(t, "Europe/Berlin", cfg.Location.String())
	assert.Equal(t, "matrix", cfg.Name)
}

func TestScheduleConfig_WithSecondsUnchangedKeepsManifest(t *testing.T) {
	resetScheduleFlags(t)
	m := &manifest.Manifest{Schedule: &manifest.ScheduleConfig{Cron: "0 0 3 * * *", WithSeconds: true}}

	cfg, err := scheduleConfig(m, false)
	require.NoError(t, err)
	assert.True(t, cfg.WithSeconds)
	assert.Equal(t, time.Local, cfg.Location)
}

func TestScheduleConfig_Errors(t *testing.T) {
	t.Run("no cron", func(t *testing.T) {
		resetScheduleFlags(t)
		_, err := scheduleConfig(&manifest.Manifest{}, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no schedule")
	})

	t.Run("bad timezone", func(t *testing.T) {
		resetScheduleFlags(t)
		scheduleCron = "0 3 * * *"
		scheduleTimezone = "Mars/Olympus_Mons"
		_, err := scheduleConfig(&manifest.Manifest{}, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Mars/Olympus_Mons")
	})
}
