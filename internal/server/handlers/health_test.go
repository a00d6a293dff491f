package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gomatrix/internal/errors"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

// registryCheck reports unhealthy when the run registry cannot be listed.
func registryCheck(store *runregistry.Store) HealthChecker {
	return HealthCheckerFunc(func(context.Context) error {
		_, err := store.List()
		return err
	})
}

func getHealth(t *testing.T, m *HealthManager, requestID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	if requestID != "" {
		req.Header.Set(apperrors.RequestIDHeader, requestID)
	}
	rec := httptest.NewRecorder()
	m.HealthHandler(rec, req)
	return rec
}

func TestHealthHandler_RegistryHealthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("run_registry", registryCheck(runregistry.NewStore(filepath.Join(t.TempDir(), "runs"))))

	rec := getHealth(t, m, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"run_registry": StatusHealthy}, resp.Checks)
}

func TestHealthHandler_RegistryUnreadable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "runs")
	require.NoError(t, os.WriteFile(root, []byte("not a directory"), 0o644))

	m := NewHealthManager("dev")
	m.RegisterChecker("run_registry", registryCheck(runregistry.NewStore(root)))
	m.RegisterChecker("manifest", HealthCheckerFunc(func(context.Context) error { return nil }))

	rec := getHealth(t, m, "req-42")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
	assert.Equal(t, "req-42", body.Error.RequestID)

	checks, ok := body.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details should carry check results: %v", body.Error.Details)
	assert.Equal(t, StatusUnhealthy, checks["run_registry"])
	assert.Equal(t, StatusHealthy, checks["manifest"])
}

func TestHealthHandler_TimedOutCheckDegrades(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("run_registry", HealthCheckerFunc(func(context.Context) error {
		return context.DeadlineExceeded
	}))

	rec := getHealth(t, m, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, StatusTimeout, resp.Checks["run_registry"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		name    string
		results map[string]string
		want    string
	}{
		{name: "no checks", results: nil, want: StatusHealthy},
		{name: "all healthy", results: map[string]string{"a": StatusHealthy, "b": StatusHealthy}, want: StatusHealthy},
		{name: "timeout degrades", results: map[string]string{"a": StatusHealthy, "b": StatusTimeout}, want: StatusDegraded},
		{name: "unhealthy wins over timeout", results: map[string]string{"a": StatusTimeout, "b": StatusUnhealthy}, want: StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.results))
		})
	}
}

func TestGlobalHealthHandlers(t *testing.T) {
	original := GetHealthManager()
	t.Cleanup(func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	})

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	t.Run("not initialized", func(t *testing.T) {
		globalMu.Lock()
		globalHealthManager = nil
		globalMu.Unlock()
		assert.Nil(t, GetHealthManager())

		for path, h := range handlers {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		}
	})

	t.Run("initialized", func(t *testing.T) {
		m := InitHealthManager("0.3.0")
		require.Same(t, m, GetHealthManager())
		m.RegisterChecker("run_registry", registryCheck(runregistry.NewStore(t.TempDir())))

		for path, h := range handlers {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code, path)

			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "0.3.0", resp.Version, path)
		}
	})
}
