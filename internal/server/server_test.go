package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gomatrix/internal/errors"
	"github.com/3leaps/gomatrix/internal/server/handlers"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
	if body.Error.RequestID == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_Handler(t *testing.T) {
	srv := New("127.0.0.1", 8080)
	handler := srv.Handler()
	assert.NotNil(t, handler)
	assert.Same(t, handler, srv.Handler(), "router is built once")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	// POST to a GET-only endpoint should return 405
	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	// Initialize health manager for health endpoint tests
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0).WithRuns(handlers.NewRunsHandler(&fakeStore{}, nil, handlers.RunsConfig{}))

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/health/startup", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/runs", http.StatusOK},
		{"GET", "/runs/missing", http.StatusNotFound},
		{"GET", "/runs/missing/report", http.StatusNotFound},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rec := httptest.NewRecorder()

			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s should return %d", ep.method, ep.path, ep.want)
		})
	}
}

func TestServer_TriggerDisabledWithoutLauncher(t *testing.T) {
	srv := New("127.0.0.1", 0).WithRuns(handlers.NewRunsHandler(&fakeStore{}, nil, handlers.RunsConfig{}))

	req := httptest.NewRequest(http.MethodPost, "/runs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_TriggerRun(t *testing.T) {
	launcher := &fakeLauncher{}
	srv := New("127.0.0.1", 0).WithRuns(handlers.NewRunsHandler(&fakeStore{}, launcher, handlers.RunsConfig{
		ManifestPath: "/srv/matrix.yaml",
	}))

	req := httptest.NewRequest(http.MethodPost, "/runs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/runs/run-1", rec.Header().Get("Location"))
	assert.Equal(t, []string{"/srv/matrix.yaml"}, launcher.started)
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	handlers.InitHealthManager("test")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New("127.0.0.1", 0).WithTimeouts(Timeouts{Shutdown: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

type fakeStore struct{}

func (fakeStore) List() ([]runregistry.RunRecord, error) { return nil, nil }

func (fakeStore) Get(runID string) (*runregistry.RunRecord, error) {
	return nil, runregistry.ErrNotFound
}

func (fakeStore) Report(runID string) (*orchestrator.RunReport, error) {
	return nil, runregistry.ErrNotFound
}

type fakeLauncher struct {
	started []string
}

func (f *fakeLauncher) Start(manifestPath string, opts runregistry.LaunchOptions) (*runregistry.RunRecord, error) {
	f.started = append(f.started, manifestPath)
	return &runregistry.RunRecord{RunID: "run-1", State: runregistry.RunStateQueued, Trigger: opts.Trigger}, nil
}
