package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gomatrix/internal/errors"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/report"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

type memStore struct {
	runs    []runregistry.RunRecord
	reports map[string]*orchestrator.RunReport
}

func (m *memStore) List() ([]runregistry.RunRecord, error) { return m.runs, nil }

func (m *memStore) Get(runID string) (*runregistry.RunRecord, error) {
	if runID == ".." {
		return nil, fmt.Errorf("%w %q", runregistry.ErrInvalidRunID, runID)
	}
	for i := range m.runs {
		if m.runs[i].RunID == runID {
			return &m.runs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", runregistry.ErrNotFound, runID)
}

func (m *memStore) Report(runID string) (*orchestrator.RunReport, error) {
	if r, ok := m.reports[runID]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: no report for %s", runregistry.ErrNotFound, runID)
}

type stubLauncher struct {
	err    error
	active *runregistry.RunRecord
	calls  int
}

func (s *stubLauncher) Start(manifestPath string, opts runregistry.LaunchOptions) (*runregistry.RunRecord, error) {
	s.calls++
	if s.err != nil {
		return s.active, s.err
	}
	return &runregistry.RunRecord{RunID: fmt.Sprintf("run-%d", s.calls), State: runregistry.RunStateQueued, Trigger: opts.Trigger}, nil
}

func serve(h *RunsHandler, method, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPError {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestRunsHandler_List(t *testing.T) {
	store := &memStore{runs: []runregistry.RunRecord{
		{RunID: "b", State: runregistry.RunStateRunning},
		{RunID: "a", State: runregistry.RunStateSucceeded},
	}}
	rec := serve(NewRunsHandler(store, nil, RunsConfig{}), http.MethodGet, "/runs")

	require.Equal(t, http.StatusOK, rec.Code)
	var body RunsListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "b", body.Runs[0].RunID)
}

func TestRunsHandler_ListEmpty(t *testing.T) {
	rec := serve(NewRunsHandler(&memStore{}, nil, RunsConfig{}), http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestRunsHandler_Get(t *testing.T) {
	store := &memStore{runs: []runregistry.RunRecord{{RunID: "r1", State: runregistry.RunStateFailed}}}
	h := NewRunsHandler(store, nil, RunsConfig{})

	rec := serve(h, http.MethodGet, "/runs/r1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got runregistry.RunRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, runregistry.RunStateFailed, got.State)

	rec = serve(h, http.MethodGet, "/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeError(t, rec).Code)

	rec = serve(h, http.MethodGet, "/runs/..")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsHandler_Report(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := &orchestrator.RunReport{
		RunID:     "r1",
		Status:    orchestrator.RunSucceeded,
		StartedAt: start,
		EndedAt:   start.Add(time.Minute),
		Jobs:      []*orchestrator.JobResult{{ID: "linux", Status: orchestrator.StatusSucceeded}},
	}
	store := &memStore{reports: map[string]*orchestrator.RunReport{"r1": rep}}

	rec := serve(NewRunsHandler(store, nil, RunsConfig{}), http.MethodGet, "/runs/r1/report")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	got, err := report.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, orchestrator.RunSucceeded, got.Status)
}

func TestRunsHandler_TriggerConflict(t *testing.T) {
	launcher := &stubLauncher{
		err:    fmt.Errorf("%w: r-active", runregistry.ErrRunInProgress),
		active: &runregistry.RunRecord{RunID: "r-active"},
	}
	rec := serve(NewRunsHandler(&memStore{}, launcher, RunsConfig{ManifestPath: "m.yaml"}), http.MethodPost, "/runs")

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apperrors.CodeConflict, body.Code)
	assert.Equal(t, "r-active", body.Details["run_id"])
}

func TestRunsHandler_TriggerRateLimited(t *testing.T) {
	launcher := &stubLauncher{}
	h := NewRunsHandler(&memStore{}, launcher, RunsConfig{ManifestPath: "m.yaml", TriggerRate: 0.001, TriggerBurst: 1})

	first := serve(h, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := serve(h, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, apperrors.CodeRateLimited, decodeError(t, second).Code)
	assert.Equal(t, 1, launcher.calls)
}

func TestRunsHandler_TriggerLaunchFailure(t *testing.T) {
	launcher := &stubLauncher{err: assert.AnError}
	rec := serve(NewRunsHandler(&memStore{}, launcher, RunsConfig{ManifestPath: "m.yaml"}), http.MethodPost, "/runs")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.CodeInternal, decodeError(t, rec).Code)
}

func TestRunsHandler_ErrorEnvelopeCarriesRequestID(t *testing.T) {
	r := chi.NewRouter()
	NewRunsHandler(&memStore{}, nil, RunsConfig{}).Routes(r)

	req := httptest.NewRequest(http.MethodGet, "/runs/missing/report", nil)
	req.Header.Set(apperrors.RequestIDHeader, "req-7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decodeError(t, rec)
	assert.Equal(t, apperrors.CodeNotFound, body.Code)
	assert.Equal(t, "req-7", body.RequestID)
	assert.Contains(t, body.Message, "missing")
}
