package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/gomatrix/internal/errors"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/report"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

// RunStore is the read side of the run registry.
type RunStore interface {
	List() ([]runregistry.RunRecord, error)
	Get(runID string) (*runregistry.RunRecord, error)
	Report(runID string) (*orchestrator.RunReport, error)
}

// RunLauncher starts background runs.
type RunLauncher interface {
	Start(manifestPath string, opts runregistry.LaunchOptions) (*runregistry.RunRecord, error)
}

// RunsConfig configures RunsHandler.
type RunsConfig struct {
	// ManifestPath is the manifest POST /runs launches.
	ManifestPath string

	// Name labels launched runs.
	Name string

	// TriggerRate is the accepted POST /runs per second. 0 = unlimited.
	TriggerRate float64

	// TriggerBurst defaults to 1.
	TriggerBurst int

	// Args are appended to every launched run command.
	Args []string
}

// RunsHandler serves the run registry and the HTTP trigger.
type RunsHandler struct {
	store    RunStore
	launcher RunLauncher
	config   RunsConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// RunsListResponse is the body of GET /runs.
type RunsListResponse struct {
	Runs []runregistry.RunRecord `json:"runs"`
}

// NewRunsHandler creates a runs handler. launcher may be nil, in which case
// POST /runs is not served.
func NewRunsHandler(store RunStore, launcher RunLauncher, cfg RunsConfig) *RunsHandler {
	h := &RunsHandler{store: store, launcher: launcher, config: cfg, logger: zap.NewNop()}
	if cfg.TriggerRate > 0 {
		burst := cfg.TriggerBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.TriggerRate), burst)
	}
	return h
}

// WithLogger sets the logger. Returns the handler for method chaining.
func (h *RunsHandler) WithLogger(l *zap.Logger) *RunsHandler {
	if l != nil {
		h.logger = l
	}
	return h
}

// Routes mounts the runs endpoints on r.
func (h *RunsHandler) Routes(r chi.Router) {
	r.Get("/runs", h.List)
	r.Get("/runs/{runID}", h.Get)
	r.Get("/runs/{runID}/report", h.Report)
	if h.launcher != nil {
		r.Post("/runs", h.Trigger)
	}
}

// List serves GET /runs.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.List()
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if runs == nil {
		runs = []runregistry.RunRecord{}
	}
	apperrors.WriteJSON(w, http.StatusOK, RunsListResponse{Runs: runs})
}

// Get serves GET /runs/{runID}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(chi.URLParam(r, "runID"))
	if err != nil {
		apperrors.RespondWithError(w, r, h.lookupError(err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, rec)
}

// Report serves GET /runs/{runID}/report.
func (h *RunsHandler) Report(w http.ResponseWriter, r *http.Request) {
	rep, err := h.store.Report(chi.URLParam(r, "runID"))
	if err != nil {
		apperrors.RespondWithError(w, r, h.lookupError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := report.Encode(w, rep); err != nil {
		h.logger.Warn("Failed to encode report", zap.String("run_id", rep.RunID), zap.Error(err))
	}
}

// Trigger serves POST /runs: it launches a background run of the manifest
// and answers 202 with the queued record.
func (h *RunsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		apperrors.RespondWithError(w, r, apperrors.New(http.StatusTooManyRequests, apperrors.CodeRateLimited, "trigger rate exceeded"))
		return
	}

	rec, err := h.launcher.Start(h.config.ManifestPath, runregistry.LaunchOptions{
		Name:    h.config.Name,
		Trigger: runregistry.TriggerHTTP,
		Dedupe:  true,
		Args:    h.config.Args,
	})
	if errors.Is(err, runregistry.ErrRunInProgress) {
		se := apperrors.New(http.StatusConflict, apperrors.CodeConflict, "a run of this manifest is already in progress")
		if rec != nil {
			se = se.WithDetails(map[string]any{"run_id": rec.RunID})
		}
		apperrors.RespondWithError(w, r, se)
		return
	}
	if err != nil {
		h.logger.Error("Failed to launch run", zap.Error(err))
		apperrors.RespondWithError(w, r, &apperrors.StatusError{
			Status:  http.StatusInternalServerError,
			Code:    apperrors.CodeInternal,
			Message: "failed to launch run",
			Err:     err,
		})
		return
	}

	h.logger.Info("Run triggered", zap.String("run_id", rec.RunID), zap.Int("pid", rec.PID))
	w.Header().Set("Location", fmt.Sprintf("/runs/%s", rec.RunID))
	apperrors.WriteJSON(w, http.StatusAccepted, rec)
}

// lookupError turns an invalid run id into a 400.
func (h *RunsHandler) lookupError(err error) error {
	if errors.Is(err, runregistry.ErrNotFound) {
		return err
	}
	var se *apperrors.StatusError
	if errors.As(err, &se) {
		return err
	}
	if runregistry.IsInvalidRunID(err) {
		return &apperrors.StatusError{Status: http.StatusBadRequest, Code: apperrors.CodeBadRequest, Message: err.Error()}
	}
	return err
}
