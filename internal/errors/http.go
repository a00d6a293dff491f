// Package errors maps gomatrix errors onto the JSON error envelope served by
// the HTTP trigger server.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/runregistry"
)

// Error codes served in the envelope.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "RUN_IN_PROGRESS"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidManifest    = "INVALID_MANIFEST"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-ID"

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the error envelope: {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// StatusError carries an HTTP status and code with an error.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// New creates a StatusError.
func New(status int, code, message string) *StatusError {
	return &StatusError{Status: status, Code: code, Message: message}
}

// WithDetails attaches details. Returns the error for method chaining.
func (e *StatusError) WithDetails(details map[string]any) *StatusError {
	e.Details = details
	return e
}

// Classify returns the status and code for err.
func Classify(err error) (int, string) {
	var se *StatusError
	switch {
	case stderrors.As(err, &se):
		return se.Status, se.Code
	case stderrors.Is(err, runregistry.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case orchestrator.IsConfiguration(err):
		return http.StatusUnprocessableEntity, CodeInvalidManifest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// Envelope converts err into a gofulmen error envelope.
func Envelope(err error, requestID string) *gferrors.ErrorEnvelope {
	_, code := Classify(err)
	msg := err.Error()
	var se *StatusError
	if stderrors.As(err, &se) && se.Message != "" {
		msg = se.Message
	}
	env := gferrors.NewErrorEnvelope(code, msg)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if se != nil && len(se.Details) > 0 {
		if withCtx, cerr := env.WithContext(se.Details); cerr == nil {
			env = withCtx
		}
	}
	return env
}

// FromEnvelope converts a gofulmen envelope into the response body.
func FromEnvelope(env *gferrors.ErrorEnvelope, requestID string) HTTPErrorResponse {
	return HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: requestID,
		Details:   env.Context,
	}}
}

// WriteEnvelope writes env with status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, requestID string, status int) {
	WriteJSON(w, status, FromEnvelope(env, requestID))
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := Classify(err)
	requestID := ""
	if r != nil {
		requestID = r.Header.Get(RequestIDHeader)
	}
	WriteEnvelope(w, Envelope(err, requestID), requestID, status)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NotFoundHandler answers unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, New(http.StatusNotFound, CodeNotFound, "no route for "+r.URL.Path))
}

// MethodNotAllowedHandler answers known routes with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path))
}
