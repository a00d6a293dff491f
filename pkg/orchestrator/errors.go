package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gomatrix/pkg/matrix"
)

// Sentinel errors for the orchestrator error taxonomy.
var (
	// ErrConfiguration indicates a malformed or empty pipeline/matrix definition.
	// It is the only run-fatal error kind.
	ErrConfiguration = errors.New("configuration error")

	// ErrEnvironment indicates the bootstrap collaborator failed for a job.
	ErrEnvironment = errors.New("environment bootstrap failed")

	// ErrStageExecution indicates a stage command failed or could not run.
	ErrStageExecution = errors.New("stage execution failed")

	// ErrTimeout indicates a stage exceeded its timeout. Timeouts are also
	// stage execution errors.
	ErrTimeout = errors.New("stage timed out")

	// ErrPublish indicates the artifact store rejected a publish.
	ErrPublish = errors.New("publish failed")

	// ErrTerminalState is returned when a stage result leaves a terminal state.
	ErrTerminalState = errors.New("stage result is terminal")
)

// Error codes recorded on failed stage results.
const (
	CodeEnvironment = "ENVIRONMENT"
	CodeStageFailed = "STAGE_FAILED"
	CodeTimeout     = "TIMEOUT"
	CodePublish     = "PUBLISH_FAILED"
	CodeCancelled   = "CANCELLED"
)

// ConfigurationError describes an invalid pipeline definition.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "pipeline config: " + e.Message
	}
	return "pipeline config: " + e.Field + ": " + e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// EnvironmentError wraps a bootstrap failure for one job.
type EnvironmentError struct {
	Job string
	Err error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Job, e.Err)
}

func (e *EnvironmentError) Unwrap() []error {
	return []error{ErrEnvironment, e.Err}
}

// StageExecutionError wraps a failed stage command.
type StageExecutionError struct {
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() []error {
	return []error{ErrStageExecution, e.Err}
}

// TimeoutError reports a stage that exceeded its bound.
type TimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s: timed out after %s", e.Stage, e.Timeout)
}

func (e *TimeoutError) Unwrap() []error {
	return []error{ErrTimeout, ErrStageExecution}
}

// PublishError wraps an artifact store failure.
type PublishError struct {
	Stage string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Stage, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{ErrPublish, e.Err}
}

// IsConfiguration reports whether err is run-fatal configuration error,
// including invalid matrix definitions.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, matrix.ErrInvalidMatrix)
}

// IsEnvironment reports whether err is a bootstrap failure.
func IsEnvironment(err error) bool {
	return errors.Is(err, ErrEnvironment)
}

// IsStageExecution reports whether err is a stage failure (timeouts included).
func IsStageExecution(err error) bool {
	return errors.Is(err, ErrStageExecution)
}

// IsTimeout reports whether err is a stage timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsPublish reports whether err is a publish failure.
func IsPublish(err error) bool {
	return errors.Is(err, ErrPublish)
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsEnvironment(err):
		return CodeEnvironment
	case IsTimeout(err):
		return CodeTimeout
	case IsPublish(err):
		return CodePublish
	default:
		return CodeStageFailed
	}
}
