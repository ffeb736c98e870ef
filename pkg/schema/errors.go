package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAlreadyTerminal   = "ALREADY_TERMINAL"
	ErrCodeSandboxFault      = "SANDBOX_FAULT"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// GateError is the structured error type for all gatekeeper operations.
type GateError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *GateError) Error() string {
	if e.WorkflowID != "" {
		return fmt.Sprintf("[%s] workflow %s: %s", e.Code, e.WorkflowID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GateError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GateError.
func NewError(code, message string) *GateError {
	return &GateError{Code: code, Message: message}
}

// NewErrorf creates a new GateError with a formatted message.
func NewErrorf(code, format string, args ...any) *GateError {
	return &GateError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *GateError) WithWorkflow(id string) *GateError {
	e.WorkflowID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *GateError) WithCause(err error) *GateError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GateError) WithDetails(details map[string]any) *GateError {
	e.Details = details
	return e
}

// CodeOf returns the gate error code of err, or "" if err is not a GateError.
func CodeOf(err error) string {
	if ge, ok := err.(*GateError); ok {
		return ge.Code
	}
	return ""
}
