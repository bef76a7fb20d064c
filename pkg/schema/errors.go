package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting. The first four form the
// node-level taxonomy; the rest are engine bookkeeping codes.
const (
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeEvaluation    = "EVALUATION_ERROR"
	ErrCodeTransport     = "TRANSPORT_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error kind admits retries at all.
// Configuration and validation problems are permanent; everything the
// outside world can cause (transport, evaluation, timeout) is retryable
// when a policy is attached.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConfiguration, ErrCodeValidation, ErrCodeCycleDetected,
		ErrCodeInvalidTransition, ErrCodeCancelled, ErrCodeNotFound, ErrCodeConflict:
		return false
	default:
		return true
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// ErrorCode extracts the structured code from an error chain. Returns the
// empty string when no FlowError is present.
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// AsFlowError unwraps err to a FlowError, wrapping foreign errors under
// the given fallback code so callers always see the structured form.
func AsFlowError(err error, fallbackCode string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
