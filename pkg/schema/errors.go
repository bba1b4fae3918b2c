package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeNodeUnavailable = "NODE_UNAVAILABLE"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeDispatch        = "DISPATCH_ERROR"
	ErrCodeConflict        = "CONFLICT"
)

// FableError is the structured error type for all engine operations.
type FableError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FableError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FableError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FableError.
func NewError(code, message string) *FableError {
	return &FableError{Code: code, Message: message}
}

// NewErrorf creates a new FableError with a formatted message.
func NewErrorf(code, format string, args ...any) *FableError {
	return &FableError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FableError) WithNode(nodeID string) *FableError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FableError) WithCause(err error) *FableError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FableError) WithDetails(details map[string]any) *FableError {
	e.Details = details
	return e
}
