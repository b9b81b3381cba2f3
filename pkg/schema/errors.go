package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeAuth              = "AUTH_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeVault             = "VAULT_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	StatusCode  int            `json:"status_code,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Cause       error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("[%s] execution %s: %s", e.Code, e.ExecutionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithExecution attaches an execution ID to the error.
func (e *EngineError) WithExecution(id string) *EngineError {
	e.ExecutionID = id
	return e
}

// WithStatusCode attaches an HTTP status code from the remote endpoint.
func (e *EngineError) WithStatusCode(code int) *EngineError {
	e.StatusCode = code
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// IsCode reports whether err is an EngineError with the given code.
func IsCode(err error, code string) bool {
	var ee *EngineError
	for err != nil {
		if e, ok := err.(*EngineError); ok {
			ee = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ee != nil && ee.Code == code
}
