package types

import "fmt"

// ErrorCode represents a unified error code across the platform.
type ErrorCode string

// Coordination error codes
const (
	// ErrConsistency marks an illegal run state transition: a backward move or
	// a write to an already-terminal run. Stored state is left unchanged.
	ErrConsistency ErrorCode = "CONSISTENCY"

	// ErrAtomicity marks a task fan-out that could not complete for every
	// target organization. Nothing is persisted.
	ErrAtomicity ErrorCode = "ATOMICITY"

	// ErrDecryption marks a payload that could not be decrypted with the local
	// organization's private key.
	ErrDecryption ErrorCode = "DECRYPTION"

	// ErrAuthorization marks a caller acting on a run or task it does not own.
	ErrAuthorization ErrorCode = "AUTHORIZATION"

	// ErrLivenessTimeout marks an online-check that expired before every
	// organization responded. Informational, not a hard failure.
	ErrLivenessTimeout ErrorCode = "LIVENESS_TIMEOUT"

	// ErrUnsupportedFormat marks a serialized payload with an unknown format tag.
	ErrUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
)

// Transport and resource error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAuthentication     ErrorCode = "AUTHENTICATION"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	if e, ok := err.(*Error); ok {
		return e.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
