package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeInternal   ErrorType = "INTERNAL_ERROR"
	ErrorTypeTimeout    ErrorType = "TIMEOUT"
	ErrorTypeConflict   ErrorType = "CONFLICT"

	// A worker could not be reached or dropped its reply.
	ErrorTypeChannelClosed ErrorType = "CHANNEL_CLOSED"
	// The device backend reported a failure.
	ErrorTypeDevice ErrorType = "DEVICE_ERROR"
	// A background task panicked or was aborted.
	ErrorTypeCrash ErrorType = "TASK_CRASHED"
)

// AppError represents an application error with additional context.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError of the same type, so the Err* kind values can
// be used with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Message == "" && t.Type == e.Type
}

// Title is the user-facing heading for the error.
func (e *AppError) Title() string {
	switch e.Type {
	case ErrorTypeChannelClosed:
		return "System Error"
	case ErrorTypeDevice:
		return "ADB Error"
	case ErrorTypeCrash:
		return "Crash Report"
	case ErrorTypeValidation:
		return "Invalid Request"
	default:
		return "Error"
	}
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCode adds an error code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// Kind values for errors.Is.
var (
	ErrChannelClosed = &AppError{Type: ErrorTypeChannelClosed}
	ErrDevice        = &AppError{Type: ErrorTypeDevice}
	ErrCrash         = &AppError{Type: ErrorTypeCrash}
	ErrNotFound      = &AppError{Type: ErrorTypeNotFound}
)

// New creates a new AppError.
func New(errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error.
func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, http.StatusBadRequest)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, http.StatusInternalServerError)
}

// WrapInternalError wraps an error as internal server error.
func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, http.StatusInternalServerError)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *AppError {
	return New(ErrorTypeTimeout, message, http.StatusGatewayTimeout)
}

// NewConflictError creates a conflict error.
func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message, http.StatusConflict)
}

// NewChannelClosedError reports that component's worker is unreachable.
func NewChannelClosedError(component string) *AppError {
	return New(ErrorTypeChannelClosed,
		fmt.Sprintf("%s channel closed unexpectedly", component), http.StatusServiceUnavailable)
}

// WrapDeviceError wraps a device backend failure for op.
func WrapDeviceError(err error, op string) *AppError {
	return Wrap(err, ErrorTypeDevice, op, http.StatusBadGateway)
}

// NewCrashError reports a background task that panicked.
func NewCrashError(task string, recovered interface{}) *AppError {
	return New(ErrorTypeCrash, fmt.Sprintf("%s panicked: %v", task, recovered), http.StatusInternalServerError)
}

// IsAppError checks if an error is, or wraps, an AppError.
func IsAppError(err error) bool {
	_, ok := GetAppError(err)
	return ok
}

// GetAppError extracts the outermost AppError from an error chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
