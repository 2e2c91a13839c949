// Package errors defines application errors with codes that map onto HTTP
// statuses for the export API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	// General errors (1xxx)
	ErrCodeInternal   ErrorCode = "E1000"
	ErrCodeValidation ErrorCode = "E1001"
	ErrCodeNotFound   ErrorCode = "E1002"

	// Export pipeline errors (2xxx)
	ErrCodeNavigation        ErrorCode = "E2001"
	ErrCodeCapture           ErrorCode = "E2002"
	ErrCodeEmptyResult       ErrorCode = "E2003"
	ErrCodeLaunch            ErrorCode = "E2004"
	ErrCodeNoSections        ErrorCode = "E2005"
	ErrCodeRasterUnavailable ErrorCode = "E2006"

	// Schedule errors (3xxx)
	ErrCodeScheduleNotFound ErrorCode = "E3001"
	ErrCodeStore            ErrorCode = "E3002"

	// Delivery errors (4xxx)
	ErrCodeSMTP ErrorCode = "E4001"
)

// AppError represents an application-level error with code and context
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
	Details any       `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for the error
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeScheduleNotFound:
		return http.StatusNotFound
	case ErrCodeRasterUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeSMTP:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with AppError
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// ErrValidation creates a validation error
func ErrValidation(message string) *AppError {
	return New(ErrCodeValidation, message)
}

// ErrNotFound creates a not found error
func ErrNotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// AsAppError finds the first AppError in err's chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
