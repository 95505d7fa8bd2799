package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"
	ErrCodePeerNotFound ErrorCode = "PEER_NOT_FOUND"

	// Call lifecycle errors
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"
	ErrCodeCallEnded    ErrorCode = "CALL_ENDED"
	ErrCodeBusy         ErrorCode = "BUSY"

	// Media and negotiation errors
	ErrCodeDevice      ErrorCode = "DEVICE_ERROR"
	ErrCodeNegotiation ErrorCode = "NEGOTIATION_ERROR"

	// Signaling errors
	ErrCodeTransport     ErrorCode = "TRANSPORT_ERROR"
	ErrCodeNotSubscribed ErrorCode = "NOT_SUBSCRIBED"
	ErrCodeBadSignal     ErrorCode = "BAD_SIGNAL"

	// Capacity errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeStore          ErrorCode = "STORE_ERROR"
	ErrCodeStorage        ErrorCode = "STORAGE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

func PeerNotFoundError(peerID string) *AppError {
	return NewWithStatus(ErrCodePeerNotFound, fmt.Sprintf("No connection for peer %s", peerID), http.StatusNotFound)
}

// Call lifecycle errors
func InvalidStateError(op, status string) *AppError {
	return NewWithStatus(ErrCodeInvalidState, fmt.Sprintf("%s not allowed while %s", op, status), http.StatusConflict)
}

func CallEndedError() *AppError {
	return NewWithStatus(ErrCodeCallEnded, "Call ended before the operation completed", http.StatusGone)
}

func BusyError(peerID string) *AppError {
	return NewWithStatus(ErrCodeBusy, fmt.Sprintf("Peer %s is busy", peerID), http.StatusConflict)
}

// Media and negotiation errors
func DeviceError(source string, err error) *AppError {
	return Wrap(ErrCodeDevice, fmt.Sprintf("Failed to capture %s", source), err)
}

func NegotiationError(peerID string, err error) *AppError {
	return Wrap(ErrCodeNegotiation, fmt.Sprintf("Negotiation with %s failed", peerID), err)
}

// Signaling errors
func TransportError(err error) *AppError {
	return WrapWithStatus(ErrCodeTransport, "Signal transport error", http.StatusBadGateway, err)
}

func NotSubscribedError() *AppError {
	return NewWithStatus(ErrCodeNotSubscribed, "Signal channel is not subscribed", http.StatusServiceUnavailable)
}

func BadSignalError(message string) *AppError {
	return NewWithStatus(ErrCodeBadSignal, message, http.StatusBadRequest)
}

// Capacity errors
func RateLimitExceededError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func StoreError(err error) *AppError {
	return WrapWithStatus(ErrCodeStore, "Store write failed", http.StatusInternalServerError, err)
}

func StorageError(err error) *AppError {
	return WrapWithStatus(ErrCodeStorage, "Storage error", http.StatusInternalServerError, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// HasCode reports whether err is, or wraps, an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
