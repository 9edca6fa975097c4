package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrStorage    = errors.New("storage error")
	ErrPermission = errors.New("permission error")
	ErrNotFound   = errors.New("not found")
	ErrCancelled  = errors.New("cancelled")
	ErrValidation = errors.New("validation error")
)

type AppError struct {
	Err     error  // sentinel classifying the error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Storage wraps a database or I/O failure. The cause is kept in the message
// so callers can log it; errors.Is(err, ErrStorage) still matches.
func Storage(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrStorage,
		Message: fmt.Sprintf("storage: %s: %v", op, cause),
	}
}

// Permission wraps a notification-subsystem failure. A plain denial is NOT
// an error and never produces one of these.
func Permission(cause error) *AppError {
	return &AppError{
		Err:     ErrPermission,
		Message: fmt.Sprintf("notification permission: %v", cause),
	}
}

// NotFound reports an expected singleton that is absent. Operations treat
// this as a programmer error and fail hard.
func NotFound(resource string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// Cancelled reports that the caller abandoned an operation before its
// completion was signalled. The underlying work may still have run.
func Cancelled(op string) *AppError {
	return &AppError{
		Err:     ErrCancelled,
		Message: fmt.Sprintf("%s cancelled by caller", op),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}
