package models

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
)

// ErrorKind is the closed classification taxonomy for runtime failures.
type ErrorKind string

// const ...
const (
	ErrorKindValidation         ErrorKind = "validation_error"
	ErrorKindResource           ErrorKind = "resource_error"
	ErrorKindExecution          ErrorKind = "execution_error"
	ErrorKindShutdownInProgress ErrorKind = "shutdown_in_progress"
	ErrorKindShutdownTimeout    ErrorKind = "shutdown_timeout"
	ErrorKindTimerNotFound      ErrorKind = "timer_not_found"
	ErrorKindHandler            ErrorKind = "handler_error"
	ErrorKindUnknown            ErrorKind = "unknown"
)

// RecoveryAction is the decision taken for a handled failure.
type RecoveryAction string

// const ...
const (
	RecoveryNone      RecoveryAction = "none"
	RecoveryRetried   RecoveryAction = "retried"
	RecoverySkipped   RecoveryAction = "skipped"
	RecoveryEscalated RecoveryAction = "escalated"
)

// AppError carries a failure with its declared kind and contextual data.
// It is the only error type the runtime dispatches on.
type AppError struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError ...
func NewAppError(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// WithContext attaches a contextual key/value pair and returns the error.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Classify maps an error to its kind. A declared AppError kind wins;
// otherwise a default classification is derived from the error type.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorKindResource
	}

	return ErrorKindUnknown
}

// ErrorRecord is the immutable diagnostic record created for every
// classified failure. Records are retained in a bounded ring buffer.
type ErrorRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      ErrorKind      `json:"kind"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Action    RecoveryAction `json:"action"`
	TaskID    uuid.UUID      `json:"task_id,omitempty"`
}
