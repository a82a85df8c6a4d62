package schema

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeHost              = "HOST_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
)

// Error kinds, the names reported in error logs and statistics.
const (
	KindTimeout           = "TimeoutError"
	KindValidation        = "ValidationError"
	KindInvalidTransition = "InvalidTransitionError"
	KindHost              = "HostError"
	KindExpression        = "ExpressionError"
	KindNotFound          = "NotFoundError"
	KindCancelled         = "CancelledError"
	KindGeneric           = "Error"
)

var codeKinds = map[string]string{
	ErrCodeTimeout:           KindTimeout,
	ErrCodeValidation:        KindValidation,
	ErrCodeInvalidTransition: KindInvalidTransition,
	ErrCodeHost:              KindHost,
	ErrCodeExpression:        KindExpression,
	ErrCodeNotFound:          KindNotFound,
	ErrCodeCancelled:         KindCancelled,
}

// Error is the structured error type used across houndflow.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the taxonomy name for the error's code.
func (e *Error) Kind() string {
	if k, ok := codeKinds[e.Code]; ok {
		return k
	}
	return KindGeneric
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsError returns err as an *Error. Context errors map onto TIMEOUT_ERROR and
// CANCELLED; anything else becomes EXECUTION_ERROR wrapping the original.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrCodeTimeout, err.Error()).WithCause(err)
	case errors.Is(err, context.Canceled):
		return NewError(ErrCodeCancelled, err.Error()).WithCause(err)
	}
	return NewError(ErrCodeExecution, err.Error()).WithCause(err)
}

// KindOf classifies any error into the taxonomy. Plain errors are KindGeneric.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindGeneric
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	var he *Error
	if !errors.As(err, &he) {
		return false
	}
	for he != nil {
		if he.Code == code {
			return true
		}
		if !errors.As(he.Cause, &he) {
			return false
		}
	}
	return false
}
