package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for the orchestrator's retry decision.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindTimeout    ErrorKind = "timeout"
	KindSemantic   ErrorKind = "semantic"
	KindIntegrity  ErrorKind = "integrity"
	KindExternal   ErrorKind = "external"
	KindInternal   ErrorKind = "internal"
)

// AppError is the error type every service and stage surfaces. The Kind
// drives retry behaviour: transient and timeout errors are recoverable,
// everything else halts the run.
type AppError struct {
	Code     string
	Message  string
	Kind     ErrorKind
	Cause    error
	Metadata map[string]any
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) Recoverable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithMetadata(key string, value any) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

func newError(kind ErrorKind, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Kind: kind}
}

func NewValidationError(code, message string) *AppError {
	return newError(KindValidation, code, message)
}

func NewTransientError(code, message string) *AppError {
	return newError(KindTransient, code, message)
}

func NewTimeoutError(code, message string) *AppError {
	return newError(KindTimeout, code, message)
}

func NewSemanticError(code, message string) *AppError {
	return newError(KindSemantic, code, message)
}

func NewIntegrityError(code, message string) *AppError {
	return newError(KindIntegrity, code, message)
}

func NewExternalError(code, message string) *AppError {
	return newError(KindExternal, code, message)
}

func NewInternalError(code, message string) *AppError {
	return newError(KindInternal, code, message)
}

// WrapExternalError normalizes an arbitrary collaborator error into an
// AppError, preserving an existing AppError's classification.
func WrapExternalError(service string, err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewExternalError(service+"_FAILED", service+" call failed").WithCause(err)
}

var ErrAnalysisNotFound = NewValidationError("ANALYSIS_NOT_FOUND", "analysis not found")

// StageFailure wraps an error with the stage it escaped from. Recoverable
// failures are retried by the orchestrator within the attempt budget,
// unrecoverable ones halt the run.
type StageFailure struct {
	Stage       string
	Cause       error
	Recoverable bool
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %v", f.Stage, f.Cause)
}

func (f *StageFailure) Unwrap() error {
	return f.Cause
}

// NewStageFailure classifies the cause via its AppError kind when present;
// unknown error types are treated as unrecoverable.
func NewStageFailure(stage string, cause error) *StageFailure {
	recoverable := false
	var appErr *AppError
	if errors.As(cause, &appErr) {
		recoverable = appErr.Recoverable()
	}
	return &StageFailure{Stage: stage, Cause: cause, Recoverable: recoverable}
}
