package types

import (
	"errors"
	"fmt"
)

// ErrorKind partitions run failures per the error handling design.
type ErrorKind string

const (
	ErrInput    ErrorKind = "input"
	ErrSpec     ErrorKind = "spec"
	ErrAnalysis ErrorKind = "analysis"
	ErrExternal ErrorKind = "external"
)

// PipelineError carries the error kind alongside the wrapped cause; KindOf
// recovers it. The controller does not branch on the kind: every error it
// receives from a stage ends the run as Unrepairable.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewInputError wraps a malformed-specification failure.
func NewInputError(format string, args ...any) error {
	return &PipelineError{Kind: ErrInput, Err: fmt.Errorf(format, args...)}
}

// NewSpecError wraps an invalid-constraint failure.
func NewSpecError(format string, args ...any) error {
	return &PipelineError{Kind: ErrSpec, Err: fmt.Errorf(format, args...)}
}

// NewExternalError wraps a verifier failure (not found, crash, timeout,
// unparseable output).
func NewExternalError(err error) error {
	return &PipelineError{Kind: ErrExternal, Err: err}
}

// KindOf extracts the error kind, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
