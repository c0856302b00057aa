package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/helmsman-ai/helmsman/core"
)

// ErrorKind categorizes a step failure for the failure controller.
// Kinds, not Go types: handlers and stores surface ordinary errors and
// the runner classifies them once at the failure boundary.
type ErrorKind string

const (
	// Transient kinds: retry-safe by default
	KindTimeout          ErrorKind = "timeout"
	KindRateLimit        ErrorKind = "rate_limit"
	KindTransientNetwork ErrorKind = "transient_network"

	// Recoverable via MODIFY
	KindContentFilter              ErrorKind = "content_filter"
	KindInputValidationRecoverable ErrorKind = "input_validation_recoverable"

	// Structural kinds: never retried
	KindCapabilityNotFound ErrorKind = "capability_not_found"
	KindInputInvalid       ErrorKind = "input_invalid"
	KindOutputInvalid      ErrorKind = "output_invalid"

	// Side-effect safety
	KindNonIdempotentSideEffectFailed ErrorKind = "non_idempotent_side_effect_failed"

	// Not an error: the failure controller is never invoked for these
	KindCancelled ErrorKind = "cancelled"

	// Liveness-deadline reclassification on restart
	KindExecutionLost ErrorKind = "execution_lost"

	// Unexpected defect; treated as structural
	KindInternal ErrorKind = "internal"
)

// IsTransient reports whether the kind is a retry candidate.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case KindTimeout, KindRateLimit, KindTransientNetwork:
		return true
	}
	return false
}

// IsModifyRecoverable reports whether the kind can be rescued by
// synthesizing new inputs.
func (k ErrorKind) IsModifyRecoverable() bool {
	return k == KindContentFilter || k == KindInputValidationRecoverable
}

// IsStructural reports whether the kind indicates a plan or binding
// defect that retrying the same step cannot fix.
func (k ErrorKind) IsStructural() bool {
	switch k {
	case KindCapabilityNotFound, KindInputInvalid, KindOutputInvalid, KindInternal:
		return true
	}
	return false
}

// StepError is the value a failed step run carries into the failure
// controller. Errors are values here, never control flow: the runner
// catches every handler failure and returns it as a *StepError.
type StepError struct {
	Kind    ErrorKind
	Message string
	Err     error // underlying cause, if any
}

func (e *StepError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a StepError with the given kind and message.
func NewStepError(kind ErrorKind, format string, args ...interface{}) *StepError {
	return &StepError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapStepError wraps an underlying error with a kind.
func WrapStepError(kind ErrorKind, err error) *StepError {
	if err == nil {
		return nil
	}
	return &StepError{Kind: kind, Err: err}
}

// ClassifyError maps an arbitrary error to a StepError. Handlers may
// return a *StepError directly to control their own classification;
// everything else is classified from sentinels and context state.
func ClassifyError(err error) *StepError {
	if err == nil {
		return nil
	}

	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrTimeout):
		return WrapStepError(KindTimeout, err)
	case errors.Is(err, context.Canceled), errors.Is(err, core.ErrCancelled):
		return WrapStepError(KindCancelled, err)
	case errors.Is(err, core.ErrCapabilityNotFound):
		return WrapStepError(KindCapabilityNotFound, err)
	case errors.Is(err, core.ErrInputInvalid):
		return WrapStepError(KindInputInvalid, err)
	case errors.Is(err, core.ErrOutputInvalid):
		return WrapStepError(KindOutputInvalid, err)
	case errors.Is(err, core.ErrExecutionLost):
		return WrapStepError(KindExecutionLost, err)
	default:
		return WrapStepError(KindInternal, err)
	}
}
