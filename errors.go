package loom

import (
	"errors"
	"fmt"
)

var (
	ErrEntityNotFound   = errors.New("entity not found")
	ErrInvalidRunStatus = errors.New("invalid run status")
	ErrStepNotSuspended = errors.New("step is not suspended")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrIntegrity        = errors.New("integrity violation")
)

// IntegrityError reports a scheduling or data bug: a duplicate active target,
// a restart of a suspended step, a stale target or a missing step config.
// It aborts the current mutation and is never retried.
type IntegrityError struct {
	RunID  string
	Target *Target
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Target != nil {
		return fmt.Sprintf("integrity violation in run %s at %s: %s", e.RunID, e.Target.Key(), e.Reason)
	}

	return fmt.Sprintf("integrity violation in run %s: %s", e.RunID, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

func integrityErr(runID string, target *Target, format string, args ...any) error {
	return &IntegrityError{RunID: runID, Target: target, Reason: fmt.Sprintf(format, args...)}
}

func statusErr(runID string, got, want RunStatus) error {
	return fmt.Errorf("%w: run %s is %s, expected %s", ErrInvalidRunStatus, runID, got, want)
}
