package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("version conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
	ErrIncompleteHistory = errors.New("order history incomplete")
	ErrUnknownVenue      = errors.New("unknown venue")
)

// RejectionError is a validation failure surfaced to the caller. Nothing is
// persisted when an operation is rejected.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "rejected: " + e.Reason
}

// Reject builds a RejectionError.
func Reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a validation rejection.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// ProtectionError reports protective-order steps that failed while the
// position state change itself was persisted. The position may be
// under-protected until the poller repairs it.
type ProtectionError struct {
	Instrument string
	Steps      []StepError
}

// StepError is one failed gateway step.
type StepError struct {
	Step string
	Err  error
}

func (e *ProtectionError) Error() string {
	parts := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		parts = append(parts, s.Step+": "+s.Err.Error())
	}
	return fmt.Sprintf("protection incomplete for %s: %s", e.Instrument, strings.Join(parts, "; "))
}

func (e *ProtectionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Steps))
	for _, s := range e.Steps {
		errs = append(errs, s.Err)
	}
	return errs
}

// Add records a failed step; nil errors are ignored.
func (e *ProtectionError) Add(step string, err error) {
	if err != nil {
		e.Steps = append(e.Steps, StepError{Step: step, Err: err})
	}
}

// OrNil returns e when any step failed, nil otherwise.
func (e *ProtectionError) OrNil() error {
	if e == nil || len(e.Steps) == 0 {
		return nil
	}
	return e
}
