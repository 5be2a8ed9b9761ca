package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation errors are rejected before any unit runs
// and never reach persistence. Unit failures are isolated per unit.
// Only a state-store failure on the final commit is fatal to a turn.

// ErrIndexExhausted is returned by the curator when no question
// satisfies tier, topic and non-repeat constraints even after the
// relaxed-window fallback. It is a learner-facing condition ("topic
// mastered, try another"), not a system fault.
var ErrIndexExhausted = errors.New("question index exhausted for tier and topic")

// ErrReasonerTimeout marks a reasoner call that exceeded its deadline.
// It is retryable and degrades to a UnitFailure after bounded attempts.
var ErrReasonerTimeout = errors.New("reasoner call timed out")

// ValidationError rejects a malformed turn or identifier before any
// unit is invoked.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a named input field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UnitFailure wraps a specialized unit's inability to produce a usable
// result. The coordinator logs it, degrades the response, and discards
// the unit's partial state.
type UnitFailure struct {
	Unit string
	Err  error
}

func (e *UnitFailure) Error() string {
	return fmt.Sprintf("unit %s failed: %v", e.Unit, e.Err)
}

func (e *UnitFailure) Unwrap() error { return e.Err }

// NewUnitFailure wraps err as a failure of the named unit.
func NewUnitFailure(unit string, err error) *UnitFailure {
	return &UnitFailure{Unit: unit, Err: err}
}

// StoreWriteConflict marks a concurrent-update conflict detected by the
// state store. The store retries with a re-read a bounded number of
// times before surfacing it.
type StoreWriteConflict struct {
	Op  string
	Err error
}

func (e *StoreWriteConflict) Error() string {
	return fmt.Sprintf("store write conflict in %s: %v", e.Op, e.Err)
}

func (e *StoreWriteConflict) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another attempt: reasoner
// timeouts, malformed structured output and store write conflicts all
// qualify.
func Retryable(err error) bool {
	if errors.Is(err, ErrReasonerTimeout) {
		return true
	}
	var swc *StoreWriteConflict
	return errors.As(err, &swc)
}
