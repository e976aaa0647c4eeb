// Package poolerr defines the error taxonomy shared by the reward pool
// components. Every sentinel carries a stable code used as a metrics and
// audit label, and a retryable flag consulted by the retry helper.
package poolerr

import (
	"context"
	"errors"
	"fmt"
)

// Error is a sentinel error with a stable code.
type Error struct {
	code      string
	msg       string
	retryable bool
}

func newError(code, msg string, retryable bool) *Error {
	return &Error{code: code, msg: msg, retryable: retryable}
}

func (e *Error) Error() string { return e.msg }

// Code returns the stable identifier of the error.
func (e *Error) Code() string { return e.code }

// Temporary reports whether retrying the failed call may succeed.
func (e *Error) Temporary() bool { return e.retryable }

var (
	ErrUnauthorized              = newError("unauthorized", "unauthorized access", false)
	ErrAlreadyInitialized        = newError("already_initialized", "pool already initialized", false)
	ErrNotInitialized            = newError("not_initialized", "pool not initialized", false)
	ErrHolderListTooLarge        = newError("holder_list_too_large", "too many holders provided", false)
	ErrDuplicateHolder           = newError("duplicate_holder", "duplicate holder address", false)
	ErrEmptyHolderSet            = newError("empty_holder_set", "no holders registered", false)
	ErrEmptyCandidateSet         = newError("empty_candidate_set", "no eligible holder candidates", false)
	ErrZeroWeightSum             = newError("zero_weight_sum", "holder balances sum to zero", false)
	ErrArithmeticOverflow        = newError("arithmetic_overflow", "math operation overflow", false)
	ErrInsufficientFunds         = newError("insufficient_funds", "insufficient funds", false)
	ErrRecipientValidationFailed = newError("recipient_validation_failed", "invalid recipient account", false)
	ErrInvalidAmount             = newError("invalid_amount", "invalid amount", false)
	ErrUnknownMode               = newError("unknown_mode", "unknown distribution mode", false)

	ErrUpstreamClaimFailed      = newError("upstream_claim_failed", "upstream fee claim failed", true)
	ErrBalanceSourceUnavailable = newError("balance_source_unavailable", "holder balance source unavailable", true)
	ErrLedgerUnavailable        = newError("ledger_unavailable", "ledger substrate unavailable", true)

	// ErrThresholdNotMet ends a cycle early. It is not a failure.
	ErrThresholdNotMet = newError("threshold_not_met", "pending rewards below threshold", false)
	ErrCycleInProgress = newError("cycle_in_progress", "another distribution cycle is in progress", false)
)

// Wrap attaches cause to sentinel so that errors.Is matches both.
func Wrap(sentinel *Error, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// Code maps err to its stable label. Unknown errors map to "internal".
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline_exceeded"
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.code
	}
	return "internal"
}

// IsRetryable reports whether err is one of the transient sentinels.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.retryable
	}
	return false
}

// StepError records which orchestration step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Step returns the failing step name of err, or "" if none is recorded.
func Step(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}
