// Package apperr implements the error taxonomy from the error-handling
// design: configuration errors fail fast at startup, transient I/O errors
// are retried by the caller, data-corruption errors are fatal to the
// current cycle, contract-state violations are warnings that skip without
// advancing state, user-input errors map to 4xx, and lease-lost errors
// degrade the holder gracefully.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for both logging and HTTP-status mapping.
type Kind string

const (
	// Configuration errors are surfaced at startup; the process must not start.
	Configuration Kind = "configuration"
	// Transient covers I/O failures that a retry/backoff layer should absorb.
	Transient Kind = "transient"
	// DataCorruption covers IVC/Merkle-root mismatches: fatal to the cycle,
	// requires operator intervention.
	DataCorruption Kind = "data_corruption"
	// ContractViolation covers history-window-exhausted and reserved-index
	// mismatches: the cycle logs a warning and skips without advancing state.
	ContractViolation Kind = "contract_violation"
	// UserInput covers malformed HTTP/job requests; maps to 400.
	UserInput Kind = "user_input"
	// LeaseLost fires when a lease renewal fails mid-hold.
	LeaseLost Kind = "lease_lost"
	// Internal is the fallback for anything uncategorized.
	Internal Kind = "internal"
)

// AppError is a structured, taggable error carrying a Kind for routing.
type AppError struct {
	Kind    Kind
	Message string
	Code    string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: err}
}

func Wrapf(err error, kind Kind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// Domain-specific constructors used by the Merkle engine, the queue, and
// the root prover job.
var (
	ErrInvalidProofTargetZero = New(UserInput, "proof target index must be greater than zero").WithCode("invalid_proof_target_zero")
	ErrTreeEmpty              = New(UserInput, "merkle tree is empty").WithCode("tree_empty")
)

func NewRetentionWindowExceeded(target, latest, window uint64) *AppError {
	return Newf(ContractViolation, "target index %d exceeds retention window %d (latest %d)", target, latest, window).WithCode("retention_window_exceeded")
}

func NewLeafIndexOutOfBounds(leafIndex, targetIndex uint64) *AppError {
	return Newf(UserInput, "leaf index %d not present at target index %d", leafIndex, targetIndex).WithCode("leaf_index_out_of_bounds")
}

func NewTargetIndexTooHigh(target, latest uint64) *AppError {
	return Newf(UserInput, "target index %d exceeds latest index %d", target, latest).WithCode("target_index_too_high")
}

// Is reports whether err (or any error it wraps) is an *AppError of kind k.
func Is(err error, k Kind) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

// KindOf returns the Kind of err, or Internal if err is not an *AppError.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}
