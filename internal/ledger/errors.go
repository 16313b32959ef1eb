package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for ledger failures. Match them with errors.Is.
var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrNoAccount         = errors.New("ledger: user has no credit record")
	ErrInsufficientFunds = errors.New("ledger: insufficient credits")
	ErrInvalidState      = errors.New("ledger: invalid transaction state")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrPersistence       = errors.New("ledger: persistence failure")
)

// Error is returned by every Store operation. Kind is one of the sentinels above,
// Err is the underlying cause when there is one.
type Error struct {
	Op   string
	Kind error
	Err  error

	// Set for ErrInsufficientFunds.
	Required  int64
	Available int64
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if errors.Is(e.Kind, ErrInsufficientFunds) {
		msg = fmt.Sprintf("%s (required %d, available %d)", msg, e.Required, e.Available)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

func persistenceError(op string, cause error) *Error {
	return newError(op, ErrPersistence, cause)
}

func insufficientFunds(op string, required, available int64) *Error {
	return &Error{Op: op, Kind: ErrInsufficientFunds, Required: required, Available: available}
}

// RequiredCredits extracts the shortfall details from an ErrInsufficientFunds error.
func RequiredCredits(err error) (required, available int64, ok bool) {
	var le *Error
	if errors.As(err, &le) && errors.Is(le.Kind, ErrInsufficientFunds) {
		return le.Required, le.Available, true
	}
	return 0, 0, false
}
