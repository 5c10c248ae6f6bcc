/**
 * @description
 * This file defines the error taxonomy shared by every layer of the billing service.
 * Storage and provider failures are converted into one of these kinds at the
 * application boundary so that handlers never see raw driver or network errors.
 */
package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that must react differently to each case.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindProvider
	KindNotFound
	KindConflict
	KindQuotaExceeded
	KindInvalid
	KindTrialUsed
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindProvider:
		return "provider"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindInvalid:
		return "invalid"
	case KindTrialUsed:
		return "trial_used"
	default:
		return "internal"
	}
}

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conditional update lost")
	ErrQuotaExceeded    = errors.New("listing quota exceeded")
	ErrTrialAlreadyUsed = errors.New("trial already used")
	ErrInvalidPlan      = errors.New("unknown plan")
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err. Sentinels are recognised even when unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrTrialAlreadyUsed):
		return KindTrialUsed
	case errors.Is(err, ErrInvalidPlan):
		return KindInvalid
	}
	return KindInternal
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
