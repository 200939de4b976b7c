package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation was rejected
type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindInsufficientFunds    Kind = "insufficient_funds"
	KindInsufficientHoldings Kind = "insufficient_holdings"
	KindConflict             Kind = "conflict"
	KindStorage              Kind = "storage"
)

// Error carries a user-facing reason and the kind of failure.
// Storage errors wrap the underlying driver error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Kind == e.Kind
}

var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInsufficientFunds    = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientHoldings = &Error{Kind: KindInsufficientHoldings}
	ErrConflict             = &Error{Kind: KindConflict}
	ErrStorage              = &Error{Kind: KindStorage}
)

func validationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing record
func NotFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a concurrent or out-of-state mutation
func ConflictError(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...), Err: err}
}

// StorageError wraps a persistence failure not attributable to business rules
func StorageError(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err. Errors that did not come from this
// package are treated as storage failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// IsRejection reports whether err is a business-rule or input rejection,
// as opposed to a storage failure the caller may retry.
func IsRejection(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindInsufficientFunds, KindInsufficientHoldings:
		return true
	}
	return false
}

// asStorage leaves *Error values untouched and wraps everything else
func asStorage(err error, msg string) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return StorageError(err, "%s", msg)
}
