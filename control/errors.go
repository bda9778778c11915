package control

import (
	"errors"
	"fmt"
)

// Kind classifies a facade failure the way executors consume it.
type Kind int

const (
	// KindTransient - worth retrying within the stage budget.
	KindTransient Kind = iota
	// KindFatal - the attempt cannot proceed past this failure.
	KindFatal
	// KindExhausted - an external resource ran out (device pool, provider
	// balance). Surfaced without consuming a retry budget.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindExhausted:
		return "exhausted"
	default:
		return "transient"
	}
}

// ErrCodePending - the provider has not received the SMS yet.
var ErrCodePending = errors.New("verification code pending")

// ErrNumberExpired - the provider invalidated the reserved number.
var ErrNumberExpired = errors.New("reserved number expired")

// Error wraps an underlying service failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient ...
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Fatal ...
func Fatal(op string, err error) *Error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Exhausted ...
func Exhausted(op string, err error) *Error {
	return &Error{Kind: KindExhausted, Op: op, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors are treated
// as transient - an unknown transport hiccup must not kill an attempt.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsFatal ...
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// IsExhausted ...
func IsExhausted(err error) bool {
	return KindOf(err) == KindExhausted
}
