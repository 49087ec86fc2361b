package retry

import (
	"context"
	"errors"
	"net"
)

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// MarkTransient tags err as safe to retry.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: Transient, err: err}
}

// MarkFatal tags err as one that must abort the run.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: Fatal, err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked transient.
func IsTransient(err error) bool {
	return DefaultClassifier(err) == Transient
}

// IsFatal reports whether err, or anything it wraps, was marked fatal.
func IsFatal(err error) bool {
	return DefaultClassifier(err) == Fatal
}

// DefaultClassifier honours explicit marks, treats network timeouts as
// transient and everything else, including context cancellation, as permanent.
func DefaultClassifier(err error) Class {
	if err == nil {
		return Permanent
	}
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	return Permanent
}
