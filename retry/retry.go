// Package retry runs remote calls under a bounded exponential backoff policy.
//
// Errors are sorted into three classes by a Classifier: transient errors are
// retried, permanent errors are returned immediately, and fatal errors are
// returned immediately and signal the caller to abort the whole run.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class is the retry disposition of an error.
type Class int

const (
	Permanent Class = iota
	Transient
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "permanent"
	}
}

// Classifier decides the Class of an error returned by a remote call.
type Classifier func(error) Class

// Policy bounds how a remote call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to every delay (0.2 means +/-20%).
	Jitter     float64
	Classifier Classifier
	// Notify, when set, is called before each retry sleep.
	Notify func(err error, next time.Duration)
}

// DefaultPolicy mirrors the sync defaults: five attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
		Classifier:  DefaultClassifier,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	// attempts bound the loop, not elapsed time
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a non-transient error, the attempts are
// exhausted or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	classify := p.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if classify(err) != Transient {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if p.Notify != nil {
		notify = p.Notify
	}
	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
