package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/sink"
	"github.com/breez/data-mirror/source"
)

// withTimeout runs op under a per-call deadline. A deadline hit while the
// parent context is still live is a transient failure.
func withTimeout(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := op(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return retry.MarkTransient(err)
	}
	return err
}

type retryingSource struct {
	inner   source.Source
	policy  retry.Policy
	timeout time.Duration
}

func (s *retryingSource) Fetch(ctx context.Context, scope, cursor string) (*source.Batch, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (batch *source.Batch, err error) {
		err = withTimeout(ctx, s.timeout, func(ctx context.Context) error {
			batch, err = s.inner.Fetch(ctx, scope, cursor)
			return err
		})
		return batch, err
	})
}

func (s *retryingSource) FetchWindow(ctx context.Context, scope string, since time.Time) (*source.Batch, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (batch *source.Batch, err error) {
		err = withTimeout(ctx, s.timeout, func(ctx context.Context) error {
			batch, err = s.inner.FetchWindow(ctx, scope, since)
			return err
		})
		return batch, err
	})
}

type retryingSink struct {
	inner   sink.Sink
	policy  retry.Policy
	timeout time.Duration
}

func (s *retryingSink) FindByIdentifier(ctx context.Context, id string) (*sink.Match, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (match *sink.Match, err error) {
		err = withTimeout(ctx, s.timeout, func(ctx context.Context) error {
			match, err = s.inner.FindByIdentifier(ctx, id)
			return err
		})
		return match, err
	})
}

type created struct {
	locator, token string
}

func (s *retryingSink) Create(ctx context.Context, doc sink.Document) (string, string, error) {
	c, err := retry.Value(ctx, s.policy, func(ctx context.Context) (c created, err error) {
		err = withTimeout(ctx, s.timeout, func(ctx context.Context) error {
			c.locator, c.token, err = s.inner.Create(ctx, doc)
			return err
		})
		return c, err
	})
	return c.locator, c.token, err
}

func (s *retryingSink) Update(ctx context.Context, locator string, doc sink.Document, token string) (string, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (newToken string, err error) {
		err = withTimeout(ctx, s.timeout, func(ctx context.Context) error {
			newToken, err = s.inner.Update(ctx, locator, doc, token)
			return err
		})
		return newToken, err
	})
}

func (s *retryingSink) Delete(ctx context.Context, locator string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return withTimeout(ctx, s.timeout, func(ctx context.Context) error {
			return s.inner.Delete(ctx, locator)
		})
	})
}
