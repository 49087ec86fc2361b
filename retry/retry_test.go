package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	p := DefaultPolicy()
	p.MaxAttempts = attempts
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return p
}

func TestRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return MarkTransient(errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls++
		return MarkTransient(fmt.Errorf("attempt %d", calls))
	})
	require.Error(t, err)
	require.Equal(t, 4, calls)
	require.Contains(t, err.Error(), "attempt 4")
	require.True(t, IsTransient(err))
}

func TestPermanentAndFatalAreNotRetried(t *testing.T) {
	for name, mark := range map[string]func(error) error{
		"permanent": func(err error) error { return err },
		"fatal":     MarkFatal,
	} {
		mark := mark
		t.Run(name, func(t *testing.T) {
			calls := 0
			sentinel := errors.New("boom")
			err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
				calls++
				return mark(sentinel)
			})
			require.ErrorIs(t, err, sentinel)
			require.Equal(t, 1, calls)
		})
	}
}

func TestFatalMarkSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("failed to list connections: %w", MarkFatal(errors.New("401")))
	require.True(t, IsFatal(err))
	require.False(t, IsTransient(err))
	require.Equal(t, Fatal, DefaultClassifier(err))
}

func TestSingleAttemptPolicy(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(0), func(ctx context.Context) error {
		calls++
		return MarkTransient(errors.New("429"))
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastPolicy(10), func(ctx context.Context) error {
		calls++
		cancel()
		return MarkTransient(errors.New("timeout"))
	})
	require.Error(t, err)
	require.LessOrEqual(t, calls, 2)
}

func TestValueReturnsResult(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", MarkTransient(errors.New("reset"))
		}
		return "loc-1", nil
	})
	require.NoError(t, err)
	require.Equal(t, "loc-1", v)
}

func TestCustomClassifier(t *testing.T) {
	p := fastPolicy(3)
	p.Classifier = func(error) Class { return Transient }
	calls := 0
	_ = Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errors.New("plain")
	})
	require.Equal(t, 3, calls)
}
