package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breez/data-mirror/reconcile"
	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/sink"
	"github.com/breez/data-mirror/source"
	"github.com/stretchr/testify/require"
)

func TestRecordLifecycle(t *testing.T) {
	h := newHarness(t)

	// first run: unknown record is looked up, then created
	res := h.run(t, feed("c1", rec("A1", "P1")))
	require.Equal(t, reconcile.ModeFull, res.Mode)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, h.sink.count("find"))
	require.Equal(t, 1, h.sink.count("create"))
	first := h.mapping(t, "A1")
	require.NotNil(t, first)
	require.Equal(t, "c1", h.cursor(t))

	// second run: same content, no sink calls at all
	h.sink.reset()
	res = h.run(t, feed("c2", rec("A1", "P1")))
	require.Equal(t, reconcile.ModeIncremental, res.Mode)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 0, h.sink.writes())
	require.Equal(t, 0, h.sink.count("find"))

	// third run: changed content, exactly one update
	h.sink.reset()
	res = h.run(t, feed("c3", rec("A1", "P1'")))
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, h.sink.count("update"))
	require.Equal(t, 1, h.sink.writes())
	second := h.mapping(t, "A1")
	require.NotEqual(t, first.ContentHash, second.ContentHash)
	require.Equal(t, first.Locator, second.Locator)

	// fourth run: deletion propagates once and drops the mapping
	h.sink.reset()
	res = h.run(t, feed("c4", deleted("A1")))
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, 1, h.sink.count("delete"))
	require.Nil(t, h.mapping(t, "A1"))
	require.Empty(t, h.liveDocuments(t))

	// fifth run: record absent from the feed, nothing happens
	h.sink.reset()
	res = h.run(t, feed("c5"))
	require.Equal(t, 0, res.Fetched)
	require.Equal(t, 0, h.sink.writes())
	require.Equal(t, 0, h.sink.count("find"))
	require.Equal(t, "c5", h.cursor(t))
}

func TestIdempotentRerun(t *testing.T) {
	h := newHarness(t)
	records := []source.Record{rec("a", "1"), rec("b", "2"), rec("c", "3")}

	res := h.run(t, feed("c1", records...))
	require.Equal(t, 3, res.Created)

	h.sink.reset()
	res = h.run(t, feed("c1", records...))
	require.Equal(t, 3, res.Skipped)
	require.Equal(t, 0, h.sink.writes())
	require.Len(t, h.liveDocuments(t), 3)
}

func TestDeletedWithoutMappingIsNoop(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, feed("c1", deleted("ghost"), deleted("phantom")))
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, 0, h.sink.count("delete"))
	require.Equal(t, "c1", h.cursor(t))
}

func TestDeleteOfVanishedDocumentDropsMapping(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("c1", rec("a", "1")))
	m := h.mapping(t, "a")
	_, err := h.documents.Delete(context.Background(), h.collection, m.Locator)
	require.NoError(t, err)

	res := h.run(t, feed("c2", deleted("a")))
	require.Equal(t, 1, res.Deleted)
	require.Empty(t, res.Failures)
	require.Nil(t, h.mapping(t, "a"))
}

func TestInvalidationRecovery(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("old", rec("a", "1")))

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		fetch: func(cursor string) (*source.Batch, error) {
			return nil, fmt.Errorf("sync token expired: %w", source.ErrInvalidated)
		},
		window: func(since time.Time) (*source.Batch, error) {
			return &source.Batch{Records: []source.Record{rec("a", "1"), rec("b", "2")}, NextCursor: "fresh"}, nil
		},
	}
	r := h.reconciler(reconcile.Options{Lookback: 30 * 24 * time.Hour, Now: func() time.Time { return now }})
	summary, err := r.Run(context.Background(), []reconcile.Scope{h.scope("contacts", src)})
	require.NoError(t, err)

	res := summary.Scopes[0]
	require.Equal(t, reconcile.ModeWindowed, res.Mode)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Skipped)
	require.True(t, res.CursorAdvanced)
	require.Equal(t, "fresh", h.cursor(t))

	require.Len(t, src.calls, 2)
	require.Equal(t, "old", src.calls[0].cursor)
	require.True(t, src.calls[1].window)
	require.Equal(t, now.Add(-30*24*time.Hour), src.calls[1].since)
	require.Equal(t, reconcile.StatusOK, summary.Status())
}

func TestInvalidatedWindowFailureKeepsCursor(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("old", rec("a", "1")))

	src := &fakeSource{
		fetch: func(string) (*source.Batch, error) { return nil, source.ErrInvalidated },
		window: func(time.Time) (*source.Batch, error) {
			return nil, errors.New("window rejected")
		},
	}
	res := h.run(t, src)
	require.Error(t, res.Err)
	require.Equal(t, "old", h.cursor(t))
}

func TestCrashAfterSinkWriteResumesWithoutDuplicates(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyState{StateStorage: h.state}
	records := []source.Record{rec("a", "1"), rec("b", "2"), rec("c", "3")}

	// the first mapping write fails after the sink confirmed the create
	flaky.failNextPut = true
	r := reconcile.New(flaky, reconcile.Options{Retry: testPolicy()})
	summary, err := r.Run(context.Background(), []reconcile.Scope{h.scope("contacts", feed("c1", records...))})
	require.Error(t, err)
	require.Equal(t, reconcile.StatusFatal, summary.Status())
	require.Empty(t, h.cursor(t))
	require.Len(t, h.liveDocuments(t), 1)

	// rerun from the old cursor adopts the orphan instead of creating it again
	h.sink.reset()
	res := h.run(t, feed("c1", records...))
	require.Empty(t, res.Failures)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 2, res.Created)
	require.Equal(t, 2, h.sink.count("create"))
	require.Len(t, h.liveDocuments(t), 3)
	require.Equal(t, "c1", h.cursor(t))

	h.sink.reset()
	res = h.run(t, feed("c2", records...))
	require.Equal(t, 3, res.Skipped)
	require.Equal(t, 0, h.sink.writes())
}

func TestInterruptedBatchReplaysIdempotently(t *testing.T) {
	h := newHarness(t)
	records := []source.Record{rec("a", "1"), rec("b", "2"), rec("c", "3")}

	ctx, cancel := context.WithCancel(context.Background())
	h.sink.setHook(func(op, id string) error {
		if op == "create" && id == "b" {
			cancel()
			return context.Canceled
		}
		return nil
	})
	summary, _ := h.reconciler(reconcile.Options{}).Run(ctx, []reconcile.Scope{h.scope("contacts", feed("c1", records...))})
	require.Error(t, summary.Scopes[0].Err)
	require.Empty(t, h.cursor(t))

	h.sink.reset()
	res := h.run(t, feed("c1", records...))
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 2, res.Created)
	require.Len(t, h.liveDocuments(t), 3)
}

func TestPerItemFailureBlocksCursor(t *testing.T) {
	h := newHarness(t)
	h.sink.setHook(func(op, id string) error {
		if op == "create" && id == "b" {
			return errors.New("rejected document")
		}
		return nil
	})

	summary, err := h.reconciler(reconcile.Options{}).Run(context.Background(),
		[]reconcile.Scope{h.scope("contacts", feed("c1", rec("a", "1"), rec("b", "2"), rec("c", "3")))})
	require.NoError(t, err)
	res := summary.Scopes[0]
	require.Equal(t, 2, res.Created)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "b", res.Failures[0].ID)
	require.Equal(t, "create", res.Failures[0].Op)
	require.False(t, res.CursorAdvanced)
	require.Empty(t, h.cursor(t))
	require.Equal(t, reconcile.StatusPartial, summary.Status())

	h.sink.reset()
	res = h.run(t, feed("c1", rec("a", "1"), rec("b", "2"), rec("c", "3")))
	require.Empty(t, res.Failures)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, "c1", h.cursor(t))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	h.sink.setHook(func(op, id string) error {
		if op == "create" && attempts.Add(1) < 3 {
			return retry.MarkTransient(errors.New("503"))
		}
		return nil
	})
	res := h.run(t, feed("c1", rec("a", "1")))
	require.Equal(t, 1, res.Created)
	require.Empty(t, res.Failures)
	require.Equal(t, 3, h.sink.count("create"))
}

func TestTransientExhaustionIsItemFailure(t *testing.T) {
	h := newHarness(t)
	h.sink.setHook(func(op, id string) error {
		if op == "create" {
			return retry.MarkTransient(errors.New("503"))
		}
		return nil
	})
	res := h.run(t, feed("c1", rec("a", "1")))
	require.Len(t, res.Failures, 1)
	require.Equal(t, 3, h.sink.count("create"))
	require.Empty(t, h.cursor(t))
}

func TestConflictIsRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("c1", rec("a", "1")))
	m := h.mapping(t, "a")

	// another writer bumps the document's revision behind our back
	_, err := h.sink.inner.Update(context.Background(), m.Locator, sink.Document{ID: "a", Kind: "test", Hash: "x"}, "")
	require.NoError(t, err)

	h.sink.reset()
	res := h.run(t, feed("c2", rec("a", "2")))
	require.Empty(t, res.Failures)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 2, h.sink.count("update"))
	require.Equal(t, 1, h.sink.count("find"))

	updated := h.mapping(t, "a")
	require.NotEqual(t, m.Token, updated.Token)
}

func TestSecondConflictIsItemFailure(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("c1", rec("a", "1")))

	h.sink.reset()
	h.sink.setHook(func(op, id string) error {
		if op == "update" {
			return sink.ErrConflict
		}
		return nil
	})
	res := h.run(t, feed("c2", rec("a", "2")))
	require.Len(t, res.Failures, 1)
	require.ErrorIs(t, res.Failures[0].Err, sink.ErrConflict)
	require.Equal(t, 2, h.sink.count("update"))
	require.Equal(t, "c1", h.cursor(t))
}

func TestConflictOnVanishedDocumentRecreates(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("c1", rec("a", "1")))
	m := h.mapping(t, "a")
	_, err := h.documents.Delete(context.Background(), h.collection, m.Locator)
	require.NoError(t, err)

	h.sink.reset()
	res := h.run(t, feed("c2", rec("a", "2")))
	require.Empty(t, res.Failures)
	require.Equal(t, 1, res.Created)
	require.NotEqual(t, m.Locator, h.mapping(t, "a").Locator)
	require.Len(t, h.liveDocuments(t), 1)
}

func TestStoredMappingWinsOverLookup(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("c1", rec("a", "1")))

	h.sink.reset()
	res := h.run(t, feed("c2", rec("a", "2")))
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 0, h.sink.count("find"))
}

func TestFatalErrorAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.sink.setHook(func(op, id string) error {
		if op == "create" {
			return retry.MarkFatal(errors.New("unauthenticated"))
		}
		return nil
	})

	summary, err := h.reconciler(reconcile.Options{Concurrency: 1}).Run(context.Background(), []reconcile.Scope{
		h.scope("contacts", feed("c1", rec("a", "1"), rec("b", "2"))),
		h.scope("calendar:work", feed("w1", rec("e", "1"))),
	})
	require.Error(t, err)
	require.True(t, retry.IsFatal(err))
	require.Equal(t, reconcile.StatusFatal, summary.Status())
	require.Equal(t, 1, h.sink.count("create"))
	require.Empty(t, h.cursor(t))

	other, getErr := h.state.GetCursor(context.Background(), "calendar:work")
	require.NoError(t, getErr)
	require.Nil(t, other)
}

func TestSourceFailureIsPartial(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{fetch: func(string) (*source.Batch, error) {
		return nil, retry.MarkTransient(errors.New("502"))
	}}
	summary, err := h.reconciler(reconcile.Options{}).Run(context.Background(), []reconcile.Scope{h.scope("contacts", src)})
	require.NoError(t, err)
	require.Error(t, summary.Scopes[0].Err)
	require.Len(t, src.calls, 3)
	require.Equal(t, reconcile.StatusPartial, summary.Status())
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("c1", rec("a", "1"), rec("b", "2")))

	h.sink.reset()
	summary, err := h.reconciler(reconcile.Options{DryRun: true}).Run(context.Background(), []reconcile.Scope{
		h.scope("contacts", feed("c2", rec("a", "1"), rec("b", "changed"), rec("c", "3"), deleted("a"))),
	})
	require.NoError(t, err)
	res := summary.Scopes[0]
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, 0, h.sink.writes())
	require.Equal(t, "c1", h.cursor(t))
	require.NotNil(t, h.mapping(t, "a"))
}

func TestResetCursorForcesFullImport(t *testing.T) {
	h := newHarness(t)
	h.run(t, feed("c1", rec("a", "1")))

	src := feed("c9", rec("a", "1"))
	summary, err := h.reconciler(reconcile.Options{ResetCursor: true}).Run(context.Background(), []reconcile.Scope{h.scope("contacts", src)})
	require.NoError(t, err)
	require.Equal(t, reconcile.ModeFull, summary.Scopes[0].Mode)
	require.Equal(t, "", src.calls[0].cursor)
	require.Equal(t, "c9", h.cursor(t))
}

func TestMapperFailures(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, feed("c1", source.Record{ID: "bad", Payload: 42}, rec("ok", "1")))
	require.Len(t, res.Failures, 1)
	require.Equal(t, "map", res.Failures[0].Op)
	require.Equal(t, 1, res.Created)
	require.False(t, res.CursorAdvanced)
}

func TestScopesRunIndependently(t *testing.T) {
	h := newHarness(t)
	scopes := make([]reconcile.Scope, 0, 4)
	for i := 0; i < 4; i++ {
		scopes = append(scopes, h.scope(fmt.Sprintf("scope-%d", i), feed(fmt.Sprintf("cur-%d", i), rec(fmt.Sprintf("id-%d", i), "v"))))
	}
	summary, err := h.reconciler(reconcile.Options{Concurrency: 2}).Run(context.Background(), scopes)
	require.NoError(t, err)
	require.Len(t, summary.Scopes, 4)
	for i, res := range summary.Scopes {
		require.Equal(t, fmt.Sprintf("scope-%d", i), res.Scope)
		require.Equal(t, fmt.Sprintf("cur-%d", i), res.Cursor)
	}
	totals := summary.Totals()
	require.Equal(t, 4, totals.Created)
	require.Equal(t, 4, totals.Fetched)
	require.Equal(t, reconcile.StatusOK, summary.Status())
}

type recordingObserver struct {
	finished atomic.Int32
	retried  atomic.Int32
}

func (o *recordingObserver) ScopeFinished(*reconcile.ScopeResult) { o.finished.Add(1) }
func (o *recordingObserver) CallRetried(string, string, error)    { o.retried.Add(1) }

func TestObserverSeesRetries(t *testing.T) {
	h := newHarness(t)
	var failed atomic.Bool
	h.sink.setHook(func(op, id string) error {
		if op == "find" && failed.CompareAndSwap(false, true) {
			return retry.MarkTransient(errors.New("timeout"))
		}
		return nil
	})
	observer := &recordingObserver{}
	_, err := h.reconciler(reconcile.Options{Observer: observer}).Run(context.Background(),
		[]reconcile.Scope{h.scope("contacts", feed("c1", rec("a", "1")))})
	require.NoError(t, err)
	require.Equal(t, int32(1), observer.finished.Load())
	require.Equal(t, int32(1), observer.retried.Load())
}

func TestCallTimeoutIsTransient(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	src := &fakeSource{}
	src.fetch = func(string) (*source.Batch, error) {
		if calls.Add(1) == 1 {
			time.Sleep(50 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		return &source.Batch{NextCursor: "c1"}, nil
	}
	summary, err := h.reconciler(reconcile.Options{FetchTimeout: 10 * time.Millisecond}).Run(context.Background(),
		[]reconcile.Scope{h.scope("contacts", src)})
	require.NoError(t, err)
	require.NoError(t, summary.Scopes[0].Err)
	require.Equal(t, int32(2), calls.Load())
}
