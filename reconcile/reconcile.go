// Package reconcile mirrors change feeds into a document sink.
//
// Each scope runs a small state machine. Without a stored cursor the scope
// is imported in full; with one it is fetched incrementally; when the source
// reports the cursor invalidated the scope falls back to a windowed resync
// over the configured lookback and stores the fresh cursor it returns.
//
// Every record is reconciled independently against the stored mapping and
// issues at most one write to the sink (plus the bounded lookups of the
// adoption and conflict paths). Mappings and cursors are written only after
// the sink confirmed the corresponding call, so a run can be interrupted at
// any point and resumed from the old cursor.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breez/data-mirror/mapper"
	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/sink"
	"github.com/breez/data-mirror/source"
	"github.com/breez/data-mirror/store"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLookback     = 730 * 24 * time.Hour
	DefaultCallTimeout  = 30 * time.Second
	DefaultFetchTimeout = 5 * time.Minute
)

// Scope binds one change stream to its mapper and sink.
type Scope struct {
	Name   string
	Source source.Source
	Mapper mapper.Mapper
	Sink   sink.Sink
}

// Observer receives run events, typically to export metrics.
type Observer interface {
	ScopeFinished(result *ScopeResult)
	CallRetried(scope, op string, err error)
}

type Options struct {
	// Lookback is the window refetched after a cursor invalidation.
	Lookback time.Duration
	// Concurrency bounds how many scopes run in parallel; 0 means all.
	Concurrency  int
	CallTimeout  time.Duration
	FetchTimeout time.Duration
	// DryRun computes the outcome without writing to the sink or state.
	DryRun bool
	// ResetCursor ignores stored cursors and imports every scope in full.
	ResetCursor bool
	Retry       retry.Policy
	Logger      *slog.Logger
	Observer    Observer
	Now         func() time.Time
}

type Reconciler struct {
	state store.StateStorage
	opts  Options
	log   *slog.Logger
}

func New(state store.StateStorage, opts Options) *Reconciler {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{state: state, opts: opts, log: logger}
}

// Run reconciles every scope. The summary is always returned; the error is
// non-nil only for fatal failures, which cancel the scopes still running.
func (r *Reconciler) Run(ctx context.Context, scopes []Scope) (*Summary, error) {
	summary := &Summary{Scopes: make([]*ScopeResult, len(scopes))}
	g, gctx := errgroup.WithContext(ctx)
	if r.opts.Concurrency > 0 {
		g.SetLimit(r.opts.Concurrency)
	}
	for i, sc := range scopes {
		i, sc := i, sc
		g.Go(func() error {
			result := r.reconcileScope(gctx, sc)
			summary.Scopes[i] = result
			if r.opts.Observer != nil {
				r.opts.Observer.ScopeFinished(result)
			}
			if result.Err != nil && retry.IsFatal(result.Err) {
				return fmt.Errorf("scope %v: %w", sc.Name, result.Err)
			}
			return nil
		})
	}
	err := g.Wait()
	return summary, err
}

type scopeRun struct {
	*Reconciler
	scope  Scope
	src    source.Source
	snk    sink.Sink
	result *ScopeResult
	log    *slog.Logger
}

func (r *Reconciler) reconcileScope(ctx context.Context, sc Scope) *ScopeResult {
	start := r.opts.Now()
	result := &ScopeResult{Scope: sc.Name}
	run := &scopeRun{
		Reconciler: r,
		scope:      sc,
		result:     result,
		log:        r.log.With("scope", sc.Name),
	}
	run.src = &retryingSource{inner: sc.Source, policy: r.policyFor(sc.Name, "fetch"), timeout: r.opts.FetchTimeout}
	run.snk = &retryingSink{inner: sc.Sink, policy: r.policyFor(sc.Name, "sink"), timeout: r.opts.CallTimeout}

	result.Err = run.execute(ctx)
	result.Duration = r.opts.Now().Sub(start)

	attrs := []any{
		"mode", result.Mode,
		"fetched", result.Fetched,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"skipped", result.Skipped,
		"failures", len(result.Failures),
		"cursor_advanced", result.CursorAdvanced,
		"duration", result.Duration,
	}
	switch {
	case result.Err != nil:
		run.log.Error("scope failed", append(attrs, "error", result.Err)...)
	case len(result.Failures) > 0:
		run.log.Warn("scope finished with failures", attrs...)
	default:
		run.log.Info("scope finished", attrs...)
	}
	return result
}

func (r *Reconciler) policyFor(scope, op string) retry.Policy {
	policy := r.opts.Retry
	notify := policy.Notify
	policy.Notify = func(err error, next time.Duration) {
		r.log.Warn("retrying call", "scope", scope, "op", op, "error", err, "backoff", next)
		if r.opts.Observer != nil {
			r.opts.Observer.CallRetried(scope, op, err)
		}
		if notify != nil {
			notify(err, next)
		}
	}
	return policy
}

func (run *scopeRun) execute(ctx context.Context) error {
	cursor := ""
	if !run.opts.ResetCursor {
		stored, err := run.state.GetCursor(ctx, run.scope.Name)
		if err != nil {
			return retry.MarkFatal(fmt.Errorf("failed to load cursor: %w", err))
		}
		if stored != nil {
			cursor = stored.Token
		}
	}
	run.result.Cursor = cursor

	batch, err := run.fetch(ctx, cursor)
	if err != nil {
		return err
	}
	if batch == nil {
		batch = &source.Batch{}
	}
	run.result.Fetched = len(batch.Records)

	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := run.reconcileRecord(ctx, rec); err != nil {
			return err
		}
	}

	if len(run.result.Failures) > 0 {
		run.log.Warn("cursor not advanced", "failures", len(run.result.Failures))
		return nil
	}
	if batch.NextCursor == "" || run.opts.DryRun {
		return nil
	}
	if err := run.state.PutCursor(ctx, run.scope.Name, batch.NextCursor); err != nil {
		return retry.MarkFatal(fmt.Errorf("failed to save cursor: %w", err))
	}
	run.result.Cursor = batch.NextCursor
	run.result.CursorAdvanced = true
	return nil
}

func (run *scopeRun) fetch(ctx context.Context, cursor string) (*source.Batch, error) {
	if cursor == "" {
		run.result.Mode = ModeFull
		run.log.Info("starting full import")
		batch, err := run.src.Fetch(ctx, run.scope.Name, "")
		if err != nil {
			return nil, fmt.Errorf("failed to fetch full import: %w", err)
		}
		return batch, nil
	}

	run.result.Mode = ModeIncremental
	batch, err := run.src.Fetch(ctx, run.scope.Name, cursor)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, source.ErrInvalidated) {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}

	run.result.Mode = ModeWindowed
	since := run.opts.Now().Add(-run.opts.Lookback)
	run.log.Warn("cursor invalidated, resyncing window", "since", since, "error", err)
	batch, err = run.src.FetchWindow(ctx, run.scope.Name, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch resync window: %w", err)
	}
	return batch, nil
}
