package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breez/data-mirror/lock"
	"github.com/breez/data-mirror/metrics"
	"github.com/breez/data-mirror/reconcile"
	"github.com/breez/data-mirror/secrets"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type runOptions struct {
	*rootOptions
	scopes       []string
	dryRun       bool
	resetCursor  bool
	lookbackDays int
	concurrency  int
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile every configured scope once",
		Long: `Reconcile every configured scope once and exit.

Exit codes: 0 when every scope succeeded, 2 when some records or scopes
failed and will be retried by the next run, 3 when the run was aborted by a
fatal error, 1 for usage and configuration errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", nil, "reconcile only these scopes")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "compute changes without writing to the sink or state")
	cmd.Flags().BoolVar(&opts.resetCursor, "reset-cursor", false, "ignore stored cursors and import in full")
	cmd.Flags().IntVar(&opts.lookbackDays, "lookback-days", 0, "resync window after a cursor invalidation")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "scopes reconciled in parallel (0 means all)")
	return cmd
}

func runSync(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		cfg.Sync.DryRun = opts.dryRun
	}
	if flags.Changed("lookback-days") {
		cfg.Sync.LookbackDays = opts.lookbackDays
	}
	if flags.Changed("concurrency") {
		cfg.Sync.Concurrency = opts.concurrency
	}
	if err := cfg.ValidateRun(); err != nil {
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}
	selected, err := selectScopes(cfg.Scopes, opts.scopes)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid scope selection", err)
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := lock.Acquire(cfg.Runtime.LockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return WrapExitError(ExitFailure, "another run is in progress", err)
		}
		return WrapExitError(ExitFatal, "failed to acquire lock", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Error("failed to release lock", "error", err)
		}
	}()

	state, err := openState(cfg.State)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to open state store", err)
	}
	defer state.Close()

	registry := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(registry)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to set up metrics", err)
	}
	clientMetrics, err := metrics.NewClientMetrics(registry)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to set up metrics", err)
	}

	resolver := secrets.NewResolver(nil, cfg.Google.AWSRegion)
	sinks, sinkCloser, err := openSinks(ctx, cfg, resolver, clientMetrics)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to open sink", err)
	}
	defer sinkCloser.Close()
	sources, err := openSources(ctx, cfg, selected, resolver)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to open sources", err)
	}
	scopes, err := buildScopes(cfg, selected, sources, sinks)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to build scopes", err)
	}

	logger.Info("run starting", "scopes", len(scopes), "dry_run", cfg.Sync.DryRun, "reset_cursor", opts.resetCursor)
	reconciler := reconcile.New(state, reconcileOptions(cfg, logger, collector, opts.resetCursor))
	summary, runErr := reconciler.Run(ctx, scopes)
	printSummary(cmd.OutOrStdout(), summary)

	if cfg.Metrics.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metrics.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, registry); err != nil {
			logger.Warn("failed to push metrics", "error", err)
		}
	}
	return summaryExit(summary, runErr)
}

func printSummary(w io.Writer, summary *reconcile.Summary) {
	if summary == nil {
		return
	}
	for _, r := range summary.Scopes {
		if r == nil {
			continue
		}
		fmt.Fprintf(w, "%-16s %-11s fetched=%d created=%d updated=%d deleted=%d skipped=%d failed=%d cursor_advanced=%v\n",
			r.Scope, r.Mode, r.Fetched, r.Created, r.Updated, r.Deleted, r.Skipped, len(r.Failures), r.CursorAdvanced)
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %v %v: %v\n", f.Op, f.ID, f.Err)
		}
		if r.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", r.Err)
		}
	}
	t := summary.Totals()
	fmt.Fprintf(w, "status=%v created=%d updated=%d deleted=%d skipped=%d failed=%d\n",
		summary.Status(), t.Created, t.Updated, t.Deleted, t.Skipped, len(t.Failures))
}
