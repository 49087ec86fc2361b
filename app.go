package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/breez/data-mirror/config"
	"github.com/breez/data-mirror/docrpc"
	"github.com/breez/data-mirror/docstore"
	docpostgres "github.com/breez/data-mirror/docstore/postgres"
	docsqlite "github.com/breez/data-mirror/docstore/sqlite"
	"github.com/breez/data-mirror/mapper"
	"github.com/breez/data-mirror/middleware"
	"github.com/breez/data-mirror/reconcile"
	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/secrets"
	"github.com/breez/data-mirror/sink"
	"github.com/breez/data-mirror/source"
	"github.com/breez/data-mirror/source/google"
	"github.com/breez/data-mirror/store"
	statepostgres "github.com/breez/data-mirror/store/postgres"
	statesqlite "github.com/breez/data-mirror/store/sqlite"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"google.golang.org/grpc"
)

func openState(cfg config.StateConfig) (store.StateStorage, error) {
	if cfg.PostgresURL != "" {
		return statepostgres.NewPGStateStorage(cfg.PostgresURL)
	}
	return statesqlite.NewSQLiteStateStorage(cfg.SQLitePath)
}

func openDocuments(sqlitePath, postgresURL string) (docstore.DocumentStorage, error) {
	if postgresURL != "" {
		return docpostgres.NewPGDocumentStorage(postgresURL)
	}
	return docsqlite.NewSQLiteDocumentStorage(sqlitePath)
}

func retryPolicy(cfg config.SyncConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxRetries + 1,
		BaseDelay:   cfg.BackoffInitial.Std(),
		MaxDelay:    cfg.BackoffMax.Std(),
		Jitter:      0.2,
		Classifier:  retry.DefaultClassifier,
	}
}

func reconcileOptions(cfg *config.Config, logger *slog.Logger, observer reconcile.Observer, resetCursor bool) reconcile.Options {
	return reconcile.Options{
		Lookback:    cfg.Sync.Lookback(),
		Concurrency: cfg.Sync.Concurrency,
		CallTimeout: cfg.Sync.CallTimeout.Std(),
		DryRun:      cfg.Sync.DryRun,
		ResetCursor: resetCursor,
		Retry:       retryPolicy(cfg.Sync),
		Logger:      logger,
		Observer:    observer,
	}
}

// selectScopes keeps the named scopes, or all of them when names is empty.
func selectScopes(all []config.ScopeConfig, names []string) ([]config.ScopeConfig, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]config.ScopeConfig, len(all))
	for _, sc := range all {
		byName[sc.Name] = sc
	}
	selected := make([]config.ScopeConfig, 0, len(names))
	for _, name := range names {
		sc, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown scope %q", name)
		}
		selected = append(selected, sc)
	}
	return selected, nil
}

func scopeMapper(sc config.ScopeConfig) mapper.Mapper {
	if sc.Kind == config.KindCalendar {
		return mapper.EventMapper{DefaultTimezone: sc.DefaultTimezone, AlarmMinutes: sc.AlarmMinutes}
	}
	return mapper.ContactMapper{CategoriesFromGroups: true, IncludePhotoURI: sc.PhotoSync}
}

// sinkFactory opens the sink of one collection.
type sinkFactory func(collection string) sink.Sink

// openSinks connects the configured sink. The returned closer releases the
// connection or database.
func openSinks(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, clientMetrics *grpcprom.ClientMetrics) (sinkFactory, io.Closer, error) {
	if cfg.Sink.Mode == config.SinkModeLocal {
		storage, err := docsqlite.NewSQLiteDocumentStorage(cfg.Sink.LocalDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open local document store: %w", err)
		}
		return func(collection string) sink.Sink {
			return docstore.NewSink(storage, collection)
		}, storage, nil
	}

	keyHex, err := resolver.ResolveString(ctx, cfg.Sink.SigningKeyRef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve signing key: %w", err)
	}
	key, err := middleware.ParsePrivateKey(keyHex)
	if err != nil {
		return nil, nil, retry.MarkFatal(err)
	}
	apiKey, err := resolver.ResolveString(ctx, cfg.Sink.APIKeyRef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	var extra []grpc.DialOption
	if clientMetrics != nil {
		extra = append(extra,
			grpc.WithChainUnaryInterceptor(clientMetrics.UnaryClientInterceptor()),
			grpc.WithChainStreamInterceptor(clientMetrics.StreamClientInterceptor()),
		)
	}
	conn, err := grpc.NewClient(cfg.Sink.Address, docrpc.DialOptions(apiKey, extra...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %v: %w", cfg.Sink.Address, err)
	}
	return func(collection string) sink.Sink {
		return docrpc.NewSink(conn, key, collection)
	}, conn, nil
}

// openSources builds one people source per contacts scope and a shared
// calendar source routing every calendar scope to its calendar.
func openSources(ctx context.Context, cfg *config.Config, scopes []config.ScopeConfig, resolver *secrets.Resolver) (map[string]source.Source, error) {
	credentials, err := resolver.Resolve(ctx, cfg.Google.CredentialsRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve google credentials: %w", err)
	}
	opts, err := google.ClientOptions(credentials)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]source.Source, len(scopes))
	calendars := map[string]string{}
	for _, sc := range scopes {
		switch sc.Kind {
		case config.KindContacts:
			people, err := google.NewPeopleSource(ctx, opts...)
			if err != nil {
				return nil, retry.MarkFatal(err)
			}
			people.PageSize = int64(cfg.Sync.BatchSize)
			people.Groups = sc.ContactGroups
			sources[sc.Name] = people
		case config.KindCalendar:
			calendars[sc.Name] = sc.CalendarID
		}
	}
	if len(calendars) > 0 {
		cal, err := google.NewCalendarSource(ctx, calendars, opts...)
		if err != nil {
			return nil, retry.MarkFatal(err)
		}
		cal.PageSize = int64(min(cfg.Sync.BatchSize, 2500))
		for name := range calendars {
			sources[name] = cal
		}
	}
	return sources, nil
}

func buildScopes(cfg *config.Config, scopes []config.ScopeConfig, sources map[string]source.Source, sinks sinkFactory) ([]reconcile.Scope, error) {
	built := make([]reconcile.Scope, 0, len(scopes))
	for _, sc := range scopes {
		src, ok := sources[sc.Name]
		if !ok {
			return nil, fmt.Errorf("no source for scope %q", sc.Name)
		}
		built = append(built, reconcile.Scope{
			Name:   sc.Name,
			Source: src,
			Mapper: scopeMapper(sc),
			Sink:   sinks(cfg.Sink.CollectionPrefix + sc.Collection),
		})
	}
	return built, nil
}

// summaryExit maps a run outcome to the process exit code.
func summaryExit(summary *reconcile.Summary, runErr error) error {
	if runErr != nil && (summary == nil || summary.Status() != reconcile.StatusFatal) {
		if errors.Is(runErr, context.Canceled) {
			return WrapExitError(ExitFailure, "run interrupted", runErr)
		}
		return WrapExitError(ExitFatal, "run aborted", runErr)
	}
	if summary == nil {
		return nil
	}
	switch summary.Status() {
	case reconcile.StatusFatal:
		return WrapExitError(ExitFatal, "run aborted", runErr)
	case reconcile.StatusPartial:
		return NewExitError(ExitPartial, "run finished with failures")
	}
	return nil
}
