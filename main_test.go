package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/breez/data-mirror/config"
	"github.com/breez/data-mirror/reconcile"
	"github.com/breez/data-mirror/retry"
	statesqlite "github.com/breez/data-mirror/store/sqlite"
	"github.com/stretchr/testify/require"
)

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{{"run"}, {"serve"}, {"state"}, {"state", "list"}, {"state", "reset"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		require.Equal(t, path[len(path)-1], sub.Name())
	}
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	for _, flag := range []string{"scope", "dry-run", "reset-cursor", "lookback-days", "concurrency"} {
		require.NotNil(t, run.Flags().Lookup(flag), flag)
	}
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestExitCode(t *testing.T) {
	require.Equal(t, ExitSuccess, ExitCode(nil))
	require.Equal(t, ExitFailure, ExitCode(errors.New("plain")))
	require.Equal(t, ExitPartial, ExitCode(NewExitError(ExitPartial, "partial")))
	wrapped := WrapExitError(ExitFatal, "aborted", errors.New("auth"))
	require.Equal(t, ExitFatal, ExitCode(wrapped))
	require.Equal(t, "aborted: auth", wrapped.Error())
}

func TestSummaryExit(t *testing.T) {
	ok := &reconcile.Summary{Scopes: []*reconcile.ScopeResult{{Scope: "contacts"}}}
	require.NoError(t, summaryExit(ok, nil))

	partial := &reconcile.Summary{Scopes: []*reconcile.ScopeResult{
		{Scope: "contacts"},
		{Scope: "work", Failures: []reconcile.ItemFailure{{ID: "e1", Op: "update", Err: errors.New("boom")}}},
	}}
	require.Equal(t, ExitPartial, ExitCode(summaryExit(partial, nil)))

	fatalErr := retry.MarkFatal(errors.New("unauthenticated"))
	fatal := &reconcile.Summary{Scopes: []*reconcile.ScopeResult{{Scope: "contacts", Err: fatalErr}}}
	require.Equal(t, ExitFatal, ExitCode(summaryExit(fatal, fatalErr)))
}

func TestSelectScopes(t *testing.T) {
	all := []config.ScopeConfig{{Name: "contacts"}, {Name: "work"}, {Name: "home"}}
	selected, err := selectScopes(all, nil)
	require.NoError(t, err)
	require.Len(t, selected, 3)

	selected, err = selectScopes(all, []string{"home", "contacts"})
	require.NoError(t, err)
	require.Equal(t, "home", selected[0].Name)
	require.Equal(t, "contacts", selected[1].Name)

	_, err = selectScopes(all, []string{"tasks"})
	require.Error(t, err)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.MaxRetries = 0
	p := retryPolicy(cfg.Sync)
	require.Equal(t, 1, p.MaxAttempts)
	require.Equal(t, cfg.Sync.BackoffInitial.Std(), p.BaseDelay)
	require.Equal(t, cfg.Sync.BackoffMax.Std(), p.MaxDelay)
}

func TestStateCommands(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.db")
	configPath := filepath.Join(dir, "mirror.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("state:\n  sqlite_path: "+statePath+"\nlogging:\n  json: false\n"), 0o600))

	state, err := statesqlite.NewSQLiteStateStorage(statePath)
	require.NoError(t, err)
	require.NoError(t, state.PutCursor(context.Background(), "contacts", "sync-token-1"))
	require.NoError(t, state.PutCursor(context.Background(), "work", "sync-token-2"))
	require.NoError(t, state.Close())

	execute := func(args ...string) (string, error) {
		cmd := newRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append(args, "--config", configPath))
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := execute("state", "list")
	require.NoError(t, err)
	require.Contains(t, out, "contacts")
	require.Contains(t, out, "sync-token-1")

	_, err = execute("state", "reset")
	require.Equal(t, ExitFailure, ExitCode(err))

	out, err = execute("state", "reset", "contacts")
	require.NoError(t, err)
	require.Contains(t, out, "reset contacts")

	out, err = execute("state", "list")
	require.NoError(t, err)
	require.NotContains(t, out, "sync-token-1")
	require.Contains(t, out, "sync-token-2")

	_, err = execute("state", "reset", "--all")
	require.NoError(t, err)
	out, err = execute("state", "list")
	require.NoError(t, err)
	require.NotContains(t, out, "work")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "mirror.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("sync:\n  lookback_days: 0\n"), 0o600))

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--config", configPath})
	err := cmd.Execute()
	require.Equal(t, ExitFailure, ExitCode(err))
	require.ErrorIs(t, err, config.ErrInvalid)
}
