package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/breez/data-mirror/store"
	"github.com/spf13/cobra"
)

func newStateCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the reconciliation state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored cursors and mapping counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd, rootOpts, func(state store.StateStorage) error {
				return listState(cmd, state)
			})
		},
	})

	var all bool
	reset := &cobra.Command{
		Use:   "reset [scope...]",
		Short: "Drop stored cursors so the next run imports in full",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return NewExitError(ExitFailure, "name the scopes to reset or pass --all")
			}
			return withState(cmd, rootOpts, func(state store.StateStorage) error {
				scopes := args
				if all {
					cursors, err := state.ListCursors(cmd.Context())
					if err != nil {
						return err
					}
					for _, c := range cursors {
						scopes = append(scopes, c.Scope)
					}
				}
				for _, scope := range scopes {
					if err := state.ResetCursor(cmd.Context(), scope); err != nil {
						return fmt.Errorf("failed to reset %v: %w", scope, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %v\n", scope)
				}
				return nil
			})
		},
	}
	reset.Flags().BoolVar(&all, "all", false, "reset every stored cursor")
	cmd.AddCommand(reset)
	return cmd
}

func withState(cmd *cobra.Command, opts *rootOptions, fn func(store.StateStorage) error) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}
	state, err := openState(cfg.State)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to open state store", err)
	}
	defer state.Close()
	if err := fn(state); err != nil {
		return WrapExitError(ExitFatal, "state command failed", err)
	}
	return nil
}

func listState(cmd *cobra.Command, state store.StateStorage) error {
	cursors, err := state.ListCursors(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tMAPPINGS\tUPDATED\tCURSOR")
	for _, c := range cursors {
		count, err := state.CountMappings(cmd.Context(), c.Scope)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%v\t%d\t%v\t%v\n", c.Scope, count, c.UpdatedAt.UTC().Format(time.RFC3339), abbreviate(c.Token, 24))
	}
	return w.Flush()
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
