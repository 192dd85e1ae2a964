package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/catalog-sync/internal/batch"
	"github.com/and161185/catalog-sync/internal/model"
)

func parseKinds(args []string) ([]model.Kind, error) {
	kinds := make([]model.Kind, 0, len(args))
	for _, a := range args {
		k, ok := model.ParseKind(a)
		if !ok {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown kind %q", a))
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// runBatch connects, runs fn and prints its result.
func runBatch(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, Backend) (batch.Result, error)) error {
	ctx := cmd.Context()
	b, release, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer release()

	res, err := fn(ctx, b)
	if err != nil {
		return WrapExitError(ExitCommandError, "request failed", err)
	}
	return writeResult(cmd.OutOrStdout(), opts.Format, res)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <kind> <local-id>",
		Short: "Synchronize one entity and its dependencies",
		Long: `Push one category, brand or product to the storefront.

A product sync first synchronizes any category or brand it references that
has not been pushed yet. A category whose parent is not synchronized fails.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args[:1])
			if err != nil {
				return err
			}
			return runBatch(cmd, opts, func(ctx context.Context, b Backend) (batch.Result, error) {
				return b.SyncEntity(ctx, kinds[0], args[1])
			})
		},
	}
}

// NewFullCommand creates the full command.
func NewFullCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "full [kind...]",
		Short: "Reconcile every entity of the given kinds (default: all)",
		Long: `Run a full reconciliation: remote records with no local counterpart are
deleted, then every local entity is created or updated, parents first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			return runBatch(cmd, opts, func(ctx context.Context, b Backend) (batch.Result, error) {
				return b.FullSync(ctx, kinds)
			})
		},
	}
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [kind...]",
		Short: "Push only entities with local changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			return runBatch(cmd, opts, func(ctx context.Context, b Backend) (batch.Result, error) {
				return b.SyncPending(ctx, kinds)
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <local-id>",
		Short: "Delete an entity remotely and locally",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args[:1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, release, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer release()

			if err := b.DeleteEntity(ctx, kinds[0], args[1]); err != nil {
				return WrapExitError(ExitFailure, "delete "+args[1], err)
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, map[string]any{"success": true, "kind": kinds[0], "id": args[1]})
			}
			fmt.Fprintf(out, "deleted %s %s\n", kinds[0], args[1])
			return nil
		},
	}
}
