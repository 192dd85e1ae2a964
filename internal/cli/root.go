// Package cli implements the catalogsync command tree.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	// Server switches sync commands to a running catalogsync server.
	Server   string
	CACert   string
	Insecure bool
	Token    string

	// connect overrides backend construction (tests).
	connect func(ctx context.Context, opts *RootOptions) (Backend, func(), error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	return newRootCommand(version, &RootOptions{})
}

func newRootCommand(version string, opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogsync",
		Short: "Push a local product catalog to a remote storefront",
		Long: `catalogsync keeps categories, brands and products in the local store
synchronized with a WooCommerce-compatible storefront.

Commands run against the local store by default. With --server they are sent
to a running "catalogsync serve" instance instead.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML)")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.Server, "server", "", "address of a catalogsync server")
	pf.StringVar(&opts.CACert, "ca", "", "CA certificate for --server (PEM)")
	pf.BoolVar(&opts.Insecure, "insecure", false, "skip TLS verification for --server")
	pf.StringVar(&opts.Token, "token", "", "operator token for --server (defaults to the saved one)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewFullCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewVersionCommand(version))

	return cmd
}
