package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/catalog-sync/internal/migrate"
	"github.com/and161185/catalog-sync/internal/service"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			if cfg.Store.DSN == "" {
				return NewExitError(ExitCommandError, "config: missing store.dsn")
			}
			if err := migrate.Up(cmd.Context(), cfg.Store.DSN, log.Named("migrate")); err != nil {
				return WrapExitError(ExitCommandError, "migrate up", err)
			}
			log.Info("migrations applied")
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	TTL     time.Duration
	Save    bool
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the gRPC control surface",
		Long: `Sign an operator token with server.jwt_key.

With --save the token is stored under $XDG_CONFIG_HOME/catalogsync and used by
later --server invocations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := loadConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			if cfg.Server.JWTKey == "" {
				return NewExitError(ExitCommandError, "config: missing server.jwt_key")
			}
			ttl := opts.TTL
			if ttl <= 0 {
				ttl = cfg.Server.TokenTTL
			}
			tok, exp, err := service.NewTokenIssuer([]byte(cfg.Server.JWTKey), ttl).Issue(opts.Subject)
			if err != nil {
				return WrapExitError(ExitCommandError, "issue token", err)
			}
			log.Info("token issued", zap.String("subject", opts.Subject), zap.Time("expires_at", exp))

			if opts.Save {
				if err := saveToken(tok, opts.Subject, exp); err != nil {
					return WrapExitError(ExitCommandError, "save token", err)
				}
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, tokenFile{AccessToken: tok, Subject: opts.Subject, ExpiresAt: exp})
			}
			fmt.Fprintln(out, tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "operator", "operator name embedded in the token")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (default server.token_ttl)")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "store the token for --server use")
	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "catalogsync %s\n", version)
		},
	}
}
