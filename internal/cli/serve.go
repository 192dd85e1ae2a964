package cli

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/catalog-sync/internal/limiter"
	"github.com/and161185/catalog-sync/internal/migrate"
	"github.com/and161185/catalog-sync/internal/reconcile"
	grpcserver "github.com/and161185/catalog-sync/internal/server/grpc"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC control surface and the periodic sweeper",
		Long: `Apply migrations, then serve the CatalogSync gRPC API on server.addr.

When sync.interval is positive a sweeper runs a full reconciliation (or only
pending entities with sync.pending_only) at that interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, logger, closeLog, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	if cfg.Server.JWTKey == "" {
		return NewExitError(ExitCommandError, "config: missing server.jwt_key")
	}

	if err := migrate.Up(ctx, cfg.Store.DSN, logger.Named("migrate")); err != nil {
		return WrapExitError(ExitCommandError, "migrate up", err)
	}
	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "startup", err)
	}
	defer st.Close()

	var lim limiter.Limiter
	if cfg.Server.AuthMaxFails > 0 {
		lim = limiter.NewPG(st.db.Pool, cfg.Server.AuthWindow, cfg.Server.AuthMaxFails, cfg.Server.AuthBlockFor)
	}
	srvOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.AuthUnary([]byte(cfg.Server.JWTKey), lim),
			grpcserver.LoggingUnary(logger),
		),
	}
	if cfg.Server.TLSCert != "" || cfg.Server.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return WrapExitError(ExitCommandError, "load TLS cert/key", err)
		}
		srvOpts = append(srvOpts, grpc.Creds(creds))
	} else {
		logger.Warn("serving without TLS")
	}
	s := grpc.NewServer(srvOpts...)

	grpcserver.RegisterCatalogSyncServer(s, grpcserver.New(st.engine, st.catalog))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Server.Reflection {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}

	stopSweep := func() {}
	if cfg.Sync.Interval > 0 {
		sw := reconcile.NewSweeper(st.engine, cfg.Sync.Interval, cfg.Sync.PendingOnly, logger.Named("sweeper"))
		stopSweep = startSweeper(ctx, sw.Run)
	}
	// deferred after st.Close, so it runs first
	defer stopSweep()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		stopSweep()
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// startSweeper runs the sweep loop in the background. The returned stop
// cancels it and blocks until it has returned; calling it again is a no-op.
func startSweeper(ctx context.Context, run func(context.Context) error) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
