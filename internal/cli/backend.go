package cli

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/catalog-sync/internal/batch"
	"github.com/and161185/catalog-sync/internal/config"
	"github.com/and161185/catalog-sync/internal/logging"
	"github.com/and161185/catalog-sync/internal/media"
	"github.com/and161185/catalog-sync/internal/model"
	"github.com/and161185/catalog-sync/internal/reconcile"
	"github.com/and161185/catalog-sync/internal/remote"
	"github.com/and161185/catalog-sync/internal/repository/postgres"
	grpcserver "github.com/and161185/catalog-sync/internal/server/grpc"
	"github.com/and161185/catalog-sync/internal/service"
	"github.com/and161185/catalog-sync/internal/strategy"
)

// Backend is what the sync commands drive: the local engine or a remote
// server.
type Backend interface {
	SyncEntity(ctx context.Context, kind model.Kind, id string) (batch.Result, error)
	FullSync(ctx context.Context, kinds []model.Kind) (batch.Result, error)
	SyncPending(ctx context.Context, kinds []model.Kind) (batch.Result, error)
	DeleteEntity(ctx context.Context, kind model.Kind, id string) error
}

// stack is the fully wired local application.
type stack struct {
	db      *postgres.DB
	engine  *reconcile.Engine
	catalog *service.CatalogServiceImpl
}

func openStack(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stack, error) {
	db, err := postgres.New(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	repo := postgres.NewEntityRepo(db)

	ropts := remote.Options{
		BaseURL:        cfg.Remote.BaseURL,
		ConsumerKey:    cfg.Remote.ConsumerKey,
		ConsumerSecret: cfg.Remote.ConsumerSecret,
		MediaUser:      cfg.Remote.MediaUser,
		MediaPassword:  cfg.Remote.MediaPassword,
		PerPage:        cfg.Remote.PerPage,
		MaxRetries:     cfg.Remote.MaxRetries,
		CallDelay:      cfg.Sync.Delay,
		UserAgent:      "catalogsync",
		Logger:         log.Named("remote"),
	}
	if cfg.Remote.Timeout > 0 {
		ropts.HTTPClient = &http.Client{Timeout: cfg.Remote.Timeout}
	}
	rc := remote.NewClient(ropts)

	reg := strategy.NewDefaultRegistry(strategy.Deps{
		Remote:            rc,
		Store:             repo,
		Log:               log.Named("strategy"),
		DefaultCategoryID: cfg.Sync.DefaultCategoryID,
	})
	eng := reconcile.New(rc, reg, repo, reconcile.Options{
		Media:             media.Resolver{Root: cfg.Media.Root, PublicPrefix: cfg.Media.PublicPrefix},
		DefaultCategoryID: cfg.Sync.DefaultCategoryID,
		Log:               log.Named("engine"),
	})
	return &stack{db: db, engine: eng, catalog: service.NewCatalogService(repo, eng)}, nil
}

func (s *stack) Close() { s.db.Close() }

// localBackend adapts the engine to Backend; deletes go through the catalog
// service so hierarchy checks apply.
type localBackend struct{ *stack }

func (b localBackend) SyncEntity(ctx context.Context, kind model.Kind, id string) (batch.Result, error) {
	return b.engine.SyncEntity(ctx, kind, id), nil
}

func (b localBackend) FullSync(ctx context.Context, kinds []model.Kind) (batch.Result, error) {
	return b.engine.FullSync(ctx, kinds...), nil
}

func (b localBackend) SyncPending(ctx context.Context, kinds []model.Kind) (batch.Result, error) {
	return b.engine.SyncPending(ctx, kinds...), nil
}

func (b localBackend) DeleteEntity(ctx context.Context, kind model.Kind, id string) error {
	return b.catalog.Delete(ctx, kind, id)
}

// loadConfig reads the configuration and builds the logger.
func loadConfig(opts *RootOptions) (*config.Config, *zap.Logger, func() error, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "load config", err)
	}
	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "init logging", err)
	}
	return cfg, log, closeLog, nil
}

// connect returns the backend selected by the global flags and a release func.
func connect(ctx context.Context, opts *RootOptions) (Backend, func(), error) {
	if opts.connect != nil {
		return opts.connect(ctx, opts)
	}
	if opts.Server != "" {
		tok := opts.Token
		if tok == "" {
			saved, err := loadToken()
			if err != nil {
				return nil, nil, WrapExitError(ExitCommandError, "operator token", err)
			}
			tok = saved
		}
		cc, err := dial(ctx, opts.Server, opts.CACert, opts.Insecure, tok)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "dial "+opts.Server, err)
		}
		return grpcserver.NewClient(cc), func() { _ = cc.Close() }, nil
	}

	cfg, log, closeLog, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		_ = closeLog()
		return nil, nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	st, err := openStack(ctx, cfg, log)
	if err != nil {
		_ = closeLog()
		return nil, nil, WrapExitError(ExitCommandError, "startup", err)
	}
	return localBackend{st}, func() { st.Close(); _ = closeLog() }, nil
}
