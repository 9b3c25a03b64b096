// Package app wires the storefront identity server runtime: config,
// logging, database, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"storefront/cmd/identity"
	authapi "storefront/cmd/internal/auth/api"
	"storefront/cmd/internal/auth/registry"
	"storefront/cmd/internal/auth/token"
	"storefront/cmd/internal/realtime"
)

// App is the server runtime: it owns the HTTP server wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws   *realtime.Gateway
	auth *authapi.Handler
}

// New constructs a fully wired App instance from config and logger.
// Without SF_DATABASE_URL it runs on in-memory stores: fine for local
// development, useless for production since nothing survives a restart.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	codec, err := newTokenCodec(cfg, log)
	if err != nil {
		return nil, err
	}

	var (
		dbPool    *pgxpool.Pool
		dbEnabled bool
		users     identity.Store
		sessStore registry.Store
	)
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		users = identity.NewMemoryStore()
		sessStore = registry.NewMemoryStore()
	} else {
		if cfg.MigrateOnStart {
			if err := MigrateUp(cfg.DatabaseURL); err != nil {
				return nil, err
			}
			log.Info("db.migrated")
		}
		dbPool, err = NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		dbEnabled = true
		log.Info("db.enabled.postgres_store")
		users = identity.NewPostgresStore(dbPool)
		sessStore = registry.NewPostgresStore(dbPool)
	}

	cache := identity.NewStatusCache(users)

	sessions, err := registry.NewService(registry.Config{MaxRotations: cfg.MaxRotations}, sessStore, codec, users)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	auth := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), dbPool, users, sessions, codec, cache)
	ws := realtime.NewGateway(log, codec, cache)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		ws:        ws,
		auth:      auth,
	}, nil
}

func newTokenCodec(cfg Config, log Logger) (*token.Codec, error) {
	tcfg := token.Config{
		Issuer:        cfg.TokenIssuer,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		PrivateKeyPEM: cfg.TokenPrivateKeyPEM,
	}
	if tcfg.PrivateKeyPEM == "" {
		pem, err := token.GeneratePrivateKeyPEM()
		if err != nil {
			return nil, err
		}
		tcfg.PrivateKeyPEM = pem
		log.Warn("token.dev_key_generated", "hint", "set SF_TOKEN_PRIVATE_KEY_PEM; tokens will not survive a restart")
	}
	return token.NewCodec(tcfg)
}

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.auth)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Gateway sweepers live and die with the server.
	go a.ws.Run(runCtx)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
