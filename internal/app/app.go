// Package app wires the Aura server runtime: config, logging, metrics,
// persistence, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"aura/internal/api"
	"aura/internal/auth"
	"aura/internal/chat"
	"aura/internal/realtime"
	"aura/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Aura server runtime: it owns HTTP wiring and the realtime
// gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store     store.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	metrics *Metrics
	gateway *realtime.Gateway
	rest    *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()

	tokens, err := auth.NewTokenManager([]byte(cfg.JWTSecret), auth.WithTokenTTL(cfg.TokenTTL))
	if err != nil {
		closeStore(st, dbPool)
		return nil, err
	}

	registry := realtime.NewRegistry(log)
	router := realtime.NewRouter(log, registry, metrics)
	presence := realtime.NewPresence(log, st, registry, router, metrics)
	relay := realtime.NewRelay(log, st, router)

	gateway, err := realtime.NewGateway(log, tokens, presence, relay, router)
	if err != nil {
		closeStore(st, dbPool)
		return nil, err
	}

	chatSvc, err := chat.NewService(log, st, router, chat.WithMetrics(metrics))
	if err != nil {
		closeStore(st, dbPool)
		return nil, err
	}

	rest, err := api.NewHandler(log, api.Config{MaxBodyBytes: cfg.MaxBodyBytes}, st, tokens, chatSvc, router)
	if err != nil {
		closeStore(st, dbPool)
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		metrics:   metrics,
		gateway:   gateway,
		rest:      rest,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.rest, a.metrics)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(WithSecurityHeaders(mux), a.log, a.metrics),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	closeStore(a.store, a.dbPool)

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

// newStore decides between Postgres-backed persistence and the in-memory
// dev store, and runs migrations when enabled.
func newStore(ctx context.Context, cfg Config, log Logger) (store.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return store.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		log.Info("db.migrations.ok")
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	st, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, true, nil
}

func closeStore(st store.Store, pool *pgxpool.Pool) {
	if st != nil {
		_ = st.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
