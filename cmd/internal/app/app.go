// Package app wires the coachsync daemon: config, logging, the upstream
// session, the sync engine, HTTP routes and the watch feed.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"coachsync/cmd/identity"
	"coachsync/cmd/internal/chatsync"
	"coachsync/cmd/internal/roster"
	"coachsync/cmd/internal/transport"
	"coachsync/cmd/internal/watch"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// App owns every long-running component of the daemon.
type App struct {
	cfg Config
	log Logger

	userID string

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry

	engine  *chatsync.Engine
	session *transport.Session
	loader  *roster.Loader
	hub     *watch.Hub
	gateway *watch.Gateway
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	userID, err := identity.ResolveUserID(cfg.UserID, cfg.Token)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	state, err := chatsync.NewState(chatsync.StateConfig{UserID: userID, TypingTTL: cfg.TypingTTL})
	if err != nil {
		return nil, err
	}
	engine := chatsync.NewEngine(log, state,
		chatsync.WithMetrics(chatsync.NewMetrics(reg)),
		chatsync.WithSweepInterval(cfg.TypingSweep),
	)

	src, pool, dbEnabled, err := newRosterSource(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	closePool := func() {
		if pool != nil {
			pool.Close()
		}
	}

	loader, err := roster.NewLoader(log, src, engine, userID)
	if err != nil {
		closePool()
		return nil, err
	}

	session, err := transport.NewSession(log, transport.Config{
		URL:            cfg.UpstreamURL,
		Origin:         cfg.Origin,
		Token:          cfg.Token,
		Client:         "coachsync",
		RequestTimeout: cfg.RequestTimeout,
		TypingThrottle: cfg.TypingThrottle,
	}, engine,
		transport.WithSessionMetrics(transport.NewMetrics(reg)),
		transport.WithOnConnect(loader.Reload),
	)
	if err != nil {
		closePool()
		return nil, err
	}

	hub := watch.NewHub(log)
	gateway, err := watch.NewGateway(log, hub, engine, watch.Config{
		AllowedOrigins: cfg.WatchAllowedOrigins,
		OriginRequired: cfg.WatchOriginRequired,
	})
	if err != nil {
		closePool()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		userID:    userID,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		registry:  reg,
		engine:    engine,
		session:   session,
		loader:    loader,
		hub:       hub,
		gateway:   gateway,
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, httpDeps{
		engine:    a.engine,
		upstream:  a.session,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		metrics:   promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
		watch:     a.gateway,
	})
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run starts every component and blocks until ctx is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if a.dbPool != nil {
			a.dbPool.Close()
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"user_id", a.userID,
		"upstream", a.cfg.UpstreamURL,
		"token_fp", identity.TokenFingerprint(a.cfg.Token),
		"db_enabled", a.dbEnabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.engine.Run(gctx) })

	g.Go(func() error {
		// Watchers and the session need a live engine; stop them if it exits early.
		select {
		case <-gctx.Done():
			return nil
		case <-a.engine.Done():
			return chatsync.ErrEngineStopped
		}
	})

	g.Go(func() error { return a.session.Run(gctx) })
	g.Go(func() error { return a.hub.Run(gctx, a.engine) })

	g.Go(func() error {
		// The session reloads on every connect; this covers the time before the first one.
		if err := a.loader.Reload(gctx); err != nil && gctx.Err() == nil {
			a.log.Warn("roster.initial.fail", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	a.log.Info("server.stopped")
	return err
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

// newRosterSource picks Postgres when a database is configured, else the static roster.
func newRosterSource(ctx context.Context, cfg Config, log Logger) (roster.Source, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.static_roster", "contacts", len(cfg.Roster.Contacts), "groups", len(cfg.Roster.Groups))
		return roster.NewStaticSource(cfg.Roster), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	src, err := roster.NewPostgresSource(pool, roster.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_roster", "schema", cfg.DBSchema)
	return src, pool, true, nil
}
