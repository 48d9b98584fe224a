// Package app wires the desk processes: config, logging, HTTP routes, the relay gateway and
// the agent console runtime.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"desk/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the relay runtime: it owns the HTTP server, the gateway and the store lifecycle.
type App struct {
	cfg Config
	log Logger

	store  relay.ConversationStore
	dbPool *pgxpool.Pool

	registry *prometheus.Registry
	gateway  *relay.Gateway
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(io.Discard, cfg.LogLevel, cfg.LogFormat)
	}

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := relay.NewMetrics(reg)

	gw := relay.NewGateway(log, relay.NewHub(log, metrics), store, metrics, relay.GatewayConfig{
		DevInsecure:      cfg.WSDevInsecure,
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		SendQueueSize:    cfg.WSSendQueue,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	})

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		dbPool:   pool,
		registry: reg,
		gateway:  gw,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	var ping dbPinger
	if a.dbPool != nil {
		pool := a.dbPool
		ping = func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) }
	}
	registerHTTP(mux, a.log, a.cfg, ping, a.gateway, a.registry)

	return WithRequestLogging(mux, a.log)
}

// Run starts the HTTP server and blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("relay.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("relay.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("relay.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("relay.shutdown.fail", "err", err)
		a.close()
		return err
	}

	a.close()
	a.log.Info("relay.stopped")
	return nil
}

func (a *App) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// newStore picks Postgres persistence when a database URL is configured, else in-memory.
// The app owns the pool; PostgresStore.Close does not close it.
func newStore(ctx context.Context, cfg Config, log Logger) (relay.ConversationStore, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return relay.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var opts []relay.PostgresOption
	if cfg.DBSchema != "" {
		opts = append(opts, relay.WithSchema(cfg.DBSchema))
	}
	st, err := relay.NewPostgresStore(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	if cfg.DBAutoMigrate {
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("db.schema.ensured", "schema", cfg.DBSchema)
	}

	log.Info("db.enabled.postgres_store")
	return st, pool, nil
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
