// Package app wires the Parley messaging runtime: config, logging, stores,
// the read-state coordinator, the connection registry, and the HTTP server.
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/realtime"
)

// App is the server runtime: it owns the HTTP server wiring and the realtime
// gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *realtime.Registry
	svc      *chat.Service
	router   *chi.Mux
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	convs, msgs, dbPool, dbEnabled, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	// The registry is the one piece of process-wide mutable realtime state;
	// it is built here and handed into both the coordinator and the gateway.
	registry := realtime.NewRegistry(log, realtime.WithEchoToSender(cfg.EchoToSender))

	co := chat.NewCoordinator(log, convs, msgs, registry)
	svc := chat.NewService(log, convs, msgs, co)

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}

	gateway := realtime.NewGateway(log, registry, svc, verifier)

	router := api.NewRouter(log, svc, verifier, gateway, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
	})
	registerHealth(router, log, cfg, dbPool, dbEnabled)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		registry:  registry,
		svc:       svc,
		router:    router,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(a.router, a.log),
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

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func registerHealth(r *chi.Mux, log Logger, cfg Config, dbPool *pgxpool.Pool, dbEnabled bool) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(req.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
}

// newStores decides between Postgres-backed persistence and the in-memory dev
// stores.
func newStores(ctx context.Context, cfg Config, log Logger) (chat.ConversationStore, chat.MessageStore, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_stores")
		return chat.NewInMemoryConversationStore(), chat.NewInMemoryMessageStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, false, err
	}

	convs, err := chat.NewPostgresConversationStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, false, err
	}
	msgs, err := chat.NewPostgresMessageStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, false, err
	}

	log.Info("db.enabled.postgres_stores", "schema", cfg.DBSchema)
	return convs, msgs, pool, true, nil
}

// newVerifier installs the JWT verifier, falling back to the static dev
// verifier when no secret is configured.
func newVerifier(cfg Config) (auth.TokenVerifier, error) {
	if cfg.JWTSecret != "" {
		return auth.NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	}

	static := auth.StaticVerifier{}
	for _, pair := range EnvCSV("PARLEY_DEV_TOKENS", "") {
		token, userID, ok := strings.Cut(pair, "=")
		if ok && token != "" && userID != "" {
			static[token] = userID
		}
	}
	return static, nil
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
