package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/metrics"
)

// RouterConfig carries the transport-level knobs for the façade router.
type RouterConfig struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// NewRouter wires the façade endpoints, the realtime gateway mount, and the
// operational endpoints into one chi router.
func NewRouter(log *slog.Logger, svc *chat.Service, verifier auth.TokenVerifier, ws http.Handler, cfg RouterConfig) *chi.Mux {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}

	r := chi.NewRouter()

	r.Use(httpMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := NewHandler(log, svc)

	r.Handle("/metrics", promhttp.Handler())

	// The websocket gateway authenticates its own handshake; mounting it
	// outside RequireAuth keeps the query-parameter token path working.
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.RequestSize(cfg.MaxBodyBytes))
		r.Use(RequireAuth(verifier))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.CreateOrGetConversation)
			r.Get("/", h.ListConversations)
			r.Get("/{id}", h.GetConversation)
			r.Delete("/{id}", h.DeleteConversation)
			r.Get("/{id}/messages", h.ListMessages)
			r.Post("/{id}/messages", h.SendMessage)
			r.Post("/{id}/read", h.MarkConversationRead)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/{id}/read", h.MarkMessageRead)
			r.Delete("/{id}", h.DeleteMessage)
		})
	})

	return r
}

// httpMetrics records request counters and latency per route pattern.
func httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
