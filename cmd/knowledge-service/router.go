// Package main provides the knowledge service API server.
package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/fundlens-ai/knowledge-service/cmd/knowledge-service/handlers"
	"github.com/fundlens-ai/knowledge-service/cmd/knowledge-service/middleware"
	"github.com/fundlens-ai/knowledge-service/internal/cache"
	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/metrics"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/rag"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

// Dependencies carries everything the router mounts.
type Dependencies struct {
	Orchestrator  *rag.Orchestrator
	Conversations storage.ConversationStore
	Feedback      storage.FeedbackStore
	Chunks        storage.ChunkStore
	Cache         cache.Client
	Configs       *config.Store
	Metrics       *metrics.Metrics
}

// NewRouter builds the HTTP routing tree.
func NewRouter(logger *observability.Logger, cfg *config.Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics(deps.Metrics))
	r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"knowledge-service"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := deps.Chunks.Ping(req.Context()); err != nil {
			logger.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	chat := handlers.NewChatHandler(logger, deps.Orchestrator, deps.Conversations, deps.Feedback)
	admin := handlers.NewAdminHandler(logger, deps.Configs, deps.Cache)

	authCfg := middleware.AuthConfig{
		Enabled: cfg.Auth.Enabled,
		Tokens:  cfg.Auth.Tokens,
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(authCfg))

		r.Route("/chat", func(r chi.Router) {
			r.Post("/message", chat.Message)
			r.Get("/history/{sessionID}", chat.History)
			r.Delete("/history/{sessionID}", chat.ClearHistory)
			r.Post("/feedback", chat.Feedback)
		})

		r.Route("/admin/rag", func(r chi.Router) {
			r.Use(middleware.RequireCapability("system:configure"))
			r.Get("/config", admin.GetConfig)
			r.Put("/config", admin.UpdateConfig)
		})
	})

	return r
}

// requestMetrics records request count and latency per route pattern.
func requestMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			started := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(route, ww.Status(), time.Since(started))
		})
	}
}
