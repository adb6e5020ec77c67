package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oceanic-labs/mariner-core/internal/handler"
	"github.com/oceanic-labs/mariner-core/internal/middleware"
	"github.com/oceanic-labs/mariner-core/internal/service"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	DB                 handler.DBPinger
	AuthService        *service.AuthService
	FrontendURL        string
	Version            string
	Metrics            *middleware.Metrics
	MetricsReg         *prometheus.Registry
	InternalAuthSecret string

	// Chat — the core Orchestrator endpoint.
	ChatDeps handler.ChatDeps

	// Content gaps — curriculum-maintainer triage surface.
	ContentGapDeps handler.ContentGapDeps

	// Rate limiters (nil = no rate limiting).
	GeneralRateLimiter *middleware.RateLimiter
	ChatRateLimiter    *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes (no auth)
	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// Protected routes (require internal service auth or Firebase auth)
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOrFirebaseAuth(deps.AuthService, deps.InternalAuthSecret))

		if deps.GeneralRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.GeneralRateLimiter))
		}

		timeout30s := middleware.Timeout(30 * time.Second)

		// Chat — SSE streaming, no write timeout; its own (stricter) rate limit.
		if deps.ChatRateLimiter != nil {
			r.With(middleware.RateLimit(deps.ChatRateLimiter)).Post("/api/v1/chat", handler.Chat(deps.ChatDeps))
		} else {
			r.Post("/api/v1/chat", handler.Chat(deps.ChatDeps))
		}

		// Content gaps
		r.With(timeout30s).Get("/api/v1/content-gaps", handler.ListContentGaps(deps.ContentGapDeps))
		r.With(timeout30s).Get("/api/v1/content-gaps/summary", handler.ContentGapSummary(deps.ContentGapDeps))
		r.With(timeout30s).Patch("/api/v1/content-gaps/{id}", handler.UpdateContentGapStatus(deps.ContentGapDeps))
	})

	// 404 fallback
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
