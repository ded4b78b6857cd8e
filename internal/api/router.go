package api

import (
	"log/slog"
	"net/http"

	"github.com/STRATINT/polwatch/internal/auth"
)

// Routes bundles what SetupRoutes mounts.
type Routes struct {
	Pipeline       PipelineService
	Campaigns      CampaignService
	Auth           auth.Config
	MetricsHandler http.Handler
	Ready          ReadinessFunc
	Logger         *slog.Logger
}

// SetupRoutes configures all API routes. Every pipeline and campaign route
// requires a bearer token; login, health and metrics are public.
func SetupRoutes(mux *http.ServeMux, routes Routes) {
	logger := routes.Logger
	pipelineHandler := NewPipelineHandler(routes.Pipeline, logger)
	authHandler := NewAuthHandler(routes.Auth, logger)
	healthHandler := NewHealthHandler(routes.Ready, logger)

	authMiddleware := auth.Middleware(routes.Auth)
	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	// Public routes
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)
	if routes.MetricsHandler != nil {
		mux.Handle("GET /metrics", routes.MetricsHandler)
	}
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.Handle("GET /api/auth/validate", protected(authHandler.ValidateToken))

	// Pipeline triggers (admin only)
	mux.Handle("POST /api/pipeline/clusters/{id}/collect", protected(pipelineHandler.CollectCluster))
	mux.Handle("POST /api/pipeline/collect", protected(pipelineHandler.CollectAll))
	mux.Handle("POST /api/pipeline/backlog", protected(pipelineHandler.ProcessBacklog))
	mux.Handle("POST /api/pipeline/requeue-failed", protected(pipelineHandler.RequeueFailed))
	mux.Handle("GET /api/pipeline/status", protected(pipelineHandler.Status))

	// Campaign routes (admin only)
	if routes.Campaigns != nil {
		campaignHandler := NewCampaignHandler(routes.Campaigns, logger)
		mux.Handle("GET /api/campaigns", protected(campaignHandler.List))
		mux.Handle("GET /api/campaigns/{id}", protected(campaignHandler.Get))
		mux.Handle("POST /api/campaigns/{id}/acknowledge", protected(campaignHandler.Acknowledge))
		mux.Handle("POST /api/campaigns/{id}/resolve", protected(campaignHandler.Resolve))
		mux.Handle("POST /api/campaigns/{id}/monitor", protected(campaignHandler.Monitor))
	}

	// CORS preflight
	mux.HandleFunc("OPTIONS /api/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// CORS sets the permissive headers the admin console relies on.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}
