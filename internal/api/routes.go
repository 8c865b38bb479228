package api

import (
	"net/http"

	"replaytasker/internal/health"
	"replaytasker/internal/job"
	"replaytasker/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Workers       job.Workers
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Notify        NotifyStats
	LiveFeed      http.Handler
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Workers, cfg.HealthChecker, cfg.Notify)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Admin endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.DeleteJob)))
	mux.Handle("POST /v1/jobs/{jobId}/requeue", auth(http.HandlerFunc(handler.RequeueJob)))
	mux.Handle("POST /v1/jobs/{jobId}/priority", auth(http.HandlerFunc(handler.PrioritizeJob)))
	mux.Handle("GET /v1/stats", auth(http.HandlerFunc(handler.Stats)))
	mux.Handle("GET /v1/workers", auth(http.HandlerFunc(handler.Workers)))
	mux.Handle("GET /v1/notify", auth(http.HandlerFunc(handler.NotifyStats)))
	if cfg.LiveFeed != nil {
		mux.Handle("GET /v1/events", auth(cfg.LiveFeed))
	}

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
