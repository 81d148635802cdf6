package api

import (
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/coursehub/backend/internal/auth"
	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/health"
	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/metrics"
	"github.com/coursehub/backend/internal/middleware"
	"github.com/coursehub/backend/internal/status"
	"github.com/coursehub/backend/internal/websocket"
)

// RouterConfig carries the services behind the HTTP API.
type RouterConfig struct {
	Ingest    Ingester
	Status    *status.Service
	Jobs      status.JobLookup
	Auth      *auth.Service
	WebSocket *websocket.Handler
	Health    *health.Handler
	Metrics   *metrics.Metrics
	Logger    *logger.Logger

	CORSOrigins    []string
	MaxUploadBytes int64
}

type Router struct {
	mux           *http.ServeMux
	cfg           *RouterConfig
	videoHandlers *VideoHandlers
	jobHandlers   *JobHandlers
}

func NewRouter(cfg *RouterConfig) *Router {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	r := &Router{
		mux:           http.NewServeMux(),
		cfg:           cfg,
		videoHandlers: NewVideoHandlers(cfg.Ingest, cfg.Status, cfg.MaxUploadBytes),
		jobHandlers:   NewJobHandlers(cfg.Jobs),
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	// Health check
	if r.cfg.Health != nil {
		r.mux.HandleFunc("GET /health", r.cfg.Health.HealthHandler)
		r.mux.HandleFunc("GET /health/live", r.cfg.Health.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", r.cfg.Health.ReadinessHandler)
	}
	r.mux.Handle("GET /metrics", r.cfg.Metrics.Handler())

	// WebSocket authenticates on its own before the upgrade
	if r.cfg.WebSocket != nil {
		r.mux.HandleFunc("GET /ws", r.cfg.WebSocket.ServeWS)
	}

	// Video routes (auth required)
	r.mux.HandleFunc("POST /api/v1/chapters/{id}/videos", r.withAuth(r.videoHandlers.Upload))
	r.mux.Handle("GET /api/v1/chapters/{id}/videos/status", middleware.ETag(r.withAuth(r.videoHandlers.ListStatuses)))
	r.mux.Handle("GET /api/v1/videos/{id}/status", middleware.ETag(r.withAuth(r.videoHandlers.GetStatus)))
	r.mux.HandleFunc("POST /api/v1/videos/{id}/enqueue", r.withAuth(r.videoHandlers.Enqueue))

	// Job introspection (auth required)
	r.mux.HandleFunc("GET /api/v1/jobs/{id}", r.withAuth(r.jobHandlers.GetJob))
}

func (r *Router) withAuth(next apperrors.Handler) http.HandlerFunc {
	authenticate := auth.Middleware(r.cfg.Auth)
	handler := authenticate(apperrors.HandleFunc(next))
	return handler.ServeHTTP
}

// Handler returns the router wrapped in the request pipeline. The websocket
// endpoint bypasses compression and timing since its connection is hijacked.
func (r *Router) Handler() http.Handler {
	origins := r.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", apperrors.RequestIDHeader}),
		handlers.ExposedHeaders([]string{apperrors.RequestIDHeader}),
	)

	api := middleware.Chain(r, handlers.CompressHandler, middleware.Timing(r.cfg.Logger, 0))
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/ws" {
			r.ServeHTTP(w, req)
			return
		}
		api.ServeHTTP(w, req)
	})
	h = metrics.MetricsMiddleware(r.cfg.Metrics)(h)
	h = logger.Middleware(r.cfg.Logger)(h)
	h = logger.RecoveryMiddleware(h)
	h = apperrors.RequestIDMiddleware(h)
	h = cors(h)
	return handlers.ProxyHeaders(h)
}
