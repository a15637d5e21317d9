package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/alvesdmateus/deployctl/internal/agent"
	"github.com/alvesdmateus/deployctl/internal/events"
	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/database"
)

// Options wires the server's dependencies
type Options struct {
	DB       *gorm.DB
	Store    *state.Store
	Queue    *queue.Queue
	Registry *agent.Registry
	Runtime  RuntimeInspector
	Events   events.Publisher

	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Tracer   *observability.Tracer

	JWTSecret   string
	CORSOrigins []string
	Version     string
	Logger      zerolog.Logger
}

// Server represents the HTTP API server
type Server struct {
	router            *chi.Mux
	opts              Options
	agentHandler      *AgentHandler
	deploymentHandler *DeploymentHandler
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		router:            chi.NewRouter(),
		opts:              opts,
		agentHandler:      NewAgentHandler(opts.Registry, opts.Queue, opts.Store, opts.Events, opts.Metrics, opts.Logger),
		deploymentHandler: NewDeploymentHandler(opts.Store.Repository(), opts.Queue, opts.Runtime),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.opts.Logger.With().Str("component", "http").Logger()))
	s.router.Use(RecoveryMiddleware)
	if s.opts.Metrics != nil {
		s.router.Use(MetricsMiddleware(s.opts.Metrics))
	}
	if s.opts.Tracer != nil {
		s.router.Use(TracingMiddleware(s.opts.Tracer))
	}

	s.router.Get("/health", s.healthCheck)
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// agent protocol, authenticated per node
	s.router.Route("/api/agent", s.agentHandler.Routes)

	// operator API
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(CORSMiddleware(s.opts.CORSOrigins))
		r.Use(JWTAuthMiddleware(s.opts.JWTSecret))
		r.Use(RateLimitMiddleware(operatorLimit, operatorKey))

		r.Route("/deployments/{id}", func(r chi.Router) {
			r.Post("/tasks", s.deploymentHandler.EnqueueTask)
			r.Get("/tasks", s.deploymentHandler.ListTasks)
			r.Get("/versions", s.deploymentHandler.ListVersions)
			r.Get("/logs", s.deploymentHandler.ListLogs)
			r.Get("/runtime", s.deploymentHandler.GetRuntimeStatus)
		})

		r.Get("/tasks/{taskID}", s.deploymentHandler.GetTask)
	})
}

// healthCheck handles GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	response := HealthResponse{Status: "ok", Database: "ok", Version: s.opts.Version}

	if err := database.HealthCheck(s.opts.DB); err != nil {
		response.Status = "degraded"
		response.Database = "error"
		status = http.StatusServiceUnavailable
	}

	RespondWithJSON(w, status, response)
}

// Handler returns the http.Handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}
