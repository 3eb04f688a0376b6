// Package api provides the HTTP API of the certdispatch controller: the
// agent wire protocol under /agent, the operator API under /v1/admin and the
// ops endpoints under /v1/ops.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/api/handler"
	"github.com/certdispatch/certdispatch/internal/api/middleware"
	"github.com/certdispatch/certdispatch/internal/provider/resilience"
)

// AgentGateway authenticates agents and serves their requests.
type AgentGateway interface {
	middleware.AgentAuthenticator
	handler.AgentGateway
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	RequireTLS  bool

	Gateway      AgentGateway
	OperatorAuth middleware.OperatorValidator
	Tokens       handler.TokenAdmin
	Notifier     handler.OfflineNotifier
	Queue        handler.QueueAdmin
	Certificates handler.CertificateAdmin
	Dispatcher   handler.CheckDispatcher
	Activity     handler.ActivityLister
	Settings     handler.RemoteClientSettings

	// Dependencies are probed by /v1/ops/ready and /v1/ops/status.
	Dependencies map[string]handler.Pinger
	Breakers     *resilience.Registry
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "certdispatch-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))         // Structured logging
	r.Use(middleware.Recovery(cfg.Logger))       // Panic recovery
	r.Use(chimiddleware.RealIP)                  // Real IP extraction
	r.Use(middleware.SecurityHeaders)            // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS(cfg.RequireTLS)) // Agent secrets only over HTTPS
	r.Use(middleware.ContentTypeJSON)            // JSON content type

	agentHandler := handler.NewAgentHandler(cfg.Gateway, cfg.Logger)
	tokenHandler := handler.NewTokenHandler(cfg.Tokens, cfg.Notifier, cfg.Logger)
	queueHandler := handler.NewQueueHandler(cfg.Queue, cfg.Logger)
	certificateHandler := handler.NewCertificateHandler(cfg.Certificates, cfg.Dispatcher, cfg.Logger)
	activityHandler := handler.NewActivityHandler(cfg.Activity, cfg.Logger)
	settingsHandler := handler.NewSettingsHandler(cfg.Settings, cfg.Logger)
	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:      cfg.Version,
		BuildTime:    cfg.BuildTime,
		Dependencies: cfg.Dependencies,
		Breakers:     cfg.Breakers,
		Queue:        cfg.Queue,
		Tokens:       cfg.Tokens,
		Logger:       cfg.Logger,
	})

	operatorAuth := middleware.OperatorAuth(cfg.OperatorAuth)

	// Agent wire protocol. The IP limit runs before authentication so secret
	// guessing is throttled; the token limit runs after it.
	r.Route("/agent", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(middleware.AgentIPRateLimit))
		r.Use(middleware.AgentAuth(cfg.Gateway, cfg.Logger))
		r.Use(middleware.RateLimitByToken(middleware.AgentTokenRateLimit))
		r.Use(middleware.RequireJSON)

		r.Get("/poll", agentHandler.Poll)
		r.Post("/poll", agentHandler.Poll)
		r.Get("/tasks", agentHandler.Tasks)
		r.Post("/report", agentHandler.Report)
		r.Post("/ack", agentHandler.Ack)
	})

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			// Status endpoint requires authentication
			r.With(operatorAuth).Get("/status", opsHandler.SystemStatus)
		})

		// Admin endpoints (operator JWT) - operator-based rate limiting
		r.Route("/admin", func(r chi.Router) {
			r.Use(operatorAuth)
			r.Use(middleware.RateLimitByOperator(middleware.AdminRateLimit))
			r.Use(middleware.RequireJSON)

			r.Route("/tokens", func(r chi.Router) {
				r.Get("/", tokenHandler.List)
				r.Post("/", tokenHandler.Create)
				r.Route("/{tokenId}", func(r chi.Router) {
					r.Get("/", tokenHandler.Get)
					r.Patch("/", tokenHandler.Update)
					r.Delete("/", tokenHandler.Delete)
					r.Post("/rotate", tokenHandler.Rotate)
					r.Post("/offline", tokenHandler.MarkOffline)
				})
			})

			r.Route("/queue", func(r chi.Router) {
				r.Get("/peek", queueHandler.Peek)
				r.Get("/tasks", queueHandler.List)
				r.Post("/tasks", queueHandler.Enqueue)
				r.Delete("/tasks/{subjectId}", queueHandler.Remove)
			})

			r.Route("/certificates", func(r chi.Router) {
				r.Get("/", certificateHandler.List)
				r.Post("/", certificateHandler.Create)
				r.Route("/{certificateId}", func(r chi.Router) {
					r.Get("/", certificateHandler.Get)
					r.Delete("/", certificateHandler.Delete)
					r.Post("/check", certificateHandler.Check)
				})
			})

			r.Get("/activity", activityHandler.List)

			r.Route("/settings", func(r chi.Router) {
				r.Get("/remote-client", settingsHandler.GetRemoteClient)
				r.Put("/remote-client", settingsHandler.PutRemoteClient)
			})
		})
	})

	return r
}
