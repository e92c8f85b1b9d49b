package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ogent-io/ogent/controller/internal/auth"
	"github.com/ogent-io/ogent/controller/internal/router"
	"github.com/ogent-io/ogent/controller/internal/transport"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go once every component is constructed and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	AuthService *auth.AuthService
	Router      *router.Router
	Hub         *transport.Hub
	Logger      *zap.Logger
}

// NewRouter builds the fully configured Chi router: the bootstrap HTTP
// API, the command-inspection endpoints, and the Agent-facing websocket
// upgrade.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// --- Handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Router, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Router, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Router, cfg.AuthService, cfg.Logger)

	// --- Unauthenticated routes ---
	r.Get("/health", Health)
	r.Post("/token", authHandler.Token)
	r.Handle("/metrics", promhttp.Handler())

	// The Agent dials this endpoint directly (not under a versioned prefix,
	// matching the event protocol's own name, not a REST resource path) and
	// authenticates with its own bearer token, validated inside the handler.
	r.Get("/agents/ws", wsHandler.ServeWS)

	// --- Authenticated routes ---
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.AuthService.JWTManager()))

		r.Get("/agents", agentHandler.List)
		r.Get("/agents/{id}", agentHandler.GetByID)
		r.Post("/agents/{id}/execute", agentHandler.Execute)
		r.Post("/agents/{id}/analyze", agentHandler.Analyze)

		r.Get("/commands/{id}", commandHandler.GetByID)
		r.Get("/commands/{id}/stream", commandHandler.Stream)
	})

	return r
}
