package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vidaplus/clinica-ai/internal/assistant"
	httpmiddleware "github.com/vidaplus/clinica-ai/internal/http/middleware"
	"github.com/vidaplus/clinica-ai/internal/webchat"
	"github.com/vidaplus/clinica-ai/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	AssistantHandler   *assistant.Handler
	WebchatHandler     *webchat.Handler
	MetricsHandler     http.Handler
	AuthSecret         string
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (health checks, metrics, webchat widget)
	r.Group(func(public chi.Router) {
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.WebchatHandler != nil {
			public.Get("/webchat/ws", cfg.WebchatHandler.HandleWebSocket)
			public.Get("/webchat/widget.js", cfg.WebchatHandler.ServeWidget)
		}
		if cfg.AssistantHandler != nil {
			public.Get("/health", cfg.AssistantHandler.HandleHealth)
		}
	})

	// Authenticated assistant API
	if cfg.AssistantHandler != nil {
		r.Route("/api/assistant", func(api chi.Router) {
			api.Use(httpmiddleware.Auth(cfg.AuthSecret))
			api.Mount("/", cfg.AssistantHandler.Routes())
		})
	}

	return r
}
