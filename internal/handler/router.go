package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/copilot-chat/internal/middleware"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Widget            Widget
	Queue             Queue
	NATS              Connectivity
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	EventPoll         time.Duration
	EventHeartbeat    time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the HTTP surface of the widget.
func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrGlobal(cfg.Logger)

	healthHandler := NewHealthHandler(cfg.Widget, cfg.NATS)
	widgetHandler := NewWidgetHandler(cfg.Widget, log)
	conversationHandler := NewConversationHandler(cfg.Widget, log)
	messageHandler := NewMessageHandler(cfg.Widget, log)
	streamHandler := NewStreamHandler(cfg.Widget, cfg.EventPoll, cfg.EventHeartbeat, log)
	bridgeHandler := NewBridgeHandler(cfg.Queue, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.Identify)
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.With(middleware.RequireScope(middleware.ScopePush)).
			Post("/bridge/messages", bridgeHandler.Push)

		r.Route("/widget", func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeControl))

			r.Get("/", widgetHandler.Get)
			r.Put("/assistant", widgetHandler.SelectAssistant)
			r.Get("/events", streamHandler.Events)

			r.Get("/messages", messageHandler.List)
			r.Post("/questions", messageHandler.Ask)
			r.Post("/files", messageHandler.AttachFiles)

			r.Get("/conversations", conversationHandler.List)
			r.Post("/conversations", conversationHandler.New)
			r.Post("/conversations/{id}/open", conversationHandler.Open)
		})
	})

	return r
}
