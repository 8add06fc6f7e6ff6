package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/whatsapp-concierge/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/whatsapp-concierge/internal/http/middleware"
	"github.com/wolfman30/whatsapp-concierge/internal/messaging"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// Config holds router configuration. Optional surfaces are mounted only
// when their handler is set.
type Config struct {
	Logger             *logging.Logger
	MessagingHandler   *messaging.Handler
	ProcessHandler     *handlers.ProcessHandler
	AdminConversations *handlers.AdminConversationsHandler
	AdminAuthSecret    string
	InternalAPIKey     string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	// WebhookLimiter caps webhook requests per client IP.
	WebhookLimiter httpmiddleware.Allower
	RequestTimeout time.Duration
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	if cfg == nil || cfg.MessagingHandler == nil {
		panic("router: messaging handler required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	r.Get("/health", cfg.MessagingHandler.HealthCheck)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(hooks chi.Router) {
		hooks.Use(httpmiddleware.RateLimit(cfg.WebhookLimiter, cfg.Logger))
		hooks.Get("/webhooks/whatsapp", cfg.MessagingHandler.CloudAPIVerify)
		hooks.Post("/webhooks/whatsapp", cfg.MessagingHandler.CloudAPIWebhook)
		hooks.Post("/webhooks/twilio/whatsapp", cfg.MessagingHandler.TwilioWebhook)
	})

	if cfg.ProcessHandler != nil {
		r.Route("/internal", func(internal chi.Router) {
			internal.Use(httpmiddleware.InternalKey(cfg.InternalAPIKey))
			internal.Post("/process", cfg.ProcessHandler.Process)
		})
	}

	if cfg.AdminConversations != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Route("/conversations/{conversationID}", func(conv chi.Router) {
				conv.Get("/", cfg.AdminConversations.GetConversation)
				conv.Post("/takeover", cfg.AdminConversations.Takeover)
				conv.Post("/release", cfg.AdminConversations.Release)
				conv.Post("/messages", cfg.AdminConversations.Reply)
				conv.Get("/audit", cfg.AdminConversations.AuditTrail)
			})
			admin.Post("/messages/{messageID}/redact", cfg.AdminConversations.Redact)
		})
	}

	return r
}
