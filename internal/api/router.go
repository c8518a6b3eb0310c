package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/resumai/resumai/internal/middleware"
	"github.com/resumai/resumai/web"
	"go.uber.org/zap"
)

// RouterConfig wires the webhook server.
type RouterConfig struct {
	Turns  TurnHandler
	Store  Pinger
	Logger *zap.Logger

	// Dev mounts the /dev chat page and CORS.
	Dev            bool
	AllowedOrigins []string
	HealthTimeout  time.Duration

	// Telegram is nil when reviewer notifications are not sent to Telegram.
	Telegram       CallbackResponder
	TelegramSecret string
	TelegramChat   int64
}

// NewRouter builds the HTTP routes of the webhook server.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chiMiddleware.Recoverer)
	if cfg.Dev {
		r.Use(middleware.CORS(cfg.AllowedOrigins))
	}

	h := NewHandler(cfg.Turns, log)
	NewHealthHandler(cfg.Store, cfg.HealthTimeout, log).RegisterHealth(r)

	r.Get("/", Root)
	r.Post("/query", h.Query)

	if cfg.Dev {
		r.Get("/dev", web.DevHandler().ServeHTTP)
		r.Get("/dev/ws", NewDevChat(cfg.Turns, log).ServeHTTP)
	} else {
		r.Get("/dev", Root)
	}

	if cfg.Telegram != nil {
		r.Post("/telegram/webhook", NewTelegramWebhook(cfg.Turns, cfg.Telegram, cfg.TelegramSecret, cfg.TelegramChat, log).ServeHTTP)
	}

	r.NotFound(NotFound)
	return r
}
