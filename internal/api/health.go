package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Pinger checks store connectivity. store.Repository satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   Pinger
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store Pinger, timeout time.Duration, logger *zap.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{store: store, timeout: timeout, logger: logger.Named("health")}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{"status": "healthy", "checks": checks}
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", zap.Error(err))
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
