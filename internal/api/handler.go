// Package api provides the HTTP handlers of the webhook server.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/resumai/resumai/internal/dispatch"
	"go.uber.org/zap"
)

// TurnHandler runs chat turns. *dispatch.Dispatcher satisfies it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn dispatch.Turn) dispatch.Reply
	HandleReviewerCallback(ctx context.Context, reviewerID, reviewerName, token string) dispatch.Reply
}

const (
	maxBodyBytes = 1 << 20

	rootMessage  = "There is nothing on this page. Please return to where you came from!"
	notFoundText = "Error 404: Page Not Found"
)

// Handler provides common handler utilities.
type Handler struct {
	turns  TurnHandler
	logger *zap.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(turns TurnHandler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{turns: turns, logger: logger.Named("api")}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Root answers GET / for anyone who wanders onto the server.
func Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"message": rootMessage})
}

// NotFound is the plain-text 404 for unknown routes.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundText))
}
