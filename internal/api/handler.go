// Package api provides HTTP handlers for the Carat chat API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/carat-studio/internal/orchestrator"
	"github.com/ashureev/carat-studio/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultMaxUploadBytes = 10 << 20
	defaultKeepAlive      = 10 * time.Second
)

// TurnHandler runs one chat turn. orchestrator.Orchestrator implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn orchestrator.Turn) (orchestrator.Reply, error)
}

// SessionForgetter drops the in-memory context of a deleted session.
// session.Store implements it.
type SessionForgetter interface {
	Delete(sessionID string)
}

// Options tune request limits. Zero values fall back to defaults.
type Options struct {
	MaxUploadBytes int64
	KeepAlive      time.Duration
}

// Handler serves the chat and session endpoints.
type Handler struct {
	turns          TurnHandler
	repo           store.Repository
	sessions       SessionForgetter
	limiter        *RateLimiter
	maxUploadBytes int64
	keepAlive      time.Duration
	logger         *slog.Logger
}

// NewHandler creates a Handler. limiter and sessions may be nil.
func NewHandler(turns TurnHandler, repo store.Repository, sessions SessionForgetter, limiter *RateLimiter, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	return &Handler{
		turns:          turns,
		repo:           repo,
		sessions:       sessions,
		limiter:        limiter,
		maxUploadBytes: opts.MaxUploadBytes,
		keepAlive:      opts.KeepAlive,
		logger:         logger,
	}
}

// RegisterRoutes mounts the API under /api. The caller installs identity
// middleware ahead of it.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.HandleMe)
		r.Post("/chat", h.HandleChat)
		r.Post("/chat/stream", h.HandleChatStream)
		r.Get("/sessions", h.HandleListSessions)
		r.Get("/sessions/{id}/messages", h.HandleListMessages)
		r.Delete("/sessions/{id}", h.HandleDeleteSession)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
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

// turnStatus maps a HandleTurn or request parsing error to a status and a
// client-facing message.
func turnStatus(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrEmptyTurn):
		return http.StatusBadRequest, "message or image is required"
	case errors.Is(err, orchestrator.ErrUnsupportedUpload):
		return http.StatusUnsupportedMediaType, "only image uploads are supported"
	case errors.Is(err, orchestrator.ErrNoUser):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "failed to process message"
	}
}
