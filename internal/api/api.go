//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prospector-labs/prospector/internal/auth"
	"github.com/prospector-labs/prospector/internal/config"
	"github.com/prospector-labs/prospector/internal/session"
	"github.com/prospector-labs/prospector/internal/store"
)

// Handler serves the presentation layer's HTTP API.
type Handler struct {
	repo     store.Repository
	provider *auth.Provider
	manager  *session.Manager
	hub      *StreamHub
	limiter  *RateLimiter
	cfg      *config.Config
}

// NewHandler creates the API handler.
func NewHandler(repo store.Repository, provider *auth.Provider, manager *session.Manager, hub *StreamHub, cfg *config.Config) *Handler {
	return &Handler{
		repo:     repo,
		provider: provider,
		manager:  manager,
		hub:      hub,
		limiter:  NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		cfg:      cfg,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", h.HandleSignUp)
		r.Post("/login", h.HandleLogin)
		r.Post("/logout", h.HandleLogout)
	})
	r.Route("/api/profile", func(r chi.Router) {
		r.Get("/", h.HandleGetProfile)
		r.Put("/", h.HandlePutProfile)
	})
	r.Route("/api/session", func(r chi.Router) {
		r.Post("/open", h.HandleSessionOpen)
		r.Post("/close", h.HandleSessionClose)
	})
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/send", h.HandleChatSend)
		r.Get("/log", h.HandleChatLog)
		r.Get("/stream", h.HandleStream)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// requireAccount resolves the authenticated account ID or writes a 401.
func requireAccount(w http.ResponseWriter, r *http.Request) string {
	accountID := auth.AccountIDFromContext(r.Context())
	if accountID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
	}
	return accountID
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
