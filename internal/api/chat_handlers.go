package api

import (
	"log/slog"
	"net/http"
)

type sendRequest struct {
	Message string `json:"message"`
}

// HandleSessionOpen handles POST /api/session/open. Mounting initializes the
// in-memory log from the durable store and dials the agent channel; the
// response carries the log snapshot so the client renders history at once.
func (h *Handler) HandleSessionOpen(w http.ResponseWriter, r *http.Request) {
	accountID := requireAccount(w, r)
	if accountID == "" {
		return
	}

	s, err := h.manager.Open(r.Context(), accountID)
	if err != nil {
		slog.Error("failed to mount session", "account_id", accountID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"ready":    true,
		"messages": s.Log().Snapshot(),
	})
}

// HandleSessionClose handles POST /api/session/close.
func (h *Handler) HandleSessionClose(w http.ResponseWriter, r *http.Request) {
	accountID := requireAccount(w, r)
	if accountID == "" {
		return
	}

	h.manager.Close(accountID)
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// HandleChatSend handles POST /api/chat/send.
func (h *Handler) HandleChatSend(w http.ResponseWriter, r *http.Request) {
	accountID := requireAccount(w, r)
	if accountID == "" {
		return
	}

	s := h.manager.Get(accountID)
	if s == nil {
		Error(w, http.StatusConflict, "session not open")
		return
	}

	if !h.limiter.Allow(accountID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sendRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	// SendChat never reports durable or agent failures; the request is
	// accepted once the local append happened.
	s.SendChat(r.Context(), req.Message)
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleChatLog handles GET /api/chat/log. Reads through the live session
// when one is mounted, falling back to the durable store otherwise.
func (h *Handler) HandleChatLog(w http.ResponseWriter, r *http.Request) {
	accountID := requireAccount(w, r)
	if accountID == "" {
		return
	}

	if s := h.manager.Get(accountID); s != nil {
		JSON(w, http.StatusOK, map[string]any{"messages": s.Log().Snapshot()})
		return
	}

	messages, err := h.repo.GetChatLog(r.Context(), accountID)
	if err != nil {
		slog.Error("failed to load chat log", "account_id", accountID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load chat log")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": messages})
}
