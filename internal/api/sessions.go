package api

import (
	"net/http"

	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/identity"
	"github.com/go-chi/chi/v5"
)

type meResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// HandleMe returns the caller's anonymous id and, once captured, their name.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	resp := meResponse{UserID: userID}
	if user != nil {
		resp.Name = user.DisplayName
	}
	JSON(w, http.StatusOK, resp)
}

// HandleListSessions returns the caller's sessions, most recent first.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.ChatSession{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// HandleListMessages returns the messages of one of the caller's sessions.
func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	messages, err := h.repo.ListMessages(r.Context(), cs.ID)
	if err != nil {
		h.logger.Error("failed to list messages", "session_id", cs.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []domain.StoredMessage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": cs, "messages": messages})
}

// HandleDeleteSession deletes one of the caller's sessions with its messages.
func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.repo.DeleteSession(r.Context(), cs.ID); err != nil {
		h.logger.Error("failed to delete session", "session_id", cs.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if h.sessions != nil {
		h.sessions.Delete(cs.ID)
	}
	h.logger.Info("session deleted", "user_id", cs.UserID, "session_id", cs.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession loads the {id} session and checks the caller owns it. Someone
// else's session answers 404 like a missing one.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*domain.ChatSession, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	id := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if id == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}
	cs, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	if cs == nil || cs.UserID != userID {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return cs, true
}
