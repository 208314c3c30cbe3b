// sessions_handler.go -- "your devices" endpoints over session.Manager.
package auth

import (
	"errors"
	"net/http"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/go-chi/chi/v5"
)

// ListSessions handles GET /api/sessions -- the user's live sessions, current one flagged.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	userID, ok := sess.UserID()
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	list, err := h.Sessions.UserSessions(r.Context(), userID, sess.ID())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// CurrentSession handles GET /api/sessions/current.
func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	info, err := sess.CurrentInfo(r.Context())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if info == nil {
		NotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// TerminateSession handles DELETE /api/sessions/{id}. Only the owner may end a session, and
// the current session must go through logout instead.
func (h *Handler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	userID, ok := sess.UserID()
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	id := chi.URLParam(r, "id")
	if id == sess.ID() {
		BadRequest(w, r, "use logout to end the current session")
		return
	}
	if err := h.Sessions.TerminateSession(r.Context(), id, &userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "session terminated")
	OK(w, "session terminated")
}

// TerminateOtherSessions handles POST /api/sessions/terminate-others.
func (h *Handler) TerminateOtherSessions(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	userID, ok := sess.UserID()
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	n, err := h.Sessions.TerminateOtherSessions(r.Context(), userID, sess.ID())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "other sessions terminated", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"terminated": n})
}

// TrustSession handles POST /api/sessions/{id}/trust.
func (h *Handler) TrustSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	userID, ok := sess.UserID()
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	if err := h.Sessions.MarkAsTrusted(r.Context(), chi.URLParam(r, "id"), &userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}
	OK(w, "session trusted")
}

// SessionStats handles GET /api/sessions/stats for the logged-in user.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	userID, ok := sess.UserID()
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	stats, err := h.Sessions.SessionStats(r.Context(), &userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// AllSessionStats handles GET /api/admin/sessions/stats -- totals across every user.
func (h *Handler) AllSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Sessions.SessionStats(r.Context(), nil)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
