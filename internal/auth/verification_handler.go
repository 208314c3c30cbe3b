// verification_handler.go -- HTTP handlers for email verification codes.
package auth

import (
	"errors"
	"net/http"
	"time"
)

// SendVerification handles POST /api/auth/email/send -- mails a fresh code to the logged-in user.
// Returns 429 once the per-user send limit is reached.
func (h *Handler) SendVerification(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	userID, ok := sess.UserID()
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	if err := h.Auth.SendVerificationCode(r.Context(), userID); err != nil {
		if errors.Is(err, ErrThrottled) {
			logInfo(r, "verification code send rate limited")
			TooManyRequests(w, time.Time{}, h.Auth.Now())
			return
		}
		InternalServerError(w, r, err)
		return
	}
	OK(w, "verification code sent")
}

// VerifyEmail handles POST /api/auth/email/verify with {"code":"123456"}.
// Returns 400 for a wrong, used or expired code and 429 once too many guesses were made.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &in) {
		return
	}
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	userID, ok := sess.UserID()
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}

	if err := h.Auth.VerifyEmail(r.Context(), userID, in.Code); err != nil {
		switch {
		case errors.Is(err, ErrInvalidCode):
			BadRequest(w, r, "invalid or expired code")
			return
		case errors.Is(err, ErrThrottled):
			logInfo(r, "verification code guesses rate limited")
			TooManyRequests(w, time.Time{}, h.Auth.Now())
			return
		}
		InternalServerError(w, r, err)
		return
	}
	if _, err := h.Auth.RefreshIdentity(r.Context(), sess); err != nil {
		logWarn(r, "refreshing identity after verification failed", "error", err)
	}
	OK(w, "email verified")
}
