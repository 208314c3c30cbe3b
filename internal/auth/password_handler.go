// password_handler.go -- HTTP handlers for password forgot, reset and change flows.
package auth

import (
	"errors"
	"net/http"
	"time"
)

// PasswordForgot handles POST /api/auth/password/forgot -- starts the reset flow for an email.
// Known and unknown addresses get the same 200; only the per-email rate limit answers 429.
func (h *Handler) PasswordForgot(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &in) {
		return
	}

	msg, err := h.Auth.RequestPasswordReset(r.Context(), in.Email)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		ValidationFailed(w, verr.Fields)
		return
	case errors.Is(err, ErrThrottled):
		TooManyRequests(w, time.Time{}, h.Auth.Now())
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}
	OK(w, msg)
}

// PasswordReset handles POST /api/auth/password/reset -- completes the reset with the emailed token.
// No cookie is cleared here: the flow is unauthenticated and every session was just purged.
func (h *Handler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !decode(w, r, &in) {
		return
	}

	err := h.Auth.ResetPassword(r.Context(), in.Token, in.NewPassword)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		ValidationFailed(w, verr.Fields)
		return
	case errors.Is(err, ErrInvalidToken):
		BadRequest(w, r, "invalid or expired reset token")
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}
	OK(w, "password updated")
}

// PasswordChange handles POST /api/auth/password/change for the logged-in user.
// Other sessions of the user are ended; this one continues under a new id.
func (h *Handler) PasswordChange(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decode(w, r, &in) {
		return
	}
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}

	err := h.Auth.ChangePassword(r.Context(), sess, in.CurrentPassword, in.NewPassword)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		ValidationFailed(w, verr.Fields)
		return
	case errors.Is(err, ErrInvalidCredentials):
		Unauthorized(w, r, "invalid credentials")
		return
	case errors.Is(err, ErrNotAuthenticated):
		Unauthorized(w, r, "unauthorized")
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}
	// The remember token was cleared with the password.
	ClearRememberCookie(w)
	OK(w, "password updated")
}
