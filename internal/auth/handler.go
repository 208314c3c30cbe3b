// handler.go -- HTTP handlers for /api/auth/* endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/access"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
)

// Pinger is a dependency with a health check. Satisfied by the Postgres and Redis stores.
type Pinger interface {
	CheckHealth(ctx context.Context) error
}

// Handler holds dependencies for the auth, password, verification and session endpoints.
type Handler struct {
	Auth     *Service
	Sessions *session.Manager
	Guard    *Guard

	Postgres Pinger
	Redis    Pinger
}

// requestSession returns the session bound by session.Manager.Middleware.
// A missing session is a wiring bug and answers 500.
func requestSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		InternalServerError(w, r, errors.New("session middleware not installed"))
		return nil, false
	}
	return sess, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logWarn(r, "failed to decode request body", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}

// Login handles POST /api/auth/login -- email or username + password.
// Returns 200 with the user and CSRF token, 401 for bad credentials, 429 while blocked.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Identifier == "" {
		in.Identifier = in.Email
	}
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}

	res, err := h.Auth.Login(r.Context(), sess, in.Identifier, in.Password, in.RememberMe)
	var blocked *BlockedError
	switch {
	case errors.As(err, &blocked):
		logInfo(r, "login blocked", "until", blocked.Until)
		TooManyRequests(w, blocked.Until, h.Auth.Now())
		return
	case errors.Is(err, ErrInvalidCredentials):
		Unauthorized(w, r, "invalid credentials")
		return
	case errors.Is(err, ErrEmailNotVerified):
		Forbidden(w, "email not verified")
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}

	if res.RememberToken != "" {
		SetRememberCookie(w, res.RememberToken, h.Auth.RememberTTL())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       res.Principal,
		"csrf_token": res.CSRFToken,
		"redirect":   h.Guard.IntendedURL(r),
	})
}

// Logout handles POST /api/auth/logout -- clears the remember token and destroys the session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	h.Auth.Logout(r.Context(), sess, w)
	OK(w, "logged out")
}

// Register handles POST /api/auth/register.
// Returns 201 with user_id (and the login payload when auto_login was set), 422 for field errors.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if !decode(w, r, &in) {
		return
	}
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}

	res, err := h.Auth.Register(r.Context(), sess, in)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		ValidationFailed(w, verr.Fields)
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}

	body := map[string]any{"user_id": res.UserID}
	if res.Login != nil {
		body["user"] = res.Login.Principal
		body["csrf_token"] = res.Login.CSRFToken
	}
	writeJSON(w, http.StatusCreated, body)
}

// Me handles GET /api/auth/me -- the identity cached in the session.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	sess := session.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":     p,
		"degraded": sess != nil && sess.Degraded(),
	})
}

type profileResponse struct {
	ID              string         `json:"id"`
	Email           string         `json:"email"`
	Username        *string        `json:"username"`
	Name            string         `json:"name"`
	FirstName       *string        `json:"first_name"`
	LastName        *string        `json:"last_name"`
	Department      *string        `json:"department"`
	Location        *string        `json:"location"`
	EmailVerifiedAt *time.Time     `json:"email_verified_at"`
	Preferences     map[string]any `json:"preferences"`
	Roles           []string       `json:"roles"`
	Groups          []string       `json:"groups"`
	CreatedAt       time.Time      `json:"created_at"`
}

func toProfile(u *store.User) profileResponse {
	return profileResponse{
		ID:              u.ID.String(),
		Email:           u.Email,
		Username:        u.Username,
		Name:            u.Name,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		Department:      u.Department,
		Location:        u.Location,
		EmailVerifiedAt: u.EmailVerifiedAt,
		Preferences:     u.Preferences,
		Roles:           u.Roles,
		Groups:          u.Groups,
		CreatedAt:       u.CreatedAt,
	}
}

// Profile handles GET /api/auth/profile -- the full stored user.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	u, err := h.Auth.FullUser(r.Context(), sess)
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfile(u))
}

// UpdateProfile handles PATCH /api/auth/profile. Absent fields are left untouched.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name       *string `json:"name"`
		Username   *string `json:"username"`
		Department *string `json:"department"`
		Location   *string `json:"location"`
	}
	if !decode(w, r, &in) {
		return
	}
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	p, err := h.Auth.UpdateProfile(r.Context(), sess, store.UserUpdate{
		Name:       in.Name,
		Username:   in.Username,
		Department: in.Department,
		Location:   in.Location,
	})
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		ValidationFailed(w, verr.Fields)
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p})
}

// CSRFToken handles GET /api/auth/csrf -- returns the session's token, issuing one if absent.
func (h *Handler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	sess, ok := requestSession(w, r)
	if !ok {
		return
	}
	token, _ := sess.Get(CSRFSessionKey, "").(string)
	if token == "" {
		var err error
		if token, err = GenerateCSRFToken(); err != nil {
			InternalServerError(w, r, err)
			return
		}
		sess.Set(r.Context(), CSRFSessionKey, token)
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// Can handles GET /api/auth/can?permission=&attribute=&value= for client-side UI gating.
// permission=role with value=<role> asks for a role instead of a permission key.
func (h *Handler) Can(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	perm := strings.TrimSpace(q.Get("permission"))
	if perm == "" {
		BadRequest(w, r, "permission required")
		return
	}

	var check access.Check
	switch {
	case perm == "role":
		check = access.HasRoleCheck(q.Get("value"))
	case q.Get("attribute") != "":
		check = access.PermWhere(perm, q.Get("attribute"), q.Get("value"))
	default:
		check = access.Perm(perm)
	}
	// Public route: resolve the principal from the session; anonymous visitors are denied.
	p, _ := h.Auth.User(session.FromContext(r.Context()))
	allowed := h.Auth.Registry().Can(p, check)
	writeJSON(w, http.StatusOK, map[string]any{"permission": perm, "allowed": allowed})
}

// Permissions handles GET /api/admin/permissions -- the effective permission table,
// built-ins plus any file overrides.
func (h *Handler) Permissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"permissions": h.Auth.Registry().Permissions()})
}
