// middleware.go

// Route guards: authentication, guest-only, admin, permission, CSRF and remember-me.
// Every guard expects session.Manager.Middleware to have run first.
package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/MGallo-Code/warden/internal/access"
	"github.com/MGallo-Code/warden/internal/session"
)

// IntendedURLKey holds the URL an unauthenticated visitor asked for.
const IntendedURLKey = "intended_url"

// Guard adapts Service and the permission registry to chi middleware.
type Guard struct {
	Auth       *Service
	SignInPath string // redirect target for unauthenticated web requests
	HomePath   string // landing route after login and for rejected web requests
}

// NewGuard fills the default paths.
func NewGuard(svc *Service, signInPath, homePath string) *Guard {
	if signInPath == "" {
		signInPath = "/signin"
	}
	if homePath == "" {
		homePath = "/"
	}
	return &Guard{Auth: svc, SignInPath: signInPath, HomePath: homePath}
}

// Remember silently logs the visitor in from the remember-me cookie when the session is
// anonymous. Invalid tokens clear the cookie and the request continues anonymously.
func (g *Guard) Remember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		c, err := r.Cookie(RememberCookie)
		if sess == nil || err != nil || c.Value == "" || g.Auth.Check(sess) {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := g.Auth.ValidateRememberToken(r.Context(), sess, c.Value); err != nil {
			if errors.Is(err, ErrInvalidToken) {
				logDebug(r, "remember token rejected")
			} else {
				logError(r, "remember token lookup failed", "error", err)
			}
			ClearRememberCookie(w)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects anonymous requests: 401 JSON for API requests, otherwise a redirect to
// the sign-in page after remembering the requested URL. The principal is bound into the
// request context for downstream handlers (access.PrincipalFromContext).
func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		p, ok := g.Auth.User(sess)
		if !ok {
			logInfo(r, "require auth failed", "reason", "anonymous")
			if isAPIRequest(r) {
				guardError(w, http.StatusUnauthorized, "Authentication required", g.Auth.Now())
				return
			}
			if sess != nil && r.Method == http.MethodGet {
				sess.Set(r.Context(), IntendedURLKey, r.URL.RequestURI())
			}
			http.Redirect(w, r, g.SignInPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(access.WithPrincipal(r.Context(), p)))
	})
}

// RequireGuest sends authenticated visitors to their intended URL, or HomePath.
func (g *Guard) RequireGuest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		if !g.Auth.Check(sess) {
			next.ServeHTTP(w, r)
			return
		}
		if isAPIRequest(r) {
			guardError(w, http.StatusForbidden, "Already authenticated", g.Auth.Now())
			return
		}
		http.Redirect(w, r, g.IntendedURL(r), http.StatusFound)
	})
}

// IntendedURL pops the remembered URL from the session, falling back to HomePath.
// Only same-site paths are honoured.
func (g *Guard) IntendedURL(r *http.Request) string {
	sess := session.FromContext(r.Context())
	if sess == nil {
		return g.HomePath
	}
	target, _ := sess.Get(IntendedURLKey, "").(string)
	if target == "" {
		return g.HomePath
	}
	sess.Remove(r.Context(), IntendedURLKey)
	if u, err := url.Parse(target); err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return g.HomePath
	}
	return target
}

// RequireAdmin runs RequireAuth, then requires the admin or superadmin role.
func (g *Guard) RequireAdmin(next http.Handler) http.Handler {
	return g.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.control().IsAdmin(r.Context()) {
			g.deny(w, r, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// RequirePermission runs RequireAuth, then requires every check to pass.
func (g *Guard) RequirePermission(checks ...access.Check) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.control().CanAll(r.Context(), checks...) {
				g.deny(w, r, "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func (g *Guard) control() access.Control {
	return access.Control{Registry: g.Auth.Registry()}
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, reason string) {
	logWarn(r, "access denied", "reason", reason)
	if isAPIRequest(r) {
		guardError(w, http.StatusForbidden, "Access denied", g.Auth.Now())
		return
	}
	http.Redirect(w, r, g.HomePath, http.StatusFound)
}

// statusCSRFExpired is the non-standard "page expired" status web clients expect on a
// stale form.
const statusCSRFExpired = 419

// CSRF enforces the session token on POST, PUT, PATCH and DELETE. The token is read from
// the X-CSRF-Token header or the csrf_token form field. Anonymous sessions are covered too:
// a session with no token yet fails, so clients fetch one from GET /api/auth/csrf before
// posting login or register forms.
func (g *Guard) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		if !mutating(r.Method) || sess == nil {
			next.ServeHTTP(w, r)
			return
		}
		stored, _ := sess.Get(CSRFSessionKey, "").(string)
		if !ValidateCSRFToken(submittedCSRFToken(r), stored) {
			logWarn(r, "csrf validation failed")
			if isAPIRequest(r) {
				guardError(w, http.StatusForbidden, "CSRF token mismatch", g.Auth.Now())
				return
			}
			guardError(w, statusCSRFExpired, "Page expired", g.Auth.Now())
			return
		}
		next.ServeHTTP(w, r)
	})
}
