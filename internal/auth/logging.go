// logging.go -- Request-scoped logging helpers.
//
// Wraps slog with the request context (request id, client IP, method, path and the
// session's user when bound) so handlers don't repeat these fields on every call.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/MGallo-Code/warden/internal/session"
	"github.com/go-chi/chi/v5/middleware"
)

// reqAttrs returns standard request-scoped attributes for logging.
func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"request_id", middleware.GetReqID(r.Context()),
		"ip", session.ClientIP(r),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if sess := session.FromContext(r.Context()); sess != nil {
		if id, ok := sess.UserID(); ok {
			attrs = append(attrs, "user_id", id)
		}
	}
	return attrs
}

func logDebug(r *http.Request, msg string, args ...any) {
	slog.Debug(msg, append(reqAttrs(r), args...)...)
}

func logInfo(r *http.Request, msg string, args ...any) {
	slog.Info(msg, append(reqAttrs(r), args...)...)
}

func logWarn(r *http.Request, msg string, args ...any) {
	slog.Warn(msg, append(reqAttrs(r), args...)...)
}

func logError(r *http.Request, msg string, args ...any) {
	slog.Error(msg, append(reqAttrs(r), args...)...)
}
