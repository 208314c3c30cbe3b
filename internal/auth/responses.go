// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and guards. Fixed messages are plain ASCII and concatenated;
// anything carrying user data goes through writeJSON.
package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"message":"internal server error"}`))
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// Unauthorized returns a 401 JSON response with a generic message.
// Keep message generic to prevent user enumeration.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// Forbidden returns a 403 JSON response with message.
func Forbidden(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusForbidden, map[string]string{"message": message})
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"message":"not found"}`))
}

// TooManyRequests returns a 429. A non-zero until adds a Retry-After header and a
// blocked_until field so clients know when to come back.
func TooManyRequests(w http.ResponseWriter, until time.Time, now time.Time) {
	body := map[string]any{"message": "too many attempts", "blocked": true}
	if !until.IsZero() {
		secs := int(until.Sub(now).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		body["blocked_until"] = until.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusTooManyRequests, body)
}

// ValidationFailed returns a 422 with the field messages.
func ValidationFailed(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"message": "validation failed",
		"errors":  fields,
	})
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// guardError is the JSON contract for guard rejections on API requests.
func guardError(w http.ResponseWriter, status int, message string, now time.Time) {
	writeJSON(w, status, map[string]any{
		"status":      "error",
		"message":     message,
		"timestamp":   now.Unix(),
		"server_time": now.UTC().Format(time.RFC3339),
	})
}

// isAPIRequest reports whether r wants JSON rather than a redirect.
func isAPIRequest(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") ||
		strings.Contains(r.Header.Get("Accept"), "application/json") ||
		r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}
