// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"net/http"
)

// CheckHealth handles GET /health -- pings Postgres and Redis, returns per-dependency status.
// Returns 200 if both are healthy, 503 if either is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := func(name string, p Pinger) string {
		if p == nil {
			return "disabled"
		}
		if err := p.CheckHealth(r.Context()); err != nil {
			logError(r, name+" health check failed", "error", err)
			return "error"
		}
		return "ok"
	}
	pg := status("postgres", h.Postgres)
	rd := status("redis", h.Redis)

	code := http.StatusOK
	if pg == "error" || rd == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{pg, rd})
}
