// main_test.go
//
// Level 3 smoke tests
// chi wiring via httptest.NewTLSServer with in-memory mock stores.
// Catches middleware ordering, route grouping, and real HTTP cookie/header behavior
// (Secure cookies included) that httptest.NewRecorder cannot exercise.

package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/MGallo-Code/warden/internal/auth"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

// --- Helpers ---

const smokeEmail = "smoke@example.com"
const smokePassword = "smokepassword1"

// newSmokeServer returns a TLS test server over buildRouter, backed by in-memory stores
// and seeded with one officer and one admin.
func newSmokeServer(t *testing.T) *httptest.Server {
	t.Helper()
	hash, err := auth.HashPassword(smokePassword)
	if err != nil {
		t.Fatalf("hashing test password: %v", err)
	}
	officer := &store.User{
		ID: uuid.Must(uuid.NewV7()), Email: smokeEmail, Name: "Smoke", PasswordHash: hash,
		IsActive: true, Roles: []string{"officer"},
	}
	admin := &store.User{
		ID: uuid.Must(uuid.NewV7()), Email: "admin@example.com", Name: "Admin", PasswordHash: hash,
		IsActive: true, Roles: []string{"admin"},
	}
	ms := testutil.NewMockStore(officer, admin)
	sessions := session.NewManager(session.Config{}, ms, testutil.NewMockCache(), nil, nil)
	svc := auth.NewService(auth.Config{}, ms, sessions, &testutil.MockRateLimiter{}, &testutil.MockMailer{}, nil)
	h := &auth.Handler{
		Auth:     svc,
		Sessions: sessions,
		Guard:    auth.NewGuard(svc, "/signin", "/dashboard"),
		Postgres: &testutil.MockPinger{},
	}
	srv := httptest.NewTLSServer(buildRouter(h))
	t.Cleanup(srv.Close)
	return srv
}

// smokeClient is the server's TLS client with a cookie jar and no redirect following.
func smokeClient(t *testing.T, srv *httptest.Server) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	c := srv.Client()
	c.Jar = jar
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

// send issues a request and returns the status and body. csrf may be empty.
func send(t *testing.T, c *http.Client, method, target, body, csrf string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if csrf != "" {
		req.Header.Set(auth.CSRFHeader, csrf)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

// fetchCSRF starts an anonymous session and returns its CSRF token.
func fetchCSRF(t *testing.T, c *http.Client, serverURL string) string {
	t.Helper()
	status, body := send(t, c, http.MethodGet, serverURL+"/api/auth/csrf", "", "")
	var out struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal([]byte(body), &out); status != http.StatusOK || err != nil || out.CSRFToken == "" {
		t.Fatalf("csrf: expected 200 with a token, got %d: %s", status, body)
	}
	return out.CSRFToken
}

// doSmokeLogin logs in and returns the CSRF token.
func doSmokeLogin(t *testing.T, c *http.Client, serverURL, email string, remember bool) string {
	t.Helper()
	payload := `{"email":"` + email + `","password":"` + smokePassword + `","remember_me":` + strconv.FormatBool(remember) + `}`
	status, body := send(t, c, http.MethodPost, serverURL+"/api/auth/login", payload, fetchCSRF(t, c, serverURL))
	if status != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", status, body)
	}
	var out struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil || out.CSRFToken == "" {
		t.Fatalf("login: no csrf_token in %s", body)
	}
	return out.CSRFToken
}

// --- Smoke tests ---

// TestSmoke_Health verifies /health is mounted outside the session middleware.
func TestSmoke_Health(t *testing.T) {
	srv := newSmokeServer(t)

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Postgres != "ok" || body.Redis != "disabled" {
		t.Errorf("unexpected health body %+v", body)
	}
	if len(resp.Cookies()) != 0 {
		t.Error("health probe must not start a session")
	}
}

// TestSmoke_FullRoundTrip verifies login -> me -> logout -> me over real HTTP.
func TestSmoke_FullRoundTrip(t *testing.T) {
	srv := newSmokeServer(t)
	c := smokeClient(t, srv)

	csrf := doSmokeLogin(t, c, srv.URL, smokeEmail, false)

	status, body := send(t, c, http.MethodGet, srv.URL+"/api/auth/me", "", "")
	if status != http.StatusOK || !strings.Contains(body, smokeEmail) {
		t.Fatalf("me: expected 200 with the user, got %d: %s", status, body)
	}

	if status, _ := send(t, c, http.MethodGet, srv.URL+"/api/sessions", "", ""); status != http.StatusOK {
		t.Errorf("sessions: expected 200, got %d", status)
	}

	if status, body := send(t, c, http.MethodPost, srv.URL+"/api/auth/logout", "", csrf); status != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d: %s", status, body)
	}
	if status, _ := send(t, c, http.MethodGet, srv.URL+"/api/auth/me", "", ""); status != http.StatusUnauthorized {
		t.Errorf("me after logout: expected 401, got %d", status)
	}
}

// TestSmoke_Logout_WithoutSession verifies RequireAuth guards the logout route.
func TestSmoke_Logout_WithoutSession(t *testing.T) {
	srv := newSmokeServer(t)
	c := smokeClient(t, srv)

	status, body := send(t, c, http.MethodPost, srv.URL+"/api/auth/logout", "", fetchCSRF(t, c, srv.URL))
	if status != http.StatusUnauthorized {
		t.Fatalf("status: expected 401, got %d", status)
	}
	if !strings.Contains(body, `"status":"error"`) || !strings.Contains(body, "Authentication required") {
		t.Errorf("unexpected guard body %s", body)
	}
}

// TestSmoke_Logout_WithSessionButNoCSRF verifies the CSRF guard runs on authenticated routes.
func TestSmoke_Logout_WithSessionButNoCSRF(t *testing.T) {
	srv := newSmokeServer(t)
	c := smokeClient(t, srv)
	doSmokeLogin(t, c, srv.URL, smokeEmail, false)

	if status, _ := send(t, c, http.MethodPost, srv.URL+"/api/auth/logout", "", ""); status != http.StatusForbidden {
		t.Errorf("status: expected 403, got %d", status)
	}
}

// TestSmoke_AnonymousPostWithoutCSRF verifies a fresh visitor cannot be logged in by a
// cross-site form post.
func TestSmoke_AnonymousPostWithoutCSRF(t *testing.T) {
	srv := newSmokeServer(t)
	c := smokeClient(t, srv)

	payload := `{"email":"` + smokeEmail + `","password":"` + smokePassword + `"}`
	if status, _ := send(t, c, http.MethodPost, srv.URL+"/api/auth/login", payload, ""); status != http.StatusForbidden {
		t.Fatalf("login without token: expected 403, got %d", status)
	}
	if status, _ := send(t, c, http.MethodGet, srv.URL+"/api/auth/me", "", ""); status != http.StatusUnauthorized {
		t.Errorf("me: expected 401, got %d", status)
	}
}

// TestSmoke_AdminGroup verifies /api/admin requires the admin role.
func TestSmoke_AdminGroup(t *testing.T) {
	srv := newSmokeServer(t)

	officer := smokeClient(t, srv)
	doSmokeLogin(t, officer, srv.URL, smokeEmail, false)
	if status, _ := send(t, officer, http.MethodGet, srv.URL+"/api/admin/permissions", "", ""); status != http.StatusForbidden {
		t.Errorf("officer: expected 403, got %d", status)
	}

	admin := smokeClient(t, srv)
	doSmokeLogin(t, admin, srv.URL, "admin@example.com", false)
	if status, body := send(t, admin, http.MethodGet, srv.URL+"/api/admin/permissions", "", ""); status != http.StatusOK {
		t.Errorf("admin: expected 200, got %d: %s", status, body)
	}
}

// TestSmoke_RememberMe verifies a new browser session is re-authenticated from the Secure
// remember_token cookie alone.
func TestSmoke_RememberMe(t *testing.T) {
	srv := newSmokeServer(t)
	c := smokeClient(t, srv)
	doSmokeLogin(t, c, srv.URL, smokeEmail, true)

	u, _ := url.Parse(srv.URL)
	var remember *http.Cookie
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == auth.RememberCookie {
			remember = ck
		}
	}
	if remember == nil {
		t.Fatal("remember_token cookie not set")
	}

	// Fresh browser carrying only the remember cookie.
	restarted := smokeClient(t, srv)
	restarted.Jar.SetCookies(u, []*http.Cookie{{Name: remember.Name, Value: remember.Value, Path: "/"}})
	status, body := send(t, restarted, http.MethodGet, srv.URL+"/api/auth/me", "", "")
	if status != http.StatusOK || !strings.Contains(body, smokeEmail) {
		t.Errorf("me via remember cookie: expected 200, got %d: %s", status, body)
	}
}

// TestSmoke_AdminAnonymous verifies an anonymous JSON client gets 401, not a redirect.
func TestSmoke_AdminAnonymous(t *testing.T) {
	srv := newSmokeServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/admin/permissions", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := smokeClient(t, srv).Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous admin API call: expected 401, got %d", resp.StatusCode)
	}
}
