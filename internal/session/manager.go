// Package session manages server-side sessions.
//
// A session lives in two places: the full state (internal security keys included) in the
// Redis state cache, and a row in the Postgres sessions table carrying the public payload
// plus device, location and trust columns. Redis is read first; on a miss the row is used to
// rebuild the state. If both are unavailable the request continues with an in-memory session.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/device"
	"github.com/MGallo-Code/warden/internal/geo"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// ErrSecurityViolation is returned by Start when the inbound session failed a fingerprint,
// lifetime or idle check. The session has already been destroyed when this is returned.
var ErrSecurityViolation = errors.New("session security violation")

// Store is the durable session table. Implemented by store.PostgresStore.
type Store interface {
	UpsertSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, sessionID string, now time.Time) (*store.Session, error)
	RenameSession(ctx context.Context, oldID, newID string) error
	MarkSessionNotCurrent(ctx context.Context, sessionID string) error
	MarkSessionTrusted(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteUserSession(ctx context.Context, sessionID string, userID uuid.UUID) error
	DeleteOtherUserSessions(ctx context.Context, userID uuid.UUID, keepID string) ([]string, error)
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) ([]string, error)
	ListUserSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.Session, error)
	GetSessionStats(ctx context.Context, userID *uuid.UUID, now time.Time) (*store.SessionStats, error)
	CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Cache holds live session state. Implemented by store.RedisStore.
type Cache interface {
	SetState(ctx context.Context, state store.CachedState, ttl time.Duration) error
	GetState(ctx context.Context, sessionID string) (*store.CachedState, error)
	DeleteState(ctx context.Context, sessionID string, userID *uuid.UUID) error
	DeleteStates(ctx context.Context, userID uuid.UUID, sessionIDs []string) error
	DeleteAllUserStates(ctx context.Context, userID uuid.UUID) error
}

// Config controls cookie and security behaviour.
type Config struct {
	CookieName      string
	CookieDomain    string
	Lifetime        time.Duration // absolute session age limit and cookie Max-Age
	IdleTimeout     time.Duration
	RegenerateAfter time.Duration // id rotation interval
	CheckIP         bool          // also bind the session to the client IP
}

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "warden_session"

func (c Config) withDefaults() Config {
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.Lifetime <= 0 {
		c.Lifetime = 2 * time.Hour
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.RegenerateAfter <= 0 {
		c.RegenerateAfter = 30 * time.Minute
	}
	return c
}

// Keys the manager owns inside the session map. None of them reach the payload column.
const (
	keyCreated          = "created"
	keyLastActivity     = "last_activity"
	keyUserAgent        = "user_agent"
	keyIP               = "ip"
	keyLastRegeneration = "last_regeneration"
	keyUserID           = "user_id"
	keyGeoIP            = "geo_ip"
)

var internalKeys = map[string]bool{
	keyCreated:          true,
	keyLastActivity:     true,
	keyUserAgent:        true,
	keyIP:               true,
	keyLastRegeneration: true,
	keyUserID:           true,
	keyGeoIP:            true,
}

// Manager is application-scoped. It hands out one request-scoped *Session per request.
type Manager struct {
	cfg     Config
	store   Store
	cache   Cache
	devices device.Classifier
	geo     geo.Locator

	// Now is the clock. Tests replace it to simulate elapsed time.
	Now func() time.Time
}

// NewManager wires a Manager. A nil classifier or locator falls back to the defaults.
func NewManager(cfg Config, st Store, cache Cache, devices device.Classifier, locator geo.Locator) *Manager {
	if devices == nil {
		devices = device.UserAgentClassifier{}
	}
	if locator == nil {
		locator = geo.NopLocator{}
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		store:   st,
		cache:   cache,
		devices: devices,
		geo:     locator,
		Now:     time.Now,
	}
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string {
	return m.cfg.CookieName
}

type contextKey struct{}

// WithSession binds s to ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session bound by Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}

// Start returns the session for r, loading it from the inbound cookie or creating a new one.
// Idempotent: a session already bound to r's context is returned as is.
// Returns ErrSecurityViolation (after destroying the session) if the loaded state fails a check.
func (m *Manager) Start(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Session, error) {
	if s := FromContext(r.Context()); s != nil {
		return s, nil
	}

	s := m.handle(w, r)
	if c, err := r.Cookie(m.cfg.CookieName); err == nil && validID(c.Value) && m.load(ctx, s, c.Value) {
		if reason := m.violation(s, m.Now()); reason != "" {
			slog.Warn("session security violation", "reason", reason, "ip", s.ip, "user_agent", s.userAgent)
			s.Destroy(ctx)
			return nil, fmt.Errorf("%w: %s", ErrSecurityViolation, reason)
		}
	}
	if err := m.open(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// StartFresh starts a new anonymous session, ignoring any inbound cookie.
func (m *Manager) StartFresh(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Session, error) {
	s := m.handle(w, r)
	if err := m.open(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Middleware starts a session for every request and binds it to the request context.
// A session that fails its security checks is replaced by a fresh anonymous one.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Start(r.Context(), w, r)
		if errors.Is(err, ErrSecurityViolation) {
			s, err = m.StartFresh(r.Context(), w, r)
		}
		if err != nil {
			slog.Error("starting session", "error", err, "method", r.Method, "path", r.URL.Path)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}

func (m *Manager) handle(w http.ResponseWriter, r *http.Request) *Session {
	return &Session{
		m:         m,
		w:         w,
		data:      map[string]any{},
		ip:        ClientIP(r),
		userAgent: r.UserAgent(),
		secure:    isHTTPS(r),
	}
}

// load fills s from the cache, falling back to the durable row. Reports whether a session was found.
func (m *Manager) load(ctx context.Context, s *Session, id string) bool {
	state, err := m.cache.GetState(ctx, id)
	if err == nil {
		s.id = id
		if state.Data != nil {
			s.data = state.Data
		}
		return true
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		slog.Warn("session cache read failed", "error", err)
		s.degraded = true
	}

	row, err := m.store.GetSession(ctx, id, m.Now())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("session row read failed", "error", err)
			s.degraded = true
		}
		return false
	}

	s.id = id
	for k, v := range row.Payload {
		s.data[k] = v
	}
	s.data[keyCreated] = row.CreatedAt.Unix()
	s.data[keyLastActivity] = row.LastUsedAt.Unix()
	s.data[keyLastRegeneration] = row.CreatedAt.Unix()
	s.data[keyUserAgent] = fingerprint(row.UserAgent)
	s.data[keyIP] = fingerprint(row.IPAddress)
	if row.UserID != nil {
		s.data[keyUserID] = row.UserID.String()
	}
	return true
}

// violation returns a non-empty reason if the loaded state must not be trusted.
func (m *Manager) violation(s *Session, now time.Time) string {
	if fp, _ := s.data[keyUserAgent].(string); fp != "" && fp != fingerprint(s.userAgent) {
		return "user_agent_mismatch"
	}
	if m.cfg.CheckIP {
		if fp, _ := s.data[keyIP].(string); fp != "" && fp != fingerprint(s.ip) {
			return "ip_mismatch"
		}
	}
	if created, ok := s.timeAt(keyCreated); ok && now.Sub(created) > m.cfg.Lifetime {
		return "expired"
	}
	if last, ok := s.timeAt(keyLastActivity); ok && now.Sub(last) > m.cfg.IdleTimeout {
		return "idle_timeout"
	}
	return ""
}

// open assigns an id if needed, stamps the security keys, rotates the id when due, then syncs.
func (m *Manager) open(ctx context.Context, s *Session) error {
	now := m.Now()
	if s.id == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		s.id = id
		s.data[keyLastRegeneration] = now.Unix()
	}

	stampIfAbsent(s.data, keyCreated, now.Unix())
	stampIfAbsent(s.data, keyLastRegeneration, now.Unix())
	stampIfAbsent(s.data, keyUserAgent, fingerprint(s.userAgent))
	stampIfAbsent(s.data, keyIP, fingerprint(s.ip))
	s.data[keyLastActivity] = now.Unix()

	if last, ok := s.timeAt(keyLastRegeneration); ok && now.Sub(last) >= m.cfg.RegenerateAfter {
		_, err := s.Regenerate(ctx, true)
		return err
	}

	m.sync(ctx, s)
	m.setCookie(s)
	return nil
}

// sync writes the state to the cache and upserts the row. Failures are logged and
// leave the session usable in memory.
func (m *Manager) sync(ctx context.Context, s *Session) {
	if s.destroyed {
		return
	}
	now := m.Now()
	expiresAt := now.Add(m.cfg.Lifetime)
	userID := s.userIDPtr()

	info := m.devices.Classify(s.userAgent)
	created, ok := s.timeAt(keyCreated)
	if !ok {
		created = now
	}
	row := &store.Session{
		SessionID:  s.id,
		UserID:     userID,
		IPAddress:  s.ip,
		UserAgent:  s.userAgent,
		DeviceType: info.Type,
		DeviceName: info.Name,
		Platform:   info.Platform,
		Browser:    info.Browser,
		Payload:    s.payload(),
		CreatedAt:  created,
		LastUsedAt: now,
		ExpiresAt:  expiresAt,
	}
	// Locate before caching so geo_ip lands in the cached state.
	m.locate(ctx, s, row)

	state := store.CachedState{SessionID: s.id, UserID: userID, Data: s.data, ExpiresAt: expiresAt}
	if err := m.cache.SetState(ctx, state, m.cfg.Lifetime); err != nil {
		slog.Warn("session cache write failed", "error", err)
		s.degraded = true
	}

	if err := m.store.UpsertSession(ctx, row); err != nil {
		slog.Warn("session row write failed", "error", err)
		s.degraded = true
	}
}

// locate fills the row's location once per client IP. A failed lookup leaves the columns
// untouched and is not retried until the IP changes.
func (m *Manager) locate(ctx context.Context, s *Session, row *store.Session) {
	ipFP := fingerprint(s.ip)
	if done, _ := s.data[keyGeoIP].(string); done == ipFP {
		return
	}
	s.data[keyGeoIP] = ipFP

	loc := m.geo.Locate(ctx, s.ip)
	if !loc.OK() {
		slog.Debug("geolocation unavailable", "ip", s.ip, "error", loc.Error)
		return
	}
	if loc.City != "" {
		row.City = &loc.City
	}
	if loc.Country != "" {
		row.Country = &loc.Country
	}
}

func (m *Manager) setCookie(s *Session) {
	if s.w == nil {
		return
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    s.id,
		Path:     "/",
		Domain:   m.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(m.cfg.Lifetime.Seconds()),
	})
}

func (m *Manager) clearCookie(s *Session) {
	if s.w == nil {
		return
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// newID returns a 256-bit random session id, base64url encoded.
func newID() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// validID rejects cookie values that newID could not have produced.
func validID(id string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	return err == nil && len(raw) == 32
}

func fingerprint(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func stampIfAbsent(data map[string]any, key string, v any) {
	if _, ok := data[key]; !ok {
		data[key] = v
	}
}

// ClientIP returns r.RemoteAddr without the port. Run chi's RealIP middleware first
// when behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
