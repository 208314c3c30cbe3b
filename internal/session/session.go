package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

const flashKey = "_flash"

// Session is the request-scoped handle returned by Manager.Start.
// Not safe for concurrent use; one request owns it.
type Session struct {
	m         *Manager
	w         http.ResponseWriter
	id        string
	data      map[string]any
	ip        string
	userAgent string
	secure    bool

	// flashes read during this request, so KeepFlash can put them back
	readFlashes map[string]any

	degraded  bool
	destroyed bool
}

// ID returns the current session id. Changes after Regenerate.
func (s *Session) ID() string { return s.id }

// IP returns the client IP the session was started from.
func (s *Session) IP() string { return s.ip }

// UserAgent returns the request's User-Agent.
func (s *Session) UserAgent() string { return s.userAgent }

// Degraded reports whether a cache or datastore write failed during this request.
// The session still works in memory.
func (s *Session) Degraded() bool { return s.degraded }

// Get returns the value at a dot-notation key, or def.
func (s *Session) Get(key string, def any) any {
	if v, ok := getPath(s.data, key); ok {
		return v
	}
	return def
}

// Has reports whether key is set.
func (s *Session) Has(key string) bool {
	_, ok := getPath(s.data, key)
	return ok
}

// Set stores v at key and syncs. Keys rooted at a reserved name are ignored.
func (s *Session) Set(ctx context.Context, key string, v any) {
	if reserved(key) {
		slog.Warn("refusing to overwrite reserved session key", "key", key)
		return
	}
	setPath(s.data, key, v)
	s.touch(ctx)
}

// Remove deletes key and syncs.
func (s *Session) Remove(ctx context.Context, key string) {
	if reserved(key) {
		return
	}
	if removePath(s.data, key) {
		s.touch(ctx)
	}
}

// Flash stores a one-shot value that survives until the next GetFlash.
func (s *Session) Flash(ctx context.Context, key string, v any) {
	s.flashes()[key] = v
	s.touch(ctx)
}

// GetFlash returns and removes a flash value, or def if none.
func (s *Session) GetFlash(ctx context.Context, key string, def any) any {
	flashes := s.flashes()
	v, ok := flashes[key]
	if !ok {
		return def
	}
	delete(flashes, key)
	if s.readFlashes == nil {
		s.readFlashes = map[string]any{}
	}
	s.readFlashes[key] = v
	s.touch(ctx)
	return v
}

// KeepFlash re-flashes a value so it survives one more read. Works on values already
// consumed during this request. Reports whether there was anything to keep.
func (s *Session) KeepFlash(ctx context.Context, key string) bool {
	flashes := s.flashes()
	if _, ok := flashes[key]; ok {
		return true
	}
	v, ok := s.readFlashes[key]
	if !ok {
		return false
	}
	flashes[key] = v
	delete(s.readFlashes, key)
	s.touch(ctx)
	return true
}

func (s *Session) flashes() map[string]any {
	f, ok := s.data[flashKey].(map[string]any)
	if !ok {
		f = map[string]any{}
		s.data[flashKey] = f
	}
	return f
}

// SetUserID binds the session to a user and pushes user_id to the row immediately.
func (s *Session) SetUserID(ctx context.Context, id uuid.UUID) {
	s.data[keyUserID] = id.String()
	s.touch(ctx)
}

// UserID returns the bound user, if any.
func (s *Session) UserID() (uuid.UUID, bool) {
	p := s.userIDPtr()
	if p == nil {
		return uuid.Nil, false
	}
	return *p, true
}

func (s *Session) userIDPtr() *uuid.UUID {
	raw, _ := s.data[keyUserID].(string)
	if raw == "" {
		return nil
	}
	id, err := uuid.FromString(raw)
	if err != nil {
		return nil
	}
	return &id
}

// Regenerate rotates the session id. The durable row is migrated to the new id rather
// than copied. deleteOld drops the old id's cache entry; otherwise it lingers until its TTL.
func (s *Session) Regenerate(ctx context.Context, deleteOld bool) (string, error) {
	newID, err := newID()
	if err != nil {
		return "", err
	}
	oldID := s.id

	if err := s.m.store.RenameSession(ctx, oldID, newID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("session row rename failed", "error", err)
		s.degraded = true
	}
	if deleteOld {
		if err := s.m.cache.DeleteState(ctx, oldID, s.userIDPtr()); err != nil {
			slog.Warn("session cache delete failed", "error", err)
			s.degraded = true
		}
	}

	s.id = newID
	s.data[keyLastRegeneration] = s.m.Now().Unix()
	s.m.sync(ctx, s)
	s.m.setCookie(s)
	return newID, nil
}

// Destroy marks the row not current, deletes it and the cache entry, clears the data and
// expires the cookie. Later writes on this handle stay in memory.
func (s *Session) Destroy(ctx context.Context) {
	if s.destroyed {
		return
	}
	userID := s.userIDPtr()

	if err := s.m.store.MarkSessionNotCurrent(ctx, s.id); err != nil {
		slog.Warn("marking session not current failed", "error", err)
	}
	if err := s.m.store.DeleteSession(ctx, s.id); err != nil {
		slog.Warn("session row delete failed", "error", err)
	}
	if err := s.m.cache.DeleteState(ctx, s.id, userID); err != nil {
		slog.Warn("session cache delete failed", "error", err)
	}

	clear(s.data)
	s.readFlashes = nil
	s.destroyed = true
	s.m.clearCookie(s)
}

// Destroyed reports whether Destroy ran on this handle.
func (s *Session) Destroyed() bool { return s.destroyed }

// MarkTrusted flags this session's device as trusted.
func (s *Session) MarkTrusted(ctx context.Context) error {
	return s.m.MarkAsTrusted(ctx, s.id, nil)
}

func (s *Session) touch(ctx context.Context) {
	s.data[keyLastActivity] = s.m.Now().Unix()
	s.m.sync(ctx, s)
}

// payload is the top level of data minus the internal keys.
func (s *Session) payload() map[string]any {
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		if !internalKeys[k] {
			out[k] = v
		}
	}
	return out
}

// timeAt reads a unix-seconds stamp. JSON round-trips through the cache turn ints into float64.
func (s *Session) timeAt(key string) (time.Time, bool) {
	switch v := s.data[key].(type) {
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case float64:
		return time.Unix(int64(v), 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

func reserved(key string) bool {
	root, _, _ := strings.Cut(key, ".")
	return internalKeys[root]
}
