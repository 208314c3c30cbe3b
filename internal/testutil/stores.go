// stores.go
//
// Shared in-memory mocks for the store layer: MockStore covers everything session.Store and
// auth.Store need; MockCache stands in for the Redis state cache.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MockStore is stateful: users, sessions, attempts, tokens and codes live in maps like a real store.
// Set *Err fields to inject failures for specific operations; zero value means no error.
type MockStore struct {
	CreateUserErr     error
	GetUserErr        error
	UpsertSessionErr  error
	GetSessionErr     error
	RecordAttemptErr  error
	CreateTokenErr    error
	UpsertCodeErr     error
	UpdatePasswordErr error
	ListSessionsErr   error
	DeleteSessionsErr error

	Users    map[uuid.UUID]*store.User
	Sessions map[string]*store.Session
	Attempts map[string]*store.LoginAttempt // keyed by ip + "|" + email
	Tokens   map[string]*store.Token        // keyed by string(hash)
	Codes    map[uuid.UUID]*store.VerificationCode
	Remember map[string]uuid.UUID // string(hash) -> user id

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:    map[uuid.UUID]*store.User{},
		Sessions: map[string]*store.Session{},
		Attempts: map[string]*store.LoginAttempt{},
		Tokens:   map[string]*store.Token{},
		Codes:    map[uuid.UUID]*store.VerificationCode{},
		Remember: map[string]uuid.UUID{},
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

func attemptKey(ip, email string) string {
	return ip + "|" + strings.ToLower(email)
}

// --- users ---

func (m *MockStore) CreateUser(_ context.Context, nu store.NewUser) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, nu.Email) {
			return store.ErrDuplicate
		}
		if u.Username != nil && nu.Username != nil && *u.Username == *nu.Username {
			return store.ErrDuplicate
		}
	}
	now := time.Now()
	m.Users[nu.ID] = &store.User{
		ID:           nu.ID,
		Email:        nu.Email,
		Username:     nu.Username,
		Name:         nu.Name,
		FirstName:    nu.FirstName,
		LastName:     nu.LastName,
		PasswordHash: nu.PasswordHash,
		Department:   nu.Department,
		Location:     nu.Location,
		IsActive:     true,
		Roles:        slices.Clone(nu.Roles),
		Groups:       slices.Clone(nu.Groups),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Username != nil && *u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) UpdateUser(_ context.Context, id uuid.UUID, upd store.UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.Username != nil {
		for _, other := range m.Users {
			if other.ID != id && other.Username != nil && *other.Username == *upd.Username {
				return store.ErrDuplicate
			}
		}
		u.Username = upd.Username
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Department != nil {
		u.Department = upd.Department
	}
	if upd.Location != nil {
		u.Location = upd.Location
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	return nil
}

func (m *MockStore) UpdateUserPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *MockStore) SetEmailVerifiedAt(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	if u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
	}
	return nil
}

func (m *MockStore) SetRememberTokenHash(_ context.Context, id uuid.UUID, tokenHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, uid := range m.Remember {
		if uid == id {
			delete(m.Remember, k)
		}
	}
	if tokenHash != nil {
		m.Remember[string(tokenHash)] = id
	}
	return nil
}

func (m *MockStore) GetActiveUserByRememberHash(_ context.Context, tokenHash []byte) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Remember[string(tokenHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	u, ok := m.Users[id]
	if !ok || !u.IsActive {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// --- login attempts ---

func (m *MockStore) GetBlockingAttempt(_ context.Context, ip, email string, now time.Time) (*store.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Attempts {
		if (a.IPAddress == ip || strings.EqualFold(a.Email, email)) && a.IsBlocked(now) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) RecordFailedAttempt(_ context.Context, ip, email string, now time.Time, policy store.AttemptPolicy) (*store.LoginAttempt, error) {
	if m.RecordAttemptErr != nil {
		return nil, m.RecordAttemptErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attemptKey(ip, email)
	a, ok := m.Attempts[key]
	if !ok || now.Sub(a.LastAttempt) > policy.Window {
		a = &store.LoginAttempt{IPAddress: ip, Email: strings.ToLower(email)}
		m.Attempts[key] = a
	}
	a.Attempts++
	a.LastAttempt = now
	if a.Attempts >= policy.MaxAttempts {
		until := now.Add(policy.Lockout)
		a.BlockedUntil = &until
	}
	cp := *a
	return &cp, nil
}

func (m *MockStore) ClearLoginAttempts(_ context.Context, ip, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Attempts, attemptKey(ip, email))
	return nil
}

// AttemptFor returns the stored attempt row for (ip, email), or nil.
func (m *MockStore) AttemptFor(ip, email string) *store.LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Attempts[attemptKey(ip, email)]
}

// --- tokens and codes ---

func (m *MockStore) CreateToken(_ context.Context, id, userID uuid.UUID, tokenType string, tokenHash []byte, expiresAt time.Time) error {
	if m.CreateTokenErr != nil {
		return m.CreateTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tokens[string(tokenHash)] = &store.Token{
		ID: id, UserID: userID, TokenType: tokenType, TokenHash: tokenHash, ExpiresAt: expiresAt, CreatedAt: time.Now(),
	}
	return nil
}

func (m *MockStore) ConsumeToken(_ context.Context, tokenHash []byte, tokenType string, now time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tokens[string(tokenHash)]
	if !ok || t.TokenType != tokenType || t.UsedAt != nil || !t.ExpiresAt.After(now) {
		return uuid.Nil, store.ErrNotFound
	}
	t.UsedAt = &now
	return t.UserID, nil
}

func (m *MockStore) UpsertVerificationCode(_ context.Context, userID uuid.UUID, codeHash []byte, expiresAt, now time.Time) error {
	if m.UpsertCodeErr != nil {
		return m.UpsertCodeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Codes[userID] = &store.VerificationCode{UserID: userID, CodeHash: codeHash, ExpiresAt: expiresAt, CreatedAt: now}
	return nil
}

func (m *MockStore) ConsumeVerificationCode(_ context.Context, userID uuid.UUID, codeHash []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Codes[userID]
	if !ok || string(c.CodeHash) != string(codeHash) || !c.ExpiresAt.After(now) {
		return store.ErrNotFound
	}
	delete(m.Codes, userID)
	return nil
}

func (m *MockStore) DeleteVerificationCode(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Codes, userID)
	return nil
}

// --- sessions ---

func (m *MockStore) UpsertSession(_ context.Context, sess *store.Session) error {
	if m.UpsertSessionErr != nil {
		return m.UpsertSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	cp.Payload = clonePayload(sess.Payload)
	cp.IsCurrent = true
	if prev, ok := m.Sessions[sess.SessionID]; ok {
		cp.CreatedAt = prev.CreatedAt
		cp.IsTrusted = prev.IsTrusted || sess.IsTrusted
		if cp.City == nil {
			cp.City = prev.City
		}
		if cp.Country == nil {
			cp.Country = prev.Country
		}
	}
	m.Sessions[sess.SessionID] = &cp
	return nil
}

func (m *MockStore) GetSession(_ context.Context, sessionID string, now time.Time) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[sessionID]
	if !ok || !s.ExpiresAt.After(now) {
		return nil, store.ErrNotFound
	}
	cp := *s
	cp.Payload = clonePayload(s.Payload)
	return &cp, nil
}

func (m *MockStore) RenameSession(_ context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[oldID]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.Sessions, oldID)
	s.SessionID = newID
	m.Sessions[newID] = s
	return nil
}

func (m *MockStore) MarkSessionNotCurrent(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[sessionID]; ok {
		s.IsCurrent = false
	}
	return nil
}

func (m *MockStore) MarkSessionTrusted(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	s.IsTrusted = true
	return nil
}

func (m *MockStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, sessionID)
	return nil
}

func (m *MockStore) DeleteUserSession(_ context.Context, sessionID string, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[sessionID]
	if !ok || s.UserID == nil || *s.UserID != userID {
		return store.ErrNotFound
	}
	delete(m.Sessions, sessionID)
	return nil
}

func (m *MockStore) DeleteOtherUserSessions(_ context.Context, userID uuid.UUID, keepID string) ([]string, error) {
	if m.DeleteSessionsErr != nil {
		return nil, m.DeleteSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.Sessions {
		if id != keepID && s.UserID != nil && *s.UserID == userID {
			ids = append(ids, id)
			delete(m.Sessions, id)
		}
	}
	return ids, nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) ([]string, error) {
	return m.DeleteOtherUserSessions(context.Background(), userID, "")
}

func (m *MockStore) ListUserSessions(_ context.Context, userID uuid.UUID, now time.Time) ([]store.Session, error) {
	if m.ListSessionsErr != nil {
		return nil, m.ListSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Session
	for _, s := range m.Sessions {
		if s.UserID != nil && *s.UserID == userID && s.ExpiresAt.After(now) {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b store.Session) int { return b.LastUsedAt.Compare(a.LastUsedAt) })
	return out, nil
}

func (m *MockStore) GetSessionStats(_ context.Context, userID *uuid.UUID, now time.Time) (*store.SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &store.SessionStats{Devices: map[string]int{}}
	for _, s := range m.Sessions {
		if userID != nil && (s.UserID == nil || *s.UserID != *userID) {
			continue
		}
		stats.Total++
		if s.IsTrusted {
			stats.Trusted++
		}
		if s.ExpiresAt.After(now) {
			stats.Active++
			stats.Devices[s.DeviceType]++
		}
		if stats.LastSeen == nil || s.LastUsedAt.After(*stats.LastSeen) {
			seen := s.LastUsedAt
			stats.LastSeen = &seen
		}
	}
	return stats, nil
}

func (m *MockStore) CleanupExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.Sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.Sessions, id)
			n++
		}
	}
	return n, nil
}

// SessionRow returns the stored row for id, or nil.
func (m *MockStore) SessionRow(id string) *store.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Sessions[id]
}

// clonePayload deep-copies through JSON, the same way a JSONB column would.
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out map[string]any
	json.Unmarshal(raw, &out)
	return out
}

// MockCache implements session.Cache in memory. States are JSON round-tripped like Redis does.
type MockCache struct {
	SetStateErr error
	GetStateErr error

	States map[string][]byte

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache.
func NewMockCache() *MockCache {
	return &MockCache{States: map[string][]byte{}}
}

func (c *MockCache) SetState(_ context.Context, state store.CachedState, _ time.Duration) error {
	if c.SetStateErr != nil {
		return c.SetStateErr
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.States[state.SessionID] = raw
	return nil
}

func (c *MockCache) GetState(_ context.Context, sessionID string) (*store.CachedState, error) {
	if c.GetStateErr != nil {
		return nil, c.GetStateErr
	}
	c.mu.Lock()
	raw, ok := c.States[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, store.ErrCacheMiss
	}
	var state store.CachedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *MockCache) DeleteState(_ context.Context, sessionID string, _ *uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.States, sessionID)
	return nil
}

func (c *MockCache) DeleteStates(_ context.Context, _ uuid.UUID, sessionIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sessionIDs {
		delete(c.States, id)
	}
	return nil
}

func (c *MockCache) DeleteAllUserStates(_ context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, raw := range c.States {
		var state store.CachedState
		if json.Unmarshal(raw, &state) == nil && state.UserID != nil && *state.UserID == userID {
			delete(c.States, id)
		}
	}
	return nil
}

// Has reports whether a state is cached under sessionID.
func (c *MockCache) Has(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.States[sessionID]
	return ok
}
