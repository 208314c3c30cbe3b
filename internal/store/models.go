// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a queried row does not exist (or is expired / already consumed).
// Store methods map pgx.ErrNoRows to this so callers never import pgx.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique constraint (email, username).
var ErrDuplicate = errors.New("duplicate")

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheMiss is returned by GetState when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// User represents a row in the users table plus its role and group names.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID              uuid.UUID
	Email           string
	Username        *string
	Name            string
	FirstName       *string
	LastName        *string
	PasswordHash    string
	Department      *string
	Location        *string
	IsActive        bool
	EmailVerifiedAt *time.Time
	Preferences     map[string]any
	Roles           []string
	Groups          []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewUser carries everything CreateUser needs. PasswordHash must already be Argon2id-encoded.
type NewUser struct {
	ID           uuid.UUID
	Email        string
	Username     *string
	Name         string
	FirstName    *string
	LastName     *string
	PasswordHash string
	Department   *string
	Location     *string
	Roles        []string
	Groups       []string
}

// UserUpdate holds the mutable profile columns; nil fields are left untouched.
type UserUpdate struct {
	Name       *string
	Username   *string
	Department *string
	Location   *string
	IsActive   *bool
}

// Session represents a row in the sessions table.
// UserID is nil for anonymous sessions; City/Country are nil until geolocation succeeds.
type Session struct {
	SessionID  string
	UserID     *uuid.UUID
	IPAddress  string
	UserAgent  string
	DeviceType string
	DeviceName string
	Platform   string
	Browser    string
	City       *string
	Country    *string
	IsTrusted  bool
	IsCurrent  bool
	Payload    map[string]any
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
}

// SessionStats aggregates session rows, either for one user or for the whole table.
type SessionStats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	Trusted  int            `json:"trusted"`
	Devices  map[string]int `json:"devices"`
	LastSeen *time.Time     `json:"last_seen,omitempty"`
}

// CachedState is the JSON shape stored in Redis for a live session.
// Holds the full session bag, internal security keys included; Postgres keeps only the public payload.
type CachedState struct {
	SessionID string         `json:"session_id"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Data      map[string]any `json:"data"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// LoginAttempt represents a row in the login_attempts table, keyed by (ip_address, email).
type LoginAttempt struct {
	IPAddress    string
	Email        string
	Attempts     int
	LastAttempt  time.Time
	BlockedUntil *time.Time
}

// IsBlocked reports whether the record is still inside its lockout at now.
func (a LoginAttempt) IsBlocked(now time.Time) bool {
	return a.BlockedUntil != nil && a.BlockedUntil.After(now)
}

// AttemptPolicy drives the login_attempts upsert.
// Attempts older than Window restart the count; reaching MaxAttempts sets blocked_until = now + Lockout.
type AttemptPolicy struct {
	MaxAttempts int
	Window      time.Duration
	Lockout     time.Duration
}

// RateLimit defines the policy for a Redis rate-limited action.
// All three fields required, zero values disable the respective behaviour.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}

// Token represents a row in the tokens table.
// TokenType is constrained by DB CHECK ('password_reset').
// UsedAt is nil until consumed; set once on use to prevent replay.
type Token struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenType string
	TokenHash []byte
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// VerificationCode represents a row in verification_codes. One outstanding code per user.
type VerificationCode struct {
	UserID    uuid.UUID
	CodeHash  []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}
