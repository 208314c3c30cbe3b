// service.go -- authentication flows over the session, user store and mailer.
//
// Service is the only component that moves a session from anonymous to identified.
// HTTP handlers and guards call into it; it never writes responses itself, apart from
// the remember-me cookie on Logout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/access"
	"github.com/MGallo-Code/warden/internal/mail"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

var (
	// ErrInvalidCredentials covers unknown identifiers, wrong passwords and inactive accounts alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrThrottled is wrapped by *BlockedError and returned for rate-limited reset requests,
	// code sends and code guesses.
	ErrThrottled = errors.New("too many attempts")
	// ErrNotAuthenticated is returned by operations that need a logged-in session.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrInvalidToken covers malformed, unknown, used and expired reset or remember tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrInvalidCode covers malformed, wrong, used and expired verification codes.
	ErrInvalidCode = errors.New("invalid or expired code")
	// ErrEmailNotVerified is returned by Login for correct credentials on an unverified
	// account when Config.RequireVerifiedEmail is set.
	ErrEmailNotVerified = errors.New("email not verified")
)

// BlockedError is returned by Login while the (ip, identifier) pair is locked out.
type BlockedError struct {
	Until  time.Time
	UserID *uuid.UUID // set when the identifier resolves to an account
}

func (e *BlockedError) Error() string {
	return "login blocked until " + e.Until.UTC().Format(time.RFC3339)
}

func (e *BlockedError) Unwrap() error { return ErrThrottled }

// ValidationError carries field-level messages. Callers fix the input and resubmit.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Fields))
}

// Store defines user, attempt and token operations needed by Service.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type Store interface {
	CreateUser(ctx context.Context, nu store.NewUser) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, upd store.UserUpdate) error
	UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetEmailVerifiedAt(ctx context.Context, id uuid.UUID, at time.Time) error

	// SetRememberTokenHash replaces the user's remember token hash; nil clears it.
	SetRememberTokenHash(ctx context.Context, id uuid.UUID, tokenHash []byte) error
	// GetActiveUserByRememberHash returns store.ErrNotFound for unknown hashes and inactive users.
	GetActiveUserByRememberHash(ctx context.Context, tokenHash []byte) (*store.User, error)

	GetBlockingAttempt(ctx context.Context, ip, email string, now time.Time) (*store.LoginAttempt, error)
	RecordFailedAttempt(ctx context.Context, ip, email string, now time.Time, policy store.AttemptPolicy) (*store.LoginAttempt, error)
	ClearLoginAttempts(ctx context.Context, ip, email string) error

	CreateToken(ctx context.Context, id, userID uuid.UUID, tokenType string, tokenHash []byte, expiresAt time.Time) error
	ConsumeToken(ctx context.Context, tokenHash []byte, tokenType string, now time.Time) (uuid.UUID, error)
	UpsertVerificationCode(ctx context.Context, userID uuid.UUID, codeHash []byte, expiresAt, now time.Time) error
	ConsumeVerificationCode(ctx context.Context, userID uuid.UUID, codeHash []byte, now time.Time) error
	DeleteVerificationCode(ctx context.Context, userID uuid.UUID) error
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter -- defined here per Go convention.
type RateLimiter interface {
	// Allow checks whether the action is within policy, records the attempt.
	// Returns store.ErrRateLimitExceeded when locked out.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// Sessions is the slice of *session.Manager that Service needs.
type Sessions interface {
	TerminateOtherSessions(ctx context.Context, userID uuid.UUID, keepID string) (int, error)
	TerminateAllSessions(ctx context.Context, userID uuid.UUID) (int, error)
}

// Config holds the policies Service enforces. Zero fields take the defaults.
type Config struct {
	Attempts       store.AttemptPolicy
	ResetLimit     store.RateLimit
	ResendLimit    store.RateLimit // verification code sends per user
	VerifyLimit    store.RateLimit // verification code guesses per user
	ResetTokenTTL  time.Duration
	VerifyCodeTTL  time.Duration
	RememberTTL    time.Duration
	Passwords      PasswordPolicy
	DefaultRoles   []string // assigned at registration
	DefaultGroups  []string
	SendOnRegister bool // mail a verification code after registration

	// RequireVerifiedEmail refuses login until email_verified_at is set.
	RequireVerifiedEmail bool
}

// DefaultLoginPolicy locks an (ip, identifier) pair for 15 minutes after 5 failures.
var DefaultLoginPolicy = store.AttemptPolicy{
	MaxAttempts: 5,
	Window:      15 * time.Minute,
	Lockout:     15 * time.Minute,
}

// PasswordResetPolicy is the rate limit applied per email address on password reset requests.
// Keyed on "reset:email:<email>" before user lookup so the limit itself leaks nothing.
var PasswordResetPolicy = store.RateLimit{
	MaxAttempts: 3,
	Window:      1 * time.Hour,
	LockoutTTL:  1 * time.Hour,
}

// ResendVerificationPolicy caps verification code sends per user.
var ResendVerificationPolicy = store.RateLimit{
	MaxAttempts: 3,
	Window:      15 * time.Minute,
	LockoutTTL:  15 * time.Minute,
}

// VerifyCodePolicy caps verification code guesses per user. Going over it also
// discards the outstanding code.
var VerifyCodePolicy = store.RateLimit{
	MaxAttempts: 5,
	Window:      15 * time.Minute,
	LockoutTTL:  15 * time.Minute,
}

func (c Config) withDefaults() Config {
	if c.Attempts.MaxAttempts <= 0 {
		c.Attempts = DefaultLoginPolicy
	}
	if c.ResetLimit.MaxAttempts <= 0 {
		c.ResetLimit = PasswordResetPolicy
	}
	if c.ResendLimit.MaxAttempts <= 0 {
		c.ResendLimit = ResendVerificationPolicy
	}
	if c.VerifyLimit.MaxAttempts <= 0 {
		c.VerifyLimit = VerifyCodePolicy
	}
	if c.ResetTokenTTL <= 0 {
		c.ResetTokenTTL = time.Hour
	}
	if c.VerifyCodeTTL <= 0 {
		c.VerifyCodeTTL = 10 * time.Minute
	}
	if c.RememberTTL <= 0 {
		c.RememberTTL = 30 * 24 * time.Hour
	}
	if c.Passwords == (PasswordPolicy{}) {
		c.Passwords = DefaultPasswordPolicy
	}
	if c.DefaultRoles == nil {
		c.DefaultRoles = []string{"user"}
	}
	return c
}

// ResetRequestedMessage is returned by RequestPasswordReset whether or not the account exists.
const ResetRequestedMessage = "if that email exists, a reset link has been sent"

// dummyPasswordHash is a precomputed Argon2id hash for timing attack mitigation.
// When a user doesn't exist, verify against this so both paths take equal time (~100ms).
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=3,p=2$YWJjZGVmZ2hpamtsbW5vcA$kC6C6jqLzC0JLlJgXhHbKMhLLpVvLJLLQw/IqT9ZYPU"

const tokenTypeReset = "password_reset"

// Service holds dependencies for every authentication flow.
type Service struct {
	cfg      Config
	store    Store
	sessions Sessions
	limiter  RateLimiter
	mailer   mail.Mailer
	roles    *access.Registry

	// Now is the clock. Tests replace it to simulate elapsed time.
	Now func() time.Time
}

// NewService wires a Service. A nil mailer drops mail; a nil registry uses access.DefaultRegistry.
func NewService(cfg Config, st Store, sessions Sessions, limiter RateLimiter, mailer mail.Mailer, roles *access.Registry) *Service {
	if mailer == nil {
		mailer = mail.NopMailer{}
	}
	if roles == nil {
		roles = access.DefaultRegistry()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    st,
		sessions: sessions,
		limiter:  limiter,
		mailer:   mailer,
		roles:    roles,
		Now:      time.Now,
	}
}

// RememberTTL is the remember-me cookie lifetime.
func (s *Service) RememberTTL() time.Duration { return s.cfg.RememberTTL }

// Registry returns the permission registry used for role queries.
func (s *Service) Registry() *access.Registry { return s.roles }

// LoginResult is a successful login.
type LoginResult struct {
	Principal     *access.Principal
	CSRFToken     string
	RememberToken string // raw token for the cookie; empty unless requested
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// lookupUser resolves an email or username.
func (s *Service) lookupUser(ctx context.Context, identifier string) (*store.User, error) {
	if strings.Contains(identifier, "@") {
		return s.store.GetUserByEmail(ctx, identifier)
	}
	return s.store.GetUserByUsername(ctx, identifier)
}

// Login verifies credentials for identifier (email or username) and binds the user to sess.
//
// A blocked (ip, identifier) pair returns *BlockedError without evaluating the password.
// Every other failure is ErrInvalidCredentials and counts toward the block.
func (s *Service) Login(ctx context.Context, sess *session.Session, identifier, password string, rememberMe bool) (*LoginResult, error) {
	ident := normalizeIdentifier(identifier)
	if ident == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	ip := sess.IP()
	now := s.Now()

	blocked, err := s.store.GetBlockingAttempt(ctx, ip, ident, now)
	switch {
	case err == nil:
		be := &BlockedError{Until: *blocked.BlockedUntil}
		if u, err := s.lookupUser(ctx, ident); err == nil {
			be.UserID = &u.ID
		}
		slog.Info("login blocked", "ip", ip, "attempts", blocked.Attempts, "until", be.Until)
		return nil, be
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("checking login block: %w", err)
	}

	user, err := s.lookupUser(ctx, ident)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("fetching user for login: %w", err)
		}
		// Run dummy hash to equalise timing with found-user path.
		VerifyPassword(password, dummyPasswordHash)
		s.recordFailure(ctx, ip, ident, now)
		return nil, ErrInvalidCredentials
	}

	valid, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !valid || !user.IsActive {
		s.recordFailure(ctx, ip, ident, now)
		return nil, ErrInvalidCredentials
	}
	if s.cfg.RequireVerifiedEmail && user.EmailVerifiedAt == nil {
		slog.Info("login refused for unverified email", "user_id", user.ID)
		return nil, ErrEmailNotVerified
	}

	if NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user.ID, password)
	}

	res, err := s.establish(ctx, sess, user)
	if err != nil {
		return nil, err
	}

	if rememberMe {
		raw, hash, err := GenerateToken()
		if err != nil {
			return nil, err
		}
		if err := s.store.SetRememberTokenHash(ctx, user.ID, hash); err != nil {
			// Login still stands; only the long-lived cookie is lost.
			slog.Warn("storing remember token failed", "error", err, "user_id", user.ID)
		} else {
			res.RememberToken = raw
		}
	}

	if err := s.store.ClearLoginAttempts(ctx, ip, ident); err != nil {
		slog.Warn("clearing login attempts failed", "error", err)
	}
	slog.Info("user logged in", "user_id", user.ID, "remember_me", rememberMe)
	return res, nil
}

// upgradeHash re-hashes a verified password stored under outdated Argon2id settings.
func (s *Service) upgradeHash(ctx context.Context, userID uuid.UUID, password string) {
	hash, err := HashPassword(password)
	if err == nil {
		err = s.store.UpdateUserPassword(ctx, userID, hash)
	}
	if err != nil {
		slog.Warn("upgrading password hash failed", "error", err, "user_id", userID)
	}
}

func (s *Service) recordFailure(ctx context.Context, ip, ident string, now time.Time) {
	a, err := s.store.RecordFailedAttempt(ctx, ip, ident, now, s.cfg.Attempts)
	if err != nil {
		slog.Error("recording failed login attempt", "error", err)
		return
	}
	slog.Info("login failed", "ip", ip, "attempts", a.Attempts, "blocked", a.IsBlocked(now))
}

// establish rotates the session id and writes the identity fields. Shared by Login,
// auto-login after Register and remember-me re-login.
func (s *Service) establish(ctx context.Context, sess *session.Session, user *store.User) (*LoginResult, error) {
	if _, err := sess.Regenerate(ctx, true); err != nil {
		return nil, fmt.Errorf("rotating session on login: %w", err)
	}
	csrf, err := GenerateCSRFToken()
	if err != nil {
		return nil, err
	}
	p := PrincipalFromUser(user)

	sess.SetUserID(ctx, user.ID)
	sess.Set(ctx, "user", identityMap(p))
	sess.Set(ctx, "login_ip", sess.IP())
	sess.Set(ctx, "login_user_agent", sess.UserAgent())
	sess.Set(ctx, CSRFSessionKey, csrf)
	return &LoginResult{Principal: p, CSRFToken: csrf}, nil
}

// Logout clears the remember token in the store and on the client, then destroys the session.
func (s *Service) Logout(ctx context.Context, sess *session.Session, w http.ResponseWriter) {
	if id, ok := sess.UserID(); ok {
		if err := s.store.SetRememberTokenHash(ctx, id, nil); err != nil {
			slog.Warn("clearing remember token failed", "error", err, "user_id", id)
		}
		slog.Info("user logged out", "user_id", id)
	}
	ClearRememberCookie(w)
	sess.Destroy(ctx)
}

// Check reports whether sess is bound to a user.
func (s *Service) Check(sess *session.Session) bool {
	if sess == nil {
		return false
	}
	_, ok := sess.UserID()
	return ok
}

// User returns the identity cached in the session at login, without a store round trip.
func (s *Service) User(sess *session.Session) (*access.Principal, bool) {
	if !s.Check(sess) {
		return nil, false
	}
	id, _ := sess.UserID()
	m, ok := sess.Get("user", nil).(map[string]any)
	if !ok {
		return &access.Principal{ID: id, IsActive: true}, true
	}
	return principalFromMap(id, m), true
}

// FullUser fetches the session's user from the store, roles, groups and preferences included.
func (s *Service) FullUser(ctx context.Context, sess *session.Session) (*store.User, error) {
	if !s.Check(sess) {
		return nil, ErrNotAuthenticated
	}
	id, _ := sess.UserID()
	u, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching session user: %w", err)
	}
	return u, nil
}

// RefreshIdentity reloads the user and rewrites the cached identity in the session.
func (s *Service) RefreshIdentity(ctx context.Context, sess *session.Session) (*access.Principal, error) {
	u, err := s.FullUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	p := PrincipalFromUser(u)
	sess.Set(ctx, "user", identityMap(p))
	return p, nil
}

// UpdateProfile applies upd to the session's user and refreshes the cached identity.
func (s *Service) UpdateProfile(ctx context.Context, sess *session.Session, upd store.UserUpdate) (*access.Principal, error) {
	id, ok := sess.UserID()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	fields := map[string]string{}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		fields["name"] = "Name cannot be empty"
	}
	if upd.Username != nil {
		switch existing, err := s.store.GetUserByUsername(ctx, *upd.Username); {
		case err == nil && existing.ID != id:
			fields["username"] = "Username already taken"
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("checking username: %w", err)
		}
	}
	// Deactivation is an admin action, not a profile edit.
	upd.IsActive = nil
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	if err := s.store.UpdateUser(ctx, id, upd); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &ValidationError{Fields: map[string]string{"username": "Username already taken"}}
		}
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return s.RefreshIdentity(ctx, sess)
}

// RegisterInput is the sign-up form. Name may be given directly or as first + last.
type RegisterInput struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Username   string `json:"username"`
	Department string `json:"department"`
	Location   string `json:"location"`
	AutoLogin  bool   `json:"auto_login"`
}

// RegisterResult is a created account. Login is set when AutoLogin was requested.
type RegisterResult struct {
	UserID uuid.UUID
	Login  *LoginResult
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// Register validates in, checks email and username uniqueness and creates the user with
// the default roles and groups in one transaction.
func (s *Service) Register(ctx context.Context, sess *session.Session, in RegisterInput) (*RegisterResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	username := strings.TrimSpace(in.Username)
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.TrimSpace(strings.TrimSpace(in.FirstName) + " " + strings.TrimSpace(in.LastName))
	}

	fields := map[string]string{}
	if msg := ValidateEmail(email); msg != "" {
		fields["email"] = msg
	}
	if msg := s.cfg.Passwords.Check(in.Password); msg != "" {
		fields["password"] = msg
	}
	if name == "" {
		fields["name"] = "Name is required"
	}
	if _, ok := fields["email"]; !ok {
		switch _, err := s.store.GetUserByEmail(ctx, email); {
		case err == nil:
			fields["email"] = "Email already registered"
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("checking email: %w", err)
		}
	}
	if username != "" {
		switch _, err := s.store.GetUserByUsername(ctx, username); {
		case err == nil:
			fields["username"] = "Username already taken"
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("checking username: %w", err)
		}
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating user id: %w", err)
	}
	nu := store.NewUser{
		ID:           id,
		Email:        email,
		Username:     optional(username),
		Name:         name,
		FirstName:    optional(in.FirstName),
		LastName:     optional(in.LastName),
		PasswordHash: hash,
		Department:   optional(in.Department),
		Location:     optional(in.Location),
		Roles:        s.cfg.DefaultRoles,
		Groups:       s.cfg.DefaultGroups,
	}
	if err := s.store.CreateUser(ctx, nu); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent sign-up.
			return nil, &ValidationError{Fields: map[string]string{"email": "Email or username already registered"}}
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	slog.Info("user registered", "user_id", id)

	if s.cfg.SendOnRegister {
		if err := s.SendVerificationCode(ctx, id); err != nil {
			slog.Warn("sending verification code after registration failed", "error", err, "user_id", id)
		}
	}

	res := &RegisterResult{UserID: id}
	if in.AutoLogin && sess != nil {
		user, err := s.store.GetUserByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetching new user: %w", err)
		}
		if res.Login, err = s.establish(ctx, sess, user); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// SendVerificationCode replaces the user's outstanding code and mails the new one.
// A mail failure is logged, not returned; the code stays valid for a resend-free retry.
// Sends are limited per user by Config.ResendLimit.
func (s *Service) SendVerificationCode(ctx context.Context, userID uuid.UUID) error {
	if err := s.limiter.Allow(ctx, "resend:user:"+userID.String(), s.cfg.ResendLimit); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			slog.Info("verification code send rate limited", "user_id", userID)
			return fmt.Errorf("sending verification code: %w", ErrThrottled)
		}
		return fmt.Errorf("checking resend limit: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetching user for verification: %w", err)
	}
	code, err := GenerateCode()
	if err != nil {
		return err
	}
	now := s.Now()
	if err := s.store.UpsertVerificationCode(ctx, userID, HashCode(code), now.Add(s.cfg.VerifyCodeTTL), now); err != nil {
		return fmt.Errorf("storing verification code: %w", err)
	}
	if err := s.mailer.SendVerificationCode(ctx, user.Email, code, s.cfg.VerifyCodeTTL, map[string]string{"name": user.Name}); err != nil {
		slog.Error("sending verification code failed", "error", err, "user_id", userID)
	}
	return nil
}

// VerifyEmail consumes code and stamps email_verified_at. A code works once.
// Guesses are limited per user by Config.VerifyLimit; going over it deletes the
// outstanding code, so a fresh one has to be sent after the lockout.
func (s *Service) VerifyEmail(ctx context.Context, userID uuid.UUID, code string) error {
	code = strings.TrimSpace(code)
	if !validCode(code) {
		return ErrInvalidCode
	}
	if err := s.limiter.Allow(ctx, "verify:user:"+userID.String(), s.cfg.VerifyLimit); err != nil {
		if !errors.Is(err, store.ErrRateLimitExceeded) {
			return fmt.Errorf("checking verify limit: %w", err)
		}
		if err := s.store.DeleteVerificationCode(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("discarding verification code failed", "error", err, "user_id", userID)
		}
		slog.Info("verification code guesses rate limited", "user_id", userID)
		return fmt.Errorf("verifying email: %w", ErrThrottled)
	}
	now := s.Now()
	if err := s.store.ConsumeVerificationCode(ctx, userID, HashCode(code), now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCode
		}
		return fmt.Errorf("consuming verification code: %w", err)
	}
	if err := s.store.SetEmailVerifiedAt(ctx, userID, now); err != nil {
		return fmt.Errorf("marking email verified: %w", err)
	}
	slog.Info("email verified", "user_id", userID)
	return nil
}

// RequestPasswordReset issues a reset token when email belongs to an account and always
// returns ResetRequestedMessage otherwise. Only the per-email rate limit is distinguishable.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if msg := ValidateEmail(email); msg != "" {
		return "", &ValidationError{Fields: map[string]string{"email": msg}}
	}

	if err := s.limiter.Allow(ctx, "reset:email:"+email, s.cfg.ResetLimit); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			slog.Info("password reset rate limited")
			return "", fmt.Errorf("password reset: %w", ErrThrottled)
		}
		return "", fmt.Errorf("checking reset rate limit: %w", err)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("fetching user for password reset", "error", err)
		}
		return ResetRequestedMessage, nil
	}

	raw, hash, err := GenerateToken()
	if err != nil {
		slog.Error("generating password reset token", "error", err)
		return ResetRequestedMessage, nil
	}
	tokenID, err := uuid.NewV7()
	if err != nil {
		slog.Error("generating token id", "error", err)
		return ResetRequestedMessage, nil
	}
	if err := s.store.CreateToken(ctx, tokenID, user.ID, tokenTypeReset, hash, s.Now().Add(s.cfg.ResetTokenTTL)); err != nil {
		slog.Error("persisting password reset token", "error", err, "user_id", user.ID)
		return ResetRequestedMessage, nil
	}
	if err := s.mailer.SendPasswordReset(ctx, user.Email, raw, s.cfg.ResetTokenTTL, map[string]string{"name": user.Name}); err != nil {
		slog.Error("sending password reset email", "error", err, "user_id", user.ID)
		return ResetRequestedMessage, nil
	}
	slog.Info("password reset email sent", "user_id", user.ID)
	return ResetRequestedMessage, nil
}

// ResetPassword consumes token and sets newPassword. Every session of the user is ended and
// the remember token cleared. The reset proves mailbox ownership, so the email is marked verified.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if msg := s.cfg.Passwords.Check(newPassword); msg != "" {
		return &ValidationError{Fields: map[string]string{"password": msg}}
	}
	hash, err := HashToken(token)
	if err != nil {
		return ErrInvalidToken
	}
	now := s.Now()
	userID, err := s.store.ConsumeToken(ctx, hash, tokenTypeReset, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("consuming reset token: %w", err)
	}

	if err := s.setPassword(ctx, userID, newPassword); err != nil {
		return err
	}
	if _, err := s.sessions.TerminateAllSessions(ctx, userID); err != nil {
		return err
	}
	if err := s.store.SetEmailVerifiedAt(ctx, userID, now); err != nil {
		slog.Warn("marking email verified after password reset", "error", err, "user_id", userID)
	}
	slog.Info("user reset password", "user_id", userID)
	return nil
}

// ChangePassword re-verifies current before setting next. Other sessions of the user end;
// this one survives with a fresh id.
func (s *Service) ChangePassword(ctx context.Context, sess *session.Session, current, next string) error {
	if current == "" {
		return &ValidationError{Fields: map[string]string{"current_password": "Current password required"}}
	}
	if msg := s.cfg.Passwords.Check(next); msg != "" {
		return &ValidationError{Fields: map[string]string{"new_password": msg}}
	}
	user, err := s.FullUser(ctx, sess)
	if err != nil {
		return err
	}
	valid, err := VerifyPassword(current, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !valid {
		return ErrInvalidCredentials
	}

	if err := s.setPassword(ctx, user.ID, next); err != nil {
		return err
	}
	if _, err := sess.Regenerate(ctx, true); err != nil {
		return fmt.Errorf("rotating session after password change: %w", err)
	}
	if _, err := s.sessions.TerminateOtherSessions(ctx, user.ID, sess.ID()); err != nil {
		return err
	}
	slog.Info("user changed password", "user_id", user.ID)
	return nil
}

// setPassword stores the new hash and invalidates the remember token.
func (s *Service) setPassword(ctx context.Context, userID uuid.UUID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if err := s.store.SetRememberTokenHash(ctx, userID, nil); err != nil {
		slog.Warn("clearing remember token failed", "error", err, "user_id", userID)
	}
	return nil
}

// ValidateRememberToken looks up an active user by the hash of raw and, if found, logs
// sess in as that user without a password.
func (s *Service) ValidateRememberToken(ctx context.Context, sess *session.Session, raw string) (*LoginResult, error) {
	hash, err := HashToken(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := s.store.GetActiveUserByRememberHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("fetching remembered user: %w", err)
	}
	res, err := s.establish(ctx, sess, user)
	if err != nil {
		return nil, err
	}
	slog.Info("user re-authenticated from remember token", "user_id", user.ID)
	return res, nil
}

// fullPrincipal is FullUser as a Principal; errors are logged and reported as absent.
func (s *Service) fullPrincipal(ctx context.Context, sess *session.Session) *access.Principal {
	u, err := s.FullUser(ctx, sess)
	if err != nil {
		if !errors.Is(err, ErrNotAuthenticated) {
			slog.Warn("role query could not load user", "error", err)
		}
		return nil
	}
	return PrincipalFromUser(u)
}

// HasRole checks role against the stored user, one hierarchy level included.
func (s *Service) HasRole(ctx context.Context, sess *session.Session, role string) bool {
	return s.roles.HasRole(s.fullPrincipal(ctx, sess), role)
}

// HasAnyRole reports whether the stored user has at least one of roles.
func (s *Service) HasAnyRole(ctx context.Context, sess *session.Session, roles ...string) bool {
	p := s.fullPrincipal(ctx, sess)
	for _, r := range roles {
		if s.roles.HasRole(p, r) {
			return true
		}
	}
	return false
}

// InGroup reports group membership of the stored user.
func (s *Service) InGroup(ctx context.Context, sess *session.Session, group string) bool {
	p := s.fullPrincipal(ctx, sess)
	return p != nil && p.InGroup(group)
}

// IsAdmin reports whether the stored user is admin or superadmin.
func (s *Service) IsAdmin(ctx context.Context, sess *session.Session) bool {
	return s.roles.IsAdmin(s.fullPrincipal(ctx, sess))
}
