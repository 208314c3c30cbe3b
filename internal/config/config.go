// config.go

// Environment variable loading and validation.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all env configuration vars for Warden.
type Config struct {
	DatabaseURL  string
	RedisURL     string
	Port         string
	CookieDomain string
	LogLevel     slog.Level

	// Session cookie and lifetime. Defaults: warden_session, 2h absolute, 30m idle,
	// id rotation every 30m, no IP binding.
	SessionCookie     string
	SessionLifetime   time.Duration
	SessionIdle       time.Duration
	SessionRegenerate time.Duration
	SessionCheckIP    bool

	// RememberMeTTL is the remember_token cookie lifetime. Default 720h (30d).
	RememberMeTTL time.Duration

	// Login throttling per (ip, identifier). Defaults: 5 attempts in 15m, 15m lockout.
	LoginMaxAttempts int
	LoginWindow      time.Duration
	LoginLockout     time.Duration

	ResetTokenTTL time.Duration // default 1h
	VerifyCodeTTL time.Duration // default 10m

	// Rate limit policy for password reset requests per email.
	// Defaults: max=3, window=1h, lockout=1h.
	RateResetMax     int
	RateResetWindow  time.Duration
	RateResetLockout time.Duration

	// Verification code sends per user. Defaults: max=3, window=15m, lockout=15m.
	RateResendMax     int
	RateResendWindow  time.Duration
	RateResendLockout time.Duration

	// Verification code guesses per user. Defaults: max=5, window=15m, lockout=15m.
	RateVerifyMax     int
	RateVerifyWindow  time.Duration
	RateVerifyLockout time.Duration

	// RequireEmailVerification gates login on email_verified_at being set. Default false.
	RequireEmailVerification bool

	// Guard redirect targets for web requests.
	SignInPath string
	HomePath   string

	// PermissionsFile is an optional YAML file merged over the built-in permission table.
	PermissionsFile string

	// GeoURL is the ip-api style lookup endpoint. Empty disables geolocation.
	GeoURL string

	// SMTP configuration for outbound email. All optional -- empty Host disables sending.
	SMTPHost         string
	SMTPPort         string // defaults to 587
	SMTPUsername     string
	SMTPPassword     string
	SMTPFromAddress  string
	SMTPResetURLBase string

	// MailQueueKey seals reset tokens and codes while they sit in Redis. 32 bytes, hex in env.
	MailQueueKey     []byte
	MailQueueMaxSize int64
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.Port = envString("PORT", "7865")
	cfg.CookieDomain = os.Getenv("COOKIE_DOMAIN")

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.SessionCookie = envString("SESSION_COOKIE", "warden_session")
	cfg.SessionLifetime = envDuration("SESSION_LIFETIME", 2*time.Hour)
	cfg.SessionIdle = envDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	cfg.SessionRegenerate = envDuration("SESSION_REGENERATE", 30*time.Minute)
	cfg.SessionCheckIP = envBool("SESSION_CHECK_IP", false)
	if cfg.SessionIdle > cfg.SessionLifetime {
		return nil, fmt.Errorf("SESSION_IDLE_TIMEOUT (%s) must not exceed SESSION_LIFETIME (%s)", cfg.SessionIdle, cfg.SessionLifetime)
	}

	cfg.RememberMeTTL = envDuration("REMEMBER_ME_TTL", 720*time.Hour)

	// Login throttling. Invalid values fall back to the default so a misconfigured env
	// doesn't silently disable the lockout.
	cfg.LoginMaxAttempts = envInt("LOGIN_MAX_ATTEMPTS", 5)
	cfg.LoginWindow = envDuration("LOGIN_WINDOW", 15*time.Minute)
	cfg.LoginLockout = envDuration("LOGIN_LOCKOUT", 15*time.Minute)

	cfg.ResetTokenTTL = envDuration("RESET_TOKEN_TTL", time.Hour)
	cfg.VerifyCodeTTL = envDuration("VERIFY_CODE_TTL", 10*time.Minute)

	cfg.RateResetMax = envInt("RATE_RESET_MAX", 3)
	cfg.RateResetWindow = envDuration("RATE_RESET_WINDOW", 1*time.Hour)
	cfg.RateResetLockout = envDuration("RATE_RESET_LOCKOUT", 1*time.Hour)

	cfg.RateResendMax = envInt("RATE_RESEND_MAX", 3)
	cfg.RateResendWindow = envDuration("RATE_RESEND_WINDOW", 15*time.Minute)
	cfg.RateResendLockout = envDuration("RATE_RESEND_LOCKOUT", 15*time.Minute)

	cfg.RateVerifyMax = envInt("RATE_VERIFY_MAX", 5)
	cfg.RateVerifyWindow = envDuration("RATE_VERIFY_WINDOW", 15*time.Minute)
	cfg.RateVerifyLockout = envDuration("RATE_VERIFY_LOCKOUT", 15*time.Minute)

	cfg.RequireEmailVerification = envBool("REQUIRE_EMAIL_VERIFICATION", false)

	cfg.SignInPath = envString("SIGN_IN_PATH", "/signin")
	cfg.HomePath = envString("HOME_PATH", "/dashboard")
	for name, p := range map[string]string{"SIGN_IN_PATH": cfg.SignInPath, "HOME_PATH": cfg.HomePath} {
		if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
			return nil, fmt.Errorf("%s must be a site-relative path, got %q", name, p)
		}
	}

	cfg.PermissionsFile = os.Getenv("PERMISSIONS_FILE")

	cfg.GeoURL = os.Getenv("GEO_URL")
	if cfg.GeoURL != "" && !strings.HasPrefix(cfg.GeoURL, "http://") && !strings.HasPrefix(cfg.GeoURL, "https://") {
		return nil, fmt.Errorf("GEO_URL must be an http(s) URL")
	}

	// SMTP -- all optional; empty Host means no email sending (NopMailer).
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = envString("SMTP_PORT", "587")
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFromAddress = os.Getenv("SMTP_FROM")
	cfg.SMTPResetURLBase = os.Getenv("SMTP_RESET_URL")

	// Reset tokens in links must not travel over plain HTTP.
	if cfg.SMTPHost != "" && !strings.HasPrefix(cfg.SMTPResetURLBase, "https://") {
		return nil, fmt.Errorf("SMTP_RESET_URL must be set and start with https://")
	}

	if raw := os.Getenv("MAIL_QUEUE_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("MAIL_QUEUE_KEY must be 64 hex characters (32 bytes)")
		}
		cfg.MailQueueKey = key
	}
	cfg.MailQueueMaxSize = int64(envInt("MAIL_QUEUE_MAX", 1000))

	return cfg, nil
}

// envString reads an env var, returning def if missing.
func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var with strconv.ParseBool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
