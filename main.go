package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/warden/internal/access"
	"github.com/MGallo-Code/warden/internal/auth"
	"github.com/MGallo-Code/warden/internal/config"
	"github.com/MGallo-Code/warden/internal/device"
	"github.com/MGallo-Code/warden/internal/geo"
	"github.com/MGallo-Code/warden/internal/mail"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// cleanupInterval is how often expired session rows are purged.
const cleanupInterval = time.Hour

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A non-nil ml replaces the SMTP/Nop mailer behind the queue (tests capture mail this way).
func run(ctx context.Context, cfg *config.Config, ready chan<- string, ml mail.Mailer) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Create shared Redis client; all Redis structs share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	rs := store.NewRedisStore(rdb)
	rl := store.NewRedisRateLimiter(rdb)

	var locator geo.Locator = geo.NopLocator{}
	if cfg.GeoURL != "" {
		locator = geo.NewCachedLocator(geo.NewHTTPLocator(cfg.GeoURL), rdb, geo.DefaultCacheTTL)
	}

	sessions := session.NewManager(session.Config{
		CookieName:      cfg.SessionCookie,
		CookieDomain:    cfg.CookieDomain,
		Lifetime:        cfg.SessionLifetime,
		IdleTimeout:     cfg.SessionIdle,
		RegenerateAfter: cfg.SessionRegenerate,
		CheckIP:         cfg.SessionCheckIP,
	}, ps, rs, device.UserAgentClassifier{}, locator)

	// Mail goes through the Redis queue so handlers never wait on SMTP.
	if ml == nil {
		ml = mail.NopMailer{}
		if cfg.SMTPHost != "" {
			ml = mail.NewSMTPMailer(mail.SMTPConfig{
				Host:         cfg.SMTPHost,
				Port:         cfg.SMTPPort,
				Username:     cfg.SMTPUsername,
				Password:     cfg.SMTPPassword,
				FromAddress:  cfg.SMTPFromAddress,
				ResetURLBase: cfg.SMTPResetURLBase,
			})
		} else {
			slog.Warn("SMTP_HOST not set, outbound mail is discarded")
		}
	}
	queue, err := mail.NewQueuedMailer(ml, rdb, cfg.MailQueueMaxSize, cfg.MailQueueKey)
	if err != nil {
		return fmt.Errorf("failed to set up mail queue: %w", err)
	}

	roles := access.DefaultRegistry()
	if cfg.PermissionsFile != "" {
		if err := roles.LoadFile(cfg.PermissionsFile); err != nil {
			return fmt.Errorf("failed to load permissions: %w", err)
		}
		slog.Info("permission overrides loaded", "file", cfg.PermissionsFile)
	}

	svc := auth.NewService(auth.Config{
		Attempts: store.AttemptPolicy{
			MaxAttempts: cfg.LoginMaxAttempts,
			Window:      cfg.LoginWindow,
			Lockout:     cfg.LoginLockout,
		},
		ResetLimit: store.RateLimit{
			MaxAttempts: cfg.RateResetMax,
			Window:      cfg.RateResetWindow,
			LockoutTTL:  cfg.RateResetLockout,
		},
		ResendLimit: store.RateLimit{
			MaxAttempts: cfg.RateResendMax,
			Window:      cfg.RateResendWindow,
			LockoutTTL:  cfg.RateResendLockout,
		},
		VerifyLimit: store.RateLimit{
			MaxAttempts: cfg.RateVerifyMax,
			Window:      cfg.RateVerifyWindow,
			LockoutTTL:  cfg.RateVerifyLockout,
		},
		ResetTokenTTL:        cfg.ResetTokenTTL,
		VerifyCodeTTL:        cfg.VerifyCodeTTL,
		RememberTTL:          cfg.RememberMeTTL,
		SendOnRegister:       true,
		RequireVerifiedEmail: cfg.RequireEmailVerification,
	}, ps, sessions, rl, queue, roles)

	h := &auth.Handler{
		Auth:     svc,
		Sessions: sessions,
		Guard:    auth.NewGuard(svc, cfg.SignInPath, cfg.HomePath),
		Postgres: ps,
		Redis:    rs,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h)}

	// Background workers stop via workerCtx when run() returns.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go queue.StartWorker(workerCtx)
	go cleanupSessions(workerCtx, sessions)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Shutdown stops accepting connections and waits for in-flight requests.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// cleanupSessions purges expired session rows every cleanupInterval until ctx is done.
func cleanupSessions(ctx context.Context, sessions *session.Manager) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := sessions.CleanExpiredSessions(ctx)
			if err != nil {
				slog.Warn("session cleanup failed", "error", err)
			} else {
				slog.Info("session cleanup complete", "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and from the smoke tests.
func buildRouter(h *auth.Handler) http.Handler {
	g := h.Guard

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Probes stay outside the session middleware so they never create sessions.
	r.Get("/health", h.CheckHealth)

	r.Group(func(r chi.Router) {
		// Order matters: session first, then remember-me re-login, then CSRF.
		r.Use(h.Sessions.Middleware)
		r.Use(g.Remember)
		r.Use(g.CSRF)

		r.Get("/api/auth/csrf", h.CSRFToken)
		r.Get("/api/auth/can", h.Can)

		r.Group(func(r chi.Router) {
			r.Use(g.RequireGuest)
			r.Post("/api/auth/login", h.Login)
			r.Post("/api/auth/register", h.Register)
			r.Post("/api/auth/password/forgot", h.PasswordForgot)
			r.Post("/api/auth/password/reset", h.PasswordReset)
		})

		r.Group(func(r chi.Router) {
			r.Use(g.RequireAuth)
			r.Post("/api/auth/logout", h.Logout)
			r.Get("/api/auth/me", h.Me)
			r.Get("/api/auth/profile", h.Profile)
			r.Patch("/api/auth/profile", h.UpdateProfile)
			r.Post("/api/auth/password/change", h.PasswordChange)
			r.Post("/api/auth/email/send", h.SendVerification)
			r.Post("/api/auth/email/verify", h.VerifyEmail)

			r.Route("/api/sessions", func(r chi.Router) {
				r.Get("/", h.ListSessions)
				r.Get("/current", h.CurrentSession)
				r.Get("/stats", h.SessionStats)
				r.Post("/terminate-others", h.TerminateOtherSessions)
				r.Delete("/{id}", h.TerminateSession)
				r.Post("/{id}/trust", h.TrustSession)
			})
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(g.RequireAdmin)
			r.Get("/sessions/stats", h.AllSessionStats)
			r.Get("/permissions", h.Permissions)
		})
	})

	return r
}
