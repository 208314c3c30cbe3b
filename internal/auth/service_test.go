// service_test.go

// unit tests for Service: login throttling, remember-me, registration, verification codes
// and password flows. Runs against testutil mocks with a simulated clock.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

const (
	testIP       = "192.0.2.10"
	testUA       = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	testPassword = "correct-horse"
)

// env wires a Service and session.Manager over shared mocks and one clock.
type env struct {
	store    *testutil.MockStore
	cache    *testutil.MockCache
	clock    *testutil.Clock
	mailer   *testutil.MockMailer
	limiter  *testutil.MockRateLimiter
	sessions *session.Manager
	svc      *Service
	guard    *Guard
	h        *Handler
}

func newEnv(t *testing.T, cfg Config, users ...*store.User) *env {
	t.Helper()
	e := &env{
		store:   testutil.NewMockStore(users...),
		cache:   testutil.NewMockCache(),
		clock:   testutil.NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		mailer:  &testutil.MockMailer{},
		limiter: &testutil.MockRateLimiter{},
	}
	e.sessions = session.NewManager(session.Config{}, e.store, e.cache, nil, nil)
	e.sessions.Now = e.clock.Now
	e.svc = NewService(cfg, e.store, e.sessions, e.limiter, e.mailer, nil)
	e.svc.Now = e.clock.Now
	e.guard = NewGuard(e.svc, "/signin", "/dashboard")
	e.h = &Handler{Auth: e.svc, Sessions: e.sessions, Guard: e.guard}
	return e
}

// start opens a fresh anonymous session from testIP.
func (e *env) start(t *testing.T) *session.Session {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = testIP + ":51000"
	r.Header.Set("User-Agent", testUA)
	sess, err := e.sessions.Start(context.Background(), httptest.NewRecorder(), r)
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}
	return sess
}

// loginAs starts a session and logs u in with testPassword.
func (e *env) loginAs(t *testing.T, u *store.User) *session.Session {
	t.Helper()
	sess := e.start(t)
	if _, err := e.svc.Login(context.Background(), sess, u.Email, testPassword, false); err != nil {
		t.Fatalf("login as %s: %v", u.Email, err)
	}
	return sess
}

// newUser creates an active user with a real Argon2id hash of testPassword.
func newUser(t *testing.T, email string, roles ...string) *store.User {
	t.Helper()
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("newUser: hashing password: %v", err)
	}
	username := email[:len(email)-len("@example.com")]
	dept := "Permits"
	return &store.User{
		ID:           uuid.Must(uuid.NewV7()),
		Email:        email,
		Username:     &username,
		Name:         "Test " + username,
		PasswordHash: hash,
		Department:   &dept,
		IsActive:     true,
		Roles:        roles,
		Groups:       []string{"north"},
	}
}

// --- Login ---

func TestLoginThrottling(t *testing.T) {
	u := newUser(t, "ada@example.com", "officer")
	e := newEnv(t, Config{}, u)
	ctx := context.Background()
	sess := e.start(t)

	for i := 1; i <= 5; i++ {
		_, err := e.svc.Login(ctx, sess, u.Email, "wrong-password", false)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	// Sixth attempt is refused even with the right password.
	_, err := e.svc.Login(ctx, sess, u.Email, testPassword, false)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %v", err)
	}
	if !errors.Is(err, ErrThrottled) {
		t.Error("BlockedError should unwrap to ErrThrottled")
	}
	if want := e.clock.Now().Add(15 * time.Minute); !blocked.Until.Equal(want) {
		t.Errorf("blocked until %v, want %v", blocked.Until, want)
	}
	if blocked.UserID == nil || *blocked.UserID != u.ID {
		t.Errorf("blocked result should carry the resolved user id, got %v", blocked.UserID)
	}
	if _, ok := sess.UserID(); ok {
		t.Fatal("blocked login must not bind the session")
	}

	e.clock.Advance(14 * time.Minute)
	if _, err := e.svc.Login(ctx, sess, u.Email, testPassword, false); !errors.Is(err, ErrThrottled) {
		t.Fatalf("still inside lockout: expected ErrThrottled, got %v", err)
	}

	e.clock.Advance(time.Minute)
	res, err := e.svc.Login(ctx, sess, u.Email, testPassword, false)
	if err != nil {
		t.Fatalf("login after lockout: %v", err)
	}
	if res.Principal.ID != u.ID {
		t.Errorf("principal id: expected %s, got %s", u.ID, res.Principal.ID)
	}
	if a := e.store.AttemptFor(testIP, u.Email); a != nil {
		t.Errorf("attempt row should be cleared after success, got %+v", a)
	}
}

func TestLoginFourFailuresThenSuccess(t *testing.T) {
	u := newUser(t, "ada@example.com", "officer")
	e := newEnv(t, Config{}, u)
	ctx := context.Background()
	sess := e.start(t)

	for i := 1; i <= 4; i++ {
		_, err := e.svc.Login(ctx, sess, u.Email, "wrong-password", false)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
		if errors.Is(err, ErrThrottled) {
			t.Fatalf("attempt %d should not be blocked", i)
		}
	}
	if a := e.store.AttemptFor(testIP, u.Email); a == nil || a.Attempts != 4 || a.BlockedUntil != nil {
		t.Fatalf("expected 4 unblocked attempts, got %+v", a)
	}

	res, err := e.svc.Login(ctx, sess, u.Email, testPassword, false)
	if err != nil {
		t.Fatalf("fifth attempt with correct password: %v", err)
	}
	if res.CSRFToken == "" {
		t.Error("login should issue a CSRF token")
	}
	if a := e.store.AttemptFor(testIP, u.Email); a != nil {
		t.Errorf("attempt row should be deleted, got %+v", a)
	}
}

func TestLoginSuccess(t *testing.T) {
	u := newUser(t, "ada@example.com", "manager")
	e := newEnv(t, Config{}, u)
	ctx := context.Background()
	sess := e.start(t)
	before := sess.ID()

	res, err := e.svc.Login(ctx, sess, "  ADA@example.com ", testPassword, false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.ID() == before {
		t.Error("login should rotate the session id")
	}
	if id, ok := sess.UserID(); !ok || id != u.ID {
		t.Errorf("session user: got %v, %v", id, ok)
	}
	if got := sess.Get("user.email", ""); got != u.Email {
		t.Errorf("user.email: got %v", got)
	}
	if got := sess.Get("login_ip", ""); got != testIP {
		t.Errorf("login_ip: got %v", got)
	}
	if got := sess.Get(CSRFSessionKey, ""); got != res.CSRFToken {
		t.Errorf("csrf_token in session should match result")
	}
	if res.RememberToken != "" {
		t.Error("remember token should be empty when not requested")
	}
	row := e.store.SessionRow(sess.ID())
	if row == nil || row.UserID == nil || *row.UserID != u.ID {
		t.Errorf("session row should carry the user id, got %+v", row)
	}

	p, ok := e.svc.User(sess)
	if !ok || p.Username != "ada" || p.Department != "Permits" || len(p.Roles) != 1 || p.Roles[0] != "manager" {
		t.Errorf("User: unexpected principal %+v", p)
	}

	t.Run("login by username", func(t *testing.T) {
		if _, err := e.svc.Login(ctx, e.start(t), "ada", testPassword, false); err != nil {
			t.Errorf("username login: %v", err)
		}
	})
}

func TestLoginRejections(t *testing.T) {
	inactive := newUser(t, "off@example.com", "officer")
	inactive.IsActive = false
	unverified := newUser(t, "new@example.com", "officer")
	e := newEnv(t, Config{}, inactive)
	ctx := context.Background()

	tests := []struct {
		name       string
		identifier string
		password   string
	}{
		{"unknown email", "ghost@example.com", testPassword},
		{"unknown username", "ghost", testPassword},
		{"inactive account", inactive.Email, testPassword},
		{"empty password", inactive.Email, ""},
		{"empty identifier", "", testPassword},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess := e.start(t)
			if _, err := e.svc.Login(ctx, sess, tc.identifier, tc.password, false); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("expected ErrInvalidCredentials, got %v", err)
			}
			if e.svc.Check(sess) {
				t.Error("session should stay anonymous")
			}
		})
	}

	t.Run("unknown identifiers still count toward the block", func(t *testing.T) {
		if a := e.store.AttemptFor(testIP, "ghost@example.com"); a == nil || a.Attempts != 1 {
			t.Errorf("expected one recorded attempt, got %+v", a)
		}
	})

	t.Run("unverified email when required", func(t *testing.T) {
		strict := newEnv(t, Config{RequireVerifiedEmail: true}, unverified)
		if _, err := strict.svc.Login(ctx, strict.start(t), unverified.Email, testPassword, false); !errors.Is(err, ErrEmailNotVerified) {
			t.Errorf("expected ErrEmailNotVerified, got %v", err)
		}
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		e.store.GetUserErr = errors.New("connection refused")
		defer func() { e.store.GetUserErr = nil }()
		_, err := e.svc.Login(ctx, e.start(t), "someone@example.com", testPassword, false)
		if err == nil || errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected an unexpected-error result, got %v", err)
		}
	})
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	u := newUser(t, "grace@example.com", "officer")
	u.PasswordHash = legacyHash(testPassword)
	e := newEnv(t, Config{}, u)

	if _, err := e.svc.Login(context.Background(), e.start(t), u.Email, testPassword, false); err != nil {
		t.Fatalf("login with legacy hash: %v", err)
	}
	stored := e.store.Users[u.ID].PasswordHash
	if NeedsRehash(stored) {
		t.Errorf("hash not upgraded: %q", stored)
	}
	if ok, _ := VerifyPassword(testPassword, stored); !ok {
		t.Error("upgraded hash should still verify the password")
	}
}

// --- Remember me and logout ---

func TestRememberMe(t *testing.T) {
	u := newUser(t, "ada@example.com", "officer")
	e := newEnv(t, Config{}, u)
	ctx := context.Background()

	res, err := e.svc.Login(ctx, e.start(t), u.Email, testPassword, true)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.RememberToken == "" {
		t.Fatal("expected a raw remember token")
	}
	hash, _ := HashToken(res.RememberToken)
	if e.store.Remember[string(hash)] != u.ID {
		t.Fatal("only the token hash should be stored, keyed to the user")
	}

	fresh := e.start(t)
	again, err := e.svc.ValidateRememberToken(ctx, fresh, res.RememberToken)
	if err != nil {
		t.Fatalf("ValidateRememberToken: %v", err)
	}
	if again.Principal.ID != u.ID || !e.svc.Check(fresh) {
		t.Error("remember token should log the fresh session in")
	}

	t.Run("garbage token", func(t *testing.T) {
		if _, err := e.svc.ValidateRememberToken(ctx, e.start(t), "nope"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("logout clears the token", func(t *testing.T) {
		w := httptest.NewRecorder()
		e.svc.Logout(ctx, fresh, w)
		if !fresh.Destroyed() || e.svc.Check(fresh) {
			t.Error("logout should destroy the session")
		}
		if len(e.store.Remember) != 0 {
			t.Error("logout should clear the stored remember hash")
		}
		var cleared bool
		for _, c := range w.Result().Cookies() {
			if c.Name == RememberCookie && c.MaxAge < 0 {
				cleared = true
			}
		}
		if !cleared {
			t.Error("logout should expire the remember cookie")
		}
		if _, err := e.svc.ValidateRememberToken(ctx, e.start(t), res.RememberToken); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token should be dead after logout, got %v", err)
		}
	})
}

// --- Registration ---

func TestRegister(t *testing.T) {
	existing := newUser(t, "taken@example.com", "officer")
	e := newEnv(t, Config{SendOnRegister: true}, existing)
	ctx := context.Background()

	t.Run("field errors", func(t *testing.T) {
		_, err := e.svc.Register(ctx, e.start(t), RegisterInput{Email: "nope", Password: "12345"})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected *ValidationError, got %v", err)
		}
		for _, f := range []string{"email", "password", "name"} {
			if _, ok := verr.Fields[f]; !ok {
				t.Errorf("expected a %s error, got %v", f, verr.Fields)
			}
		}
	})

	t.Run("duplicate email and username", func(t *testing.T) {
		_, err := e.svc.Register(ctx, e.start(t), RegisterInput{
			Email: "TAKEN@example.com", Password: "secret1", Name: "Dup", Username: "taken",
		})
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Fields["email"] == "" || verr.Fields["username"] == "" {
			t.Fatalf("expected email and username errors, got %v", err)
		}
	})

	t.Run("creates user with defaults and mails a code", func(t *testing.T) {
		sess := e.start(t)
		res, err := e.svc.Register(ctx, sess, RegisterInput{
			Email: "Grace@Example.com", Password: "secret1", FirstName: "Grace", LastName: "Hopper",
		})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		u := e.store.Users[res.UserID]
		if u == nil || u.Email != "grace@example.com" || u.Name != "Grace Hopper" {
			t.Fatalf("unexpected stored user %+v", u)
		}
		if len(u.Roles) != 1 || u.Roles[0] != "user" {
			t.Errorf("expected default role, got %v", u.Roles)
		}
		if ok, _ := VerifyPassword("secret1", u.PasswordHash); !ok {
			t.Error("stored hash should verify")
		}
		if m := e.mailer.Last("verification_code"); m == nil || m.To != "grace@example.com" {
			t.Errorf("expected a verification mail, got %+v", m)
		}
		if res.Login != nil || e.svc.Check(sess) {
			t.Error("no auto login unless requested")
		}
	})

	t.Run("auto login", func(t *testing.T) {
		sess := e.start(t)
		res, err := e.svc.Register(ctx, sess, RegisterInput{
			Email: "linus@example.com", Password: "secret1", Name: "Linus", AutoLogin: true,
		})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if res.Login == nil || !e.svc.Check(sess) {
			t.Fatal("expected the session to be logged in")
		}
		if id, _ := sess.UserID(); id != res.UserID {
			t.Errorf("session bound to %s, want %s", id, res.UserID)
		}
	})

	t.Run("create failure surfaces", func(t *testing.T) {
		e.store.CreateUserErr = errors.New("tx aborted")
		defer func() { e.store.CreateUserErr = nil }()
		_, err := e.svc.Register(ctx, e.start(t), RegisterInput{Email: "x@example.com", Password: "secret1", Name: "X"})
		var verr *ValidationError
		if err == nil || errors.As(err, &verr) {
			t.Errorf("expected an internal error, got %v", err)
		}
	})
}

// --- Verification codes ---

func TestVerificationCodeSingleUse(t *testing.T) {
	u := newUser(t, "ada@example.com", "officer")
	roomy := store.RateLimit{MaxAttempts: 20, Window: time.Hour, LockoutTTL: time.Hour}
	e := newEnv(t, Config{VerifyCodeTTL: 5 * time.Minute, ResendLimit: roomy, VerifyLimit: roomy}, u)
	ctx := context.Background()

	if err := e.svc.SendVerificationCode(ctx, u.ID); err != nil {
		t.Fatalf("SendVerificationCode: %v", err)
	}
	sent := e.mailer.Last("verification_code")
	if sent == nil || sent.ExpiresIn != 5*time.Minute || !validCode(sent.Secret) {
		t.Fatalf("unexpected mail %+v", sent)
	}
	if string(e.store.Codes[u.ID].CodeHash) == sent.Secret {
		t.Fatal("code must be stored hashed")
	}

	if err := e.svc.VerifyEmail(ctx, u.ID, sent.Secret); err != nil {
		t.Fatalf("first VerifyEmail: %v", err)
	}
	if _, ok := e.store.Codes[u.ID]; ok {
		t.Error("consumed code row should be deleted")
	}
	if e.store.Users[u.ID].EmailVerifiedAt == nil {
		t.Error("email_verified_at should be set")
	}
	if err := e.svc.VerifyEmail(ctx, u.ID, sent.Secret); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("second VerifyEmail: expected ErrInvalidCode, got %v", err)
	}
	if ErrInvalidCode.Error() != "invalid or expired code" {
		t.Errorf("unexpected message %q", ErrInvalidCode.Error())
	}

	t.Run("expired code", func(t *testing.T) {
		if err := e.svc.SendVerificationCode(ctx, u.ID); err != nil {
			t.Fatalf("SendVerificationCode: %v", err)
		}
		code := e.mailer.Last("verification_code").Secret
		e.clock.Advance(6 * time.Minute)
		if err := e.svc.VerifyEmail(ctx, u.ID, code); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("expected ErrInvalidCode, got %v", err)
		}
	})

	t.Run("new code replaces the old one", func(t *testing.T) {
		e.svc.SendVerificationCode(ctx, u.ID)
		first := e.mailer.Last("verification_code").Secret
		e.svc.SendVerificationCode(ctx, u.ID)
		second := e.mailer.Last("verification_code").Secret
		if first != second {
			if err := e.svc.VerifyEmail(ctx, u.ID, first); !errors.Is(err, ErrInvalidCode) {
				t.Errorf("replaced code should fail, got %v", err)
			}
		}
		if err := e.svc.VerifyEmail(ctx, u.ID, second); err != nil {
			t.Errorf("latest code should work: %v", err)
		}
	})

	t.Run("malformed code never reaches the store", func(t *testing.T) {
		if err := e.svc.VerifyEmail(ctx, u.ID, "12ab56"); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("expected ErrInvalidCode, got %v", err)
		}
	})

	t.Run("mail failure is not fatal", func(t *testing.T) {
		e.mailer.Err = errors.New("smtp down")
		defer func() { e.mailer.Err = nil }()
		if err := e.svc.SendVerificationCode(ctx, u.ID); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
		if _, ok := e.store.Codes[u.ID]; !ok {
			t.Error("code should still be stored")
		}
	})
}

func TestVerificationLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("guesses are capped and the code discarded", func(t *testing.T) {
		u := newUser(t, "ada@example.com", "officer")
		e := newEnv(t, Config{}, u)
		if err := e.svc.SendVerificationCode(ctx, u.ID); err != nil {
			t.Fatalf("SendVerificationCode: %v", err)
		}
		code := e.mailer.Last("verification_code").Secret
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}

		for i := 1; i <= VerifyCodePolicy.MaxAttempts; i++ {
			if err := e.svc.VerifyEmail(ctx, u.ID, wrong); !errors.Is(err, ErrInvalidCode) {
				t.Fatalf("guess %d: expected ErrInvalidCode, got %v", i, err)
			}
		}
		if err := e.svc.VerifyEmail(ctx, u.ID, code); !errors.Is(err, ErrThrottled) {
			t.Fatalf("over the limit: expected ErrThrottled, got %v", err)
		}
		if _, ok := e.store.Codes[u.ID]; ok {
			t.Error("outstanding code should be discarded once guesses run out")
		}
		if e.store.Users[u.ID].EmailVerifiedAt != nil {
			t.Error("email must stay unverified")
		}
		if n := e.limiter.Counts["verify:user:"+u.ID.String()]; n != VerifyCodePolicy.MaxAttempts+1 {
			t.Errorf("limiter consulted %d times, want %d", n, VerifyCodePolicy.MaxAttempts+1)
		}
	})

	t.Run("sends are capped per user", func(t *testing.T) {
		u := newUser(t, "grace@example.com", "officer")
		e := newEnv(t, Config{}, u)
		for i := 1; i <= ResendVerificationPolicy.MaxAttempts; i++ {
			if err := e.svc.SendVerificationCode(ctx, u.ID); err != nil {
				t.Fatalf("send %d: %v", i, err)
			}
		}
		if err := e.svc.SendVerificationCode(ctx, u.ID); !errors.Is(err, ErrThrottled) {
			t.Fatalf("over the limit: expected ErrThrottled, got %v", err)
		}
		if got := len(e.mailer.Sent); got != ResendVerificationPolicy.MaxAttempts {
			t.Errorf("mails sent: expected %d, got %d", ResendVerificationPolicy.MaxAttempts, got)
		}
	})

	t.Run("limiter failure is an error", func(t *testing.T) {
		u := newUser(t, "hopper@example.com", "officer")
		e := newEnv(t, Config{}, u)
		e.limiter.Err = errors.New("redis down")
		if err := e.svc.SendVerificationCode(ctx, u.ID); err == nil || errors.Is(err, ErrThrottled) {
			t.Errorf("expected a plain error, got %v", err)
		}
		if err := e.svc.VerifyEmail(ctx, u.ID, "123456"); err == nil || errors.Is(err, ErrInvalidCode) {
			t.Errorf("expected a plain error, got %v", err)
		}
	})
}

// --- Password reset ---

func TestRequestPasswordResetEnumeration(t *testing.T) {
	u := newUser(t, "real@example.com", "officer")
	e := newEnv(t, Config{}, u)
	ctx := context.Background()

	unknown, errUnknown := e.svc.RequestPasswordReset(ctx, "nonexistent@example.com")
	if len(e.store.Tokens) != 0 {
		t.Fatal("no token should be persisted for an unknown email")
	}
	known, errKnown := e.svc.RequestPasswordReset(ctx, "real@example.com")

	if errUnknown != nil || errKnown != nil {
		t.Fatalf("both should succeed: %v / %v", errUnknown, errKnown)
	}
	if unknown != known || known != ResetRequestedMessage {
		t.Errorf("messages differ: %q vs %q", unknown, known)
	}
	if len(e.store.Tokens) != 1 {
		t.Errorf("expected one persisted token, got %d", len(e.store.Tokens))
	}
	if m := e.mailer.Last("password_reset"); m == nil || m.To != u.Email || m.ExpiresIn != time.Hour {
		t.Errorf("unexpected reset mail %+v", m)
	}

	t.Run("rate limited per email", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			e.svc.RequestPasswordReset(ctx, "spam@example.com")
		}
		e.svc.RequestPasswordReset(ctx, "spam@example.com")
		if _, err := e.svc.RequestPasswordReset(ctx, "spam@example.com"); !errors.Is(err, ErrThrottled) {
			t.Errorf("fourth request: expected ErrThrottled, got %v", err)
		}
		if e.limiter.Counts["reset:email:spam@example.com"] != 4 {
			t.Errorf("limiter key not used as expected: %v", e.limiter.Counts)
		}
	})

	t.Run("limiter outage surfaces", func(t *testing.T) {
		e.limiter.Err = errors.New("redis down")
		defer func() { e.limiter.Err = nil }()
		if _, err := e.svc.RequestPasswordReset(ctx, "real@example.com"); err == nil || errors.Is(err, ErrThrottled) {
			t.Errorf("expected an internal error, got %v", err)
		}
	})
}

func TestResetPassword(t *testing.T) {
	u := newUser(t, "ada@example.com", "officer")
	e := newEnv(t, Config{}, u)
	ctx := context.Background()
	other := e.loginAs(t, u)

	if _, err := e.svc.RequestPasswordReset(ctx, u.Email); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	token := e.mailer.Last("password_reset").Secret

	t.Run("weak password", func(t *testing.T) {
		var verr *ValidationError
		if err := e.svc.ResetPassword(ctx, token, "123"); !errors.As(err, &verr) {
			t.Errorf("expected *ValidationError, got %v", err)
		}
	})

	if err := e.svc.ResetPassword(ctx, token, "brand-new-pass"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if ok, _ := VerifyPassword("brand-new-pass", e.store.Users[u.ID].PasswordHash); !ok {
		t.Error("password should be updated")
	}
	if e.store.SessionRow(other.ID()) != nil || e.cache.Has(other.ID()) {
		t.Error("existing sessions should be terminated")
	}
	if e.store.Users[u.ID].EmailVerifiedAt == nil {
		t.Error("reset should mark the email verified")
	}
	if err := e.svc.ResetPassword(ctx, token, "another-pass"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token reuse: expected ErrInvalidToken, got %v", err)
	}

	t.Run("expired token", func(t *testing.T) {
		e.svc.RequestPasswordReset(ctx, u.Email)
		late := e.mailer.Last("password_reset").Secret
		e.clock.Advance(61 * time.Minute)
		if err := e.svc.ResetPassword(ctx, late, "another-pass"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("malformed token", func(t *testing.T) {
		if err := e.svc.ResetPassword(ctx, "%%%", "another-pass"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestChangePassword(t *testing.T) {
	u := newUser(t, "ada@example.com", "officer")
	e := newEnv(t, Config{}, u)
	ctx := context.Background()
	current := e.loginAs(t, u)
	other := e.loginAs(t, u)

	if err := e.svc.ChangePassword(ctx, current, "wrong", "brand-new-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current: expected ErrInvalidCredentials, got %v", err)
	}
	var verr *ValidationError
	if err := e.svc.ChangePassword(ctx, current, testPassword, "x"); !errors.As(err, &verr) || verr.Fields["new_password"] == "" {
		t.Fatalf("weak new password: expected new_password error, got %v", err)
	}
	if err := e.svc.ChangePassword(ctx, e.start(t), testPassword, "brand-new-pass"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("anonymous: expected ErrNotAuthenticated, got %v", err)
	}

	oldID := current.ID()
	if err := e.svc.ChangePassword(ctx, current, testPassword, "brand-new-pass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if current.ID() == oldID || e.store.SessionRow(current.ID()) == nil {
		t.Error("current session should survive under a new id")
	}
	if e.store.SessionRow(other.ID()) != nil {
		t.Error("other sessions should be terminated")
	}
	if _, err := e.svc.Login(ctx, e.start(t), u.Email, "brand-new-pass", false); err != nil {
		t.Errorf("login with the new password: %v", err)
	}
}

// --- Identity queries ---

func TestRoleQueries(t *testing.T) {
	u := newUser(t, "boss@example.com", "manager")
	e := newEnv(t, Config{}, u)
	ctx := context.Background()
	sess := e.loginAs(t, u)

	if !e.svc.HasRole(ctx, sess, "manager") || !e.svc.HasRole(ctx, sess, "officer") {
		t.Error("manager should have its own and one-level inherited roles")
	}
	if e.svc.HasRole(ctx, sess, "admin") {
		t.Error("manager is not admin")
	}
	if !e.svc.HasAnyRole(ctx, sess, "admin", "executive") {
		t.Error("HasAnyRole should pass through the hierarchy")
	}
	if !e.svc.InGroup(ctx, sess, "NORTH") || e.svc.InGroup(ctx, sess, "south") {
		t.Error("group membership is case-insensitive and exact")
	}
	if e.svc.IsAdmin(ctx, sess) {
		t.Error("manager is not admin")
	}

	anon := e.start(t)
	if e.svc.HasRole(ctx, anon, "user") || e.svc.IsAdmin(ctx, anon) {
		t.Error("anonymous sessions have no roles")
	}
	if _, err := e.svc.FullUser(ctx, anon); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("FullUser anonymous: expected ErrNotAuthenticated, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	u := newUser(t, "ada@example.com", "officer")
	rival := newUser(t, "bob@example.com", "officer")
	e := newEnv(t, Config{}, u, rival)
	ctx := context.Background()
	sess := e.loginAs(t, u)

	taken := "bob"
	var verr *ValidationError
	if _, err := e.svc.UpdateProfile(ctx, sess, store.UserUpdate{Username: &taken}); !errors.As(err, &verr) {
		t.Fatalf("expected username conflict, got %v", err)
	}

	name, loc := "Ada L.", "South"
	inactive := false
	p, err := e.svc.UpdateProfile(ctx, sess, store.UserUpdate{Name: &name, Location: &loc, IsActive: &inactive})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if p.Name != name || p.Location != loc {
		t.Errorf("unexpected principal %+v", p)
	}
	if cached, _ := e.svc.User(sess); cached.Name != name {
		t.Error("session identity should be refreshed")
	}
	if !e.store.Users[u.ID].IsActive {
		t.Error("profile edits must not deactivate the account")
	}
}
