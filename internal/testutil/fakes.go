// fakes.go -- clock, rate limiter, mailer and geolocation stand-ins.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/warden/internal/geo"
	"github.com/MGallo-Code/warden/internal/store"
)

// Clock is a settable time source. Pass clock.Now wherever a func() time.Time is expected.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a Clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MockRateLimiter counts calls per key and rejects once a key passes MaxAttempts.
// Set Err to simulate a Redis failure.
type MockRateLimiter struct {
	Err    error
	Counts map[string]int

	mu sync.Mutex
}

func (l *MockRateLimiter) Allow(_ context.Context, key string, policy store.RateLimit) error {
	if l.Err != nil {
		return l.Err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Counts == nil {
		l.Counts = map[string]int{}
	}
	l.Counts[key]++
	if policy.MaxAttempts > 0 && l.Counts[key] > policy.MaxAttempts {
		return store.ErrRateLimitExceeded
	}
	return nil
}

// SentMail is one captured call on MockMailer.
type SentMail struct {
	Kind      string // "password_reset" or "verification_code"
	To        string
	Secret    string
	ExpiresIn time.Duration
	Vars      map[string]string
}

// MockMailer records sends instead of delivering them. Set Err to fail every send.
type MockMailer struct {
	Err  error
	Sent []SentMail

	mu sync.Mutex
}

func (m *MockMailer) record(kind, to, secret string, expiresIn time.Duration, vars map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMail{Kind: kind, To: to, Secret: secret, ExpiresIn: expiresIn, Vars: vars})
	return nil
}

func (m *MockMailer) SendPasswordReset(_ context.Context, to, token string, expiresIn time.Duration, vars map[string]string) error {
	return m.record("password_reset", to, token, expiresIn, vars)
}

func (m *MockMailer) SendVerificationCode(_ context.Context, to, code string, expiresIn time.Duration, vars map[string]string) error {
	return m.record("verification_code", to, code, expiresIn, vars)
}

// Last returns the most recent send of kind, or nil.
func (m *MockMailer) Last(kind string) *SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Sent) - 1; i >= 0; i-- {
		if m.Sent[i].Kind == kind {
			sent := m.Sent[i]
			return &sent
		}
	}
	return nil
}

// StubLocator returns Loc for every lookup and counts calls.
type StubLocator struct {
	Loc   geo.Location
	Calls int

	mu sync.Mutex
}

func (s *StubLocator) Locate(context.Context, string) geo.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	return s.Loc
}

// MockPinger is a health-checkable dependency. Set Err to report it down.
type MockPinger struct {
	Err error
}

func (p *MockPinger) CheckHealth(context.Context) error {
	return p.Err
}
