// smtp.go
//
// Mailer interface and SMTPMailer implementation.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Mailer sends the account emails the auth service needs.
// vars fills %%key%% placeholders (e.g. "name"); unresolved placeholders are stripped.
// Reserved keys (url, code, toEmail, expiresIn, appName) belong to the mailer and cannot be overridden.
type Mailer interface {
	// SendPasswordReset sends a reset link built from the raw token.
	SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error

	// SendVerificationCode sends the 6-digit email verification code.
	SendVerificationCode(ctx context.Context, toEmail, code string, expiresIn time.Duration, vars map[string]string) error
}

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host         string
	Port         string
	Username     string
	Password     string
	FromAddress  string
	AppName      string
	ResetURLBase string
}

// SMTPMailer sends mail through any STARTTLS-capable SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer with the given config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.AppName == "" {
		cfg.AppName = "Warden"
	}
	return &SMTPMailer{cfg: cfg}
}

// NopMailer discards all outbound email. Used when SMTP is not configured.
type NopMailer struct{}

func (NopMailer) SendPasswordReset(context.Context, string, string, time.Duration, map[string]string) error {
	return nil
}

func (NopMailer) SendVerificationCode(context.Context, string, string, time.Duration, map[string]string) error {
	return nil
}

var reservedVars = map[string]bool{
	"url":       true,
	"code":      true,
	"toEmail":   true,
	"expiresIn": true,
	"appName":   true,
}

var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars substitutes %%key%% placeholders in tmpl, then strips whatever is left.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// mergeVars copies caller vars minus reserved keys, then applies the mailer-owned ones.
func mergeVars(caller, owned map[string]string) map[string]string {
	merged := make(map[string]string, len(caller)+len(owned))
	for k, v := range caller {
		if !reservedVars[k] {
			merged[k] = v
		}
	}
	for k, v := range owned {
		merged[k] = v
	}
	return merged
}

// formatDuration renders an expiry such as "10 minutes", "1 hour" or "2 days".
func formatDuration(d time.Duration) string {
	unit, n := "minute", int(d.Minutes())
	switch {
	case d >= 24*time.Hour:
		unit, n = "day", int(d.Hours()/24)
	case d >= time.Hour:
		unit, n = "hour", int(d.Hours())
	}
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// compose builds a plain-text RFC 5322 message.
func (m *SMTPMailer) compose(toEmail, subject, body string) string {
	return "From: " + m.cfg.FromAddress + "\r\n" +
		"To: " + toEmail + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body
}

// sendMail dials the server, refuses sessions without STARTTLS, authenticates and delivers msg.
func (m *SMTPMailer) sendMail(ctx context.Context, toEmail, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(m.cfg.Host, m.cfg.Port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}
	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(toEmail); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}

const resetBody = "Hello %%name%%,\n\n" +
	"We received a request to reset your %%appName%% password.\n\n" +
	"%%url%%\n\n" +
	"The link expires in %%expiresIn%% and can be used once. " +
	"If you did not ask for this, you can ignore this email."

const verifyBody = "Hello %%name%%,\n\n" +
	"Your %%appName%% verification code is:\n\n" +
	"    %%code%%\n\n" +
	"It expires in %%expiresIn%%. If you did not create an account, ignore this email."

// SendPasswordReset implements Mailer.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	merged := mergeVars(vars, map[string]string{
		"toEmail":   toEmail,
		"appName":   m.cfg.AppName,
		"expiresIn": formatDuration(expiresIn),
		"url":       m.cfg.ResetURLBase + "?token=" + url.QueryEscape(token),
	})
	msg := m.compose(toEmail, "Reset your %%appName%% password", resetBody)
	if err := m.sendMail(ctx, toEmail, applyVars(msg, merged)); err != nil {
		return fmt.Errorf("sending password reset email: %w", err)
	}
	return nil
}

// SendVerificationCode implements Mailer.
func (m *SMTPMailer) SendVerificationCode(ctx context.Context, toEmail, code string, expiresIn time.Duration, vars map[string]string) error {
	merged := mergeVars(vars, map[string]string{
		"toEmail":   toEmail,
		"appName":   m.cfg.AppName,
		"expiresIn": formatDuration(expiresIn),
		"code":      code,
	})
	msg := m.compose(toEmail, "Your %%appName%% verification code", verifyBody)
	if err := m.sendMail(ctx, toEmail, applyVars(msg, merged)); err != nil {
		return fmt.Errorf("sending verification code: %w", err)
	}
	return nil
}
