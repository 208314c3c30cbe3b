// tokens_test.go

// unit tests for token, code and CSRF helpers.
package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestGenerateToken(t *testing.T) {
	raw, hash, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if len(raw) != 43 {
		t.Errorf("expected 43 char base64url token, got %d", len(raw))
	}
	again, err := HashToken(raw)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	if !bytes.Equal(hash, again) {
		t.Error("HashToken should reproduce the stored hash")
	}

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, bad := range []string{"", "!!!", "c2hvcnQ"} {
			if _, err := HashToken(bad); err == nil {
				t.Errorf("HashToken(%q): expected error", bad)
			}
		}
	})
}

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if !validCode(code) {
			t.Fatalf("generated invalid code %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Error("codes should vary")
	}

	for _, bad := range []string{"", "12345", "1234567", "12a456", " 12345"} {
		if validCode(bad) {
			t.Errorf("validCode(%q) should be false", bad)
		}
	}
}

func TestValidateCSRFToken(t *testing.T) {
	token, err := GenerateCSRFToken()
	if err != nil {
		t.Fatalf("GenerateCSRFToken: %v", err)
	}
	if !ValidateCSRFToken(token, token) {
		t.Error("matching tokens should validate")
	}
	if ValidateCSRFToken(token[:len(token)-1]+"x", token) {
		t.Error("different tokens should not validate")
	}
	if ValidateCSRFToken("", "") {
		t.Error("empty tokens should never validate")
	}
}

func TestSubmittedCSRFToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set(CSRFHeader, "from-header")
	if got := submittedCSRFToken(r); got != "from-header" {
		t.Errorf("expected header token, got %q", got)
	}

	form := url.Values{CSRFSessionKey: {"from-form"}}
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if got := submittedCSRFToken(r); got != "from-form" {
		t.Errorf("expected form token, got %q", got)
	}
}

func TestRememberCookie(t *testing.T) {
	w := httptest.NewRecorder()
	SetRememberCookie(w, "raw", 30*24*time.Hour)
	c := w.Result().Cookies()[0]
	if c.Name != RememberCookie || !c.HttpOnly || !c.Secure || c.MaxAge != 30*24*60*60 {
		t.Errorf("unexpected remember cookie: %+v", c)
	}

	w = httptest.NewRecorder()
	ClearRememberCookie(w)
	if c := w.Result().Cookies()[0]; c.MaxAge >= 0 || c.Value != "" {
		t.Errorf("clear should expire the cookie: %+v", c)
	}
}
