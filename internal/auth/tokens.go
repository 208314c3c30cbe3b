// tokens.go

// Random secrets for remember-me cookies, reset links and verification codes.
// Only SHA-256 hashes reach the database.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// RememberCookie carries the raw remember-me token.
const RememberCookie = "remember_token"

// GenerateToken returns a 256-bit random token (base64url) and its SHA-256 hash.
// Token goes to the client; hash goes in storage.
func GenerateToken() (string, []byte, error) {
	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return "", nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return base64.RawURLEncoding.EncodeToString(token[:]), hash[:], nil
}

// HashToken decodes a client-supplied token and returns its storage hash.
func HashToken(raw string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if len(decoded) != 32 {
		return nil, errors.New("decoding token: wrong length")
	}
	hash := sha256.Sum256(decoded)
	return hash[:], nil
}

// GenerateCode returns a zero-padded 6-digit verification code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generating code with rand: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashCode returns the storage hash of a verification code.
func HashCode(code string) []byte {
	hash := sha256.Sum256([]byte(code))
	return hash[:]
}

// validCode reports whether code is exactly six ASCII digits.
func validCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SetRememberCookie writes the remember-me cookie. HttpOnly, Secure, SameSite=Lax so the
// cookie still arrives on a top-level navigation from an emailed link.
func SetRememberCookie(w http.ResponseWriter, raw string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     RememberCookie,
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// ClearRememberCookie overwrites the remember-me cookie with MaxAge=-1.
func ClearRememberCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RememberCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
