// password_test.go

// unit tests for Argon2id hashing, rehash detection and the field checks.
package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/argon2"
)

// legacyHash hashes password with cheaper settings than currentArgon.
func legacyHash(password string) string {
	old := argonParams{memory: 8 * 1024, time: 1, threads: 1, keyLen: 32}
	salt := []byte("0123456789abcdef")
	return old.encode(salt, argon2.IDKey([]byte(password), salt, old.time, old.memory, old.threads, old.keyLen))
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correcthorsebatterystaple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=2$") {
		t.Errorf("unexpected PHC prefix: %q", hash)
	}

	again, err := HashPassword("correcthorsebatterystaple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == again {
		t.Error("two hashes of the same password should use different salts")
	}
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correcthorsebatterystaple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	t.Run("match and mismatch", func(t *testing.T) {
		if ok, err := VerifyPassword("correcthorsebatterystaple", hash); err != nil || !ok {
			t.Errorf("correct password: got %v, %v", ok, err)
		}
		if ok, err := VerifyPassword("correcthorsebatterystapl", hash); err != nil || ok {
			t.Errorf("wrong password: got %v, %v", ok, err)
		}
	})

	t.Run("settings come from the stored hash", func(t *testing.T) {
		if ok, err := VerifyPassword("old-password", legacyHash("old-password")); err != nil || !ok {
			t.Errorf("legacy hash: got %v, %v", ok, err)
		}
	})

	t.Run("dummy hash is well formed", func(t *testing.T) {
		if _, err := VerifyPassword("anything", dummyPasswordHash); err != nil {
			t.Errorf("dummy hash: %v", err)
		}
	})

	malformed := []struct {
		name, hash string
	}{
		{"not phc", "not-a-valid-hash"},
		{"bcrypt", "$2a$10$abcdefghijklmnopqrstuv"},
		{"other algorithm", "$argon2i$v=19$m=65536,t=3,p=2$c29tZXNhbHQ$c29tZWhhc2g"},
		{"other version", "$argon2id$v=16$m=65536,t=3,p=2$c29tZXNhbHQ$c29tZWhhc2g"},
		{"bad params", "$argon2id$v=19$m=lots$c29tZXNhbHQ$c29tZWhhc2g"},
		{"bad salt", "$argon2id$v=19$m=65536,t=3,p=2$!!!$c29tZWhhc2g"},
		{"bad key", "$argon2id$v=19$m=65536,t=3,p=2$c29tZXNhbHQ$!!!"},
		{"empty key", "$argon2id$v=19$m=65536,t=3,p=2$c29tZXNhbHQ$"},
	}
	for _, tc := range malformed {
		t.Run(tc.name, func(t *testing.T) {
			if ok, err := VerifyPassword("password", tc.hash); err == nil || ok {
				t.Errorf("expected an error, got %v, %v", ok, err)
			}
		})
	}
}

func TestNeedsRehash(t *testing.T) {
	current, err := HashPassword("pw-123456")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if NeedsRehash(current) {
		t.Error("a fresh hash should not need rehashing")
	}
	if !NeedsRehash(legacyHash("pw-123456")) {
		t.Error("a hash with older settings should need rehashing")
	}
	if !NeedsRehash("garbage") {
		t.Error("a malformed hash should need rehashing")
	}
}

func TestPasswordPolicyCheck(t *testing.T) {
	tests := []struct {
		name   string
		policy PasswordPolicy
		input  string
		want   string
	}{
		{"empty", DefaultPasswordPolicy, "", "Password is required"},
		{"one under minimum", DefaultPasswordPolicy, "five5", "Password must be at least 6 characters"},
		{"exactly minimum", DefaultPasswordPolicy, "sixsix", ""},
		{"exactly maximum", DefaultPasswordPolicy, strings.Repeat("a", 128), ""},
		{"one over maximum", DefaultPasswordPolicy, strings.Repeat("a", 129), "Password must be at most 128 characters"},
		{"runes not bytes", DefaultPasswordPolicy, "ééééé", "Password must be at least 6 characters"},
		{"control character", DefaultPasswordPolicy, "abc\x00def", "Password contains invalid characters"},
		{"zero value permissive", PasswordPolicy{}, "x", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Check(tc.input); got != tc.want {
				t.Errorf("Check(%q): expected %q, got %q", tc.input, tc.want, got)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "Email is required"},
		{"ada@example.com", ""},
		{"a@b.co", ""},
		{"ada@localhost", "Please enter a valid email address"},
		{"ada@example.", "Please enter a valid email address"},
		{"Ada <ada@example.com>", "Please enter a valid email address"},
		{"not-an-email", "Please enter a valid email address"},
		{strings.Repeat("a", 250) + "@x.io", "Email is too long"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ValidateEmail(tc.input); got != tc.want {
				t.Errorf("ValidateEmail(%q): expected %q, got %q", tc.input, tc.want, got)
			}
		})
	}
}
