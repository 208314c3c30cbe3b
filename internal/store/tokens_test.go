package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
)

func TestConsumeToken(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, "tokens@test.com")

	t.Run("valid token consumed exactly once", func(t *testing.T) {
		hash := sha256.Sum256([]byte("reset-token-once"))
		id, _ := uuid.NewV7()
		if err := testStore.CreateToken(ctx, id, userID, "password_reset", hash[:], time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("CreateToken: %v", err)
		}

		got, err := testStore.ConsumeToken(ctx, hash[:], "password_reset", time.Now())
		if err != nil {
			t.Fatalf("ConsumeToken: %v", err)
		}
		if got != userID {
			t.Errorf("user_id: expected %v, got %v", userID, got)
		}
		if _, err := testStore.ConsumeToken(ctx, hash[:], "password_reset", time.Now()); !errors.Is(err, ErrNotFound) {
			t.Errorf("second consume: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		hash := sha256.Sum256([]byte("reset-token-expired"))
		id, _ := uuid.NewV7()
		testStore.CreateToken(ctx, id, userID, "password_reset", hash[:], time.Now().Add(time.Hour))
		if _, err := testStore.ConsumeToken(ctx, hash[:], "password_reset", time.Now().Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestVerificationCodes(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, "codes@test.com")
	now := time.Now()

	first := sha256.Sum256([]byte("111111"))
	second := sha256.Sum256([]byte("222222"))

	if err := testStore.UpsertVerificationCode(ctx, userID, first[:], now.Add(5*time.Minute), now); err != nil {
		t.Fatalf("UpsertVerificationCode: %v", err)
	}

	t.Run("new code overwrites the outstanding one", func(t *testing.T) {
		if err := testStore.UpsertVerificationCode(ctx, userID, second[:], now.Add(5*time.Minute), now); err != nil {
			t.Fatalf("UpsertVerificationCode: %v", err)
		}
		if err := testStore.ConsumeVerificationCode(ctx, userID, first[:], now); !errors.Is(err, ErrNotFound) {
			t.Errorf("old code: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("code is single use", func(t *testing.T) {
		if err := testStore.ConsumeVerificationCode(ctx, userID, second[:], now); err != nil {
			t.Fatalf("first consume: %v", err)
		}
		if err := testStore.ConsumeVerificationCode(ctx, userID, second[:], now); !errors.Is(err, ErrNotFound) {
			t.Errorf("second consume: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("expired code is rejected", func(t *testing.T) {
		testStore.UpsertVerificationCode(ctx, userID, first[:], now.Add(5*time.Minute), now)
		if err := testStore.ConsumeVerificationCode(ctx, userID, first[:], now.Add(6*time.Minute)); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("deleted code no longer verifies", func(t *testing.T) {
		testStore.UpsertVerificationCode(ctx, userID, first[:], now.Add(5*time.Minute), now)
		if err := testStore.DeleteVerificationCode(ctx, userID); err != nil {
			t.Fatalf("DeleteVerificationCode: %v", err)
		}
		if err := testStore.ConsumeVerificationCode(ctx, userID, first[:], now); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := testStore.DeleteVerificationCode(ctx, userID); err != nil {
			t.Errorf("deleting with no code outstanding: %v", err)
		}
	})
}
