// tokens.go -- single-use password reset tokens and per-user verification codes.
// Only SHA-256 hashes are stored; raw values live in emails and cookies.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// CreateToken inserts a new single-use token for the user.
func (s *PostgresStore) CreateToken(ctx context.Context, id, userID uuid.UUID, tokenType string, tokenHash []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO tokens (id, user_id, token_type, token_hash, expires_at) VALUES ($1, $2, $3, $4, $5)",
		id, userID, tokenType, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("creating token: %w", err)
	}
	return nil
}

// ConsumeToken marks a valid, unused, non-expired token as used and returns its user_id.
// Single UPDATE .. RETURNING so two concurrent consumers cannot both succeed.
// Returns ErrNotFound if no such token exists.
func (s *PostgresStore) ConsumeToken(ctx context.Context, tokenHash []byte, tokenType string, now time.Time) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		UPDATE tokens SET used_at = $3
		WHERE token_hash = $1 AND token_type = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING user_id`,
		tokenHash, tokenType, now,
	).Scan(&userID)
	if err != nil {
		return uuid.Nil, notFound("consuming token", err)
	}
	return userID, nil
}

// UpsertVerificationCode stores the code hash for userID, replacing any outstanding code.
func (s *PostgresStore) UpsertVerificationCode(ctx context.Context, userID uuid.UUID, codeHash []byte, expiresAt, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_codes (user_id, code_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			code_hash  = EXCLUDED.code_hash,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`,
		userID, codeHash, expiresAt, now)
	if err != nil {
		return fmt.Errorf("upserting verification code: %w", err)
	}
	return nil
}

// ConsumeVerificationCode deletes the user's code if it matches and has not expired.
// Returns ErrNotFound on mismatch, expiry, or no outstanding code.
func (s *PostgresStore) ConsumeVerificationCode(ctx context.Context, userID uuid.UUID, codeHash []byte, now time.Time) error {
	var got uuid.UUID
	err := s.pool.QueryRow(ctx, `
		DELETE FROM verification_codes
		WHERE user_id = $1 AND code_hash = $2 AND expires_at > $3
		RETURNING user_id`,
		userID, codeHash, now,
	).Scan(&got)
	if err != nil {
		return notFound("consuming verification code", err)
	}
	return nil
}

// DeleteVerificationCode discards the user's outstanding code. No code is not an error.
func (s *PostgresStore) DeleteVerificationCode(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM verification_codes WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("deleting verification code: %w", err)
	}
	return nil
}
