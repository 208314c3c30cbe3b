// attempts.go -- login_attempts throttling counters, keyed by (ip_address, email).
package store

import (
	"context"
	"fmt"
	"time"
)

// GetBlockingAttempt returns a row for ip OR email that is still blocked at now.
// Returns ErrNotFound when neither is blocked.
func (s *PostgresStore) GetBlockingAttempt(ctx context.Context, ip, email string, now time.Time) (*LoginAttempt, error) {
	var a LoginAttempt
	err := s.pool.QueryRow(ctx, `
		SELECT ip_address, email, attempts, last_attempt, blocked_until
		FROM login_attempts
		WHERE (ip_address = $1 OR email = $2) AND blocked_until > $3
		ORDER BY blocked_until DESC
		LIMIT 1`,
		ip, email, now,
	).Scan(&a.IPAddress, &a.Email, &a.Attempts, &a.LastAttempt, &a.BlockedUntil)
	if err != nil {
		return nil, notFound("fetching blocking login attempt", err)
	}
	return &a, nil
}

// RecordFailedAttempt atomically increments the (ip, email) counter in one upsert.
// A last attempt older than policy.Window restarts the count at 1. Once the count reaches
// policy.MaxAttempts, blocked_until moves to now + policy.Lockout; every further failure pushes it forward.
func (s *PostgresStore) RecordFailedAttempt(ctx context.Context, ip, email string, now time.Time, policy AttemptPolicy) (*LoginAttempt, error) {
	blockUntil := now.Add(policy.Lockout)
	windowStart := now.Add(-policy.Window)

	var a LoginAttempt
	err := s.pool.QueryRow(ctx, `
		INSERT INTO login_attempts (ip_address, email, attempts, last_attempt, blocked_until)
		VALUES ($1, $2, 1, $3, CASE WHEN 1 >= $4 THEN $5::timestamptz ELSE NULL END)
		ON CONFLICT (ip_address, email) DO UPDATE SET
			attempts = CASE
				WHEN login_attempts.last_attempt < $6 THEN 1
				ELSE login_attempts.attempts + 1
			END,
			last_attempt = $3,
			blocked_until = CASE
				WHEN (CASE WHEN login_attempts.last_attempt < $6 THEN 1 ELSE login_attempts.attempts + 1 END) >= $4
				THEN $5::timestamptz
				ELSE NULL
			END
		RETURNING ip_address, email, attempts, last_attempt, blocked_until`,
		ip, email, now, policy.MaxAttempts, blockUntil, windowStart,
	).Scan(&a.IPAddress, &a.Email, &a.Attempts, &a.LastAttempt, &a.BlockedUntil)
	if err != nil {
		return nil, fmt.Errorf("recording failed login attempt: %w", err)
	}
	return &a, nil
}

// ClearLoginAttempts deletes the counter for the (ip, email) pair after a successful login.
func (s *PostgresStore) ClearLoginAttempts(ctx context.Context, ip, email string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM login_attempts WHERE ip_address = $1 AND email = $2", ip, email)
	if err != nil {
		return fmt.Errorf("clearing login attempts: %w", err)
	}
	return nil
}
