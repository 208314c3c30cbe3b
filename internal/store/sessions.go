// sessions.go -- sessions table queries.
//
// One row per session_id. Rows are upserted on every sync, migrated in place on id
// rotation and reaped by CleanupExpiredSessions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// sessionColumns must stay in sync with scanSession.
const sessionColumns = `
	session_id, user_id, ip_address, user_agent, device_type, device_name, platform, browser,
	city, country, is_trusted, is_current, payload, created_at, last_used_at, expires_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var ip, ua *string
	err := row.Scan(
		&s.SessionID, &s.UserID, &ip, &ua, &s.DeviceType, &s.DeviceName, &s.Platform, &s.Browser,
		&s.City, &s.Country, &s.IsTrusted, &s.IsCurrent, &s.Payload, &s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if ip != nil {
		s.IPAddress = *ip
	}
	if ua != nil {
		s.UserAgent = *ua
	}
	return &s, nil
}

// UpsertSession inserts the row or, if session_id exists, overwrites everything but created_at.
// Location columns are only overwritten when the new value is non-nil.
func (s *PostgresStore) UpsertSession(ctx context.Context, sess *Session) error {
	payload := sess.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, $12, $13, $14, $15)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id      = EXCLUDED.user_id,
			ip_address   = EXCLUDED.ip_address,
			user_agent   = EXCLUDED.user_agent,
			device_type  = EXCLUDED.device_type,
			device_name  = EXCLUDED.device_name,
			platform     = EXCLUDED.platform,
			browser      = EXCLUDED.browser,
			city         = COALESCE(EXCLUDED.city, sessions.city),
			country      = COALESCE(EXCLUDED.country, sessions.country),
			is_trusted   = sessions.is_trusted OR EXCLUDED.is_trusted,
			is_current   = TRUE,
			payload      = EXCLUDED.payload,
			last_used_at = EXCLUDED.last_used_at,
			expires_at   = EXCLUDED.expires_at`,
		sess.SessionID, sess.UserID, sess.IPAddress, sess.UserAgent,
		sess.DeviceType, sess.DeviceName, sess.Platform, sess.Browser,
		sess.City, sess.Country, sess.IsTrusted, payload,
		sess.CreatedAt, sess.LastUsedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession fetches a non-expired session row. Returns ErrNotFound if missing or expired.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		"SELECT"+sessionColumns+" FROM sessions WHERE session_id = $1 AND expires_at > $2",
		sessionID, now))
	if err != nil {
		return nil, notFound("fetching session", err)
	}
	return sess, nil
}

// RenameSession migrates a row from oldID to newID. Returns ErrNotFound if oldID has no row.
func (s *PostgresStore) RenameSession(ctx context.Context, oldID, newID string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE sessions SET session_id = $2 WHERE session_id = $1", oldID, newID)
	if err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSessionNotCurrent sets is_current = false, the last state observable before deletion.
func (s *PostgresStore) MarkSessionNotCurrent(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, "UPDATE sessions SET is_current = FALSE WHERE session_id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("marking session not current: %w", err)
	}
	return nil
}

// MarkSessionTrusted flags a device session as trusted. Returns ErrNotFound if no row matched.
func (s *PostgresStore) MarkSessionTrusted(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE sessions SET is_trusted = TRUE WHERE session_id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("marking session trusted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a single session row. Missing rows are not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE session_id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteUserSession removes sessionID only if it belongs to userID. Returns ErrNotFound otherwise.
func (s *PostgresStore) DeleteUserSession(ctx context.Context, sessionID string, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE session_id = $1 AND user_id = $2", sessionID, userID)
	if err != nil {
		return fmt.Errorf("deleting user session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOtherUserSessions removes every session of userID except keepID.
// Returns the deleted ids so the cache can drop them too.
func (s *PostgresStore) DeleteOtherUserSessions(ctx context.Context, userID uuid.UUID, keepID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"DELETE FROM sessions WHERE user_id = $1 AND session_id <> $2 RETURNING session_id",
		userID, keepID)
	if err != nil {
		return nil, fmt.Errorf("deleting other sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting deleted session ids: %w", err)
	}
	return ids, nil
}

// DeleteAllUserSessions removes all sessions for a user and returns their ids.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, "DELETE FROM sessions WHERE user_id = $1 RETURNING session_id", userID)
	if err != nil {
		return nil, fmt.Errorf("deleting user sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting deleted session ids: %w", err)
	}
	return ids, nil
}

// ListUserSessions returns the user's non-expired sessions, most recently used first.
func (s *PostgresStore) ListUserSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT"+sessionColumns+" FROM sessions WHERE user_id = $1 AND expires_at > $2 ORDER BY last_used_at DESC",
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing user sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

// GetSessionStats aggregates session rows for userID, or the whole table when userID is nil.
// Active means not yet expired at now.
func (s *PostgresStore) GetSessionStats(ctx context.Context, userID *uuid.UUID, now time.Time) (*SessionStats, error) {
	stats := &SessionStats{Devices: map[string]int{}}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE expires_at > $2),
		       count(*) FILTER (WHERE is_trusted),
		       max(last_used_at)
		FROM sessions
		WHERE $1::uuid IS NULL OR user_id = $1`,
		userID, now,
	).Scan(&stats.Total, &stats.Active, &stats.Trusted, &stats.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("aggregating sessions: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT device_type, count(*) FROM sessions
		WHERE ($1::uuid IS NULL OR user_id = $1) AND expires_at > $2
		GROUP BY device_type`,
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("grouping sessions by device: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var deviceType string
		var n int
		if err := rows.Scan(&deviceType, &n); err != nil {
			return nil, fmt.Errorf("scanning device count: %w", err)
		}
		stats.Devices[deviceType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device counts: %w", err)
	}
	return stats, nil
}

// CleanupExpiredSessions deletes every row whose expires_at is before now.
// Returns the number of rows deleted.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at < $1", now)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
