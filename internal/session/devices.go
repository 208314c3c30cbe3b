// devices.go -- per-user device management over the sessions table.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Summary is the public view of one session row, as shown in a "your devices" list.
type Summary struct {
	SessionID  string    `json:"session_id"`
	DeviceType string    `json:"device_type"`
	DeviceName string    `json:"device_name"`
	Platform   string    `json:"platform"`
	Browser    string    `json:"browser"`
	IPAddress  string    `json:"ip_address"`
	City       *string   `json:"city,omitempty"`
	Country    *string   `json:"country,omitempty"`
	IsTrusted  bool      `json:"is_trusted"`
	IsCurrent  bool      `json:"is_current"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// summarize converts a row. IsCurrent means "the session making this request".
func summarize(row store.Session, currentID string) Summary {
	return Summary{
		SessionID:  row.SessionID,
		DeviceType: row.DeviceType,
		DeviceName: row.DeviceName,
		Platform:   row.Platform,
		Browser:    row.Browser,
		IPAddress:  row.IPAddress,
		City:       row.City,
		Country:    row.Country,
		IsTrusted:  row.IsTrusted,
		IsCurrent:  row.SessionID == currentID,
		CreatedAt:  row.CreatedAt,
		LastUsedAt: row.LastUsedAt,
		ExpiresAt:  row.ExpiresAt,
	}
}

// UserSessions lists userID's live sessions, most recently used first.
func (m *Manager) UserSessions(ctx context.Context, userID uuid.UUID, currentID string) ([]Summary, error) {
	rows, err := m.store.ListUserSessions(ctx, userID, m.Now())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, summarize(row, currentID))
	}
	return out, nil
}

// CurrentInfo returns the row for this session, or nil if it has not been persisted.
func (s *Session) CurrentInfo(ctx context.Context) (*Summary, error) {
	row, err := s.m.store.GetSession(ctx, s.id, s.m.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching current session: %w", err)
	}
	sum := summarize(*row, s.id)
	return &sum, nil
}

// TerminateSession deletes one session. With a non-nil userID the session must belong to
// that user, otherwise store.ErrNotFound is returned.
func (m *Manager) TerminateSession(ctx context.Context, sessionID string, userID *uuid.UUID) error {
	var err error
	if userID != nil {
		err = m.store.DeleteUserSession(ctx, sessionID, *userID)
	} else {
		err = m.store.DeleteSession(ctx, sessionID)
	}
	if err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}
	if err := m.cache.DeleteState(ctx, sessionID, userID); err != nil {
		slog.Warn("session cache delete failed", "error", err)
	}
	return nil
}

// TerminateOtherSessions deletes every session of userID except keepID.
// Returns how many were removed.
func (m *Manager) TerminateOtherSessions(ctx context.Context, userID uuid.UUID, keepID string) (int, error) {
	ids, err := m.store.DeleteOtherUserSessions(ctx, userID, keepID)
	if err != nil {
		return 0, fmt.Errorf("terminating other sessions: %w", err)
	}
	if err := m.cache.DeleteStates(ctx, userID, ids); err != nil {
		slog.Warn("session cache delete failed", "error", err)
	}
	return len(ids), nil
}

// TerminateAllSessions deletes every session of userID, rows and cache entries.
func (m *Manager) TerminateAllSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	ids, err := m.store.DeleteAllUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("terminating sessions: %w", err)
	}
	if err := m.cache.DeleteAllUserStates(ctx, userID); err != nil {
		slog.Warn("session cache delete failed", "error", err)
	}
	return len(ids), nil
}

// MarkAsTrusted flags a session as a trusted device. With a non-nil userID the session
// must belong to that user.
func (m *Manager) MarkAsTrusted(ctx context.Context, sessionID string, userID *uuid.UUID) error {
	if userID != nil {
		row, err := m.store.GetSession(ctx, sessionID, m.Now())
		if err != nil {
			return fmt.Errorf("fetching session: %w", err)
		}
		if row.UserID == nil || *row.UserID != *userID {
			return fmt.Errorf("fetching session: %w", store.ErrNotFound)
		}
	}
	if err := m.store.MarkSessionTrusted(ctx, sessionID); err != nil {
		return fmt.Errorf("marking session trusted: %w", err)
	}
	return nil
}

// SessionStats aggregates sessions for userID, or across all users when nil.
func (m *Manager) SessionStats(ctx context.Context, userID *uuid.UUID) (*store.SessionStats, error) {
	stats, err := m.store.GetSessionStats(ctx, userID, m.Now())
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	return stats, nil
}

// CleanExpiredSessions deletes rows past expires_at. Returns the number removed.
// Cache entries expire on their own TTL.
func (m *Manager) CleanExpiredSessions(ctx context.Context) (int64, error) {
	n, err := m.store.CleanupExpiredSessions(ctx, m.Now())
	if err != nil {
		return 0, fmt.Errorf("cleaning expired sessions: %w", err)
	}
	return n, nil
}
