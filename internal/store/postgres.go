// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and user queries.
// Creates a connection pool at startup, shared across all services.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
// Supposed to call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings the pool; used by the /health endpoint.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// notFound maps pgx.ErrNoRows to ErrNotFound, wraps everything else with op.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation reports whether err is a Postgres 23505 unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// userColumns selects a full user row with role and group names aggregated.
// Must stay in sync with scanUser.
const userColumns = `
	u.id, u.email, u.username, u.name, u.first_name, u.last_name, u.password_hash,
	u.department, u.location, u.is_active, u.email_verified_at, u.preferences,
	u.created_at, u.updated_at,
	ARRAY(SELECT r.name FROM user_roles ur JOIN roles r ON r.id = ur.role_id
	      WHERE ur.user_id = u.id ORDER BY r.name) AS roles,
	ARRAY(SELECT g.name FROM user_groups ug JOIN groups g ON g.id = ug.group_id
	      WHERE ug.user_id = u.id ORDER BY g.name) AS groups`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.Name, &u.FirstName, &u.LastName, &u.PasswordHash,
		&u.Department, &u.Location, &u.IsActive, &u.EmailVerifiedAt, &u.Preferences,
		&u.CreatedAt, &u.UpdatedAt,
		&u.Roles, &u.Groups,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts the user row plus its role and group memberships in one transaction.
// Any failing step rolls the whole creation back. Unknown role/group names are created on the fly.
// Returns ErrDuplicate when email or username is taken.
func (s *PostgresStore) CreateUser(ctx context.Context, nu NewUser) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning create user transaction: %w", err)
	}
	// Rollback after Commit is a no-op
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, email, username, name, first_name, last_name, password_hash, department, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		nu.ID, nu.Email, nu.Username, nu.Name, nu.FirstName, nu.LastName, nu.PasswordHash, nu.Department, nu.Location)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	for _, role := range nu.Roles {
		if _, err := tx.Exec(ctx, "INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", role); err != nil {
			return fmt.Errorf("ensuring role %q: %w", role, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO user_roles (user_id, role_id) SELECT $1, id FROM roles WHERE name = $2 ON CONFLICT DO NOTHING",
			nu.ID, role); err != nil {
			return fmt.Errorf("assigning role %q: %w", role, err)
		}
	}

	for _, group := range nu.Groups {
		if _, err := tx.Exec(ctx, "INSERT INTO groups (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", group); err != nil {
			return fmt.Errorf("ensuring group %q: %w", group, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO user_groups (user_id, group_id) SELECT $1, id FROM groups WHERE name = $2 ON CONFLICT DO NOTHING",
			nu.ID, group); err != nil {
			return fmt.Errorf("assigning group %q: %w", group, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing create user: %w", err)
	}
	return nil
}

// GetUserByID fetches a user with roles and groups. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT"+userColumns+" FROM users u WHERE u.id = $1", id))
	if err != nil {
		return nil, notFound("fetching user by id", err)
	}
	return u, nil
}

// GetUserByEmail fetches a user by case-insensitive email. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT"+userColumns+" FROM users u WHERE lower(u.email) = lower($1)", email))
	if err != nil {
		return nil, notFound("fetching user by email", err)
	}
	return u, nil
}

// GetUserByUsername fetches a user by case-insensitive username. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT"+userColumns+" FROM users u WHERE lower(u.username) = lower($1)", username))
	if err != nil {
		return nil, notFound("fetching user by username", err)
	}
	return u, nil
}

// UpdateUser applies the non-nil fields of upd. Returns ErrNotFound if no row matched.
func (s *PostgresStore) UpdateUser(ctx context.Context, id uuid.UUID, upd UserUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET
			name       = COALESCE($2, name),
			username   = COALESCE($3, username),
			department = COALESCE($4, department),
			location   = COALESCE($5, location),
			is_active  = COALESCE($6, is_active),
			updated_at = now()
		WHERE id = $1`,
		id, upd.Name, upd.Username, upd.Department, upd.Location, upd.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("updating user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUserPassword replaces the stored Argon2id hash. Returns ErrNotFound if no row matched.
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1",
		id, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEmailVerifiedAt stamps email_verified_at if not already set.
func (s *PostgresStore) SetEmailVerifiedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE users SET email_verified_at = $2, updated_at = now() WHERE id = $1 AND email_verified_at IS NULL",
		id, at)
	if err != nil {
		return fmt.Errorf("setting email_verified_at: %w", err)
	}
	return nil
}

// SetRememberTokenHash stores the SHA-256 of a remember-me token; nil clears it.
func (s *PostgresStore) SetRememberTokenHash(ctx context.Context, id uuid.UUID, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE users SET remember_token_hash = $2, updated_at = now() WHERE id = $1",
		id, tokenHash)
	if err != nil {
		return fmt.Errorf("setting remember token: %w", err)
	}
	return nil
}

// GetActiveUserByRememberHash fetches an active user by remember-me token hash.
// Inactive users and unknown hashes both return ErrNotFound.
func (s *PostgresStore) GetActiveUserByRememberHash(ctx context.Context, tokenHash []byte) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		"SELECT"+userColumns+" FROM users u WHERE u.remember_token_hash = $1 AND u.is_active",
		tokenHash))
	if err != nil {
		return nil, notFound("fetching user by remember token", err)
	}
	return u, nil
}
