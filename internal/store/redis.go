// redis.go -- go-redis client for live session state and rate limiting.
//
// Holds the full session bag (security keys included) with TTL matching session expiry.
// Fast path for session loads (~0.1ms vs ~1-5ms for Postgres).
// If Redis is unavailable, the session manager falls back to the Postgres row.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects and pings.
// All Redis-backed structs share the returned client and its connection pool.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	// Parse redisURL to get option values, if err return it
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	// Try and test client to ensure it works correctly
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// RedisStore wraps a Redis client for session state operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps a shared client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb}
}

func stateKey(sessionID string) string {
	return "session:" + sessionID
}

func userSessionsKey(userID uuid.UUID) string {
	return fmt.Sprintf("user_sessions:%s", userID)
}

// SetState caches the session state for ttl.
// Also tracks the session id in a per-user Set for bulk deletion.
func (s *RedisStore) SetState(ctx context.Context, state CachedState, ttl time.Duration) error {
	cacheOut, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	// Create pipeline to make sure atomic
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, stateKey(state.SessionID), cacheOut, ttl)
	if state.UserID != nil {
		pipe.SAdd(ctx, userSessionsKey(*state.UserID), state.SessionID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching session state: %w", err)
	}
	return nil
}

// GetState retrieves cached session state by id.
// Returns ErrCacheMiss when the key is absent; any other error is an infrastructure failure.
func (s *RedisStore) GetState(ctx context.Context, sessionID string) (*CachedState, error) {
	raw, err := s.rdb.Get(ctx, stateKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session state: %w", err)
	}

	var cached CachedState
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session state: %w", err)
	}
	return &cached, nil
}

// DeleteState removes a single session from cache, and from the user's tracking Set when userID is known.
func (s *RedisStore) DeleteState(ctx context.Context, sessionID string, userID *uuid.UUID) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, stateKey(sessionID))
	if userID != nil {
		pipe.SRem(ctx, userSessionsKey(*userID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session state: %w", err)
	}
	return nil
}

// DeleteStates removes several sessions of one user in a single pipeline.
func (s *RedisStore) DeleteStates(ctx context.Context, userID uuid.UUID, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	members := make([]any, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		pipe.Del(ctx, stateKey(id))
		members = append(members, id)
	}
	pipe.SRem(ctx, userSessionsKey(userID), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session states: %w", err)
	}
	return nil
}

// DeleteAllUserStates removes all cached sessions for given user.
// Uses per-user Redis Set to track which session ids belong to user.
func (s *RedisStore) DeleteAllUserStates(ctx context.Context, userID uuid.UUID) error {
	setKey := userSessionsKey(userID)

	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("fetching user sessions: %w", err)
	}

	// Delete all session keys + the set itself in one atomic pipeline
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, stateKey(id))
	}
	pipe.Del(ctx, setKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	return nil
}

// CheckHealth pings Redis; used by the /health endpoint.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RedisRateLimiter counts attempts per key in Redis and locks the key out once over policy.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter wraps a shared client.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb}
}

// allowScript counts one attempt against KEYS[2] unless KEYS[1] holds a lockout.
// ARGV: max attempts, window ms, lockout ms. Returns 1 if allowed, 0 if locked out.
var allowScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
local count = redis.call('INCR', KEYS[2])
local window = tonumber(ARGV[2])
if count == 1 and window > 0 then
    redis.call('PEXPIRE', KEYS[2], window)
end
if count > tonumber(ARGV[1]) then
    local lockout = tonumber(ARGV[3])
    if lockout > 0 then
        redis.call('SET', KEYS[1], 1, 'PX', lockout)
    end
    redis.call('DEL', KEYS[2])
    return 0
end
return 1
`)

// Allow records one attempt for key and reports whether it is within policy.
// Returns ErrRateLimitExceeded while the key is locked out or once the attempt pushes it over MaxAttempts.
// The check, count and lockout run as one script so the counter always carries its window TTL.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	if policy.MaxAttempts <= 0 {
		return nil
	}
	keys := []string{"ratelimit:lock:" + key, "ratelimit:count:" + key}
	ok, err := allowScript.Run(ctx, l.rdb, keys,
		policy.MaxAttempts, policy.Window.Milliseconds(), policy.LockoutTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if ok == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}
