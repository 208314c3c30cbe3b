// cache.go -- Redis-backed cache in front of a Locator.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a successful lookup is reused.
const DefaultCacheTTL = 24 * time.Hour

// CachedLocator wraps a Locator and caches successful results under geo:<ip>.
// Failed lookups are not cached so a transient outage does not stick for a day.
type CachedLocator struct {
	next Locator
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCachedLocator returns a CachedLocator. ttl <= 0 uses DefaultCacheTTL.
func NewCachedLocator(next Locator, rdb *redis.Client, ttl time.Duration) *CachedLocator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedLocator{next: next, rdb: rdb, ttl: ttl}
}

func cacheKey(ip string) string {
	return "geo:" + ip
}

// Locate implements Locator. Redis errors fall through to the wrapped Locator.
func (c *CachedLocator) Locate(ctx context.Context, ip string) Location {
	if IsLocal(ip) {
		return Location{City: LocalMarker, Country: LocalMarker}
	}

	raw, err := c.rdb.Get(ctx, cacheKey(ip)).Bytes()
	switch {
	case err == nil:
		var loc Location
		if jsonErr := json.Unmarshal(raw, &loc); jsonErr == nil {
			return loc
		}
	case !errors.Is(err, redis.Nil):
		slog.WarnContext(ctx, "geo cache read failed", "error", err)
	}

	loc := c.next.Locate(ctx, ip)
	if !loc.OK() {
		return loc
	}
	if data, err := json.Marshal(loc); err == nil {
		if err := c.rdb.Set(ctx, cacheKey(ip), data, c.ttl).Err(); err != nil {
			slog.WarnContext(ctx, "geo cache write failed", "error", err)
		}
	}
	return loc
}
