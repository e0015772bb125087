package geo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	ipCachePrefix = "sse:geo:ip:"
	unknownMarker = "null"
	maxUnknownTTL = 10 * time.Minute
)

// CachedLocator memoizes another Locator in Redis. Unknown results are cached for at most
// ten minutes. Redis failures fall through to the wrapped locator.
type CachedLocator struct {
	next  Locator
	redis redis.UniversalClient
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCachedLocator wraps next with a Redis cache using ttl for known locations.
func NewCachedLocator(next Locator, rdb redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *CachedLocator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedLocator{next: next, redis: rdb, ttl: ttl, log: log.With().Str("component", "geo_cache").Logger()}
}

// Locate implements Locator.
func (c *CachedLocator) Locate(ctx context.Context, ip string) (*Location, error) {
	key := ipCachePrefix + ip
	raw, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		if raw == unknownMarker {
			return nil, nil
		}
		var loc Location
		if jerr := json.Unmarshal([]byte(raw), &loc); jerr == nil {
			return &loc, nil
		}
		c.log.Warn().Str("key", key).Msg("discarding corrupt cached location")
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn().Err(err).Msg("geo cache read failed")
	}

	loc, err := c.next.Locate(ctx, ip)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, loc)
	return loc, nil
}

func (c *CachedLocator) store(ctx context.Context, key string, loc *Location) {
	val, ttl := unknownMarker, min(c.ttl, maxUnknownTTL)
	if loc != nil {
		b, err := json.Marshal(loc)
		if err != nil {
			return
		}
		val, ttl = string(b), c.ttl
	}
	if err := c.redis.Set(ctx, key, val, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("geo cache write failed")
	}
}
