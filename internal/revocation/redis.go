// Package revocation keeps the refresh-token blacklist in Redis. Entries live exactly as long as
// the token they block could still be presented.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sse:revoked:"

// ErrBackend wraps Redis failures.
var ErrBackend = errors.New("revocation backend unavailable")

// Entry is the value stored for a revoked refresh token hash.
type Entry struct {
	RevokedAt time.Time `json:"revokedAt"`
	Reason    string    `json:"reason"`
}

// Store is the Redis blacklist.
type Store struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// NewStore returns a Store on rdb.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{redis: rdb, now: time.Now}
}

func key(hash string) string { return keyPrefix + hash }

// Revoke blacklists hash for ttl. A non-positive ttl means the token is already unusable and nothing is written.
func (s *Store) Revoke(ctx context.Context, hash, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(Entry{RevokedAt: s.now().UTC(), Reason: reason})
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, key(hash), b, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Get returns the entry for hash, or nil when it is not blacklisted.
func (s *Store) Get(ctx context.Context, hash string) (*Entry, error) {
	raw, err := s.redis.Get(ctx, key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("revocation: decode entry: %w", err)
	}
	return &e, nil
}
