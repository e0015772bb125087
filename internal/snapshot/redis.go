// Package snapshot caches a denormalized identity view per session so request paths can skip
// the relational store. Any session or identity mutation must invalidate it.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "sse:snapshot:session:"
	userPrefix    = "sse:snapshot:user:"
)

// Snapshot is the cached identity for one session.
type Snapshot struct {
	UserID       string  `json:"userId"`
	Email        string  `json:"email"`
	ActiveRoleID *string `json:"activeRoleId,omitempty"`
	SessionID    string  `json:"sessionId"`
	Status       string  `json:"status"`
}

// Cache stores snapshots with a fixed TTL and indexes them per user.
type Cache struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

// NewCache returns a Cache. A non-positive ttl defaults to 15 minutes.
func NewCache(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{redis: rdb, ttl: ttl}
}

// Put stores s and records its session under the user's index.
func (c *Cache) Put(ctx context.Context, s *Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionPrefix+s.SessionID, b, c.ttl)
		pipe.SAdd(ctx, userPrefix+s.UserID, s.SessionID)
		pipe.Expire(ctx, userPrefix+s.UserID, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot: put: %w", err)
	}
	return nil
}

// Get returns the snapshot for sessionID, or nil on a miss.
func (c *Cache) Get(ctx context.Context, sessionID string) (*Snapshot, error) {
	raw, err := c.redis.Get(ctx, sessionPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: get: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return &s, nil
}

// Invalidate drops the snapshots of the given sessions.
func (c *Cache) Invalidate(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = sessionPrefix + id
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("snapshot: invalidate: %w", err)
	}
	return nil
}

// InvalidateUser drops every snapshot indexed under userID, used after identity changes.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	ids, err := c.redis.SMembers(ctx, userPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("snapshot: list user sessions: %w", err)
	}
	if err := c.Invalidate(ctx, ids...); err != nil {
		return err
	}
	if err := c.redis.Del(ctx, userPrefix+userID).Err(); err != nil {
		return fmt.Errorf("snapshot: drop user index: %w", err)
	}
	return nil
}
