package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/redis/go-redis/v9"
)

// MatchCache stores routing decisions of one context so that processes sharing a Redis
// instance answer repeated requests without resolving them again.
type MatchCache struct {
	client  *redis.Client
	keys    Keys
	context string
	ttl     time.Duration
}

// NewMatchCache returns a cache for the decisions of the given context.
func NewMatchCache(client *redis.Client, prefix, context string, ttl time.Duration) *MatchCache {
	return &MatchCache{
		client:  client,
		keys:    NewKeys(prefix),
		context: context,
		ttl:     ttl,
	}
}

// Get retrieves a cached decision. A decision built from a configuration with another
// fingerprint is a miss, whichever process cached it.
func (c *MatchCache) Get(ctx context.Context, fingerprint, host, path string) (*hst.Decision, bool, error) {
	data, err := c.client.Get(ctx, c.keys.Match(c.context, host, path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cached decision: %w", err)
	}
	var d hst.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached decision: %w", err)
	}
	if d.Fingerprint != fingerprint {
		return nil, false, nil
	}
	return &d, true, nil
}

// Put stores a decision under its request host and path
func (c *MatchCache) Put(ctx context.Context, host, path string, d hst.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	if err := c.client.Set(ctx, c.keys.Match(c.context, host, path), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache decision: %w", err)
	}
	return nil
}

// Flush removes every cached decision of the context
func (c *MatchCache) Flush(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, c.keys.MatchPrefix(c.context)+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("failed to delete cache key: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to flush cache: %w", err)
	}
	return removed, nil
}
