// Package redis provides a cache.Cache shared between paywall instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/paywall/cache"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/profile"
)

var _ cache.Cache = (*Cache)(nil)

// DefaultPrefix namespaces every key written by the cache.
const DefaultPrefix = "paywall:profile:"

// Cache stores profile snapshots as JSON strings.
type Cache struct {
	client *goredis.Client
	prefix string
}

// New wraps a connected client.
func New(client *goredis.Client) *Cache {
	return &Cache{client: client, prefix: DefaultPrefix}
}

// WithPrefix returns a copy of c that writes under prefix.
func (c *Cache) WithPrefix(prefix string) *Cache {
	cp := *c
	cp.prefix = prefix
	return &cp
}

func (c *Cache) key(userID id.UserID) string {
	return c.prefix + userID.String()
}

func (c *Cache) GetProfile(ctx context.Context, userID id.UserID) (*profile.Profile, bool, error) {
	val, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("paywall/redis: get profile: %w", err)
	}

	var p profile.Profile
	if err := json.Unmarshal(val, &p); err != nil {
		// A corrupt entry is a miss; the caller reloads from the store.
		_ = c.client.Del(ctx, c.key(userID)).Err()
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *Cache) SetProfile(ctx context.Context, p *profile.Profile, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("paywall/redis: encode profile: %w", err)
	}
	return c.client.Set(ctx, c.key(p.ID), val, ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, userID id.UserID) error {
	return c.client.Del(ctx, c.key(userID)).Err()
}
