// Package cache is a small JSON cache on the broker's neighbor database.
// The LLM breaker uses it to serve the last good response for a prompt
// while the upstream is open; the health monitor probes it.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Cache wraps one go-redis client. Values are stored as JSON strings under
// the caller's key.
type Cache struct {
	client *redis.Client
}

var _ domain.Cache = (*Cache)(nil)

// New builds a cache on its own connection so cache traffic never competes
// with queue scripts. db is typically the broker database plus one.
func New(addr, password string, db int) *Cache {
	return &Cache{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client. Tests use it with miniredis.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// GetJSON loads key into v. The boolean reports whether the key existed;
// a missing key is not an error.
func (c *Cache) GetJSON(ctx domain.Context, key string, v any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("op=cache.GetJSON: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("op=cache.GetJSON decode: %w", err)
	}
	return true, nil
}

// SetJSON stores v under key for ttl. A zero ttl keeps the key until
// something overwrites it.
func (c *Cache) SetJSON(ctx domain.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=cache.SetJSON encode: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.SetJSON: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (c *Cache) Ping(ctx domain.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=cache.Ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
