package secrets

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// Cache keeps secrets for ttl and collapses concurrent fetches of one key.
type Cache struct {
	provider Provider
	ttl      time.Duration
	group    singleflight.Group
	mu       sync.Mutex
	entries  map[string]cachedSecret
	now      func() time.Time
}

func NewCache(p Provider, ttl time.Duration) *Cache {
	return &Cache{provider: p, ttl: ttl, entries: make(map[string]cachedSecret), now: time.Now}
}
func (c *Cache) GetSecret(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		val, err := c.provider.GetSecret(ctx, key)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[key] = cachedSecret{value: val, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
func (c *Cache) Name() string { return c.provider.Name() }

// Purge drops every cached value.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cachedSecret)
	c.mu.Unlock()
}
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
