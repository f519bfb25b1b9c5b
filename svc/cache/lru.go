package cache

import (
	"errors"
	"pastabin/metrics"
	"pastabin/pkg/ident"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tokens fronts a codec with an LRU of successful decodes. Failed decodes are
// not cached so garbage tokens cannot evict real ones.
type Tokens struct {
	c     *lru.Cache[string, uint64]
	codec ident.Codec
}

func NewTokens(codec ident.Codec, size int) (*Tokens, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, uint64](size)
	if err != nil {
		return nil, err
	}
	return &Tokens{c: c, codec: codec}, nil
}
func (t *Tokens) Name() string { return t.codec.Name() }
func (t *Tokens) Encode(id uint64) string {
	return t.codec.Encode(id)
}
func (t *Tokens) Decode(token string) uint64 {
	if id, ok := t.c.Get(token); ok {
		metrics.TokenCacheHits.Inc()
		return id
	}
	metrics.TokenCacheMisses.Inc()
	id := t.codec.Decode(token)
	if id != 0 {
		t.c.Add(token, id)
	}
	return id
}
func (t *Tokens) Len() int { return t.c.Len() }
