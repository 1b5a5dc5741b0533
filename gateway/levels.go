package gateway

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/iwanhae/netblocker/store"
	"github.com/rs/zerolog"
)

const (
	levelCacheSize      = 4096
	levelResolveTimeout = time.Second
)

// LevelCache resolves client privilege levels through the store and keeps
// them for a short TTL.
type LevelCache struct {
	resolver store.LevelResolver
	levels   *lru.LRU[string, int]
	logger   zerolog.Logger
}

// NewLevelCache caches resolved levels for ttl. A ttl of zero disables caching.
func NewLevelCache(resolver store.LevelResolver, ttl time.Duration, logger zerolog.Logger) *LevelCache {
	c := &LevelCache{resolver: resolver, logger: logger}
	if ttl > 0 {
		c.levels = lru.NewLRU[string, int](levelCacheSize, nil, ttl)
	}
	return c
}

// Level returns the level of name. Lookup failures resolve to 0 and are not
// cached, so the client is still subject to ban checks.
func (c *LevelCache) Level(ctx context.Context, name string) int {
	if c.levels != nil {
		if level, ok := c.levels.Get(name); ok {
			return level
		}
	}
	ctx, cancel := context.WithTimeout(ctx, levelResolveTimeout)
	defer cancel()
	level, err := c.resolver.ClientLevel(ctx, name)
	if err != nil {
		c.logger.Warn().Err(err).Str("name", name).Msg("could not resolve client level")
		return 0
	}
	if c.levels != nil {
		c.levels.Add(name, level)
	}
	return level
}
