package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Tiered reads the local LRU before Redis and fills it on a remote hit.
// A failing Redis degrades reads to misses; the run continues without a
// cached justification.
type Tiered struct {
	local    *Memory
	remote   *Redis
	localTTL time.Duration
}

// NewTiered fronts remote with local. Local entries never outlive localTTL.
func NewTiered(local *Memory, remote *Redis, localTTL time.Duration) *Tiered {
	if localTTL <= 0 {
		localTTL = 5 * time.Minute
	}
	return &Tiered{local: local, remote: remote, localTTL: localTTL}
}

func (c *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.local.Get(ctx, key); val != nil {
		return val, nil
	}
	val, err := c.remote.Get(ctx, key)
	if err != nil {
		slog.Warn("redis cache read failed, treating as miss", "error", err)
		return nil, nil
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.localTTL)
	}
	return val, nil
}

// Set writes both tiers. The local copy expires no later than the remote one.
func (c *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := c.localTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	_ = c.local.Set(ctx, key, value, localTTL)
	return c.remote.Set(ctx, key, value, ttl)
}

func (c *Tiered) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

func (c *Tiered) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("redis tier: %w", err)
	}
	return nil
}

func (c *Tiered) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// CacheStats counts a hit in either tier as a hit and a miss only when
// both tiers miss.
func (c *Tiered) CacheStats() domain.CacheStats {
	l, r := c.local.CacheStats(), c.remote.CacheStats()
	return domain.CacheStats{
		Hits:      l.Hits + r.Hits,
		Misses:    r.Misses,
		Evictions: l.Evictions,
		Entries:   l.Entries,
	}
}
