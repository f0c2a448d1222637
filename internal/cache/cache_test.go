package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestMemory(t *testing.T) {
	cache := NewMemory(100, 0)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = cache.Set(ctx, "key3", []byte("old"), time.Minute)
		_ = cache.Set(ctx, "key3", []byte("new"), time.Minute)

		val, _ := cache.Get(ctx, "key3")
		if string(val) != "new" {
			t.Errorf("expected 'new', got '%s'", string(val))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)
		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		expiring := NewMemory(10, 0)
		expiring.now = func() time.Time { return clock }

		_ = expiring.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)
		if val, _ := expiring.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(20 * time.Millisecond)
		if val, _ := expiring.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("DefaultTTL", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewMemory(10, time.Minute)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "k", []byte("v"), 0)
		clock = clock.Add(2 * time.Minute)
		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Error("expected the default TTL to apply")
		}
	})

	t.Run("ZeroTTLNeverExpires", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		forever := NewMemory(10, 0)
		forever.now = func() time.Time { return clock }

		_ = forever.Set(ctx, "k", []byte("v"), 0)
		clock = clock.Add(24 * time.Hour)

		val, _ := forever.Get(ctx, "k")
		if string(val) != "v" {
			t.Errorf("expected 'v', got '%s'", string(val))
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewMemory(3, 0)
		_ = small.Set(ctx, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, "c", []byte("3"), time.Minute)

		// Touch 'a' so 'b' is least recently used.
		_, _ = small.Get(ctx, "a")
		_ = small.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
		if got := small.CacheStats().Evictions; got != 1 {
			t.Errorf("expected 1 eviction, got %d", got)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := NewMemory(50, 0)
		_ = c.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "k2", []byte("v2"), time.Minute)
		_, _ = c.Get(ctx, "k1")
		_, _ = c.Get(ctx, "k1")
		_, _ = c.Get(ctx, "absent")

		s := c.CacheStats()
		if s.Entries != 2 || s.Hits != 2 || s.Misses != 1 {
			t.Errorf("expected 2 entries, 2 hits, 1 miss, got %+v", s)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewMemory(10, 0)
		_ = c.Set(ctx, "k", []byte("v"), time.Minute)
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

// unreachableRedis returns a client that fails fast on every command.
func unreachableRedis() *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})}
}

func TestTiered(t *testing.T) {
	ctx := context.Background()

	t.Run("RemoteFailureIsMiss", func(t *testing.T) {
		c := NewTiered(NewMemory(10, 0), unreachableRedis(), time.Minute)
		defer c.Close()

		val, err := c.Get(ctx, "k")
		if err != nil {
			t.Fatalf("expected a degraded miss, got error %v", err)
		}
		if val != nil {
			t.Errorf("expected nil, got %q", val)
		}
	})

	t.Run("LocalServesAfterRemoteSetFails", func(t *testing.T) {
		c := NewTiered(NewMemory(10, 0), unreachableRedis(), time.Minute)
		defer c.Close()

		if err := c.Set(ctx, "k", []byte("v"), time.Hour); err == nil {
			t.Error("expected the remote write error")
		}
		val, _ := c.Get(ctx, "k")
		if string(val) != "v" {
			t.Errorf("expected local hit 'v', got '%s'", val)
		}
		if c.CacheStats().Hits != 1 {
			t.Errorf("expected 1 hit, got %+v", c.CacheStats())
		}
	})

	t.Run("LocalNeverOutlivesRemote", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		local := NewMemory(10, 0)
		local.now = func() time.Time { return clock }
		c := NewTiered(local, unreachableRedis(), time.Hour)
		defer c.Close()

		_ = c.Set(ctx, "k", []byte("v"), time.Second)
		clock = clock.Add(2 * time.Second)
		if val, _ := local.Get(ctx, "k"); val != nil {
			t.Error("expected local entry to expire with the shorter remote TTL")
		}
	})

	t.Run("PingReportsRemote", func(t *testing.T) {
		c := NewTiered(NewMemory(10, 0), unreachableRedis(), time.Minute)
		defer c.Close()
		if err := c.Ping(ctx); err == nil {
			t.Error("expected ping error for unreachable redis")
		}
	})
}

func TestRedisOptions(t *testing.T) {
	t.Run("HostPort", func(t *testing.T) {
		opts, err := redisOptions(domain.CacheConfig{RedisAddr: "cache:6380", RedisDB: 2})
		if err != nil {
			t.Fatalf("redisOptions failed: %v", err)
		}
		if opts.Addr != "cache:6380" || opts.DB != 2 {
			t.Errorf("expected cache:6380 db 2, got %s db %d", opts.Addr, opts.DB)
		}
	})

	t.Run("URL", func(t *testing.T) {
		opts, err := redisOptions(domain.CacheConfig{RedisAddr: "redis://:secret@cache:6379/3"})
		if err != nil {
			t.Fatalf("redisOptions failed: %v", err)
		}
		if opts.Addr != "cache:6379" || opts.DB != 3 || opts.Password != "secret" {
			t.Errorf("unexpected options: addr %s db %d", opts.Addr, opts.DB)
		}
	})

	t.Run("PasswordOverridesURL", func(t *testing.T) {
		opts, _ := redisOptions(domain.CacheConfig{RedisAddr: "redis://cache:6379", RedisPassword: "p"})
		if opts.Password != "p" {
			t.Errorf("expected configured password, got %q", opts.Password)
		}
	})

	t.Run("Default", func(t *testing.T) {
		opts, _ := redisOptions(domain.CacheConfig{})
		if opts.Addr != "localhost:6379" {
			t.Errorf("expected localhost:6379, got %s", opts.Addr)
		}
	})
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	var c domain.Cache = Noop{}

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil from noop cache, got %q", val)
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()
		if _, ok := c.(*Memory); !ok {
			t.Errorf("expected *Memory for memory type, got %T", c)
		}
		if _, ok := c.(domain.CacheStatsReporter); !ok {
			t.Error("expected memory cache to report stats")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "none"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := c.(Noop); !ok {
			t.Errorf("expected Noop for none type, got %T", c)
		}
	})

	t.Run("UnreachableRedis", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "redis", RedisAddr: "127.0.0.1:1"})
		if err == nil {
			t.Error("expected error for unreachable redis")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
