// Package cache provides the tiered response cache: a ristretto memory tier
// in front of an optional Redis tier. The cache is advisory — any tier
// failure degrades to a miss and never blocks generation.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reqforge/reqforge/pkg/logger"
)

// Tier names the cache layers.
type Tier string

const (
	TierMemory Tier = "memory"
	TierRedis  Tier = "redis"
)

// Config tunes tier TTLs and the memory tier's capacity.
type Config struct {
	MemoryTTL      time.Duration
	RedisTTL       time.Duration
	MemoryMaxItems int64
}

// TierStats is the observability view of one tier. Counters only grow.
type TierStats struct {
	Tier      Tier       `json:"tier"`
	Hits      uint64     `json:"hits"`
	Misses    uint64     `json:"misses"`
	LastHitAt *time.Time `json:"last_hit_at,omitempty"`
}

type tierCounters struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	lastHit atomic.Int64
}

func (c *tierCounters) hit(now time.Time) {
	c.hits.Add(1)
	c.lastHit.Store(now.UnixNano())
}

func (c *tierCounters) stats(tier Tier) TierStats {
	out := TierStats{Tier: tier, Hits: c.hits.Load(), Misses: c.misses.Load()}
	if nano := c.lastHit.Load(); nano > 0 {
		at := time.Unix(0, nano)
		out.LastHitAt = &at
	}
	return out
}

// Cache is the tiered response cache.
type Cache struct {
	memory   *ristretto.Cache[string, []byte]
	redis    redis.UniversalClient
	cfg      Config
	memStats tierCounters
	rdStats  tierCounters
	now      func() time.Time
}

// New builds the cache. redisClient may be nil, leaving the memory tier only.
func New(cfg Config, redisClient redis.UniversalClient) (*Cache, error) {
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = 5 * time.Minute
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = time.Hour
	}
	if cfg.MemoryMaxItems <= 0 {
		cfg.MemoryMaxItems = 10_000
	}
	memory, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.MemoryMaxItems * 10,
		MaxCost:     cfg.MemoryMaxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		memory: memory,
		redis:  redisClient,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

// Get consults memory first, then Redis, promoting a Redis hit into memory.
// Every consulted tier records a hit or a miss; a tier error counts as a
// miss for that tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := c.memory.Get(key); ok {
		c.memStats.hit(c.now())
		return value, true
	}
	c.memStats.misses.Add(1)
	if c.redis == nil {
		return nil, false
	}
	value, err := c.redis.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		c.rdStats.misses.Add(1)
		if err != redis.Nil {
			logger.FromContext(ctx).Warn("Redis cache tier unavailable, treating as miss", "error", err)
		}
		return nil, false
	}
	c.rdStats.hit(c.now())
	c.memory.SetWithTTL(key, value, 1, c.cfg.MemoryTTL)
	return value, true
}

// Put writes the value to the requested tier; an empty tier writes through
// both. Redis failures are logged and swallowed: the cache stays advisory.
func (c *Cache) Put(ctx context.Context, key string, value []byte, tier Tier) {
	if tier == "" || tier == TierMemory {
		c.memory.SetWithTTL(key, value, 1, c.cfg.MemoryTTL)
		// Ristretto applies sets asynchronously; a Put must be observable
		// by the next Get.
		c.memory.Wait()
	}
	if (tier == "" || tier == TierRedis) && c.redis != nil {
		if err := c.redis.Set(ctx, redisKey(key), value, c.cfg.RedisTTL).Err(); err != nil {
			logger.FromContext(ctx).Warn("Redis cache tier write failed", "error", err)
		}
	}
}

// Stats reports per-tier counters. The redis tier is omitted when not
// configured.
func (c *Cache) Stats() []TierStats {
	stats := []TierStats{c.memStats.stats(TierMemory)}
	if c.redis != nil {
		stats = append(stats, c.rdStats.stats(TierRedis))
	}
	return stats
}

// Close releases the memory tier. The Redis client is owned by the caller.
func (c *Cache) Close() {
	c.memory.Close()
}

func redisKey(key string) string {
	return "reqforge:cache:" + key
}
