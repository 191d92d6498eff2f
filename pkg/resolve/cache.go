package resolve

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/elonfeng/wdpv/internal/metrics"
)

// noItem marks a title known to have no item, so misses are cached too.
const noItem int64 = 0

// Cache stores title lookups per wiki. Get returns only the titles it knows; a
// stored value of 0 means the title has no item.
type Cache interface {
	Get(ctx context.Context, dbname string, titles []string) (map[string]int64, error)
	Set(ctx context.Context, dbname string, entries map[string]int64) error
}

// Cached consults a Cache before delegating to the next resolver.
type Cached struct {
	next   Resolver
	cache  Cache
	logger *zap.Logger
}

// NewCached wraps next with cache.
func NewCached(next Resolver, cache Cache, logger *zap.Logger) *Cached {
	return &Cached{next: next, cache: cache, logger: logger}
}

func (c *Cached) Resolve(ctx context.Context, dbname string, titles []string) (map[string]int64, error) {
	if isWikidata(dbname) {
		return c.next.Resolve(ctx, dbname, titles)
	}

	known, err := c.cache.Get(ctx, dbname, titles)
	if err != nil {
		// A broken cache only costs speed.
		c.logger.Warn("title cache get failed", zap.String("db", dbname), zap.Error(err))
		known = nil
	}

	results := make(map[string]int64, len(titles))
	var missing []string
	for _, t := range titles {
		id, ok := known[t]
		switch {
		case !ok:
			missing = append(missing, t)
		case id != noItem:
			results[t] = id
		}
	}
	metrics.ResolveLookups.WithLabelValues("cache").Add(float64(len(titles) - len(missing)))

	if len(missing) == 0 {
		return results, nil
	}

	fresh, err := c.next.Resolve(ctx, dbname, missing)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]int64, len(missing))
	for _, t := range missing {
		id, ok := fresh[t]
		if ok {
			results[t] = id
		} else {
			id = noItem
		}
		entries[t] = id
	}
	if err := c.cache.Set(ctx, dbname, entries); err != nil {
		c.logger.Warn("title cache set failed", zap.String("db", dbname), zap.Error(err))
	}
	return results, nil
}

type memoEntry struct {
	qid     int64
	expires time.Time
}

// MemoryCache is an in-process Cache with per-entry expiry.
type MemoryCache struct {
	entries *xsync.Map[string, memoEntry]
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates an in-process cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: xsync.NewMap[string, memoEntry](),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, dbname string, titles []string) (map[string]int64, error) {
	now := m.now()
	out := make(map[string]int64)
	for _, t := range titles {
		key := cacheKey(dbname, t)
		e, ok := m.entries.Load(key)
		if !ok {
			continue
		}
		if now.After(e.expires) {
			m.entries.Delete(key)
			continue
		}
		out[t] = e.qid
	}
	return out, nil
}

func (m *MemoryCache) Set(_ context.Context, dbname string, entries map[string]int64) error {
	expires := m.now().Add(m.ttl)
	for t, id := range entries {
		m.entries.Store(cacheKey(dbname, t), memoEntry{qid: id, expires: expires})
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryCache) Len() int {
	return m.entries.Size()
}

// RedisCache stores lookups as "wdpv:title:<db>:<title>" keys with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (r *RedisCache) Get(ctx context.Context, dbname string, titles []string) (map[string]int64, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	keys := make([]string, len(titles))
	for i, t := range titles {
		keys[i] = cacheKey(dbname, t)
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make(map[string]int64)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // nil = miss
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out[titles[i]] = id
	}
	return out, nil
}

func (r *RedisCache) Set(ctx context.Context, dbname string, entries map[string]int64) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for t, id := range entries {
		pipe.Set(ctx, cacheKey(dbname, t), strconv.FormatInt(id, 10), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func cacheKey(dbname, title string) string {
	return "wdpv:title:" + dbname + ":" + title
}
