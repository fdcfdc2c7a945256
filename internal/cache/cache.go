// Package cache implements a two-tier cache: a small process-local map (L1) in
// front of redis (L2).
//
// L2 is the only tier other processes can see, so writes go there first and L1
// entries live at most LocalTTLCap. An invalidation issued by another process is
// therefore observed here within that window. Redis failures are logged and
// counted, and behave as misses; they are never returned to callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/freechat/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// MaxLocalTTL is the hard ceiling for LocalTTLCap.
	MaxLocalTTL = 60 * time.Second

	defaultLocalTTLCap     = 30 * time.Second
	defaultLocalMaxEntries = 10000
	scanPageSize           = 100
)

type Options struct {
	LocalTTLCap     time.Duration
	LocalMaxEntries int
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	// Now overrides the L1 clock in tests.
	Now func() time.Time
}

// Entry is one warmup item. When GenKey is set the entry is only written
// while that generation still reads Gen.
type Entry struct {
	Value  []byte
	TTL    time.Duration
	GenKey string
	Gen    string
}

// setIfGenScript writes KEYS[1] only while the counter at KEYS[2] equals
// ARGV[2]. An absent counter reads as "0".
var setIfGenScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur then cur = '0' end
if cur ~= ARGV[2] then return 0 end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

type TieredCache struct {
	rdb      redis.UniversalClient
	local    *localStore
	localCap time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	group    singleflight.Group
}

func New(rdb redis.UniversalClient, opts Options) *TieredCache {
	localCap := opts.LocalTTLCap
	if localCap <= 0 {
		localCap = defaultLocalTTLCap
	}
	if localCap > MaxLocalTTL {
		localCap = MaxLocalTTL
	}
	maxEntries := opts.LocalMaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultLocalMaxEntries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &TieredCache{
		rdb:      rdb,
		local:    newLocalStore(maxEntries, now),
		localCap: localCap,
		log:      log.Named("cache"),
		metrics:  m,
	}
}

// LocalTTLCap returns the effective L1 ceiling.
func (c *TieredCache) LocalTTLCap() time.Duration {
	return c.localCap
}

func (c *TieredCache) capLocal(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.localCap {
		return c.localCap
	}
	return ttl
}

func (c *TieredCache) l2Failed(op, key string, err error) {
	c.metrics.CacheL2ErrorsTotal.WithLabelValues(op).Inc()
	c.log.Warn("shared cache unavailable", zap.String("op", op), zap.String("key", key), zap.Error(err))
}

// Get returns the cached value, or false when neither tier holds the key.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.local.get(key); ok {
		c.metrics.CacheHitsTotal.WithLabelValues("l1").Inc()
		return v, true
	}

	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if !errors.Is(err, redis.Nil) {
			c.l2Failed("get", key, err)
		}
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	val, err := getCmd.Bytes()
	if err != nil {
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	// L1 must not outlive the L2 entry it mirrors.
	c.local.set(key, val, c.capLocal(ttlCmd.Val()))
	c.metrics.CacheHitsTotal.WithLabelValues("l2").Inc()
	return val, true
}

// Set writes L2 and then mirrors into L1. It reports whether the shared tier
// accepted the write; when it did not, L1 is left untouched.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.l2Failed("set", key, err)
		return false
	}
	c.local.set(key, value, c.capLocal(ttl))
	return true
}

// Delete removes key from both tiers. L1 is always cleared; the result reports
// whether the L2 delete succeeded.
func (c *TieredCache) Delete(ctx context.Context, key string) bool {
	c.local.delete(key)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.l2Failed("delete", key, err)
		return false
	}
	return true
}

func (c *TieredCache) Exists(ctx context.Context, key string) bool {
	if _, ok := c.local.get(key); ok {
		return true
	}
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		c.l2Failed("exists", key, err)
		return false
	}
	return n > 0
}

// GetOrSet returns the cached value or builds it with factory. Concurrent
// callers in this process share one factory call per key; the shared call is
// detached from any single caller's cancellation, and each caller stops
// waiting when its own ctx ends. Factory errors are returned and nothing is
// cached; a nil value is returned but not cached.
func (c *TieredCache) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		sctx := context.WithoutCancel(ctx)
		if v, ok := c.Get(sctx, key); ok {
			return v, nil
		}
		val, err := factory(sctx)
		if err != nil {
			return nil, err
		}
		if val != nil {
			c.Set(sctx, key, val, ttl)
		}
		return val, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		b, _ := res.Val.([]byte)
		return b, nil
	}
}

// Generations reads the counters named by genKeys. An absent counter reads as
// "0". ok is false when the shared tier could not be reached.
func (c *TieredCache) Generations(ctx context.Context, genKeys ...string) (map[string]string, bool) {
	out := make(map[string]string, len(genKeys))
	if len(genKeys) == 0 {
		return out, true
	}
	vals, err := c.rdb.MGet(ctx, genKeys...).Result()
	if err != nil {
		c.l2Failed("generation", genKeys[0], err)
		return nil, false
	}
	for i, k := range genKeys {
		out[k] = "0"
		if s, ok := vals[i].(string); ok {
			out[k] = s
		}
	}
	return out, true
}

// Generation is Generations for a single counter.
func (c *TieredCache) Generation(ctx context.Context, genKey string) (string, bool) {
	gens, ok := c.Generations(ctx, genKey)
	if !ok {
		return "", false
	}
	return gens[genKey], true
}

// BumpGeneration advances genKey so that fills holding an older generation
// are refused. ttl bounds how long the counter outlives its last bump.
func (c *TieredCache) BumpGeneration(ctx context.Context, genKey string, ttl time.Duration) bool {
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, genKey)
	if ttl > 0 {
		pipe.PExpire(ctx, genKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.l2Failed("bump", genKey, err)
		return false
	}
	return true
}

// SetIfGeneration writes key like Set, but only while genKey still reads gen.
// Callers read gen before loading the value, so a writer that bumped the
// generation in between wins and the older value is dropped.
func (c *TieredCache) SetIfGeneration(ctx context.Context, key string, value []byte, ttl time.Duration, genKey, gen string) bool {
	if ttl < 0 {
		ttl = 0
	}
	n, err := setIfGenScript.Run(ctx, c.rdb, []string{key, genKey}, value, gen, ttl.Milliseconds()).Int()
	if err != nil {
		c.l2Failed("set", key, err)
		return false
	}
	if n == 0 {
		c.metrics.CacheStaleFills.Inc()
		c.log.Debug("stale fill refused", zap.String("key", key), zap.String("gen", gen))
		return false
	}
	c.local.set(key, value, c.capLocal(ttl))
	return true
}

// InvalidatePattern deletes every key starting with prefix from both tiers and
// returns the number of L2 keys removed.
func (c *TieredCache) InvalidatePattern(ctx context.Context, prefix string) int {
	c.local.deletePrefix(prefix)

	match := escapeGlob(prefix) + "*"
	count := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, scanPageSize).Result()
		if err != nil {
			c.l2Failed("scan", prefix, err)
			return count
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				c.l2Failed("delete", prefix, err)
				return count
			}
			count += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.log.Info("invalidated cache keys", zap.String("prefix", prefix), zap.Int("count", count))
	return count
}

// Warmup loads entries from loader and writes them through. It returns how many
// were accepted by the shared tier.
func (c *TieredCache) Warmup(ctx context.Context, loader func(context.Context) (map[string]Entry, error)) int {
	entries, err := loader(ctx)
	if err != nil {
		c.log.Error("cache warmup failed", zap.Error(err))
		return 0
	}
	count := 0
	for key, e := range entries {
		var ok bool
		if e.GenKey != "" {
			ok = c.SetIfGeneration(ctx, key, e.Value, e.TTL, e.GenKey, e.Gen)
		} else {
			ok = c.Set(ctx, key, e.Value, e.TTL)
		}
		if ok {
			count++
		}
	}
	c.log.Info("cache warmed up", zap.Int("count", count), zap.Int("requested", len(entries)))
	return count
}

// GetJSON decodes a cached value into dst. An undecodable entry is dropped and
// reported as a miss.
func (c *TieredCache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.Delete(ctx, key)
		return false
	}
	return true
}

func (c *TieredCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Error("cache value not serializable", zap.String("key", key), zap.Error(err))
		return false
	}
	return c.Set(ctx, key, raw, ttl)
}

// SetJSONIfGeneration is SetIfGeneration for a JSON-encoded value.
func (c *TieredCache) SetJSONIfGeneration(ctx context.Context, key string, v any, ttl time.Duration, genKey, gen string) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Error("cache value not serializable", zap.String("key", key), zap.Error(err))
		return false
	}
	return c.SetIfGeneration(ctx, key, raw, ttl, genKey, gen)
}

// ClearLocal empties L1 only.
func (c *TieredCache) ClearLocal() {
	c.local.clear()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
