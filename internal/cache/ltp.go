// Package cache keeps the last traded price per symbol in Redis with an
// in-memory shadow. The shadow makes price lookups survive a Redis outage;
// Redis makes them survive a process restart and visible to other tools.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/metrics"
)

const keyPrefix = "ltp:"

type entry struct {
	price float64
	at    time.Time
}

// LTPCache is the tick-fed last-price store. A nil Redis client degrades to
// memory-only operation, which BETA runs and tests use.
type LTPCache struct {
	rdb     redis.Cmdable
	ttl     time.Duration
	clock   clockwork.Clock
	metrics *metrics.Registry
	log     zerolog.Logger

	mu     sync.RWMutex
	shadow map[string]entry
	outage bool
}

// New builds a cache. TTL bounds how stale a price may be before LTP refuses
// to serve it.
func New(rdb redis.Cmdable, ttl time.Duration, clock clockwork.Clock, m *metrics.Registry, log zerolog.Logger) *LTPCache {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &LTPCache{
		rdb:     rdb,
		ttl:     ttl,
		clock:   clock,
		metrics: m,
		log:     log.With().Str("component", "ltp_cache").Logger(),
		shadow:  make(map[string]entry),
	}
}

// OnTick is the stream subscriber feeding the cache.
func (c *LTPCache) OnTick(ctx context.Context, t domain.Tick) {
	at := t.ExchangeTimestamp
	if at.IsZero() {
		at = t.ReceivedAt
	}
	c.SetLTP(ctx, t.Symbol, t.LastPrice, at)
}

// SetLTP records one price observation.
func (c *LTPCache) SetLTP(ctx context.Context, symbol string, price float64, at time.Time) {
	c.mu.Lock()
	c.shadow[symbol] = entry{price: price, at: at}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	val := encode(price, at)
	if err := c.rdb.Set(ctx, keyPrefix+symbol, val, c.ttl).Err(); err != nil {
		c.redisFailed(err)
		return
	}
	c.redisRecovered()
}

// LTP returns the freshest known price for a symbol. A price older than the
// TTL is not served; callers fall back to the previous-day close.
func (c *LTPCache) LTP(ctx context.Context, symbol string) (float64, time.Time, bool) {
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, keyPrefix+symbol).Result()
		switch {
		case err == nil:
			if price, at, ok := decode(val); ok && c.fresh(at) {
				c.redisRecovered()
				return price, at, true
			}
		case err == redis.Nil:
			c.redisRecovered()
		default:
			c.redisFailed(err)
		}
	}

	c.mu.RLock()
	e, ok := c.shadow[symbol]
	c.mu.RUnlock()
	if !ok || !c.fresh(e.at) {
		return 0, time.Time{}, false
	}
	return e.price, e.at, true
}

func (c *LTPCache) fresh(at time.Time) bool {
	return c.clock.Now().Sub(at) <= c.ttl
}

func (c *LTPCache) redisFailed(err error) {
	c.metrics.Degrade.WithLabelValues("ltp_redis").Inc()
	c.mu.Lock()
	first := !c.outage
	c.outage = true
	c.mu.Unlock()
	if first {
		c.log.Warn().Err(err).Msg("redis unavailable, serving prices from memory")
	}
}

func (c *LTPCache) redisRecovered() {
	c.mu.Lock()
	was := c.outage
	c.outage = false
	c.mu.Unlock()
	if was {
		c.log.Info().Msg("redis recovered")
	}
}

func encode(price float64, at time.Time) string {
	return fmt.Sprintf("%.2f|%d", price, at.UnixNano())
}

func decode(val string) (float64, time.Time, bool) {
	parts := strings.SplitN(val, "|", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, false
	}
	price, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return price, time.Unix(0, nanos), true
}
