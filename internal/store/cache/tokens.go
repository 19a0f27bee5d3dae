// Package cache provides the Redis-backed token-count cache the Compaction
// Engine consults before re-estimating long transcripts. Redis is optional:
// when no server is configured the engine uses the in-memory
// compaction.TokenCache instead, and any Redis hiccup degrades to a miss
// rather than an error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	keyPrefix      = "turnengine:tokens:"
	defaultTTL     = time.Hour
	defaultTimeout = 200 * time.Millisecond
)

// TokenCache satisfies compaction.TokenCounts over a shared Redis
// instance, so repeated estimates of the same history survive process
// restarts and are shared across sessions.
type TokenCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTokenCache(rdb *redis.Client, ttl time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &TokenCache{rdb: rdb, ttl: ttl}
}

// Dial connects to addr and verifies the connection with a ping.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (c *TokenCache) Get(text string) (int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	n, err := c.rdb.Get(ctx, cacheKey(text)).Int()
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *TokenCache) Set(text string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := c.rdb.Set(ctx, cacheKey(text), count, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("token_cache_set_error")
	}
}

func cacheKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return keyPrefix + hex.EncodeToString(h[:16])
}
