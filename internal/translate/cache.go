package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache keeps accepted translations in Redis hashes keyed by a digest
// of language pair and text. Cache errors are logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisCache connects to the Redis server at url (redis://...).
func NewRedisCache(url string, ttl time.Duration, log zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{
		client: redis.NewClient(opts),
		prefix: "live-translator:tr:",
		ttl:    ttl,
		log:    log.With().Str("component", "translate-cache").Logger(),
	}, nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) key(k string) string {
	sum := sha256.Sum256([]byte(k))
	return c.prefix + hex.EncodeToString(sum[:16])
}

func (c *RedisCache) Get(ctx context.Context, k string) (Outcome, bool) {
	vals, err := c.client.HGetAll(ctx, c.key(k)).Result()
	if err != nil {
		c.log.Debug().Err(err).Msg("redis HGETALL failed")
		return Outcome{}, false
	}
	if vals["text"] == "" || vals["provider"] == "" {
		return Outcome{}, false
	}
	return Outcome{
		Text:     vals["text"],
		Provider: vals["provider"],
		Source:   vals["source"],
		Target:   vals["target"],
	}, true
}

func (c *RedisCache) Set(ctx context.Context, k string, o Outcome) {
	key := c.key(k)
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "text", o.Text, "provider", o.Provider, "source", o.Source, "target", o.Target)
		if c.ttl > 0 {
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("redis cache write failed")
	}
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
