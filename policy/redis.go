package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velmie/memgate/audit"
)

const (
	defaultCacheTTL    = 30 * time.Second
	defaultCachePrefix = "memgate:policy:"
)

// RedisCacheConfig controls decision caching.
type RedisCacheConfig struct {
	// TTL is how long a decision is reused. Defaults to 30s.
	TTL time.Duration
	// Prefix namespaces cache keys. Defaults to "memgate:policy:".
	Prefix string
	// OnError receives cache read/write failures; the cache never fails a check itself.
	OnError func(err error)
}

// RedisCache memoizes decisions of an inner Checker in Redis. Errors from the
// inner checker are never cached, so a flapping governance service cannot pin
// a stale rejection.
type RedisCache struct {
	inner  Checker
	client redis.UniversalClient
	cfg    RedisCacheConfig
}

var _ Checker = (*RedisCache)(nil)

// NewRedisCache wraps inner with a Redis decision cache.
func NewRedisCache(inner Checker, client redis.UniversalClient, cfg RedisCacheConfig) (*RedisCache, error) {
	if inner == nil {
		return nil, errors.New("policy: inner checker is required")
	}
	if client == nil {
		return nil, errors.New("policy: redis client is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultCachePrefix
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}

	return &RedisCache{inner: inner, client: client, cfg: cfg}, nil
}

// Check returns a cached decision when present, otherwise consults inner.
func (c *RedisCache) Check(ctx context.Context, actorUserID, space string, op audit.Operation) (Decision, error) {
	key := c.key(actorUserID, space, op)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached Decision
		if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
			return cached, nil
		}
		c.cfg.OnError(fmt.Errorf("policy cache: corrupt entry %s", key))
	case !errors.Is(err, redis.Nil):
		c.cfg.OnError(fmt.Errorf("policy cache get: %w", err))
	}

	decision, err := c.inner.Check(ctx, actorUserID, space, op)
	if err != nil {
		return Decision{}, err
	}

	encoded, err := json.Marshal(decision)
	if err != nil {
		c.cfg.OnError(fmt.Errorf("policy cache marshal: %w", err))

		return decision, nil
	}
	if err := c.client.Set(ctx, key, encoded, c.cfg.TTL).Err(); err != nil {
		c.cfg.OnError(fmt.Errorf("policy cache set: %w", err))
	}

	return decision, nil
}

// Invalidate drops the cached decision for one tuple.
func (c *RedisCache) Invalidate(ctx context.Context, actorUserID, space string, op audit.Operation) error {
	return c.client.Del(ctx, c.key(actorUserID, space, op)).Err()
}

func (c *RedisCache) key(actor, space string, op audit.Operation) string {
	sum := sha256.Sum256([]byte(actor + "\x00" + space + "\x00" + string(op)))

	return c.cfg.Prefix + hex.EncodeToString(sum[:16])
}
