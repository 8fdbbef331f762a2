package payload

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedStore wraps a backing Store with a Redis read-through cache keyed
// by content hash. Content addressing makes this safe without any
// invalidation story: a hash never changes meaning, so cached bytes are
// valid for the lifetime of the TTL regardless of writes elsewhere.
type CachedStore struct {
	backing Store
	rdb     *redis.Client
	ttl     time.Duration
	log     *logrus.Entry
}

// NewCachedStore wraps backing with a Redis cache. rdb may be nil, in which
// case CachedStore degrades to calling backing directly (used in tests and
// single-node deployments that skip Redis).
func NewCachedStore(backing Store, rdb *redis.Client, ttl time.Duration, log *logrus.Entry) *CachedStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CachedStore{backing: backing, rdb: rdb, ttl: ttl, log: log}
}

func (c *CachedStore) cacheKey(hexHash string) string {
	return "elspeth:payload:" + hexHash
}

func (c *CachedStore) Store(ctx context.Context, data []byte) (string, error) {
	hexHash, err := c.backing.Store(ctx, data)
	if err != nil {
		return "", err
	}
	c.populate(ctx, hexHash, data)
	return hexHash, nil
}

func (c *CachedStore) Exists(ctx context.Context, hexHash string) (bool, error) {
	if c.rdb != nil {
		if n, err := c.rdb.Exists(ctx, c.cacheKey(hexHash)).Result(); err == nil && n > 0 {
			return true, nil
		}
	}
	return c.backing.Exists(ctx, hexHash)
}

func (c *CachedStore) Retrieve(ctx context.Context, hexHash string) ([]byte, error) {
	if c.rdb != nil {
		if data, err := c.rdb.Get(ctx, c.cacheKey(hexHash)).Bytes(); err == nil {
			// Cache hits still run the full integrity check: a bit flip in
			// Redis must surface exactly like a bit flip on disk.
			if verr := verify(hexHash, data); verr == nil {
				return data, nil
			}
			c.log.WithField("hash", hexHash).Warn("payload: cache entry failed integrity check, evicting")
			c.rdb.Del(ctx, c.cacheKey(hexHash))
		} else if err != redis.Nil {
			c.log.WithError(err).WithField("hash", hexHash).Warn("payload: cache read failed, falling back to backing store")
		}
	}

	data, err := c.backing.Retrieve(ctx, hexHash)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, hexHash, data)
	return data, nil
}

func (c *CachedStore) Delete(ctx context.Context, hexHash string) (bool, error) {
	if c.rdb != nil {
		c.rdb.Del(ctx, c.cacheKey(hexHash))
	}
	return c.backing.Delete(ctx, hexHash)
}

// DeleteSized removes hexHash from both the cache and the backing store,
// reporting the backing store's freed byte count if it supports sizing.
func (c *CachedStore) DeleteSized(ctx context.Context, hexHash string) (bool, int64, error) {
	if c.rdb != nil {
		c.rdb.Del(ctx, c.cacheKey(hexHash))
	}
	if sized, ok := c.backing.(interface {
		DeleteSized(ctx context.Context, hexHash string) (bool, int64, error)
	}); ok {
		return sized.DeleteSized(ctx, hexHash)
	}
	deleted, err := c.backing.Delete(ctx, hexHash)
	return deleted, 0, err
}

func (c *CachedStore) populate(ctx context.Context, hexHash string, data []byte) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.cacheKey(hexHash), data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("hash", hexHash).Debug("payload: cache populate failed, continuing without cache")
	}
}
