package payload_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/payload"
)

func newCachedStore(t *testing.T) (*payload.CachedStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backing := newStore(t)
	return payload.NewCachedStore(backing, rdb, 0, nil), mr
}

func TestCachedStore_RetrieveRoundTripsThroughCache(t *testing.T) {
	ctx := context.Background()
	c, _ := newCachedStore(t)

	data := []byte("cached bytes")
	hash, err := c.Store(ctx, data)
	require.NoError(t, err)

	got, err := c.Retrieve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCachedStore_RetrieveServesFromCacheAfterBackingKeyRemoved(t *testing.T) {
	ctx := context.Background()
	backing := newStore(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := payload.NewCachedStore(backing, rdb, 0, nil)

	data := []byte("will be evicted from disk but cached")
	hash, err := c.Store(ctx, data)
	require.NoError(t, err)

	// Prime the cache with a read before removing the backing copy.
	_, err = c.Retrieve(ctx, hash)
	require.NoError(t, err)

	_, err = backing.Delete(ctx, hash)
	require.NoError(t, err)

	got, err := c.Retrieve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCachedStore_DeleteSizedRemovesFromCacheAndBacking(t *testing.T) {
	ctx := context.Background()
	c, mr := newCachedStore(t)

	data := []byte("to purge")
	hash, err := c.Store(ctx, data)
	require.NoError(t, err)
	_, err = c.Retrieve(ctx, hash) // populate the cache entry
	require.NoError(t, err)

	deleted, size, err := c.DeleteSized(ctx, hash)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(len(data)), size)

	exists, err := c.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, mr.Exists(cacheKeyForTest(hash)))
}

// cacheKeyForTest mirrors CachedStore's private cacheKey format so the test
// can assert the Redis key was actually cleared rather than merely expired.
func cacheKeyForTest(hexHash string) string {
	return "elspeth:payload:" + hexHash
}
