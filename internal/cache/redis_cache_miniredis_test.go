package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = cl.Close()
		mr.Close()
	})
	return &RedisCache{rdb: cl, pfx: "test:"}
}

func TestRedisCacheRoundTripsThroughMiniredis(t *testing.T) {
	c := newMiniredisCache(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "status")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "status", []byte(`{"ok":true}`), time.Minute))

	body, found, err := c.Get(ctx, "status")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"ok":true}`, string(body))
}

func TestRedisCacheEntryExpiresAfterTTL(t *testing.T) {
	c := newMiniredisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short-lived", []byte("v"), 10*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, found, err := c.Get(ctx, "short-lived")
	require.NoError(t, err)
	assert.False(t, found)
}
