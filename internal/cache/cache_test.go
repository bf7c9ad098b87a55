package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/conreg/conreg/internal/cache"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetGet(t *testing.T) {
	c := openMem(t)
	require.NoError(t, c.Set("k", []byte("v"), -1))

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

func TestGet_AbsentKey(t *testing.T) {
	c := openMem(t)
	_, ok := c.Get("missing")
	require.False(t, ok)
}

func TestSet_ExpiresAfterTTL(t *testing.T) {
	c := openMem(t)
	require.NoError(t, c.Set("k", []byte("v"), 0))

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestRemove(t *testing.T) {
	c := openMem(t)
	require.NoError(t, c.Set("k", []byte("v"), -1))
	c.Remove("k")
	require.False(t, c.Exists("k"))
}

func TestTTL_NoExpiryIsMinusOne(t *testing.T) {
	c := openMem(t)
	require.NoError(t, c.Set("k", []byte("v"), -1))
	require.EqualValues(t, -1, c.TTL("k"))
}

func TestTTL_AbsentKeyIsMinusTwo(t *testing.T) {
	c := openMem(t)
	require.EqualValues(t, -2, c.TTL("missing"))
}

func TestExpire_UpdatesTTLWithoutChangingValue(t *testing.T) {
	c := openMem(t)
	require.NoError(t, c.Set("k", []byte("v"), -1))
	require.NoError(t, c.Expire("k", 60))

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	require.Greater(t, c.TTL("k"), int64(0))
}

func TestExpire_AbsentKeyErrors(t *testing.T) {
	c := openMem(t)
	require.Error(t, c.Expire("missing", 60))
}

func TestIncrement_StartsAtOneThenIncrements(t *testing.T) {
	c := openMem(t)
	n, err := c.Increment("counter")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = c.Increment("counter")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestIncrement_NonNumericValueErrors(t *testing.T) {
	c := openMem(t)
	require.NoError(t, c.Set("k", []byte("not-a-number"), -1))
	_, err := c.Increment("k")
	require.Error(t, err)
}

func TestRatelimit_ExceedsAfterLimit(t *testing.T) {
	c := openMem(t)
	for i := 0; i < 3; i++ {
		exceeded, err := c.Ratelimit("ip:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		require.False(t, exceeded)
	}
	exceeded, err := c.Ratelimit("ip:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, exceeded)
}

func TestLockUnlock_MutualExclusion(t *testing.T) {
	c := openMem(t)
	require.True(t, c.Lock("job"))
	require.False(t, c.Lock("job"))

	c.Unlock("job")
	require.True(t, c.Lock("job"))
}
