package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_GetSetDelete(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "search:1:a", []byte("one"), time.Minute))
	require.NoError(t, c.Set(ctx, "search:1:b", []byte("two"), time.Minute))
	require.NoError(t, c.Set(ctx, "other", []byte("three"), time.Minute))

	got, err := c.Get(ctx, "search:1:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, c.DeleteByPrefix(ctx, SearchPrefix))
	_, err = c.Get(ctx, "search:1:b")
	assert.ErrorIs(t, err, ErrCacheMiss)

	got, err = c.Get(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), got)

	require.NoError(t, c.Delete(ctx, "other"))
	_, err = c.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_Expiry(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), -time.Second))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_EvictsWhenFull(t *testing.T) {
	c := NewMemoryClient(2)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "new", []byte("3"), time.Hour))

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "long")
	assert.NoError(t, err)
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	key := DocumentLeaseKey("doc-1")

	lease, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token)

	_, err = l.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	held, err := l.Held(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	stale := &Lease{Key: key, Token: "someone-else"}
	assert.ErrorIs(t, l.Release(ctx, stale), ErrLeaseLost)

	require.NoError(t, l.Release(ctx, lease))
	held, err = l.Held(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestMemoryLocker_ExpiredLeaseCanBeTaken(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	second, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(ctx, first), ErrLeaseLost)
	assert.NoError(t, l.Release(ctx, second))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "lease:document:abc", DocumentLeaseKey("abc"))
	assert.Equal(t, "search:api-1:3:2:10:hello world", SearchKey("api-1", 3, "Hello World", 2, 10))
	assert.NotEqual(t, SearchKey("api-1", 1, "x", 1, 1), SearchKey("worker-1", 1, "x", 1, 1))
	assert.True(t, strings.HasPrefix(SearchKey("a", 1, "x", 1, 1), SearchPrefix))
}
