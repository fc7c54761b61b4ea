package prefs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingService struct {
	mu   sync.Mutex
	data map[string]Prefs
	gets int
}

func (c *countingService) Get(_ context.Context, accountID string) (Prefs, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	p, ok := c.data[accountID]
	if !ok {
		return Prefs{AccountID: accountID}, nil
	}
	return p, nil
}

func (c *countingService) Set(_ context.Context, p Prefs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[p.AccountID] = p
	return nil
}

func (c *countingService) getCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

func newCacheUnderTest(t *testing.T) (*Cached, *countingService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	src := &countingService{data: map[string]Prefs{
		"acc-1": {AccountID: "acc-1", StarOutgoing: true, SinkID: "S1", LoggerEnabled: true},
	}}
	return NewCached(src, rdb, time.Minute), src, mr
}

func TestCachedGet_ReadThrough(t *testing.T) {
	c, src, _ := newCacheUnderTest(t)
	ctx := context.Background()

	p, err := c.Get(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, p.StarOutgoing)
	require.Equal(t, "S1", p.SinkID)
	require.Equal(t, 1, src.getCount())

	// second read is served from the cache
	p, err = c.Get(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, "S1", p.SinkID)
	require.Equal(t, 1, src.getCount())
}

func TestCachedSet_Invalidates(t *testing.T) {
	c, src, _ := newCacheUnderTest(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, Prefs{AccountID: "acc-1", StarOutgoing: false, SinkID: "S2"}))

	p, err := c.Get(ctx, "acc-1")
	require.NoError(t, err)
	require.False(t, p.StarOutgoing)
	require.Equal(t, "S2", p.SinkID)
	require.Equal(t, 2, src.getCount())
}

func TestCachedGet_PoisonedEntryFallsThrough(t *testing.T) {
	c, _, mr := newCacheUnderTest(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("prefs:acc-1", "{not json"))

	p, err := c.Get(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, "S1", p.SinkID)
}

func TestCachedGet_CacheDownServesSource(t *testing.T) {
	c, _, mr := newCacheUnderTest(t)
	ctx := context.Background()

	mr.Close()

	p, err := c.Get(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, "S1", p.SinkID)
}

func TestCachedGet_UnknownAccountDefaults(t *testing.T) {
	c, _, _ := newCacheUnderTest(t)
	p, err := c.Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, p.StarOutgoing)
	require.Empty(t, p.SinkID)
}
