package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheRoundtrip(t *testing.T) {
	c := openTestCache(t, time.Minute)

	require.NoError(t, c.Set("stocks", "AAPL", []byte(`{"price":150}`)))

	payload, ok, err := c.Get("stocks", "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"price":150}`, string(payload))
}

func TestCacheMiss(t *testing.T) {
	c := openTestCache(t, time.Minute)

	payload, ok, err := c.Get("stocks", "MSFT")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, payload)
}

func TestCacheKeyCaseInsensitive(t *testing.T) {
	c := openTestCache(t, time.Minute)

	require.NoError(t, c.Set("Stocks", "aapl", []byte(`1`)))

	_, ok, err := c.Get("STOCKS", "AaPl")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "stocks:AAPL", Key(" Stocks ", " aapl "))
}

func TestCacheTTLExpiry(t *testing.T) {
	c := openTestCache(t, time.Second)

	require.NoError(t, c.Set("stocks", "AAPL", []byte(`1`)))

	_, ok, err := c.Get("stocks", "AAPL")
	require.NoError(t, err)
	require.True(t, ok, "entry should be live immediately after set")

	time.Sleep(1100 * time.Millisecond)

	_, ok, err = c.Get("stocks", "AAPL")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire after ttl")
}

func TestClearExpiredRemovesOnlyExpired(t *testing.T) {
	c := openTestCache(t, time.Second)

	require.NoError(t, c.Set("stocks", "OLD1", []byte(`1`)))
	require.NoError(t, c.Set("stocks", "OLD2", []byte(`1`)))
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, c.Set("stocks", "FRESH", []byte(`1`)))

	n, err := c.ClearExpired()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := c.Get("stocks", "FRESH")
	require.NoError(t, err)
	assert.True(t, ok, "live entry must survive the sweep")
}

func TestInvalidate(t *testing.T) {
	c := openTestCache(t, time.Minute)

	require.NoError(t, c.Set("stocks", "AAPL", []byte(`1`)))

	removed, err := c.Invalidate("stocks", "AAPL")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.Invalidate("stocks", "AAPL")
	require.NoError(t, err)
	assert.False(t, removed, "second invalidate finds nothing")

	_, ok, err := c.Get("stocks", "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearAllRequiresConfirmation(t *testing.T) {
	c := openTestCache(t, time.Minute)

	require.NoError(t, c.Set("stocks", "AAPL", []byte(`1`)))

	_, err := c.ClearAll(false)
	require.Error(t, err)

	_, ok, err := c.Get("stocks", "AAPL")
	require.NoError(t, err)
	assert.True(t, ok, "refused clear must not touch entries")

	n, err := c.ClearAll(true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSetOverwriteRestartsHitCount(t *testing.T) {
	c := openTestCache(t, time.Minute)

	require.NoError(t, c.Set("stocks", "AAPL", []byte(`1`)))
	for i := 0; i < 3; i++ {
		_, _, err := c.Get("stocks", "AAPL")
		require.NoError(t, err)
	}
	require.NoError(t, c.Set("stocks", "AAPL", []byte(`2`)))

	stats, err := c.Statistics()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalHits)
}

func TestStatistics(t *testing.T) {
	c := openTestCache(t, time.Minute)

	require.NoError(t, c.Set("stocks", "AAPL", []byte(`1`)))
	require.NoError(t, c.Set("stocks", "MSFT", []byte(`1`)))
	for i := 0; i < 5; i++ {
		_, _, err := c.Get("stocks", "AAPL")
		require.NoError(t, err)
	}
	_, _, err := c.Get("stocks", "MSFT")
	require.NoError(t, err)

	stats, err := c.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 2, stats.ValidEntries)
	assert.Equal(t, 0, stats.ExpiredEntries)
	assert.Equal(t, int64(6), stats.TotalHits)
	require.NotEmpty(t, stats.MostAccessed)
	assert.Equal(t, "stocks:AAPL", stats.MostAccessed[0].Key)
	assert.Equal(t, int64(5), stats.MostAccessed[0].HitCount)
	assert.Greater(t, stats.SizeBytes, int64(0))
}
