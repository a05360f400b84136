package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/tradedesk/offers-api/internal/domain"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisScheduleCacheRoundTripAndExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	cache, err := NewRedisScheduleCache(client, "test:tiers:", time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	nine := 9
	schedule := domain.PriceSchedule{
		ProductID: "p1",
		BasePrice: 120,
		Tiers: []domain.PriceTier{
			{MinQuantity: 1, MaxQuantity: &nine, Price: 100},
			{MinQuantity: 10, Price: 80},
		},
	}
	require.NoError(t, cache.Put(ctx, schedule))
	assert.True(t, mr.Exists("test:tiers:p1"))
	assert.Equal(t, time.Minute, mr.TTL("test:tiers:p1"))

	got, ok, err := cache.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schedule, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisScheduleCacheInvalidateAndCorruptEntry(t *testing.T) {
	mr, client := setupTestRedis(t)
	cache, err := NewRedisScheduleCache(client, "", 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, domain.PriceSchedule{ProductID: "p2", BasePrice: 50, Tiers: []domain.PriceTier{}}))
	require.NoError(t, cache.Invalidate(ctx, "p2"))
	_, ok, err := cache.Get(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mr.Set(defaultKeyPrefix+"p3", "{broken"))
	_, ok, err = cache.Get(ctx, "p3")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Ping(ctx))
}

func TestRedisScheduleCacheReportsOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	cache, err := NewRedisScheduleCache(client, "", 0)
	require.NoError(t, err)
	mr.Close()

	_, _, err = cache.Get(context.Background(), "p1")
	assert.Error(t, err)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "http://not-redis")
	assert.Error(t, err)

	mr, _ := setupTestRedis(t)
	client, err := NewClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	_ = client.Close()
}
