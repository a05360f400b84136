package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	domain "github.com/tradedesk/offers-api/internal/domain"
	"github.com/tradedesk/offers-api/internal/services"
)

const (
	defaultKeyPrefix = "offers-api:tiers:"
	defaultTTL       = 5 * time.Minute
)

type scheduleEntry struct {
	ProductID string      `json:"productId"`
	BasePrice int64       `json:"basePrice"`
	Tiers     []tierEntry `json:"tiers"`
}

type tierEntry struct {
	Min   int   `json:"min"`
	Max   *int  `json:"max,omitempty"`
	Price int64 `json:"price"`
}

// RedisScheduleCache shares resolved price schedules between API instances. Entries expire on the
// Redis side after the configured TTL.
type RedisScheduleCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ services.ScheduleCache = (*RedisScheduleCache)(nil)

// NewRedisScheduleCache wraps an existing client.
func NewRedisScheduleCache(client *redis.Client, keyPrefix string, ttl time.Duration) (*RedisScheduleCache, error) {
	if client == nil {
		return nil, errors.New("redis schedule cache: client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisScheduleCache{client: client, prefix: keyPrefix, ttl: ttl}, nil
}

// NewClient parses a redis:// URL and verifies connectivity.
func NewClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis schedule cache: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis schedule cache: ping: %w", err)
	}
	return client, nil
}

func (c *RedisScheduleCache) Get(ctx context.Context, productID string) (domain.PriceSchedule, bool, error) {
	data, err := c.client.Get(ctx, c.key(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PriceSchedule{}, false, nil
	}
	if err != nil {
		return domain.PriceSchedule{}, false, fmt.Errorf("redis schedule cache: get %s: %w", productID, err)
	}
	var entry scheduleEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is treated as a miss and will be overwritten by the next Put.
		return domain.PriceSchedule{}, false, nil
	}
	schedule := domain.PriceSchedule{
		ProductID: entry.ProductID,
		BasePrice: entry.BasePrice,
		Tiers:     make([]domain.PriceTier, 0, len(entry.Tiers)),
	}
	for _, tier := range entry.Tiers {
		schedule.Tiers = append(schedule.Tiers, domain.PriceTier{MinQuantity: tier.Min, MaxQuantity: tier.Max, Price: tier.Price})
	}
	return schedule, true, nil
}

func (c *RedisScheduleCache) Put(ctx context.Context, schedule domain.PriceSchedule) error {
	entry := scheduleEntry{
		ProductID: schedule.ProductID,
		BasePrice: schedule.BasePrice,
		Tiers:     make([]tierEntry, 0, len(schedule.Tiers)),
	}
	for _, tier := range schedule.Tiers {
		entry.Tiers = append(entry.Tiers, tierEntry{Min: tier.MinQuantity, Max: tier.MaxQuantity, Price: tier.Price})
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis schedule cache: marshal %s: %w", schedule.ProductID, err)
	}
	if err := c.client.Set(ctx, c.key(schedule.ProductID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis schedule cache: set %s: %w", schedule.ProductID, err)
	}
	return nil
}

func (c *RedisScheduleCache) Invalidate(ctx context.Context, productID string) error {
	if err := c.client.Del(ctx, c.key(productID)).Err(); err != nil {
		return fmt.Errorf("redis schedule cache: delete %s: %w", productID, err)
	}
	return nil
}

// Ping reports Redis reachability for readiness probes.
func (c *RedisScheduleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisScheduleCache) key(productID string) string {
	return c.prefix + strings.TrimSpace(productID)
}
