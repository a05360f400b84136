package services

import (
	"context"
	"sync"
	"time"

	domain "github.com/tradedesk/offers-api/internal/domain"
)

// MemoryScheduleCache keeps price schedules in process with a fixed TTL.
type MemoryScheduleCache struct {
	ttl time.Duration
	now func() time.Time
	mu  sync.RWMutex
	m   map[string]scheduleCacheEntry
}

type scheduleCacheEntry struct {
	schedule domain.PriceSchedule
	expires  time.Time
}

// NewMemoryScheduleCache constructs an empty cache.
func NewMemoryScheduleCache(ttl time.Duration, now func() time.Time) *MemoryScheduleCache {
	if ttl <= 0 {
		ttl = defaultTierCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryScheduleCache{
		ttl: ttl,
		now: now,
		m:   make(map[string]scheduleCacheEntry),
	}
}

func (c *MemoryScheduleCache) Get(_ context.Context, productID string) (domain.PriceSchedule, bool, error) {
	c.mu.RLock()
	entry, ok := c.m[productID]
	c.mu.RUnlock()
	if !ok {
		return domain.PriceSchedule{}, false, nil
	}
	if !c.now().Before(entry.expires) {
		c.mu.Lock()
		delete(c.m, productID)
		c.mu.Unlock()
		return domain.PriceSchedule{}, false, nil
	}
	schedule := entry.schedule
	schedule.Tiers = domain.CloneTiers(schedule.Tiers)
	return schedule, true, nil
}

func (c *MemoryScheduleCache) Put(_ context.Context, schedule domain.PriceSchedule) error {
	schedule.Tiers = domain.CloneTiers(schedule.Tiers)
	c.mu.Lock()
	c.m[schedule.ProductID] = scheduleCacheEntry{schedule: schedule, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryScheduleCache) Invalidate(_ context.Context, productID string) error {
	c.mu.Lock()
	delete(c.m, productID)
	c.mu.Unlock()
	return nil
}
