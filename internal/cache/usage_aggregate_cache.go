package cache

import (
	"fmt"
	"time"
)

const defaultAggregateTTL = 5 * time.Second

// UsageAggregateCache memoizes aggregation query results per dispenser.
// Entries are short-lived and dropped eagerly whenever a session opens
// or finalizes, so stale totals never outlive a state change.
type UsageAggregateCache interface {
	GetCount(dispenserID string) (int64, bool)
	SetCount(dispenserID string, count int64)
	GetTotalTime(dispenserID string) (float64, bool)
	SetTotalTime(dispenserID string, seconds float64)
	GetTotalMoney(dispenserID string) (float64, bool)
	SetTotalMoney(dispenserID string, amount float64)
	Invalidate(dispenserID string)
}

type usageAggregateCache struct {
	counts Cache[string, int64]
	times  Cache[string, float64]
	money  Cache[string, float64]
	ttl    time.Duration
}

// NewUsageAggregateCache returns an in-memory cache tuned for aggregation reads.
func NewUsageAggregateCache() UsageAggregateCache {
	return &usageAggregateCache{
		counts: NewTTLCache[string, int64](),
		times:  NewTTLCache[string, float64](),
		money:  NewTTLCache[string, float64](),
		ttl:    defaultAggregateTTL,
	}
}

func (c *usageAggregateCache) GetCount(dispenserID string) (int64, bool) {
	return c.counts.Get(aggregateKey("count", dispenserID))
}

func (c *usageAggregateCache) SetCount(dispenserID string, count int64) {
	c.counts.Set(aggregateKey("count", dispenserID), count, c.ttl)
}

func (c *usageAggregateCache) GetTotalTime(dispenserID string) (float64, bool) {
	return c.times.Get(aggregateKey("time", dispenserID))
}

func (c *usageAggregateCache) SetTotalTime(dispenserID string, seconds float64) {
	c.times.Set(aggregateKey("time", dispenserID), seconds, c.ttl)
}

func (c *usageAggregateCache) GetTotalMoney(dispenserID string) (float64, bool) {
	return c.money.Get(aggregateKey("money", dispenserID))
}

func (c *usageAggregateCache) SetTotalMoney(dispenserID string, amount float64) {
	c.money.Set(aggregateKey("money", dispenserID), amount, c.ttl)
}

func (c *usageAggregateCache) Invalidate(dispenserID string) {
	c.counts.Delete(aggregateKey("count", dispenserID))
	c.times.Delete(aggregateKey("time", dispenserID))
	c.money.Delete(aggregateKey("money", dispenserID))
}

func aggregateKey(kind, dispenserID string) string {
	return fmt.Sprintf("%s:%s", kind, dispenserID)
}
