package engine

import (
	"context"
	"sync"
	"time"

	"github.com/alejandrodnm/polyladder/internal/domain"
	"github.com/alejandrodnm/polyladder/internal/ports"
)

// marketInfoCache is a bounded TTL cache in front of the feed's market-info
// lookups. Bounded and explicit on purpose: supervisors poll every cycle and
// the subgraph data only moves on trades.
type marketInfoCache struct {
	feed    ports.MarketDataFeed
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[string]cachedInfo
}

type cachedInfo struct {
	info      domain.MarketInfo
	fetchedAt time.Time
}

func newMarketInfoCache(feed ports.MarketDataFeed, ttl time.Duration, maxSize int) *marketInfoCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 256
	}
	return &marketInfoCache{
		feed:    feed,
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]cachedInfo),
	}
}

// Get devuelve la info cacheada si sigue fresca, o consulta el feed.
func (c *marketInfoCache) Get(ctx context.Context, conditionID string) (domain.MarketInfo, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[conditionID]; ok && now.Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.info, nil
	}
	c.mu.Unlock()

	info, err := c.feed.MarketInfo(ctx, conditionID)
	if err != nil {
		return domain.MarketInfo{}, err
	}

	c.mu.Lock()
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[conditionID] = cachedInfo{info: info, fetchedAt: now}
	c.mu.Unlock()

	return info, nil
}

func (c *marketInfoCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.fetchedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.fetchedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
