package network

import (
	"sync"
	"time"

	"datanet/pkg/types"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSeenCacheSize = 10000
	DefaultSeenCacheTTL  = 10 * time.Minute
)

// SeenCache remembers recently delivered frames so a request that loops back
// through the overlay is handed to the data service only once.
type SeenCache struct {
	mu    sync.Mutex
	cache *expirable.LRU[types.Hash, struct{}]
}

func NewSeenCache(size int, ttl time.Duration) *SeenCache {
	if size <= 0 {
		size = DefaultSeenCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultSeenCacheTTL
	}
	return &SeenCache{cache: expirable.NewLRU[types.Hash, struct{}](size, nil, ttl)}
}

// MarkSeen records h and reports whether it was new.
func (c *SeenCache) MarkSeen(h types.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.Contains(h) {
		return false
	}
	c.cache.Add(h, struct{}{})
	return true
}

func (c *SeenCache) Len() int {
	return c.cache.Len()
}
