package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

// DefaultCacheTTL is how long a route decision stays valid
const DefaultCacheTTL = 5 * time.Minute

// Cache stores route decisions keyed by hashed client address
type Cache interface {
	Get(ctx context.Context, key string) (models.RouteDecision, bool, error)
	Set(ctx context.Context, key string, d models.RouteDecision, ttl time.Duration) error
	DeleteRegion(ctx context.Context, regionID string) error
	Clear(ctx context.Context) error
}

// CacheKey hashes a client address so raw IPs are never stored
func CacheKey(clientIP string) string {
	sum := sha256.Sum256([]byte(clientIP))
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	decision models.RouteDecision
	expires  time.Time
}

// MemoryCache is a mutex-guarded TTL map. Expired entries are dropped on read
// and swept once per TTL window on write.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	lastPrune time.Time
	now       func() time.Time
}

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (models.RouteDecision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return models.RouteDecision{}, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return models.RouteDecision{}, false, nil
	}
	return e.decision, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, d models.RouteDecision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastPrune) >= ttl {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		c.lastPrune = now
	}

	c.entries[key] = memoryEntry{decision: d, expires: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) DeleteRegion(_ context.Context, regionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.decision.RegionID == regionID {
			delete(c.entries, k)
		}
	}
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
