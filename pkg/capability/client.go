package capability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Client wraps a Resolver with a per-entry TTL cache. Descriptors are
// refreshed lazily on expiry; negative results are not cached.
type Client struct {
	resolver Resolver
	ttl      time.Duration
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// now is replaceable in tests
	now func() time.Time
}

type cacheEntry struct {
	cap       *ToolCapability
	expiresAt time.Time
}

// NewClient creates a caching registry client
func NewClient(resolver Resolver, ttl time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		resolver: resolver,
		ttl:      ttl,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// Resolve returns the capability descriptor for a tool, serving from cache
// while the TTL holds.
func (c *Client) Resolve(ctx context.Context, toolName string) (*ToolCapability, error) {
	c.mu.RLock()
	entry, ok := c.cache[toolName]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		cp := *entry.cap
		return &cp, nil
	}

	resolved, err := c.resolver.Resolve(ctx, toolName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[toolName] = cacheEntry{
		cap:       resolved,
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()

	c.logger.Debug().
		Str("tool", toolName).
		Str("side_effect_class", string(resolved.SideEffectClass)).
		Msg("Capability descriptor refreshed")

	cp := *resolved
	return &cp, nil
}

// Invalidate drops a cached descriptor
func (c *Client) Invalidate(toolName string) {
	c.mu.Lock()
	delete(c.cache, toolName)
	c.mu.Unlock()
}
