package cache

import (
	"context"
	"sync"
	"time"

	"clip-query/internal/embeddings"
)

type memoryEntry struct {
	vec     embeddings.Vector
	expires time.Time
}

// MemoryCache keeps embeddings in process memory for the lifetime of the session.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) GetEmbedding(_ context.Context, key string) (embeddings.Vector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || len(e.vec) == 0 {
		return nil, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, nil
	}
	out := make(embeddings.Vector, len(e.vec))
	copy(out, e.vec)
	return out, nil
}

func (c *MemoryCache) SetEmbedding(_ context.Context, key string, vec embeddings.Vector, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryEntry{vec: make(embeddings.Vector, len(vec))}
	copy(e.vec, vec)
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Close drops every entry.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}
