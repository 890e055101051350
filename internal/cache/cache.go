package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"clip-query/internal/embeddings"
)

// Cache holds reference-image embeddings so repeated queries skip the image encoder.
type Cache interface {
	// GetEmbedding retrieves a cached embedding by key.
	// Returns nil if not found.
	GetEmbedding(ctx context.Context, key string) (embeddings.Vector, error)

	// SetEmbedding stores an embedding with TTL. A zero TTL never expires.
	SetEmbedding(ctx context.Context, key string, vec embeddings.Vector, ttl time.Duration) error

	// Close closes the cache connection
	Close() error
}

// EmbeddingKey derives a cache key from the image model digest and the raw image bytes.
func EmbeddingKey(model string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
