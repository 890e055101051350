package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clip-query/internal/embeddings"
)

// Key prefix for cached embeddings
const cacheKeyPrefix = "embedding:"

type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache client and checks the connection.
func NewRedisCache(ctx context.Context, addr, password string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisCache{
		client: client,
	}, nil
}

// GetEmbedding retrieves a cached embedding by key
func (c *RedisCache) GetEmbedding(ctx context.Context, key string) (embeddings.Vector, error) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, err
	}

	return decodeEmbedding(data)
}

// decodeEmbedding parses a stored vector. An empty vector counts as a miss.
func decodeEmbedding(data []byte) (embeddings.Vector, error) {
	var vec embeddings.Vector
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, nil
	}
	return vec, nil
}

// SetEmbedding stores an embedding with TTL
func (c *RedisCache) SetEmbedding(ctx context.Context, key string, vec embeddings.Vector, ttl time.Duration) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKeyPrefix+key, data, ttl).Err()
}

// Close closes the cache connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
