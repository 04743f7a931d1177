package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "forwarder:cursor:"

// RedisStore keeps cursors in Redis so a fleet of forwarders behind a shared
// source (e.g. a network mount) can hand positions over on failover.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Get reads the cursor for sourceID.
func (s *RedisStore) Get(ctx context.Context, sourceID string) (Position, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+sourceID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Position{}, ErrNotFound
		}
		return Position{}, fmt.Errorf("read cursor %s: %w", sourceID, err)
	}

	var pos Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return Position{}, ErrNotFound
	}
	return pos, nil
}

// Put writes the cursor for sourceID.
func (s *RedisStore) Put(ctx context.Context, sourceID string, pos Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal cursor %s: %w", sourceID, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sourceID, data, 0).Err(); err != nil {
		return fmt.Errorf("write cursor %s: %w", sourceID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
