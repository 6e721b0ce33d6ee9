// Package stream also offers a Redis-backed distributed queue variant for
// deployments that run source generation and entity processing in separate
// processes, adapted from the reference job queue: lists for the work
// itself, a sorted set for in-flight tracking so a crashed worker's claim
// can be noticed and cleared.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalgo/airweave-sync/entity"
)

// RedisConfig configures the distributed stream.
type RedisConfig struct {
	RedisURL  string
	KeyPrefix string
}

// RedisStream is a Redis-list-backed entity queue with a processing set
// for crash recovery.
type RedisStream struct {
	client *redis.Client
	prefix string
}

// NewRedisStream dials Redis and verifies connectivity.
func NewRedisStream(ctx context.Context, cfg RedisConfig) (*RedisStream, error) {
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstream: parsing url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstream: connecting: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "airweave:stream:"
	}
	return &RedisStream{client: client, prefix: prefix}, nil
}

func (s *RedisStream) Close() error { return s.client.Close() }

func (s *RedisStream) queueKey(syncJobID string) string {
	return s.prefix + syncJobID
}

func (s *RedisStream) processingKey(syncJobID string) string {
	return s.prefix + syncJobID + ":processing"
}

// Push enqueues one entity for a given sync job.
func (s *RedisStream) Push(ctx context.Context, syncJobID string, e entity.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redisstream: marshaling entity %s: %w", e.EntityID, err)
	}
	return s.client.RPush(ctx, s.queueKey(syncJobID), data).Err()
}

// Pop blocks up to timeout for the next entity, returning nil if none
// arrived in time.
func (s *RedisStream) Pop(ctx context.Context, syncJobID string, timeout time.Duration) (*entity.Entity, error) {
	result, err := s.client.BLPop(ctx, timeout, s.queueKey(syncJobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstream: popping: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var e entity.Entity
	if err := json.Unmarshal([]byte(result[1]), &e); err != nil {
		return nil, fmt.Errorf("redisstream: unmarshaling entity: %w", err)
	}

	deadline := time.Now().Add(5 * time.Minute)
	if err := s.client.ZAdd(ctx, s.processingKey(syncJobID), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: e.EntityID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("redisstream: marking %s processing: %w", e.EntityID, err)
	}
	return &e, nil
}

// Ack removes an entity from the processing set once a worker finishes it
// successfully.
func (s *RedisStream) Ack(ctx context.Context, syncJobID, entityID string) error {
	return s.client.ZRem(ctx, s.processingKey(syncJobID), entityID).Err()
}

// Requeue pushes an entity back onto the queue and clears its processing
// claim, used when a worker fails to process it and retries remain.
func (s *RedisStream) Requeue(ctx context.Context, syncJobID string, e entity.Entity) error {
	if err := s.Ack(ctx, syncJobID, e.EntityID); err != nil {
		return err
	}
	return s.Push(ctx, syncJobID, e)
}

// Depth reports the number of entities still queued for a sync job.
func (s *RedisStream) Depth(ctx context.Context, syncJobID string) (int64, error) {
	return s.client.LLen(ctx, s.queueKey(syncJobID)).Result()
}

// ReclaimExpired removes processing claims past their deadline and returns
// their entity IDs. The entities themselves are not pushed back onto the
// queue: the processing set holds only IDs, not entity payloads.
func (s *RedisStream) ReclaimExpired(ctx context.Context, syncJobID string) ([]string, error) {
	now := float64(time.Now().Unix())
	expired, err := s.client.ZRangeByScore(ctx, s.processingKey(syncJobID), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstream: scanning expired claims: %w", err)
	}
	for _, entityID := range expired {
		if err := s.client.ZRem(ctx, s.processingKey(syncJobID), entityID).Err(); err != nil {
			return nil, fmt.Errorf("redisstream: clearing expired claim %s: %w", entityID, err)
		}
	}
	return expired, nil
}
