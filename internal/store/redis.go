package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gigamap/internal/tile"
)

const redisKeyPrefix = "gigamap:tile:"

// RedisStore keeps tiles in Redis with an expiry, so several hosts can share
// fetched bytes.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to addr ("host:port"). A zero ttl keeps tiles
// until evicted by Redis.
func NewRedisStore(addr string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		logger: logger,
	}
}

func (s *RedisStore) Name() string {
	return "redis"
}

func redisKey(key tile.Key) string {
	return fmt.Sprintf("%s%s:%d:%d:%d", redisKeyPrefix, key.SourceID, key.Zoom, key.X, key.Y)
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key tile.Key) ([]byte, bool) {
	data, err := s.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("Redis get failed", zap.Stringer("key", key), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

func (s *RedisStore) Set(ctx context.Context, key tile.Key, value []byte) {
	if err := s.rdb.Set(ctx, redisKey(key), value, s.ttl).Err(); err != nil {
		s.logger.Warn("Redis set failed", zap.Stringer("key", key), zap.Error(err))
	}
}

func (s *RedisStore) Has(ctx context.Context, key tile.Key) bool {
	n, err := s.rdb.Exists(ctx, redisKey(key)).Result()
	return err == nil && n > 0
}

func (s *RedisStore) Invalidate(ctx context.Context, sourceID string) error {
	return s.deleteMatching(ctx, redisKeyPrefix+sourceID+":*")
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.deleteMatching(ctx, redisKeyPrefix+"*")
}

func (s *RedisStore) deleteMatching(ctx context.Context, pattern string) error {
	iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
