// Package store provides the dedup storage backends for KisanVoice.
//
// This file implements the Redis-backed dedup store. SET NX gives the
// atomic insert-if-absent the ingestor needs across processes, and the
// TTL bounds growth to the platform's redelivery window.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL retains dedup records comfortably past Telegram's
// webhook redelivery window.
const DefaultDedupTTL = 48 * time.Hour

const dedupKeyPrefix = "kisanvoice:dedup:"

// RedisStore is a dedup store backed by Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Compile-time check that RedisStore implements DedupRepo.
var _ DedupRepo = (*RedisStore)(nil)

// NewRedisStore creates a new Redis store from a redis:// DSN and
// verifies the connection.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := Opts{TTL: DefaultDedupTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("RedisStore.NewRedisStore: creating Redis store", "dsn_set", cfg.DSN != "", "ttl", cfg.TTL)

	if cfg.DSN == "" {
		return nil, fmt.Errorf("redis DSN not set")
	}

	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid redis DSN: %w", err)
	}
	client := redis.NewClient(redisOpts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("RedisStore.NewRedisStore: Redis ping failed", "error", err)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("RedisStore.NewRedisStore: Redis store ready")

	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

func dedupKey(updateID int64) string {
	return dedupKeyPrefix + strconv.FormatInt(updateID, 10)
}

func (s *RedisStore) RecordInbound(ctx context.Context, updateID, chatID int64) (bool, error) {
	ok, err := s.client.SetNX(ctx, dedupKey(updateID), chatID, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) IsDuplicate(ctx context.Context, updateID int64) (bool, error) {
	n, err := s.client.Exists(ctx, dedupKey(updateID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
