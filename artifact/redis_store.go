package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store on Redis string keys: {prefix}{hash} -> bytes.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed store. An empty prefix defaults to "artifact:".
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "artifact:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "artifact_store"), zap.String("backend", "redis")),
	}
}

func (s *RedisStore) key(hash string) string {
	return s.prefix + hash
}

// Put writes with SETNX so concurrent writers of the same bytes never conflict.
func (s *RedisStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)

	created, err := s.client.SetNX(ctx, s.key(hash), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("put artifact %s: %w", hash, err)
	}

	s.logger.Debug("artifact stored",
		zap.String("hash", hash),
		zap.Int("size", len(data)),
		zap.Bool("created", created),
	)
	return hash, nil
}

func (s *RedisStore) Get(ctx context.Context, hash string) ([]byte, error) {
	h, err := normalize(hash)
	if err != nil {
		return nil, &NotFoundError{Hash: hash}
	}

	data, err := s.client.Get(ctx, s.key(h)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &NotFoundError{Hash: h}
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", h, err)
	}

	if err := verify(h, data); err != nil {
		s.logger.Error("artifact corrupt", zap.String("hash", h), zap.Error(err))
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Exists(ctx context.Context, hash string) bool {
	h := NormalizeHash(hash)

	n, err := s.client.Exists(ctx, s.key(h)).Result()
	if err != nil {
		s.logger.Warn("artifact exists check failed", zap.String("hash", h), zap.Error(err))
		return false
	}
	return n > 0
}

var _ Store = (*RedisStore)(nil)
