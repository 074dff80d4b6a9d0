package artifact

import (
	"context"
	"fmt"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Open builds the backend selected by cfg.Backend. client is required for
// the redis backend and ignored otherwise.
func Open(cfg config.StoreConfig, client *redis.Client, collector *metrics.Collector, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Backend {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis artifact backend requires a redis client")
		}
		store = NewRedisStore(client, cfg.KeyPrefix, logger)
	case "file":
		store, err = NewFileStore(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
	case "memory":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}

	if collector == nil {
		return store, nil
	}
	return &instrumentedStore{Store: store, backend: cfg.Backend, collector: collector}, nil
}

// instrumentedStore records put/get outcomes on the metrics collector.
type instrumentedStore struct {
	Store
	backend   string
	collector *metrics.Collector
}

func (s *instrumentedStore) Put(ctx context.Context, data []byte) (string, error) {
	hash, err := s.Store.Put(ctx, data)
	s.collector.RecordArtifactOp(s.backend, "put", len(data), err)
	return hash, err
}

func (s *instrumentedStore) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.Store.Get(ctx, hash)
	s.collector.RecordArtifactOp(s.backend, "get", len(data), err)
	return data, err
}
