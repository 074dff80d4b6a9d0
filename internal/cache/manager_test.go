package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()

	mr := miniredis.RunT(t)

	config := Config{
		Addr:       mr.Addr(),
		DefaultTTL: 1 * time.Minute,
	}

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager(t *testing.T) {
	_, manager := setupTestRedis(t)

	assert.NotNil(t, manager.Client())
	assert.True(t, manager.ownsClient)
}

func TestManager_SetAndGet(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "test-key", "test-value", time.Minute))

	value, err := manager.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, "test-value", value)
}

func TestManager_GetNonExistent(t *testing.T) {
	_, manager := setupTestRedis(t)

	value, err := manager.Get(context.Background(), "non-existent")
	assert.True(t, IsCacheMiss(err))
	assert.Equal(t, "", value)
}

func TestManager_DefaultTTLApplied(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestManager_Exists(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, manager.Set(ctx, "b", "2", time.Minute))

	n, err := manager.Exists(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.SetTTL("a", time.Second)
	mr.FastForward(2 * time.Second)

	n, err = manager.Exists(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestManager_JSONRoundTrip(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type record struct {
		Status string   `json:"status"`
		Hashes []string `json:"result_hashes"`
	}

	in := record{Status: "done", Hashes: []string{"aa", "bb"}}
	require.NoError(t, manager.SetJSON(ctx, "stage:r1:synthesis:x", in, time.Minute))

	var out record
	require.NoError(t, manager.GetJSON(ctx, "stage:r1:synthesis:x", &out))
	assert.Equal(t, in, out)
}

func TestManager_GetJSONInvalidJSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "bad", "not a json", time.Minute))

	var result map[string]any
	err := manager.GetJSON(ctx, "bad", &result)
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_SetJSONInvalidData(t *testing.T) {
	_, manager := setupTestRedis(t)

	err := manager.SetJSON(context.Background(), "invalid", make(chan int), time.Minute)
	assert.Error(t, err)
}

func TestManager_TTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "test-ttl", "value", 100*time.Millisecond))

	value, err := manager.Get(ctx, "test-ttl")
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	// 快进时间
	mr.FastForward(200 * time.Millisecond)

	_, err = manager.Get(ctx, "test-ttl")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_HealthCheckFailed(t *testing.T) {
	manager, err := NewManager(Config{Addr: "localhost:1"}, zap.NewNop())
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestManager_ClosedOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	// 重复关闭是安全的
	require.NoError(t, manager.Close())

	ctx := context.Background()
	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", 0), ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
}

func TestManager_SharedClientStaysOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	manager := NewManagerWithClient(client, Config{}, nil)
	require.NoError(t, manager.Close())

	// 共享客户端在管理器关闭后仍然可用
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("concurrent-%d", id)
			assert.NoError(t, manager.Set(ctx, key, "value", time.Minute))
			value, err := manager.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, "value", value)
		}(i)
	}
	wg.Wait()
}
