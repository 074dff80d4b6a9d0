package metrics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.stagesTotal)
	assert.NotNil(t, collector.awaitsTotal)
	assert.NotNil(t, collector.artifactOps)
}

func TestCollector_NilReceiverIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordRun("COMPLETED")
		collector.RecordStage("synthesis", "completed", time.Second)
		collector.RecordTaskEnqueued("synthesis")
		collector.RecordAwait("ok", time.Second)
		collector.RecordTaskHandled("synthesis", "completed", time.Second)
		collector.RecordModeration("completed")
		collector.RecordArtifactOp("redis", "put", 10, nil)
		collector.RecordCacheHit("synthesis")
		collector.RecordCacheMiss("synthesis")
		collector.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 0)
		collector.RecordLLMRequest("openai", "gpt-4o", "success", time.Second, 1, 1)
		collector.RecordDBConnections("sqlite", 1, 1)
		collector.RecordDBQuery("sqlite", "insert", time.Millisecond)
	})
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/health", 503, 50*time.Millisecond, 0, 64)

	// 状态码按类别归并：2xx 与 5xx 各一个序列
	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestsTotal))
}

func TestCollector_RecordStage(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordStage("batch_analysis", "completed", 2*time.Second)
	collector.RecordStage("synthesis", "cached", 0)
	collector.RecordStage("synthesis", "ERROR_TIMEOUT", time.Second)

	assert.Equal(t, 3, testutil.CollectAndCount(collector.stagesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stagesTotal.WithLabelValues("synthesis", "cached")))
}

func TestCollector_RecordQueueActivity(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordTaskEnqueued("analyse_batch")
	collector.RecordTaskEnqueued("analyse_batch")
	collector.RecordAwait("ok", time.Second)
	collector.RecordAwait("timeout", 5*time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.tasksEnqueued.WithLabelValues("analyse_batch")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.awaitsTotal))
}

func TestCollector_RecordArtifactOp(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordArtifactOp("redis", "put", 100, nil)
	collector.RecordArtifactOp("redis", "get", 0, errors.New("boom"))

	assert.Equal(t, float64(100), testutil.ToFloat64(collector.artifactBytes.WithLabelValues("redis", "put")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.artifactOps.WithLabelValues("redis", "get", "error")))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("synthesis")
	collector.RecordCacheMiss("report_generation")

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBQuery("postgres", "SELECT", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordTaskHandled("review", "completed", 100*time.Millisecond)
			collector.RecordLLMRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)
			collector.RecordModeration("completed")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.tasksHandled.WithLabelValues("review", "completed")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.moderations.WithLabelValues("completed")))
}
