package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/discernus/discernus/internal/cache"
	"github.com/discernus/discernus/internal/metrics"
)

const cacheStatusDone = "done"

// CacheKey derives the stage cache key from the run inputs. Hash order does
// not matter; the run id scopes the key to one run.
func CacheKey(documentHashes, frameworkHashes []string, stage, runID string) string {
	docs := append([]string(nil), documentHashes...)
	frameworks := append([]string(nil), frameworkHashes...)
	sort.Strings(docs)
	sort.Strings(frameworks)

	parts := make([]string, 0, len(docs)+len(frameworks)+2)
	parts = append(parts, docs...)
	parts = append(parts, frameworks...)
	parts = append(parts, stage, runID)

	// json.Marshal of a []string cannot fail
	data, _ := json.Marshal(parts)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CacheNamespace returns the Redis key a stage record is stored under.
func CacheNamespace(runID, stage, key string) string {
	return fmt.Sprintf("stage:%s:%s:%s", runID, stage, key)
}

// StageRecord is what a completed stage leaves behind so a resumed run can
// rebuild its state without re-running the stage.
type StageRecord struct {
	Status       string    `json:"status"`
	TaskIDs      []string  `json:"task_ids"`
	ResultHashes []string  `json:"result_hashes"`
	CompletedAt  time.Time `json:"completed_at"`
}

// StageCache is the run-scoped stage completion cache.
type StageCache struct {
	cache     *cache.Manager
	ttl       time.Duration
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewStageCache creates a stage cache. A nil manager disables caching.
func NewStageCache(m *cache.Manager, ttl time.Duration, collector *metrics.Collector, logger *zap.Logger) *StageCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageCache{cache: m, ttl: ttl, collector: collector, logger: logger.With(zap.String("component", "stage_cache"))}
}

func (c *StageCache) key(stage string, state *RunState) string {
	return CacheNamespace(state.RunID, stage, CacheKey(state.CorpusHashes, state.FrameworkHashes, stage, state.RunID))
}

// IsCached looks up the stage record. Lookup errors are reported as a miss.
func (c *StageCache) IsCached(ctx context.Context, stage string, state *RunState) (*StageRecord, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}

	var rec StageRecord
	if err := c.cache.GetJSON(ctx, c.key(stage, state), &rec); err != nil {
		if !cache.IsCacheMiss(err) {
			c.logger.Warn("stage cache lookup failed, treating as miss",
				zap.String("stage", stage), zap.Error(err))
		}
		c.collector.RecordCacheMiss("stage")
		return nil, false
	}
	if rec.Status != cacheStatusDone || len(rec.ResultHashes) == 0 {
		c.collector.RecordCacheMiss("stage")
		return nil, false
	}

	c.collector.RecordCacheHit("stage")
	return &rec, true
}

// MarkDone records a completed stage. Failures are logged and swallowed.
func (c *StageCache) MarkDone(ctx context.Context, stage string, state *RunState, result *StageResult) {
	if c == nil || c.cache == nil {
		return
	}

	rec := StageRecord{
		Status:       cacheStatusDone,
		TaskIDs:      result.TaskIDs,
		ResultHashes: result.ResultHashes,
		CompletedAt:  time.Now().UTC(),
	}
	if err := c.cache.SetJSON(ctx, c.key(stage, state), rec, c.ttl); err != nil {
		c.logger.Warn("failed to write stage cache", zap.String("stage", stage), zap.Error(err))
	}
}
