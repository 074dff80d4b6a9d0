package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/discernus/discernus/internal/cache"
	"github.com/discernus/discernus/testutil"
)

func TestCacheKey_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		docs := rapid.SliceOfN(rapid.StringMatching(`[0-9a-f]{16}`), 1, 12).Draw(rt, "docs")
		frameworks := rapid.SliceOfN(rapid.StringMatching(`[0-9a-f]{16}`), 1, 4).Draw(rt, "frameworks")
		stage := rapid.SampledFrom([]string{StagePreTest, StageBatchAnalysis, StageSynthesis, StageReportGeneration}).Draw(rt, "stage")
		runID := rapid.StringMatching(`run-[a-z0-9]{6}`).Draw(rt, "runID")

		shuffledDocs := rapid.Permutation(docs).Draw(rt, "shuffledDocs")
		shuffledFrameworks := rapid.Permutation(frameworks).Draw(rt, "shuffledFrameworks")

		want := CacheKey(docs, frameworks, stage, runID)
		if got := CacheKey(shuffledDocs, shuffledFrameworks, stage, runID); got != want {
			rt.Fatalf("key changed under reordering: %s != %s", got, want)
		}
	})
}

func TestCacheKey_RunScoped(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		docs := rapid.SliceOfN(rapid.StringMatching(`[0-9a-f]{16}`), 1, 8).Draw(rt, "docs")
		frameworks := rapid.SliceOfN(rapid.StringMatching(`[0-9a-f]{16}`), 1, 3).Draw(rt, "frameworks")
		runA := rapid.StringMatching(`run-[a-z0-9]{6}`).Draw(rt, "runA")
		runB := rapid.StringMatching(`run-[a-z0-9]{6}`).Filter(func(s string) bool { return s != runA }).Draw(rt, "runB")

		if CacheKey(docs, frameworks, StageSynthesis, runA) == CacheKey(docs, frameworks, StageSynthesis, runB) {
			rt.Fatalf("runs %s and %s share a cache key", runA, runB)
		}
	})
}

func TestCacheKey_DoesNotMutateInputs(t *testing.T) {
	docs := []string{"c", "a", "b"}
	CacheKey(docs, []string{"z", "y"}, StageSynthesis, "r1")
	assert.Equal(t, []string{"c", "a", "b"}, docs)
}

func TestCacheKey_StageMatters(t *testing.T) {
	docs, frameworks := []string{"d1"}, []string{"f1"}
	assert.NotEqual(t,
		CacheKey(docs, frameworks, StageSynthesis, "r1"),
		CacheKey(docs, frameworks, StageReportGeneration, "r1"))
	assert.Len(t, CacheKey(docs, frameworks, StageSynthesis, "r1"), 64)
}

func newStageCache(t *testing.T) (*StageCache, *cache.Manager) {
	t.Helper()
	_, client := testutil.NewRedis(t)
	m := cache.NewManagerWithClient(client, cache.Config{}, zap.NewNop())
	return NewStageCache(m, time.Hour, nil, zap.NewNop()), m
}

func TestStageCache_MarkDoneThenHit(t *testing.T) {
	sc, m := newStageCache(t)
	ctx := context.Background()
	state := newRunState(&Request{RunID: "r1", FrameworkHashes: []string{"f1"}, CorpusHashes: []string{"d2", "d1"}}, 1)

	_, ok := sc.IsCached(ctx, StageSynthesis, state)
	assert.False(t, ok)

	sc.MarkDone(ctx, StageSynthesis, state, &StageResult{TaskIDs: []string{"r1_synthesis"}, ResultHashes: []string{"h1"}})

	rec, ok := sc.IsCached(ctx, StageSynthesis, state)
	require.True(t, ok)
	assert.Equal(t, "done", rec.Status)
	assert.Equal(t, []string{"h1"}, rec.ResultHashes)
	assert.Equal(t, []string{"r1_synthesis"}, rec.TaskIDs)

	key := CacheNamespace("r1", StageSynthesis, CacheKey([]string{"d1", "d2"}, []string{"f1"}, StageSynthesis, "r1"))
	n, err := m.Exists(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// other stages and other runs miss
	_, ok = sc.IsCached(ctx, StageReportGeneration, state)
	assert.False(t, ok)
	other := newRunState(&Request{RunID: "r2", FrameworkHashes: []string{"f1"}, CorpusHashes: []string{"d1", "d2"}}, 1)
	_, ok = sc.IsCached(ctx, StageSynthesis, other)
	assert.False(t, ok)
}

func TestStageCache_NotDoneRecordIsMiss(t *testing.T) {
	sc, m := newStageCache(t)
	ctx := context.Background()
	state := newRunState(&Request{RunID: "r1", FrameworkHashes: []string{"f1"}, CorpusHashes: []string{"d1"}}, 1)

	key := CacheNamespace("r1", StageSynthesis, CacheKey(state.CorpusHashes, state.FrameworkHashes, StageSynthesis, "r1"))
	require.NoError(t, m.SetJSON(ctx, key, StageRecord{Status: "running"}, time.Hour))

	_, ok := sc.IsCached(ctx, StageSynthesis, state)
	assert.False(t, ok)
}

func TestStageCache_StoreErrorsAreMisses(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	sc := NewStageCache(cache.NewManagerWithClient(client, cache.Config{}, zap.NewNop()), time.Hour, nil, nil)
	state := newRunState(&Request{RunID: "r1", FrameworkHashes: []string{"f1"}, CorpusHashes: []string{"d1"}}, 1)
	mr.Close()

	ctx := context.Background()
	sc.MarkDone(ctx, StageSynthesis, state, &StageResult{ResultHashes: []string{"h1"}})
	_, ok := sc.IsCached(ctx, StageSynthesis, state)
	assert.False(t, ok)
}

func TestStageCache_NilIsDisabled(t *testing.T) {
	var sc *StageCache
	state := newRunState(&Request{RunID: "r1"}, 1)
	sc.MarkDone(context.Background(), StageSynthesis, state, &StageResult{})
	_, ok := sc.IsCached(context.Background(), StageSynthesis, state)
	assert.False(t, ok)
}
