package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/discernus/discernus/internal/database"
	"github.com/discernus/discernus/orchestrator"
)

func newLedger(t *testing.T) *GormLedger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&RunAttempt{}))

	pool, err := database.NewPoolManager(db, database.PoolConfig{Name: "sqlite", MaxOpenConns: 1}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	l := New(pool, zap.NewNop())
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return l
}

func manifest(runID, status string, completed ...string) *orchestrator.Manifest {
	resume := orchestrator.ResumeFromStart
	if len(completed) > 0 {
		resume = completed[len(completed)-1]
	}
	return &orchestrator.Manifest{
		RunID:           runID,
		CompletedStages: completed,
		TotalStages:     4,
		RunStatus:       status,
		Timestamp:       time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
		ResumeFrom:      resume,
	}
}

func TestGormLedger_BeginThenFinish(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	require.NoError(t, l.Begin(ctx, "run-1", 100, "populism_study"))

	rows, err := l.List(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StatusRunning, rows[0].Status)
	assert.False(t, rows[0].Finished())

	m := manifest("run-1", orchestrator.StatusErrorTimeout, orchestrator.StageBatchAnalysis)
	require.NoError(t, l.Finish(ctx, 100, m, errors.New("synthesis timed out")))

	rows, err = l.List(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, orchestrator.StatusErrorTimeout, got.Status)
	assert.Equal(t, "populism_study", got.ExperimentName)
	assert.Equal(t, []string{orchestrator.StageBatchAnalysis}, got.CompletedStages)
	assert.Equal(t, orchestrator.StageBatchAnalysis, got.ResumeFrom)
	assert.Equal(t, 4, got.TotalStages)
	assert.Equal(t, "synthesis timed out", got.Cause)
	require.True(t, got.Finished())
	assert.True(t, got.FinishedAt.After(got.StartedAt))
}

func TestGormLedger_FinishWithoutBegin(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	require.NoError(t, l.Finish(ctx, 7, manifest("run-2", orchestrator.StatusCompleted, "pre_test", "batch_analysis"), nil))

	rows, err := l.List(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, orchestrator.StatusCompleted, rows[0].Status)
	assert.Empty(t, rows[0].Cause)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), rows[0].StartedAt.UTC())
}

func TestGormLedger_EpochIsUniquePerRun(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	require.NoError(t, l.Begin(ctx, "run-3", 1, ""))
	assert.Error(t, l.Begin(ctx, "run-3", 1, ""))
	require.NoError(t, l.Begin(ctx, "run-3", 2, ""))
	require.NoError(t, l.Begin(ctx, "run-4", 1, ""))
}

func TestGormLedger_List(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	for epoch := int64(1); epoch <= 3; epoch++ {
		require.NoError(t, l.Begin(ctx, "run-5", epoch, "exp"))
	}
	require.NoError(t, l.Begin(ctx, "run-6", 1, "exp"))

	rows, err := l.List(ctx, "run-5", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 3, rows[0].Epoch)
	assert.EqualValues(t, 2, rows[1].Epoch)

	all, err := l.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "run-6", all[0].RunID)
}

func TestGormLedger_FinishRequiresManifest(t *testing.T) {
	l := newLedger(t)
	assert.Error(t, l.Finish(context.Background(), 1, nil, nil))
}
