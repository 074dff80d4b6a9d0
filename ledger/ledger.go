package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/discernus/discernus/internal/database"
	"github.com/discernus/discernus/orchestrator"
)

const finishRetries = 3

var _ orchestrator.Ledger = (*GormLedger)(nil)

// GormLedger stores run attempts through GORM.
type GormLedger struct {
	pool   *database.PoolManager
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger on top of an open pool. The run_attempts table must
// already exist (see internal/migration).
func New(pool *database.PoolManager, logger *zap.Logger) *GormLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormLedger{
		pool:   pool,
		logger: logger.With(zap.String("component", "ledger")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Begin inserts a RUNNING attempt.
func (l *GormLedger) Begin(ctx context.Context, runID string, epoch int64, experiment string) error {
	row := &RunAttempt{
		RunID:          runID,
		Epoch:          epoch,
		ExperimentName: experiment,
		Status:         StatusRunning,
		StartedAt:      l.now(),
	}
	if err := l.pool.DB().WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("record attempt %s@%d: %w", runID, epoch, err)
	}
	return nil
}

// Finish copies the manifest onto the attempt, creating the row when Begin
// never landed.
func (l *GormLedger) Finish(ctx context.Context, epoch int64, m *orchestrator.Manifest, cause error) error {
	if m == nil {
		return errors.New("manifest is required")
	}

	finished := l.now()
	return l.pool.WithTransactionRetry(ctx, "ledger_finish", finishRetries, func(tx *gorm.DB) error {
		var row RunAttempt
		err := tx.Where("run_id = ? AND epoch = ?", m.RunID, epoch).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = RunAttempt{RunID: m.RunID, Epoch: epoch, StartedAt: m.Timestamp}
			if row.StartedAt.IsZero() {
				row.StartedAt = finished
			}
			l.logger.Debug("finishing attempt without a start record",
				zap.String("run_id", m.RunID), zap.Int64("epoch", epoch))
		case err != nil:
			return err
		}

		row.Status = m.RunStatus
		row.CompletedStages = append([]string{}, m.CompletedStages...)
		row.TotalStages = m.TotalStages
		row.ResumeFrom = m.ResumeFrom
		row.FinishedAt = &finished
		row.Cause = ""
		if cause != nil {
			row.Cause = cause.Error()
		}
		return tx.Save(&row).Error
	})
}

// List returns the attempts of runID, newest epoch first. An empty runID
// lists the most recent attempts of every run.
func (l *GormLedger) List(ctx context.Context, runID string, limit int) ([]RunAttempt, error) {
	q := l.pool.DB().WithContext(ctx)
	if runID != "" {
		q = q.Where("run_id = ?", runID).Order("epoch DESC")
	} else {
		q = q.Order("started_at DESC").Order("id DESC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []RunAttempt
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return rows, nil
}
