package ledger

import "time"

// StatusRunning marks an attempt that has begun but not yet finished.
const StatusRunning = "RUNNING"

// RunAttempt is one orchestration attempt of a run. (run_id, epoch) is unique.
type RunAttempt struct {
	ID              uint64     `gorm:"primaryKey" json:"id"`
	RunID           string     `gorm:"size:255;not null;uniqueIndex:uq_run_attempts_run_epoch,priority:1;index:idx_run_attempts_run_id" json:"run_id"`
	Epoch           int64      `gorm:"not null;uniqueIndex:uq_run_attempts_run_epoch,priority:2" json:"epoch"`
	ExperimentName  string     `gorm:"size:255;not null;default:''" json:"experiment_name"`
	Status          string     `gorm:"size:32;not null" json:"status"`
	CompletedStages []string   `gorm:"serializer:json" json:"completed_stages"`
	TotalStages     int        `gorm:"not null;default:0" json:"total_stages"`
	ResumeFrom      string     `gorm:"size:64;not null;default:''" json:"resume_from"`
	Cause           string     `gorm:"column:error" json:"error,omitempty"`
	StartedAt       time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// TableName pins the table created by the schema migrations.
func (RunAttempt) TableName() string {
	return "run_attempts"
}

// Finished reports whether the attempt reached a terminal status.
func (a *RunAttempt) Finished() bool {
	return a.FinishedAt != nil
}
