package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/discernus/discernus/internal/cache"
)

// Run statuses recorded in a manifest.
const (
	StatusCompleted      = "COMPLETED"
	StatusEnqueueFailed  = "ENQUEUE_FAILED"
	StatusNoTasks        = "NO_TASKS"
	StatusNoTask         = "NO_TASK"
	StatusErrorTimeout   = "ERROR_TIMEOUT"
	StatusErrorFailed    = "ERROR_FAILED"
	StatusErrorException = "ERROR_EXCEPTION"
)

const defaultManifestTTL = 24 * time.Hour

var (
	// ErrManifestNotFound is returned by Load when no manifest exists for a run.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrInvalidRunID is returned for run ids that cannot name a manifest file.
	ErrInvalidRunID = errors.New("invalid run id")
)

// CheckRunID rejects run ids that are empty or could escape the manifest
// directory once joined into a file name.
func CheckRunID(runID string) error {
	switch {
	case runID == "":
		return fmt.Errorf("%w: empty", ErrInvalidRunID)
	case strings.ContainsAny(runID, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidRunID, runID)
	case strings.Contains(runID, ".."):
		return fmt.Errorf("%w: %q contains ..", ErrInvalidRunID, runID)
	}
	return nil
}

// Manifest is the persisted record of how far a run attempt got.
type Manifest struct {
	RunID           string    `json:"run_id"`
	CompletedStages []string  `json:"completed_stages"`
	TotalStages     int       `json:"total_stages"`
	RunStatus       string    `json:"run_status"`
	Timestamp       time.Time `json:"timestamp"`
	ResumeFrom      string    `json:"resume_from"`
}

func newManifest(runID string, completed []string, total int, status string) *Manifest {
	resumeFrom := ResumeFromStart
	if len(completed) > 0 {
		resumeFrom = completed[len(completed)-1]
	}
	return &Manifest{
		RunID:           runID,
		CompletedStages: append([]string{}, completed...),
		TotalStages:     total,
		RunStatus:       status,
		Timestamp:       time.Now().UTC(),
		ResumeFrom:      resumeFrom,
	}
}

// ManifestKey returns the Redis key of a run's manifest.
func ManifestKey(runID string) string {
	return "manifest:" + runID
}

// ManifestStore persists manifests to Redis with a TTL and optionally to a
// directory of JSON files.
type ManifestStore struct {
	cache  *cache.Manager
	ttl    time.Duration
	dir    string
	logger *zap.Logger
}

// NewManifestStore creates a manifest store. Either backend may be absent.
func NewManifestStore(m *cache.Manager, ttl time.Duration, dir string, logger *zap.Logger) *ManifestStore {
	if ttl <= 0 {
		ttl = defaultManifestTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManifestStore{cache: m, ttl: ttl, dir: dir, logger: logger.With(zap.String("component", "manifest_store"))}
}

func (s *ManifestStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".manifest.json")
}

// Save writes m to every configured backend.
func (s *ManifestStore) Save(ctx context.Context, m *Manifest) error {
	if err := CheckRunID(m.RunID); err != nil {
		return err
	}
	var errs []error
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, ManifestKey(m.RunID), m, s.ttl); err != nil {
			errs = append(errs, err)
		}
	}
	if s.dir != "" {
		if err := s.writeFile(m); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to save manifest for run %s: %w", m.RunID, err)
	}

	s.logger.Info("manifest saved",
		zap.String("run_id", m.RunID),
		zap.String("run_status", m.RunStatus),
		zap.String("resume_from", m.ResumeFrom))
	return nil
}

func (s *ManifestStore) writeFile(m *Manifest) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(m.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(m.RunID))
}

// Load returns the manifest of runID from Redis, falling back to the file export.
func (s *ManifestStore) Load(ctx context.Context, runID string) (*Manifest, error) {
	if err := CheckRunID(runID); err != nil {
		return nil, err
	}
	if s.cache != nil {
		var m Manifest
		err := s.cache.GetJSON(ctx, ManifestKey(runID), &m)
		if err == nil {
			return &m, nil
		}
		if !cache.IsCacheMiss(err) {
			return nil, err
		}
	}
	if s.dir != "" {
		data, err := os.ReadFile(s.path(runID))
		if err == nil {
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("failed to decode manifest file: %w", err)
			}
			return &m, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, runID)
}
