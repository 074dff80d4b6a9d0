package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/task"
)

// controlSuffix marks the run id an orchestrate task is enqueued under, so the
// submitter's wait never shares a completion list with the stage waits.
const controlSuffix = ":orchestrate"

// ErrInvalidRequest is returned for requests missing required inputs.
var ErrInvalidRequest = errors.New("invalid orchestration request")

// Request describes one experiment run.
type Request struct {
	RunID            string
	ExperimentName   string
	ExperimentParams map[string]any
	FrameworkHashes  []string
	CorpusHashes     []string
	Model            string

	// nil means "use the configured default"
	PreTest    *bool
	Review     *bool
	Moderation *bool

	Reviewers []string
	Ideology  string
}

// ControlRunID returns the run id an orchestrate task for runID is published under.
func ControlRunID(runID string) string {
	return runID + controlSuffix
}

// RequestFromTask converts a queued orchestrate task into a Request.
func RequestFromTask(t *task.OrchestrateTask) *Request {
	return &Request{
		RunID:            strings.TrimSuffix(t.RunID, controlSuffix),
		ExperimentName:   t.ExperimentName,
		ExperimentParams: t.ExperimentParams,
		FrameworkHashes:  t.FrameworkHashes,
		CorpusHashes:     t.CorpusHashes,
		Model:            t.Model,
		PreTest:          t.PreTest,
		Review:           t.Review,
		Moderation:       t.Moderation,
		Reviewers:        t.Reviewers,
		Ideology:         t.Ideology,
	}
}

// Task converts the request into an orchestrate task for service mode.
func (r *Request) Task() *task.OrchestrateTask {
	return &task.OrchestrateTask{
		Envelope: task.Envelope{
			Type:   task.TypeOrchestrate,
			TaskID: ControlRunID(r.RunID),
			RunID:  ControlRunID(r.RunID),
		},
		ExperimentName:   r.ExperimentName,
		ExperimentParams: r.ExperimentParams,
		FrameworkHashes:  r.FrameworkHashes,
		CorpusHashes:     r.CorpusHashes,
		Model:            r.Model,
		PreTest:          r.PreTest,
		Review:           r.Review,
		Moderation:       r.Moderation,
		Reviewers:        r.Reviewers,
		Ideology:         r.Ideology,
	}
}

// Validate checks the required inputs and fills in a run id when missing.
func (r *Request) Validate() error {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if err := CheckRunID(r.RunID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(r.FrameworkHashes) == 0 {
		return fmt.Errorf("%w: no framework hashes", ErrInvalidRequest)
	}
	if len(r.CorpusHashes) == 0 {
		return fmt.Errorf("%w: no corpus hashes", ErrInvalidRequest)
	}
	for _, h := range append(append([]string{}, r.FrameworkHashes...), r.CorpusHashes...) {
		if h == "" {
			return fmt.Errorf("%w: empty artifact hash", ErrInvalidRequest)
		}
	}
	return nil
}

// options is the effective stage selection for one run.
type options struct {
	preTest    bool
	review     bool
	moderation bool
	model      string
	reviewers  []string
}

func resolveOptions(cfg config.OrchestratorConfig, r *Request) options {
	opts := options{
		preTest:    pick(r.PreTest, cfg.PreTest),
		review:     pick(r.Review, cfg.Review),
		moderation: pick(r.Moderation, cfg.Moderation),
		model:      cfg.Model,
		reviewers:  cfg.Reviewers,
	}
	if r.Model != "" {
		opts.model = r.Model
	}
	if len(r.Reviewers) > 0 {
		opts.reviewers = r.Reviewers
	}
	return opts
}

func pick(override *bool, def bool) bool {
	if override != nil {
		return *override
	}
	return def
}
