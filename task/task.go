// Package task defines the task descriptors exchanged between the
// orchestrator, the moderator and agent workers.
package task

import (
	"errors"
	"fmt"
)

// Type discriminates which agent handles a task.
type Type string

const (
	// TypePreTest estimates how many analysis runs an experiment needs
	TypePreTest Type = "pre_test"

	// TypeAnalyseBatch analyses a batch of corpus documents against the frameworks
	TypeAnalyseBatch Type = "analyse_batch"

	// TypeSynthesis combines analysis results into a synthesis report
	TypeSynthesis Type = "synthesis"

	// TypeReport renders the final research report
	TypeReport Type = "report"

	// TypeReview produces an ideological or statistical review
	TypeReview Type = "review"

	// TypeModeration runs the reviewer conversation
	TypeModeration Type = "moderation"

	// TypeOrchestrate asks an orchestrator worker to run a whole experiment
	TypeOrchestrate Type = "orchestrate"
)

// Types lists every known task type.
var Types = []Type{
	TypePreTest,
	TypeAnalyseBatch,
	TypeSynthesis,
	TypeReport,
	TypeReview,
	TypeModeration,
	TypeOrchestrate,
}

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

// Review types.
const (
	ReviewIdeological = "ideological"
	ReviewStatistical = "statistical"
)

var (
	// ErrUnknownType is returned when decoding a descriptor with an unknown type
	ErrUnknownType = errors.New("unknown task type")

	// ErrInvalidTask is returned when a descriptor is missing required fields
	ErrInvalidTask = errors.New("invalid task")
)

// Envelope carries the fields every descriptor shares.
type Envelope struct {
	// Type discriminates the variant
	Type Type `json:"type"`

	// TaskID is assigned at enqueue unless the builder set a deterministic id
	TaskID string `json:"task_id,omitempty"`

	// RunID correlates the task with one experiment run
	RunID string `json:"run_id"`

	// Epoch is the run attempt that enqueued the task
	Epoch int64 `json:"epoch,omitempty"`
}

// Header returns the shared envelope.
func (e *Envelope) Header() *Envelope {
	return e
}

func (e *Envelope) validate(want Type) error {
	if e.Type != want {
		return fmt.Errorf("%w: type %q, want %q", ErrInvalidTask, e.Type, want)
	}
	if e.RunID == "" {
		return fmt.Errorf("%w: %s task without run_id", ErrInvalidTask, want)
	}
	return nil
}

// Task is implemented by every descriptor variant.
type Task interface {
	Header() *Envelope
	Validate() error
}

// PreTestTask asks for a recommended number of analysis runs.
type PreTestTask struct {
	Envelope
	FrameworkHashes []string `json:"framework_hashes"`
	DocumentHashes  []string `json:"document_hashes"`
	Model           string   `json:"model,omitempty"`
	MaxRuns         int      `json:"max_runs,omitempty"`
}

func (t *PreTestTask) Validate() error {
	if err := t.validate(TypePreTest); err != nil {
		return err
	}
	return requireHashes(t.Type, "document_hashes", t.DocumentHashes)
}

// AnalyseBatchTask analyses documents against the frameworks.
type AnalyseBatchTask struct {
	Envelope
	FrameworkHashes []string `json:"framework_hashes"`
	DocumentHashes  []string `json:"document_hashes"`
	Model           string   `json:"model,omitempty"`
	BatchID         string   `json:"batch_id,omitempty"`
	RunIndex        int      `json:"run_index"`
}

func (t *AnalyseBatchTask) Validate() error {
	if err := t.validate(TypeAnalyseBatch); err != nil {
		return err
	}
	if err := requireHashes(t.Type, "framework_hashes", t.FrameworkHashes); err != nil {
		return err
	}
	return requireHashes(t.Type, "document_hashes", t.DocumentHashes)
}

// SynthesisTask combines analysis results.
type SynthesisTask struct {
	Envelope
	FrameworkHashes []string `json:"framework_hashes"`
	AnalysisHashes  []string `json:"analysis_hashes"`
	Model           string   `json:"model,omitempty"`
	ExperimentName  string   `json:"experiment_name,omitempty"`
}

func (t *SynthesisTask) Validate() error {
	if err := t.validate(TypeSynthesis); err != nil {
		return err
	}
	return requireHashes(t.Type, "analysis_hashes", t.AnalysisHashes)
}

// ReportTask renders the final report from a synthesis.
type ReportTask struct {
	Envelope
	SynthesisHash   string   `json:"synthesis_hash"`
	FrameworkHashes []string `json:"framework_hashes"`
	AnalysisHashes  []string `json:"analysis_hashes,omitempty"`
	Model           string   `json:"model,omitempty"`
	ExperimentName  string   `json:"experiment_name,omitempty"`
}

func (t *ReportTask) Validate() error {
	if err := t.validate(TypeReport); err != nil {
		return err
	}
	return requireHash(t.Type, "synthesis_hash", t.SynthesisHash)
}

// PreviousReview is one reviewer's opening statement summary.
type PreviousReview struct {
	Reviewer string `json:"reviewer"`
	Summary  string `json:"summary"`
}

// ConversationContext lets a reviewer rebut the other reviewers.
type ConversationContext struct {
	PreviousReviews []PreviousReview `json:"previous_reviews"`
}

// ReviewTask asks for an ideological or statistical review.
type ReviewTask struct {
	Envelope
	SynthesisHash       string               `json:"synthesis_hash"`
	FrameworkHashes     []string             `json:"framework_hashes,omitempty"`
	ReviewType          string               `json:"review_type"`
	Ideology            string               `json:"ideology,omitempty"`
	Model               string               `json:"model,omitempty"`
	ConversationContext *ConversationContext `json:"conversation_context,omitempty"`
}

func (t *ReviewTask) Validate() error {
	if err := t.validate(TypeReview); err != nil {
		return err
	}
	if t.ReviewType != ReviewIdeological && t.ReviewType != ReviewStatistical {
		return fmt.Errorf("%w: review_type %q", ErrInvalidTask, t.ReviewType)
	}
	return requireHash(t.Type, "synthesis_hash", t.SynthesisHash)
}

// ModerationTask asks a moderator to run the reviewer conversation.
type ModerationTask struct {
	Envelope
	SynthesisHash   string   `json:"synthesis_hash"`
	FrameworkHashes []string `json:"framework_hashes"`
	Reviewers       []string `json:"reviewers,omitempty"`
	Ideology        string   `json:"ideology,omitempty"`
	Model           string   `json:"model,omitempty"`
	ExperimentName  string   `json:"experiment_name,omitempty"`
}

func (t *ModerationTask) Validate() error {
	if err := t.validate(TypeModeration); err != nil {
		return err
	}
	return requireHash(t.Type, "synthesis_hash", t.SynthesisHash)
}

// OrchestrateTask is an orchestration request sent through the queue.
type OrchestrateTask struct {
	Envelope
	ExperimentName   string         `json:"experiment_name"`
	ExperimentParams map[string]any `json:"experiment_params,omitempty"`
	FrameworkHashes  []string       `json:"framework_hashes"`
	CorpusHashes     []string       `json:"corpus_hashes"`
	Model            string         `json:"model,omitempty"`
	PreTest          *bool          `json:"pre_test,omitempty"`
	Review           *bool          `json:"review,omitempty"`
	Moderation       *bool          `json:"moderation,omitempty"`
	Reviewers        []string       `json:"reviewers,omitempty"`
	Ideology         string         `json:"ideology,omitempty"`
}

func (t *OrchestrateTask) Validate() error {
	if err := t.validate(TypeOrchestrate); err != nil {
		return err
	}
	if err := requireHashes(t.Type, "framework_hashes", t.FrameworkHashes); err != nil {
		return err
	}
	return requireHashes(t.Type, "corpus_hashes", t.CorpusHashes)
}

func requireHashes(typ Type, field string, hashes []string) error {
	if len(hashes) == 0 {
		return fmt.Errorf("%w: %s task without %s", ErrInvalidTask, typ, field)
	}
	for _, h := range hashes {
		if h == "" {
			return fmt.Errorf("%w: %s task has empty entry in %s", ErrInvalidTask, typ, field)
		}
	}
	return nil
}

func requireHash(typ Type, field, hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: %s task without %s", ErrInvalidTask, typ, field)
	}
	return nil
}

var (
	_ Task = (*PreTestTask)(nil)
	_ Task = (*AnalyseBatchTask)(nil)
	_ Task = (*SynthesisTask)(nil)
	_ Task = (*ReportTask)(nil)
	_ Task = (*ReviewTask)(nil)
	_ Task = (*ModerationTask)(nil)
	_ Task = (*OrchestrateTask)(nil)
)
