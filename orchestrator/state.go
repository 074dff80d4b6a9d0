package orchestrator

import (
	"encoding/json"
	"sort"
)

// Stage names in pipeline order.
const (
	StagePreTest          = "pre_test"
	StageBatchAnalysis    = "batch_analysis"
	StageSynthesis        = "synthesis"
	StageReportGeneration = "report_generation"
	StageReview           = "review"
	StageModeration       = "moderation"
)

// ResumeFromStart is the resume_from value when no stage completed.
const ResumeFromStart = "start"

// StageResult holds the task ids and result hashes one stage produced.
type StageResult struct {
	TaskIDs      []string `json:"task_ids"`
	ResultHashes []string `json:"result_hashes"`
	multi        bool
}

// Hash returns the first result hash, the whole result of a single-task stage.
func (r *StageResult) Hash() string {
	if r == nil || len(r.ResultHashes) == 0 {
		return ""
	}
	return r.ResultHashes[0]
}

func (r *StageResult) MarshalJSON() ([]byte, error) {
	if r.multi {
		return json.Marshal(struct {
			TaskIDs      []string `json:"task_ids"`
			ResultHashes []string `json:"result_hashes"`
		}{r.TaskIDs, r.ResultHashes})
	}
	single := struct {
		TaskID     string `json:"task_id"`
		ResultHash string `json:"result_hash"`
	}{ResultHash: r.Hash()}
	if len(r.TaskIDs) > 0 {
		single.TaskID = r.TaskIDs[0]
	}
	return json.Marshal(single)
}

// RunState accumulates the inputs and per-stage results of one run.
type RunState struct {
	RunID            string
	Epoch            int64
	ExperimentName   string
	ExperimentParams map[string]any
	FrameworkHashes  []string
	CorpusHashes     []string
	AnalysisRuns     int

	results map[string]*StageResult
}

func newRunState(req *Request, epoch int64) *RunState {
	return &RunState{
		RunID:            req.RunID,
		Epoch:            epoch,
		ExperimentName:   req.ExperimentName,
		ExperimentParams: req.ExperimentParams,
		FrameworkHashes:  req.FrameworkHashes,
		CorpusHashes:     req.CorpusHashes,
		AnalysisRuns:     1,
		results:          make(map[string]*StageResult),
	}
}

// Result returns the result a stage folded into the state.
func (s *RunState) Result(stage string) (*StageResult, bool) {
	r, ok := s.results[stage]
	return r, ok
}

func (s *RunState) set(stage string, multi bool, taskIDs, hashes []string) *StageResult {
	r := &StageResult{TaskIDs: taskIDs, ResultHashes: hashes, multi: multi}
	s.results[stage] = r
	return r
}

// MarshalJSON renders per-stage results as {stage}_result or {stage}_results.
func (s *RunState) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"run_id":           s.RunID,
		"epoch":            s.Epoch,
		"experiment_name":  s.ExperimentName,
		"framework_hashes": s.FrameworkHashes,
		"corpus_hashes":    s.CorpusHashes,
		"analysis_runs":    s.AnalysisRuns,
		"experiment": map[string]any{
			"name":   s.ExperimentName,
			"params": s.ExperimentParams,
		},
	}
	stages := make([]string, 0, len(s.results))
	for stage := range s.results {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		r := s.results[stage]
		if r.multi {
			out[stage+"_results"] = r
		} else {
			out[stage+"_result"] = r
		}
	}
	return json.Marshal(out)
}
