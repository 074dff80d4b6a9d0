package orchestrator

import (
	"context"
	"fmt"

	"github.com/discernus/discernus/task"
)

// Stage is one step of the pipeline.
type Stage struct {
	Name     string
	TaskType task.Type
	// Multi stages fan out and are awaited with AwaitAll
	Multi bool
	// Long stages wait with the multi-task timeout even with a single task
	Long bool

	build func(ctx context.Context, rc *runContext) ([]task.Task, error)
	fold  func(ctx context.Context, rc *runContext, res *StageResult) error
}

// pipeline returns the stages a run with opts executes, in order.
func pipeline(opts options) []Stage {
	var stages []Stage
	if opts.preTest {
		stages = append(stages, Stage{Name: StagePreTest, TaskType: task.TypePreTest, build: buildPreTest, fold: foldPreTest})
	}
	stages = append(stages,
		Stage{Name: StageBatchAnalysis, TaskType: task.TypeAnalyseBatch, Multi: true, build: buildBatchAnalysis},
		Stage{Name: StageSynthesis, TaskType: task.TypeSynthesis, build: buildSynthesis},
		Stage{Name: StageReportGeneration, TaskType: task.TypeReport, build: buildReport},
	)
	if opts.review {
		stages = append(stages, Stage{Name: StageReview, TaskType: task.TypeReview, Multi: true, build: buildReviews})
	}
	if opts.moderation {
		stages = append(stages, Stage{Name: StageModeration, TaskType: task.TypeModeration, Long: true, build: buildModeration})
	}
	return stages
}

// StageNames lists the stage names for a stage selection.
func StageNames(preTest, review, moderation bool) []string {
	return stageNames(pipeline(options{preTest: preTest, review: review, moderation: moderation}))
}

// taskID returns the deterministic id of the n-th task of a stage.
func taskID(runID string, typ task.Type, multi bool, n int) string {
	if multi {
		return fmt.Sprintf("%s_%s_%d", runID, typ, n)
	}
	return fmt.Sprintf("%s_%s", runID, typ)
}

func (rc *runContext) envelope(s Stage, n int) task.Envelope {
	return task.Envelope{
		Type:   s.TaskType,
		TaskID: taskID(rc.state.RunID, s.TaskType, s.Multi, n),
		RunID:  rc.state.RunID,
		Epoch:  rc.state.Epoch,
	}
}

// upstream returns the folded result of an earlier stage. Builders produce no
// task when it is missing.
func (rc *runContext) upstream(stage string) (*StageResult, bool) {
	r, ok := rc.state.Result(stage)
	return r, ok && len(r.ResultHashes) > 0
}

// =============================================================================
// Builders
// =============================================================================

func buildPreTest(_ context.Context, rc *runContext) ([]task.Task, error) {
	return []task.Task{&task.PreTestTask{
		Envelope:        rc.envelope(rc.stage, 0),
		FrameworkHashes: rc.state.FrameworkHashes,
		DocumentHashes:  rc.state.CorpusHashes,
		Model:           rc.opts.model,
		MaxRuns:         rc.cfg.MaxAnalysisRuns,
	}}, nil
}

func buildBatchAnalysis(_ context.Context, rc *runContext) ([]task.Task, error) {
	if len(rc.state.CorpusHashes) == 0 {
		return nil, nil
	}
	tasks := make([]task.Task, 0, rc.state.AnalysisRuns)
	for i := 0; i < rc.state.AnalysisRuns; i++ {
		tasks = append(tasks, &task.AnalyseBatchTask{
			Envelope:        rc.envelope(rc.stage, i),
			FrameworkHashes: rc.state.FrameworkHashes,
			DocumentHashes:  rc.state.CorpusHashes,
			Model:           rc.opts.model,
			BatchID:         fmt.Sprintf("%s_batch_%d", rc.state.RunID, i),
			RunIndex:        i,
		})
	}
	return tasks, nil
}

func buildSynthesis(_ context.Context, rc *runContext) ([]task.Task, error) {
	analysis, ok := rc.upstream(StageBatchAnalysis)
	if !ok {
		return nil, nil
	}
	return []task.Task{&task.SynthesisTask{
		Envelope:        rc.envelope(rc.stage, 0),
		FrameworkHashes: rc.state.FrameworkHashes,
		AnalysisHashes:  analysis.ResultHashes,
		Model:           rc.opts.model,
		ExperimentName:  rc.state.ExperimentName,
	}}, nil
}

func buildReport(_ context.Context, rc *runContext) ([]task.Task, error) {
	synthesis, ok := rc.upstream(StageSynthesis)
	if !ok {
		return nil, nil
	}
	rt := &task.ReportTask{
		Envelope:        rc.envelope(rc.stage, 0),
		SynthesisHash:   synthesis.Hash(),
		FrameworkHashes: rc.state.FrameworkHashes,
		Model:           rc.opts.model,
		ExperimentName:  rc.state.ExperimentName,
	}
	if analysis, ok := rc.state.Result(StageBatchAnalysis); ok {
		rt.AnalysisHashes = analysis.ResultHashes
	}
	return []task.Task{rt}, nil
}

func buildReviews(_ context.Context, rc *runContext) ([]task.Task, error) {
	synthesis, ok := rc.upstream(StageSynthesis)
	if !ok {
		return nil, nil
	}
	tasks := make([]task.Task, 0, len(rc.opts.reviewers))
	for i, reviewer := range rc.opts.reviewers {
		tasks = append(tasks, &task.ReviewTask{
			Envelope:        rc.envelope(rc.stage, i),
			SynthesisHash:   synthesis.Hash(),
			FrameworkHashes: rc.state.FrameworkHashes,
			ReviewType:      reviewer,
			Ideology:        rc.req.Ideology,
			Model:           rc.opts.model,
		})
	}
	return tasks, nil
}

func buildModeration(_ context.Context, rc *runContext) ([]task.Task, error) {
	synthesis, ok := rc.upstream(StageSynthesis)
	if !ok {
		return nil, nil
	}
	return []task.Task{&task.ModerationTask{
		Envelope:        rc.envelope(rc.stage, 0),
		SynthesisHash:   synthesis.Hash(),
		FrameworkHashes: rc.state.FrameworkHashes,
		Reviewers:       rc.opts.reviewers,
		Ideology:        rc.req.Ideology,
		Model:           rc.opts.model,
		ExperimentName:  rc.state.ExperimentName,
	}}, nil
}

// =============================================================================
// Folds
// =============================================================================

// foldPreTest reads the recommended run count from the pre-test artifact.
func foldPreTest(ctx context.Context, rc *runContext, res *StageResult) error {
	data, err := rc.deps.Store.Get(ctx, res.Hash())
	if err != nil {
		return fmt.Errorf("failed to read pre-test result: %w", err)
	}
	pr, err := task.DecodePreTestResult(data)
	if err != nil {
		return err
	}
	rc.state.AnalysisRuns = clampRuns(pr.RecommendedRuns, rc.cfg.MaxAnalysisRuns)
	return nil
}

func clampRuns(n, limit int) int {
	if n < 1 {
		n = 1
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n
}
