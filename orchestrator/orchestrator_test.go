package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/discernus/discernus/agent"
	"github.com/discernus/discernus/artifact"
	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/cache"
	"github.com/discernus/discernus/internal/telemetry"
	"github.com/discernus/discernus/moderator"
	"github.com/discernus/discernus/queue"
	"github.com/discernus/discernus/task"
	"github.com/discernus/discernus/testutil"
	"github.com/discernus/discernus/testutil/fixtures"
	"github.com/discernus/discernus/testutil/mocks"
)

const reportBody = "# Final report\n\nThe corpus leans populist."

// recordingDispatcher wraps a real queue and records every enqueued task type.
type recordingDispatcher struct {
	queue.Dispatcher

	mu         sync.Mutex
	enqueued   []task.Type
	enqueueErr error
	panicOn    task.Type
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, stream string, t task.Task) (queue.TaskRef, error) {
	typ := t.Header().Type
	if d.panicOn != "" && typ == d.panicOn {
		panic("dispatcher exploded")
	}
	if d.enqueueErr != nil {
		return queue.TaskRef{}, d.enqueueErr
	}
	d.mu.Lock()
	d.enqueued = append(d.enqueued, typ)
	d.mu.Unlock()
	return d.Dispatcher.Enqueue(ctx, stream, t)
}

func (d *recordingDispatcher) types() []task.Type {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]task.Type(nil), d.enqueued...)
}

func (d *recordingDispatcher) count(typ task.Type) int {
	n := 0
	for _, got := range d.types() {
		if got == typ {
			n++
		}
	}
	return n
}

type fakeLedger struct {
	mu       sync.Mutex
	begun    []string
	finished []*Manifest
}

func (l *fakeLedger) Begin(_ context.Context, runID string, _ int64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.begun = append(l.begun, runID)
	return nil
}

func (l *fakeLedger) Finish(_ context.Context, _ int64, m *Manifest, _ error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, m)
	return nil
}

type harness struct {
	cache      *cache.Manager
	queue      *queue.RedisQueue
	dispatcher *recordingDispatcher
	store      *artifact.MemoryStore
	manifests  *ManifestStore
	ledger     *fakeLedger
	worker     *agent.Worker
	metrics    *telemetry.Instruments
	cfg        config.OrchestratorConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	_, client := testutil.NewRedis(t)
	q := queue.NewRedisQueue(client, queue.Options{}, zap.NewNop())
	cm := cache.NewManagerWithClient(client, cache.Config{}, zap.NewNop())

	h := &harness{
		cache:      cm,
		queue:      q,
		dispatcher: &recordingDispatcher{Dispatcher: q},
		store:      artifact.NewMemoryStore(),
		manifests:  NewManifestStore(cm, 0, "", zap.NewNop()),
		ledger:     &fakeLedger{},
		worker:     agent.NewWorker(q, agent.WorkerConfig{Group: "mock-agents", Consumer: "mock", Block: 50 * time.Millisecond}, nil, zap.NewNop()),
		cfg:        config.DefaultOrchestratorConfig(),
	}
	h.cfg.TaskTimeout = 10 * time.Second
	h.cfg.MultiTaskTimeout = 10 * time.Second
	return h
}

// start runs the mock agents until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(h.cfg, Deps{
		Queue:       h.dispatcher,
		Store:       h.store,
		Cache:       NewStageCache(h.cache, time.Hour, nil, nil),
		Manifests:   h.manifests,
		Ledger:      h.ledger,
		Instruments: h.metrics,
		Logger:      zap.NewNop(),
	})
}

// putHandler stores body and reports its hash.
func (h *harness) putHandler(body func(task.Task) string) agent.Handler {
	return agent.HandlerFunc(func(ctx context.Context, t task.Task) (agent.Result, error) {
		hash, err := h.store.Put(ctx, []byte(body(t)))
		return agent.Result{Hash: hash, Model: "mock-model"}, err
	})
}

func (h *harness) registerPipeline() {
	h.worker.Register(task.TypeAnalyseBatch, h.putHandler(func(t task.Task) string {
		return fmt.Sprintf("analysis run %d", t.(*task.AnalyseBatchTask).RunIndex)
	}))
	h.worker.Register(task.TypeSynthesis, h.putHandler(func(task.Task) string { return "synthesis" }))
	h.worker.Register(task.TypeReport, h.putHandler(func(task.Task) string { return reportBody }))
}

func failing(reason string) agent.Handler {
	return agent.HandlerFunc(func(context.Context, task.Task) (agent.Result, error) {
		return agent.Result{}, errors.New(reason)
	})
}

func (h *harness) request(runID string) *Request {
	ctx := context.Background()
	fw, _ := h.store.Put(ctx, []byte("framework: cff v10"))
	d1, _ := h.store.Put(ctx, []byte("speech one"))
	d2, _ := h.store.Put(ctx, []byte("speech two"))
	return &Request{
		RunID:           runID,
		ExperimentName:  "populism_study",
		FrameworkHashes: []string{fw},
		CorpusHashes:    []string{d1, d2},
	}
}

func TestOrchestrate_EndToEnd(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline()
	h.start(t)

	out := h.orchestrator(t).Orchestrate(context.Background(), h.request("run-e2e"))
	require.True(t, out.Success, "run failed: %v", out.Err)
	assert.Equal(t, StatusCompleted, out.Manifest.RunStatus)
	assert.Equal(t, []string{StageBatchAnalysis, StageSynthesis, StageReportGeneration}, out.Manifest.CompletedStages)
	assert.Equal(t, 3, out.Manifest.TotalStages)

	// the report hash in the serialized state resolves to the agent's bytes
	var state struct {
		Report struct {
			TaskID     string `json:"task_id"`
			ResultHash string `json:"result_hash"`
		} `json:"report_generation_result"`
		Analysis struct {
			ResultHashes []string `json:"result_hashes"`
		} `json:"batch_analysis_results"`
	}
	require.NoError(t, json.Unmarshal(testutil.MustJSON(out.State), &state))
	assert.Equal(t, "run-e2e_report", state.Report.TaskID)
	assert.Len(t, state.Analysis.ResultHashes, 1)

	data, err := h.store.Get(context.Background(), state.Report.ResultHash)
	require.NoError(t, err)
	assert.Equal(t, reportBody, string(data))

	saved, err := h.manifests.Load(context.Background(), "run-e2e")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, saved.RunStatus)

	assert.Equal(t, []string{"run-e2e"}, h.ledger.begun)
	require.Len(t, h.ledger.finished, 1)
	assert.Equal(t, StatusCompleted, h.ledger.finished[0].RunStatus)
}

func TestOrchestrate_RecordsStageInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := telemetry.NewInstruments(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	h := newHarness(t)
	h.metrics = inst
	h.registerPipeline()
	h.start(t)

	out := h.orchestrator(t).Orchestrate(context.Background(), h.request("run-metrics"))
	require.True(t, out.Success, "run failed: %v", out.Err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	stages := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "discernus.stage.total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				stage, _ := dp.Attributes.Value(attribute.Key("stage"))
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				assert.Equal(t, "completed", outcome.AsString())
				stages[stage.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		StageBatchAnalysis:    1,
		StageSynthesis:        1,
		StageReportGeneration: 1,
	}, stages)
}

func TestOrchestrate_ReviewAndModeration(t *testing.T) {
	h := newHarness(t)
	h.cfg.Review = true
	h.cfg.Moderation = true
	h.cfg.Reviewers = []string{task.ReviewIdeological, task.ReviewStatistical}
	h.registerPipeline()
	h.worker.Register(task.TypeReview, h.putHandler(func(t task.Task) string {
		rt := t.(*task.ReviewTask)
		content := rt.ReviewType + " opening"
		if rt.ConversationContext != nil {
			content = rt.ReviewType + " response to " + rt.ConversationContext.PreviousReviews[0].Reviewer
		}
		return string(fixtures.ReviewResult(rt.ReviewType, content))
	}))

	mcfg := config.DefaultModeratorConfig()
	mcfg.RoundTimeout = 10 * time.Second
	h.worker.Register(task.TypeModeration, moderator.New(mcfg, moderator.Deps{
		Queue:  h.queue,
		Store:  h.store,
		LLM:    mocks.NewMockProvider().WithResponse("The reviewers converge on a moderate reading."),
		Logger: zap.NewNop(),
	}))
	h.start(t)

	out := h.orchestrator(t).Orchestrate(context.Background(), h.request("run-moderated"))
	require.True(t, out.Success, "run failed: %v", out.Err)
	assert.Equal(t,
		[]string{StageBatchAnalysis, StageSynthesis, StageReportGeneration, StageReview, StageModeration},
		out.Manifest.CompletedStages)
	assert.Equal(t, 5, out.Manifest.TotalStages)

	// review tasks of the conversation run under the moderation sub-run
	assert.Equal(t, 2, h.dispatcher.count(task.TypeReview))
	assert.Equal(t, 1, h.dispatcher.count(task.TypeModeration))

	reviews, ok := out.State.Result(StageReview)
	require.True(t, ok)
	assert.Equal(t, []string{"run-moderated_review_0", "run-moderated_review_1"}, reviews.TaskIDs)

	res, ok := out.State.Result(StageModeration)
	require.True(t, ok)
	data, err := h.store.Get(context.Background(), res.Hash())
	require.NoError(t, err)

	var meta moderator.AuditMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "run-moderated", meta.RunID)
	assert.Equal(t, 6, meta.TurnCount)
	assert.True(t, h.store.Exists(context.Background(), meta.JSONLHash))
	assert.True(t, h.store.Exists(context.Background(), meta.MarkdownHash))
}

func TestOrchestrate_Timeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.TaskTimeout = time.Second
	h.cfg.MultiTaskTimeout = time.Second
	h.worker.Register(task.TypeAnalyseBatch, agent.HandlerFunc(func(ctx context.Context, _ task.Task) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}))
	h.start(t)

	start := time.Now()
	out := h.orchestrator(t).Orchestrate(context.Background(), h.request("run-timeout"))
	elapsed := time.Since(start)

	assert.False(t, out.Success)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StatusErrorTimeout, out.Manifest.RunStatus)
	assert.Empty(t, out.Manifest.CompletedStages)
	assert.Equal(t, ResumeFromStart, out.Manifest.ResumeFrom)
	assert.True(t, errors.Is(out.Err, queue.ErrTimeout))

	saved, err := h.manifests.Load(context.Background(), "run-timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusErrorTimeout, saved.RunStatus)
}

func TestOrchestrate_StageOrdering(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline()
	h.worker.Register(task.TypeSynthesis, failing("synthesis agent crashed"))
	h.start(t)

	out := h.orchestrator(t).Orchestrate(context.Background(), h.request("run-order"))

	assert.False(t, out.Success)
	assert.Equal(t, StatusErrorFailed, out.Manifest.RunStatus)
	assert.Equal(t, []task.Type{task.TypeAnalyseBatch, task.TypeSynthesis}, h.dispatcher.types())
	assert.Zero(t, h.dispatcher.count(task.TypeReport))
}

func TestOrchestrate_PartialManifest(t *testing.T) {
	stages := []struct {
		typ       task.Type
		completed []string
		resume    string
	}{
		{task.TypeAnalyseBatch, []string{}, ResumeFromStart},
		{task.TypeSynthesis, []string{StageBatchAnalysis}, StageBatchAnalysis},
		{task.TypeReport, []string{StageBatchAnalysis, StageSynthesis}, StageSynthesis},
	}

	for k, tc := range stages {
		t.Run(fmt.Sprintf("fail_at_stage_%d", k+1), func(t *testing.T) {
			h := newHarness(t)
			h.registerPipeline()
			h.worker.Register(tc.typ, failing("forced failure"))
			h.start(t)

			runID := fmt.Sprintf("run-partial-%d", k+1)
			out := h.orchestrator(t).Orchestrate(context.Background(), h.request(runID))
			require.False(t, out.Success)

			saved, err := h.manifests.Load(context.Background(), runID)
			require.NoError(t, err)
			assert.Equal(t, tc.completed, saved.CompletedStages)
			assert.Equal(t, tc.resume, saved.ResumeFrom)
			assert.Equal(t, StatusErrorFailed, saved.RunStatus)
			assert.Equal(t, 3, saved.TotalStages)
		})
	}
}

func TestOrchestrate_ResumeSkipsCompletedStages(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline()
	h.worker.Register(task.TypeReport, failing("report agent down"))
	h.start(t)

	o := h.orchestrator(t)
	req := h.request("run-resume")
	first := o.Orchestrate(context.Background(), req)
	require.False(t, first.Success)
	assert.Equal(t, StageSynthesis, first.Manifest.ResumeFrom)

	h.worker.Register(task.TypeReport, h.putHandler(func(task.Task) string { return reportBody }))
	second := o.Orchestrate(context.Background(), h.request("run-resume"))
	require.True(t, second.Success, "resumed run failed: %v", second.Err)
	assert.Greater(t, second.Epoch, first.Epoch)

	assert.Equal(t, 1, h.dispatcher.count(task.TypeAnalyseBatch))
	assert.Equal(t, 1, h.dispatcher.count(task.TypeSynthesis))
	assert.Equal(t, 2, h.dispatcher.count(task.TypeReport))

	res, ok := second.State.Result(StageSynthesis)
	require.True(t, ok)
	data, err := h.store.Get(context.Background(), res.Hash())
	require.NoError(t, err)
	assert.Equal(t, "synthesis", string(data))
}

func TestOrchestrate_PreTestSetsAnalysisRuns(t *testing.T) {
	h := newHarness(t)
	h.cfg.PreTest = true
	h.cfg.MaxAnalysisRuns = 3
	h.registerPipeline()
	h.worker.Register(task.TypePreTest, h.putHandler(func(task.Task) string {
		return `{"recommended_runs": 50, "rationale": "high variance"}`
	}))
	h.start(t)

	out := h.orchestrator(t).Orchestrate(context.Background(), h.request("run-pretest"))
	require.True(t, out.Success, "run failed: %v", out.Err)
	assert.Equal(t, 3, out.State.AnalysisRuns)
	assert.Equal(t, 3, h.dispatcher.count(task.TypeAnalyseBatch))
	assert.Equal(t, 4, out.Manifest.TotalStages)

	res, ok := out.State.Result(StageBatchAnalysis)
	require.True(t, ok)
	assert.Equal(t, []string{"run-pretest_analyse_batch_0", "run-pretest_analyse_batch_1", "run-pretest_analyse_batch_2"}, res.TaskIDs)
}

func TestClampRuns(t *testing.T) {
	assert.Equal(t, 1, clampRuns(0, 10))
	assert.Equal(t, 1, clampRuns(-4, 10))
	assert.Equal(t, 7, clampRuns(7, 10))
	assert.Equal(t, 10, clampRuns(70, 10))
	assert.Equal(t, 70, clampRuns(70, 0))
}

func TestOrchestrate_ReviewWithoutReviewersHasNoTasks(t *testing.T) {
	h := newHarness(t)
	h.cfg.Review = true
	h.cfg.Reviewers = nil
	h.registerPipeline()
	h.start(t)

	out := h.orchestrator(t).Orchestrate(context.Background(), h.request("run-noreview"))
	assert.False(t, out.Success)
	assert.Equal(t, StatusNoTasks, out.Manifest.RunStatus)
	assert.Equal(t, StageReportGeneration, out.Manifest.ResumeFrom)
}

func TestOrchestrate_InvalidRequest(t *testing.T) {
	h := newHarness(t)
	out := h.orchestrator(t).Orchestrate(context.Background(), &Request{RunID: "run-bad"})

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrInvalidRequest)
	assert.Equal(t, StatusErrorException, out.Manifest.RunStatus)
	assert.Empty(t, h.dispatcher.types())
	assert.Empty(t, h.ledger.begun)
}

func TestOrchestrate_EnqueueFailure(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.enqueueErr = queue.ErrEnqueue

	out := h.orchestrator(t).Orchestrate(context.Background(), h.request("run-enqueue"))
	assert.False(t, out.Success)
	assert.Equal(t, StatusEnqueueFailed, out.Manifest.RunStatus)
	assert.Equal(t, ResumeFromStart, out.Manifest.ResumeFrom)
}

func TestOrchestrate_RecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.panicOn = task.TypeAnalyseBatch

	var out *Outcome
	require.NotPanics(t, func() {
		out = h.orchestrator(t).Orchestrate(context.Background(), h.request("run-panic"))
	})
	assert.False(t, out.Success)
	assert.Equal(t, StatusErrorException, out.Manifest.RunStatus)

	saved, err := h.manifests.Load(context.Background(), "run-panic")
	require.NoError(t, err)
	assert.Equal(t, StatusErrorException, saved.RunStatus)
}

func TestOrchestrator_HandleOrchestrateTask(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline()
	h.start(t)

	ot := h.request("run-svc").Task()
	assert.Equal(t, "run-svc:orchestrate", ot.RunID)

	res, err := h.orchestrator(t).Handle(context.Background(), ot)
	require.NoError(t, err)

	data, err := h.store.Get(context.Background(), res.Hash)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"report_generation_result"`)
	assert.Contains(t, string(data), `"run_id":"run-svc"`)
}

func TestOrchestrator_HandleRejectsOtherTasks(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(t).Handle(context.Background(), &task.SynthesisTask{
		Envelope: task.Envelope{Type: task.TypeSynthesis, RunID: "r1"},
	})
	assert.Error(t, err)
}

func TestStageNames(t *testing.T) {
	assert.Equal(t,
		[]string{StagePreTest, StageBatchAnalysis, StageSynthesis, StageReportGeneration, StageReview, StageModeration},
		StageNames(true, true, true))
	assert.Equal(t,
		[]string{StageBatchAnalysis, StageSynthesis, StageReportGeneration, StageModeration},
		StageNames(false, false, true))
}
