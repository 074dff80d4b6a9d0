package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/discernus/discernus/agent"
	"github.com/discernus/discernus/artifact"
	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/metrics"
	"github.com/discernus/discernus/internal/telemetry"
	"github.com/discernus/discernus/queue"
	"github.com/discernus/discernus/task"
)

const instrumentationName = "github.com/discernus/discernus/orchestrator"

// Ledger records run attempts durably. Implementations must tolerate being
// called for runs they never saw begin.
type Ledger interface {
	Begin(ctx context.Context, runID string, epoch int64, experiment string) error
	Finish(ctx context.Context, epoch int64, m *Manifest, cause error) error
}

// Deps are the collaborators of an Orchestrator. Queue and Store are required.
type Deps struct {
	Queue     queue.Dispatcher
	Store     artifact.Store
	Cache     *StageCache
	Manifests *ManifestStore
	Ledger    Ledger
	Metrics   *metrics.Collector
	// Instruments 为 nil 时在全局 MeterProvider 上创建
	Instruments *telemetry.Instruments
	Logger      *zap.Logger
}

// Outcome is the result of one run attempt.
type Outcome struct {
	Success  bool
	RunID    string
	Epoch    int64
	State    *RunState
	Manifest *Manifest
	Err      error
}

// Orchestrator drives experiment runs through the stage pipeline.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger
}

// New creates an Orchestrator. Zero timeouts fall back to the defaults.
func New(cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	def := config.DefaultOrchestratorConfig()
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.MultiTaskTimeout <= 0 {
		cfg.MultiTaskTimeout = def.MultiTaskTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Manifests == nil {
		deps.Manifests = NewManifestStore(nil, cfg.ManifestTTL, cfg.ManifestDir, deps.Logger)
	}
	if deps.Instruments == nil {
		deps.Instruments = telemetry.MustInstruments()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer(instrumentationName),
		logger: deps.Logger.With(zap.String("component", "orchestrator")),
	}
}

// runContext is the per-run working set handed to stage builders.
type runContext struct {
	req       *Request
	cfg       config.OrchestratorConfig
	opts      options
	deps      *Deps
	stages    []Stage
	stage     Stage
	state     *RunState
	completed []string
	logger    *zap.Logger
}

// stageError carries the manifest status a stage failure maps to.
type stageError struct {
	stage  string
	status string
	err    error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("stage %s failed with %s: %v", e.stage, e.status, e.err)
}

func (e *stageError) Unwrap() error {
	return e.err
}

var errNoTasks = errors.New("stage produced no tasks")

// Orchestrate runs req to completion or to its first failing stage. It never
// panics; every attempt ends with a saved manifest.
func (o *Orchestrator) Orchestrate(ctx context.Context, req *Request) (out *Outcome) {
	if req == nil {
		req = &Request{}
	}
	opts := resolveOptions(o.cfg, req)
	rc := &runContext{
		req:    req,
		cfg:    o.cfg,
		opts:   opts,
		deps:   &o.deps,
		stages: pipeline(opts),
		logger: o.logger,
	}

	defer func() {
		if r := recover(); r != nil {
			rc.logger.Error("orchestration panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = o.finish(ctx, rc, StatusErrorException, fmt.Errorf("orchestrator panic: %v", r))
		}
	}()

	if err := req.Validate(); err != nil {
		return o.finish(ctx, rc, StatusErrorException, err)
	}
	rc.logger = o.logger.With(zap.String("run_id", req.RunID))

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("experiment.name", req.ExperimentName),
		attribute.Int("run.stages", len(rc.stages)),
	))
	defer span.End()

	epoch, err := o.deps.Queue.BeginAttempt(ctx, req.RunID)
	if err != nil {
		span.RecordError(err)
		return o.finish(ctx, rc, StatusEnqueueFailed, fmt.Errorf("failed to begin run attempt: %w", err))
	}
	rc.state = newRunState(req, epoch)
	rc.logger = rc.logger.With(zap.Int64("epoch", epoch))
	span.SetAttributes(attribute.Int64("run.epoch", epoch))

	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.Begin(ctx, req.RunID, epoch, req.ExperimentName); err != nil {
			rc.logger.Warn("failed to record run start", zap.Error(err))
		}
	}

	rc.logger.Info("orchestration started",
		zap.String("experiment", req.ExperimentName),
		zap.Strings("stages", stageNames(rc.stages)))

	for _, s := range rc.stages {
		if err := o.runStage(ctx, rc, s); err != nil {
			status := StatusErrorException
			var se *stageError
			if errors.As(err, &se) {
				status = se.status
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
			return o.finish(ctx, rc, status, err)
		}
	}
	return o.finish(ctx, rc, StatusCompleted, nil)
}

func (o *Orchestrator) runStage(ctx context.Context, rc *runContext, s Stage) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stage", trace.WithAttributes(
		attribute.String("stage.name", s.Name),
		attribute.String("task.type", s.TaskType.String()),
	))
	start := time.Now()
	outcome := "completed"
	defer func() {
		if err != nil {
			var se *stageError
			if errors.As(err, &se) {
				outcome = strings.ToLower(se.status)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		elapsed := time.Since(start)
		o.deps.Metrics.RecordStage(s.Name, outcome, elapsed)
		o.deps.Instruments.RecordStage(ctx, s.Name, outcome, elapsed)
		span.End()
	}()

	rc.stage = s
	log := rc.logger.With(zap.String("stage", s.Name))

	if rec, ok := o.deps.Cache.IsCached(ctx, s.Name, rc.state); ok {
		res := rc.state.set(s.Name, s.Multi, rec.TaskIDs, rec.ResultHashes)
		if s.fold != nil {
			if err := s.fold(ctx, rc, res); err != nil {
				return &stageError{stage: s.Name, status: StatusErrorFailed, err: err}
			}
		}
		rc.completed = append(rc.completed, s.Name)
		outcome = "cached"
		span.SetAttributes(attribute.Bool("stage.cached", true))
		log.Info("stage already completed, skipping")
		return nil
	}

	tasks, err := s.build(ctx, rc)
	if err != nil {
		return &stageError{stage: s.Name, status: StatusErrorException, err: err}
	}
	if len(tasks) == 0 {
		status := StatusNoTask
		if s.Multi {
			status = StatusNoTasks
		}
		return &stageError{stage: s.Name, status: status, err: errNoTasks}
	}

	stream := o.deps.Queue.Stream(s.TaskType)
	refs := make([]queue.TaskRef, 0, len(tasks))
	for _, t := range tasks {
		ref, err := o.deps.Queue.Enqueue(ctx, stream, t)
		if err != nil {
			return &stageError{stage: s.Name, status: StatusEnqueueFailed, err: err}
		}
		o.deps.Metrics.RecordTaskEnqueued(s.TaskType.String())
		refs = append(refs, ref)
	}

	timeout := o.timeout(s, len(refs))
	log.Info("stage enqueued, awaiting completion",
		zap.Int("tasks", len(refs)),
		zap.Duration("timeout", timeout))

	waitStart := time.Now()
	hashes, err := o.await(ctx, s, refs, timeout)
	o.deps.Metrics.RecordAwait(queue.Kind(err).String(), time.Since(waitStart))
	if err != nil {
		return &stageError{stage: s.Name, status: waitStatus(err), err: err}
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	res := rc.state.set(s.Name, s.Multi, ids, hashes)
	if s.fold != nil {
		if err := s.fold(ctx, rc, res); err != nil {
			status := StatusErrorFailed
			if queue.Kind(err) == queue.KindUnexpected {
				status = StatusErrorException
			}
			return &stageError{stage: s.Name, status: status, err: err}
		}
	}

	o.deps.Cache.MarkDone(ctx, s.Name, rc.state, res)
	rc.completed = append(rc.completed, s.Name)
	log.Info("stage completed", zap.Strings("result_hashes", hashes), zap.Duration("duration", time.Since(start)))
	return nil
}

func (o *Orchestrator) await(ctx context.Context, s Stage, refs []queue.TaskRef, timeout time.Duration) ([]string, error) {
	if !s.Multi && len(refs) == 1 {
		rec, err := o.deps.Queue.AwaitCompletion(ctx, refs[0], timeout)
		if err != nil {
			return nil, err
		}
		return []string{rec.ResultHash}, nil
	}
	return o.deps.Queue.AwaitAll(ctx, refs, timeout)
}

func (o *Orchestrator) timeout(s Stage, tasks int) time.Duration {
	if s.Long || tasks > 1 {
		return o.cfg.MultiTaskTimeout
	}
	return o.cfg.TaskTimeout
}

// waitStatus maps a queue wait failure to a manifest status.
func waitStatus(err error) string {
	switch queue.Kind(err) {
	case queue.KindTimeout:
		return StatusErrorTimeout
	case queue.KindTaskFailed, queue.KindNotFound:
		return StatusErrorFailed
	default:
		return StatusErrorException
	}
}

// finish persists the manifest and ledger entry and builds the outcome.
func (o *Orchestrator) finish(ctx context.Context, rc *runContext, status string, cause error) *Outcome {
	ctx = context.WithoutCancel(ctx)
	m := newManifest(rc.req.RunID, rc.completed, len(rc.stages), status)
	if err := o.deps.Manifests.Save(ctx, m); err != nil {
		rc.logger.Error("failed to save manifest", zap.Error(err))
	}

	out := &Outcome{
		Success:  status == StatusCompleted,
		RunID:    rc.req.RunID,
		State:    rc.state,
		Manifest: m,
		Err:      cause,
	}
	if rc.state != nil {
		out.Epoch = rc.state.Epoch
		if o.deps.Ledger != nil {
			if err := o.deps.Ledger.Finish(ctx, out.Epoch, m, cause); err != nil {
				rc.logger.Warn("failed to record run result", zap.Error(err))
			}
		}
	}
	o.deps.Metrics.RecordRun(status)

	if out.Success {
		rc.logger.Info("orchestration completed", zap.Strings("completed_stages", m.CompletedStages))
	} else {
		rc.logger.Error("orchestration failed",
			zap.String("run_status", status),
			zap.String("resume_from", m.ResumeFrom),
			zap.Error(cause))
	}
	return out
}

// Handle serves orchestrate tasks from the queue. The serialized run state
// is the task result.
func (o *Orchestrator) Handle(ctx context.Context, t task.Task) (agent.Result, error) {
	ot, ok := t.(*task.OrchestrateTask)
	if !ok {
		return agent.Result{}, fmt.Errorf("orchestrator cannot handle %s tasks", t.Header().Type)
	}

	out := o.Orchestrate(ctx, RequestFromTask(ot))
	if !out.Success {
		return agent.Result{}, fmt.Errorf("run %s ended with %s: %w", out.RunID, out.Manifest.RunStatus, out.Err)
	}

	data, err := json.Marshal(out.State)
	if err != nil {
		return agent.Result{}, fmt.Errorf("failed to encode run state: %w", err)
	}
	hash, err := o.deps.Store.Put(ctx, data)
	if err != nil {
		return agent.Result{}, err
	}
	return agent.Result{Hash: hash}, nil
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}
