package moderator

import (
	"context"
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
	"github.com/discernus/discernus/llm"
	"github.com/discernus/discernus/llm/tokenizer"
	"github.com/discernus/discernus/queue"
	"github.com/discernus/discernus/task"
)

const (
	instrumentationName = "github.com/discernus/discernus/moderator"
	subRunSuffix        = ":moderation"

	roundOpening  = "opening"
	roundResponse = "response"
)

var (
	// ErrInvalidRequest 请求缺少必填字段
	ErrInvalidRequest = errors.New("invalid moderation request")

	// ErrReviewCount 某一轮收到的评审数少于预期
	ErrReviewCount = errors.New("review count mismatch")
)

// DefaultReviewers 默认的两位评审
var DefaultReviewers = []string{task.ReviewIdeological, task.ReviewStatistical}

// SubRunID 返回评审子任务使用的运行 ID，与编排器自身的完成列表隔离
func SubRunID(runID string) string {
	return runID + subRunSuffix
}

// Request 一次主持对话的输入
type Request struct {
	RunID           string
	SynthesisHash   string
	FrameworkHashes []string
	Reviewers       []string
	Ideology        string
	Model           string
	ExperimentName  string
}

// RequestFromTask 从 moderation 任务构造请求
func RequestFromTask(t *task.ModerationTask) *Request {
	return &Request{
		RunID:           t.RunID,
		SynthesisHash:   t.SynthesisHash,
		FrameworkHashes: t.FrameworkHashes,
		Reviewers:       t.Reviewers,
		Ideology:        t.Ideology,
		Model:           t.Model,
		ExperimentName:  t.ExperimentName,
	}
}

func (r *Request) validate() error {
	if r.RunID == "" {
		return fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	if r.SynthesisHash == "" {
		return fmt.Errorf("%w: synthesis_hash is required", ErrInvalidRequest)
	}
	if len(r.Reviewers) == 0 {
		r.Reviewers = DefaultReviewers
	}
	return nil
}

// Result 主持对话的产出
type Result struct {
	RunID          string
	AuditTrailHash string
	JSONLHash      string
	MarkdownHash   string
	FinalSynthesis string
	Turns          []Turn
}

// Deps 主持人的协作者。Queue、Store 与 LLM 必填。
type Deps struct {
	Queue     queue.Dispatcher
	Store     artifact.Store
	LLM       llm.Provider
	Tokenizer tokenizer.Tokenizer
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// =============================================================================
// 🎙️ Moderator
// =============================================================================

// Moderator 驱动固定的评审对话：欢迎、开场陈述、相互回应、最终综合，
// 最后写出审计记录。对话不可中途恢复，失败后需整体重来。
type Moderator struct {
	cfg       config.ModeratorConfig
	queue     queue.Dispatcher
	store     artifact.Store
	llm       llm.Provider
	tokenizer tokenizer.Tokenizer
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New 创建主持人。零值配置字段使用默认值。
func New(cfg config.ModeratorConfig, deps Deps) *Moderator {
	def := config.DefaultModeratorConfig()
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.SummaryChars <= 0 {
		cfg.SummaryChars = def.SummaryChars
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Moderator{
		cfg:       cfg,
		queue:     deps.Queue,
		store:     deps.Store,
		llm:       deps.LLM,
		tokenizer: deps.Tokenizer,
		metrics:   deps.Metrics,
		tracer:    otel.Tracer(instrumentationName),
		logger:    deps.Logger.With(zap.String("component", "moderator")),
	}
}

// session 一次对话的工作集
type session struct {
	req    *Request
	subRun string
	epoch  int64
	log    *ConversationLog
	logger *zap.Logger
}

// Moderate 执行完整的主持对话。任何一轮评审数不足都会在最终综合之前
// 中止，且不写出任何审计制品。
func (m *Moderator) Moderate(ctx context.Context, req *Request) (res *Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("moderation panicked", zap.Any("panic", r), zap.Stack("stack"))
			res, err = nil, fmt.Errorf("moderator panic: %v", r)
		}
		status := "completed"
		if err != nil {
			status = "failed"
			if errors.Is(err, ErrReviewCount) {
				status = "review_count_mismatch"
			}
		}
		m.metrics.RecordModeration(status)
	}()

	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "moderator.moderate", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.StringSlice("moderation.reviewers", req.Reviewers),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s := &session{
		req:    req,
		subRun: SubRunID(req.RunID),
		log:    NewConversationLog(),
		logger: m.logger.With(zap.String("run_id", req.RunID)),
	}

	synthesis, frameworks, err := m.loadInputs(ctx, req)
	if err != nil {
		return nil, err
	}

	s.epoch, err = m.queue.BeginAttempt(ctx, s.subRun)
	if err != nil {
		return nil, fmt.Errorf("failed to begin moderation attempt: %w", err)
	}

	// 1. 欢迎
	s.log.Append(SpeakerModerator, TurnWelcome, welcomeMessage(req))

	// 2-3. 开场陈述
	openings, err := m.round(ctx, s, roundOpening, nil)
	if err != nil {
		return nil, err
	}
	for i, content := range openings {
		s.log.Append(speaker(req.Reviewers[i]), TurnOpeningStatement, content)
	}

	// 4. 相互回应
	previous := make([]task.PreviousReview, len(openings))
	for i, content := range openings {
		previous[i] = task.PreviousReview{Reviewer: req.Reviewers[i], Summary: summarize(content, m.cfg.SummaryChars)}
	}
	responses, err := m.round(ctx, s, roundResponse, &task.ConversationContext{PreviousReviews: previous})
	if err != nil {
		return nil, err
	}
	for i, content := range responses {
		s.log.Append(speaker(req.Reviewers[i]), TurnResponse, content)
	}

	// 5. 最终综合
	final, err := m.finalSynthesis(ctx, req.RunID, req.Model, synthesisInput{
		experiment: req.ExperimentName,
		synthesis:  synthesis,
		frameworks: frameworks,
		transcript: string(s.log.Markdown(transcriptTitle(req))),
	})
	if err != nil {
		s.logger.Error("final synthesis failed, discarding conversation", zap.Error(err))
		return nil, err
	}
	s.log.Append(SpeakerModerator, TurnFinalSynthesis, final)

	// 6. 审计记录
	trail, err := writeAuditTrail(ctx, m.store, req.RunID, transcriptTitle(req), s.log)
	if err != nil {
		return nil, err
	}

	s.logger.Info("moderation completed",
		zap.String("audit_trail_hash", trail.Hash),
		zap.Int("turns", s.log.Len()),
		zap.Duration("duration", time.Since(start)))

	return &Result{
		RunID:          req.RunID,
		AuditTrailHash: trail.Hash,
		JSONLHash:      trail.Metadata.JSONLHash,
		MarkdownHash:   trail.Metadata.MarkdownHash,
		FinalSynthesis: final,
		Turns:          s.log.Turns(),
	}, nil
}

func (m *Moderator) loadInputs(ctx context.Context, req *Request) ([]byte, [][]byte, error) {
	synthesis, err := m.store.Get(ctx, req.SynthesisHash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load synthesis report: %w", err)
	}
	frameworks := make([][]byte, 0, len(req.FrameworkHashes))
	for _, h := range req.FrameworkHashes {
		fw, err := m.store.Get(ctx, h)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load framework: %w", err)
		}
		frameworks = append(frameworks, fw)
	}
	return synthesis, frameworks, nil
}

// round 并行发出每位评审的任务并等待全部完成，按评审顺序返回评审内容
func (m *Moderator) round(ctx context.Context, s *session, name string, cc *task.ConversationContext) ([]string, error) {
	ctx, span := m.tracer.Start(ctx, "moderator.round", trace.WithAttributes(attribute.String("moderation.round", name)))
	defer span.End()

	stream := m.queue.Stream(task.TypeReview)
	refs := make([]queue.TaskRef, 0, len(s.req.Reviewers))
	for i, reviewer := range s.req.Reviewers {
		ref, err := m.queue.Enqueue(ctx, stream, &task.ReviewTask{
			Envelope: task.Envelope{
				Type:   task.TypeReview,
				TaskID: fmt.Sprintf("%s_review_%s_%d", s.subRun, name, i),
				RunID:  s.subRun,
				Epoch:  s.epoch,
			},
			SynthesisHash:       s.req.SynthesisHash,
			FrameworkHashes:     s.req.FrameworkHashes,
			ReviewType:          reviewer,
			Ideology:            s.req.Ideology,
			Model:               s.req.Model,
			ConversationContext: cc,
		})
		if err != nil {
			return nil, fmt.Errorf("%s round: %w", name, err)
		}
		refs = append(refs, ref)
	}

	hashes, err := m.queue.AwaitAll(ctx, refs, m.cfg.RoundTimeout)
	if err != nil {
		span.RecordError(err)
		var we *queue.WaitError
		if errors.As(err, &we) {
			s.logger.Error("review round incomplete",
				zap.String("round", name),
				zap.Int("received", we.Received),
				zap.Int("expected", len(refs)),
				zap.Strings("pending", we.Pending))
			return nil, fmt.Errorf("%w: %s round received %d of %d reviews: %w", ErrReviewCount, name, we.Received, len(refs), err)
		}
		return nil, fmt.Errorf("%s round: %w", name, err)
	}

	contents := make([]string, len(hashes))
	for i, h := range hashes {
		data, err := m.store.Get(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("%s round: failed to load review: %w", name, err)
		}
		rr, err := task.DecodeReviewResult(data)
		if err != nil {
			return nil, fmt.Errorf("%s round: %w", name, err)
		}
		contents[i] = rr.ReviewContent
	}
	return contents, nil
}

// Handle 处理 moderation 任务，结果哈希为 audit_trail_hash
func (m *Moderator) Handle(ctx context.Context, t task.Task) (agent.Result, error) {
	mt, ok := t.(*task.ModerationTask)
	if !ok {
		return agent.Result{}, fmt.Errorf("moderator cannot handle %s tasks", t.Header().Type)
	}
	res, err := m.Moderate(ctx, RequestFromTask(mt))
	if err != nil {
		return agent.Result{}, err
	}
	model := mt.Model
	if model == "" {
		model = m.cfg.Model
	}
	return agent.Result{Hash: res.AuditTrailHash, Model: model}, nil
}

func speaker(reviewer string) string {
	return reviewer + "_reviewer"
}

// summarize 取前 n 个字符
func summarize(content string, n int) string {
	r := []rune(content)
	if len(r) <= n {
		return content
	}
	return string(r[:n])
}

func transcriptTitle(req *Request) string {
	if req.ExperimentName != "" {
		return "Review panel: " + req.ExperimentName
	}
	return "Review panel: " + req.RunID
}

func welcomeMessage(req *Request) string {
	names := make([]string, len(req.Reviewers))
	for i, r := range req.Reviewers {
		names[i] = speaker(r)
	}
	subject := req.ExperimentName
	if subject == "" {
		subject = "run " + req.RunID
	}
	return fmt.Sprintf("Welcome to the review panel for %s. Participants: %s. "+
		"Each reviewer gives an opening statement, then responds to the others, "+
		"and the moderator closes with a final synthesis.", subject, strings.Join(names, ", "))
}
