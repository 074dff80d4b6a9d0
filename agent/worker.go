package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/discernus/discernus/internal/ctxkeys"
	"github.com/discernus/discernus/internal/metrics"
	"github.com/discernus/discernus/queue"
	"github.com/discernus/discernus/task"
)

// Result 是处理器完成任务后返回的结果
type Result struct {
	// Hash 是结果制品在制品存储中的哈希
	Hash string
	// Model 是实际使用的模型，可为空
	Model string
}

// Handler 处理某一类型的任务。实现者负责把结果写入制品存储并返回其哈希。
type Handler interface {
	Handle(ctx context.Context, t task.Task) (Result, error)
}

// HandlerFunc 允许普通函数作为 Handler 使用
type HandlerFunc func(ctx context.Context, t task.Task) (Result, error)

// Handle 调用 f(ctx, t)
func (f HandlerFunc) Handle(ctx context.Context, t task.Task) (Result, error) {
	return f(ctx, t)
}

// WorkerConfig 工作者配置
type WorkerConfig struct {
	// Group 消费者组名，同组内的工作者分摊任务
	Group string
	// Consumer 本工作者在组内的名字
	Consumer string
	// Block 单次读取的阻塞时长
	Block time.Duration
	// RetryDelay 读取失败后的等待时长
	RetryDelay time.Duration
	// ClaimIdle 未确认超过该时长的投递会被本工作者接管，0 表示不接管
	ClaimIdle time.Duration
}

// DefaultWorkerConfig 返回默认工作者配置
func DefaultWorkerConfig() WorkerConfig {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return WorkerConfig{
		Group:      "discernus-agents",
		Consumer:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		Block:      5 * time.Second,
		RetryDelay: time.Second,
		ClaimIdle:  5 * time.Minute,
	}
}

// =============================================================================
// 🛠️ Worker
// =============================================================================

// Worker 从任务流消费任务，按声明的 type 路由到已注册的 Handler，
// 并通过完成列表发出完成或失败信号。每种任务类型一个消费循环。
type Worker struct {
	receiver  queue.Receiver
	cfg       WorkerConfig
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers map[task.Type]Handler
}

// NewWorker 创建工作者。零值配置字段使用默认值。
func NewWorker(receiver queue.Receiver, cfg WorkerConfig, collector *metrics.Collector, logger *zap.Logger) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.Consumer == "" {
		cfg.Consumer = def.Consumer
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ClaimIdle < 0 {
		cfg.ClaimIdle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		receiver:  receiver,
		cfg:       cfg,
		collector: collector,
		tracer:    otel.Tracer("github.com/discernus/discernus/agent"),
		logger:    logger.With(zap.String("component", "worker"), zap.String("consumer", cfg.Consumer)),
		handlers:  make(map[task.Type]Handler),
	}
}

// Register 为任务类型注册处理器，重复注册会覆盖
func (w *Worker) Register(typ task.Type, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[typ] = h
}

// Types 返回已注册的任务类型
func (w *Worker) Types() []task.Type {
	w.mu.RLock()
	defer w.mu.RUnlock()

	types := make([]task.Type, 0, len(w.handlers))
	for _, typ := range task.Types {
		if _, ok := w.handlers[typ]; ok {
			types = append(types, typ)
		}
	}
	return types
}

func (w *Worker) handler(typ task.Type) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[typ]
	return h, ok
}

// Run 为每种已注册类型启动一个消费循环，直到 ctx 取消。
// ctx 取消时返回 nil。
func (w *Worker) Run(ctx context.Context) error {
	types := w.Types()
	if len(types) == 0 {
		return errors.New("worker has no registered handlers")
	}

	for _, typ := range types {
		if err := w.receiver.EnsureGroup(ctx, w.receiver.Stream(typ), w.cfg.Group); err != nil {
			return err
		}
	}

	w.logger.Info("worker started",
		zap.String("group", w.cfg.Group),
		zap.Int("types", len(types)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range types {
		stream := w.receiver.Stream(typ)
		g.Go(func() error {
			return w.loop(gctx, stream)
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, stream string) error {
	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}

		if w.cfg.ClaimIdle > 0 && time.Since(lastClaim) >= w.cfg.ClaimIdle/2 {
			lastClaim = time.Now()
			w.reclaim(ctx, stream)
		}

		deliveries, err := w.receiver.Consume(ctx, w.cfg.Group, w.cfg.Consumer, w.cfg.Block, stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("consume failed", zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.RetryDelay):
			}
			continue
		}

		for _, d := range deliveries {
			w.Process(ctx, d)
		}
	}
}

// reclaim 接管其他消费者遗留的未确认投递，直到没有可接管的为止
func (w *Worker) reclaim(ctx context.Context, stream string) {
	for ctx.Err() == nil {
		ds, err := w.receiver.Claim(ctx, w.cfg.Group, w.cfg.Consumer, w.cfg.ClaimIdle, stream)
		if err != nil {
			w.logger.Warn("claim failed", zap.String("stream", stream), zap.Error(err))
			return
		}
		if len(ds) == 0 {
			return
		}
		for _, d := range ds {
			w.logger.Info("claimed idle delivery",
				zap.String("stream", d.Stream),
				zap.String("entry_id", d.EntryID),
			)
			w.Process(ctx, d)
		}
	}
}

// Process 处理单个投递：调用处理器、发出完成或失败信号，信号写入成功后才确认。
// 无法解码或没有处理器的任务直接确认并记录日志。处理器因 ctx 取消而中断、
// 或信号写入失败时不确认，投递留在待处理列表中等待接管。
func (w *Worker) Process(ctx context.Context, d queue.Delivery) {
	if d.Err != nil {
		w.logger.Error("dropping undecodable task",
			zap.String("stream", d.Stream),
			zap.String("entry_id", d.EntryID),
			zap.Error(d.Err),
		)
		w.ack(ctx, d)
		return
	}

	ref := queue.RefOf(d.Task)
	ref.Stream, ref.EntryID = d.Stream, d.EntryID

	h, ok := w.handler(ref.Type)
	if !ok {
		w.logger.Error("no handler for task type",
			zap.String("type", string(ref.Type)),
			zap.String("task_id", ref.ID),
		)
		w.ack(ctx, d)
		return
	}

	// 接续 Enqueue 时注入的链路
	tctx, span := w.tracer.Start(d.TraceContext(ctx), "worker.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", ref.ID),
			attribute.String("task.type", string(ref.Type)),
			attribute.String("run.id", ref.RunID),
		))
	defer span.End()

	start := time.Now()
	log := w.logger.With(
		zap.String("task_id", ref.ID),
		zap.String("run_id", ref.RunID),
		zap.String("type", string(ref.Type)),
	)
	log.Info("task started")

	res, err := w.invoke(ctxkeys.WithTask(tctx, ref.RunID, ref.ID), h, d.Task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	}

	// 信号必须落地，即便工作者正在退出
	sctx := context.WithoutCancel(ctx)

	if err != nil {
		if ctx.Err() != nil {
			w.collector.RecordTaskHandled(string(ref.Type), "interrupted", time.Since(start))
			log.Warn("task interrupted, leaving delivery pending", zap.Error(err))
			return
		}
		w.collector.RecordTaskHandled(string(ref.Type), "failed", time.Since(start))
		log.Warn("task failed", zap.Error(err))
		if ferr := w.receiver.Fail(sctx, ref, err.Error()); ferr != nil && !w.settled(log, ferr) {
			return
		}
		w.ack(ctx, d)
		return
	}

	rec := &queue.CompletionRecord{
		OriginalTaskID: ref.ID,
		ResultHash:     res.Hash,
		TaskType:       ref.Type,
		ModelUsed:      res.Model,
		RunID:          ref.RunID,
		Epoch:          ref.Epoch,
	}
	if err := w.receiver.Complete(sctx, rec); err != nil {
		w.collector.RecordTaskHandled(string(ref.Type), "unsignalled", time.Since(start))
		if w.settled(log, err) {
			w.ack(ctx, d)
		}
		return
	}

	w.collector.RecordTaskHandled(string(ref.Type), "completed", time.Since(start))
	log.Info("task completed",
		zap.String("result_hash", res.Hash),
		zap.Duration("duration", time.Since(start)),
	)
	w.ack(ctx, d)
}

// invoke 调用处理器，处理器 panic 会被转换为错误
func (w *Worker) invoke(ctx context.Context, h Handler, t task.Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	res, err = h.Handle(ctx, t)
	if err == nil && res.Hash == "" {
		err = errors.New("handler returned no result hash")
	}
	return res, err
}

// settled 判断信号写入失败后投递能否确认：被新一轮尝试取代的任务可以，
// 其余错误保留投递
func (w *Worker) settled(log *zap.Logger, err error) bool {
	if errors.Is(err, queue.ErrStaleCompletion) {
		log.Warn("task superseded by a newer attempt", zap.Error(err))
		return true
	}
	log.Error("failed to signal task outcome, leaving delivery pending", zap.Error(err))
	return false
}

func (w *Worker) ack(ctx context.Context, d queue.Delivery) {
	if err := w.receiver.Ack(context.WithoutCancel(ctx), w.cfg.Group, d); err != nil {
		w.logger.Warn("ack failed",
			zap.String("stream", d.Stream),
			zap.String("entry_id", d.EntryID),
			zap.Error(err),
		)
	}
}
