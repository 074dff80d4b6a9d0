package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/discernus/discernus/artifact"
	"github.com/discernus/discernus/queue"
	"github.com/discernus/discernus/task"
	"github.com/discernus/discernus/testutil"
)

type workerEnv struct {
	client *redis.Client
	queue  *queue.RedisQueue
	store  *artifact.MemoryStore
	worker *Worker
}

func setupWorker(t *testing.T) *workerEnv {
	t.Helper()
	_, client := testutil.NewRedis(t)
	q := queue.NewRedisQueue(client, queue.Options{}, zap.NewNop())
	w := NewWorker(q, WorkerConfig{Group: "agents", Consumer: "w1", Block: 100 * time.Millisecond}, nil, zap.NewNop())
	return &workerEnv{client: client, queue: q, store: artifact.NewMemoryStore(), worker: w}
}

func (e *workerEnv) enqueueSynthesis(t *testing.T, id string) queue.TaskRef {
	t.Helper()
	ctx := context.Background()
	stream := e.queue.Stream(task.TypeSynthesis)
	require.NoError(t, e.queue.EnsureGroup(ctx, stream, "agents"))

	ref, err := e.queue.Enqueue(ctx, stream, &task.SynthesisTask{
		Envelope:       task.Envelope{Type: task.TypeSynthesis, TaskID: id, RunID: "r1"},
		AnalysisHashes: []string{"a1"},
	})
	require.NoError(t, err)
	return ref
}

func (e *workerEnv) consumeOne(t *testing.T) queue.Delivery {
	t.Helper()
	ds, err := e.queue.Consume(context.Background(), "agents", "w1", 0, e.queue.Stream(task.TypeSynthesis))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func (e *workerEnv) pending(t *testing.T) int64 {
	t.Helper()
	p, err := e.client.XPending(context.Background(), e.queue.Stream(task.TypeSynthesis), "agents").Result()
	require.NoError(t, err)
	return p.Count
}

func synthesisHandler(store artifact.Store) Handler {
	return HandlerFunc(func(ctx context.Context, t task.Task) (Result, error) {
		st := t.(*task.SynthesisTask)
		hash, err := store.Put(ctx, []byte("synthesis of "+st.AnalysisHashes[0]))
		return Result{Hash: hash, Model: "mock-model"}, err
	})
}

func TestWorker_ProcessCompletes(t *testing.T) {
	env := setupWorker(t)
	env.worker.Register(task.TypeSynthesis, synthesisHandler(env.store))

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	env.worker.Process(context.Background(), env.consumeOne(t))

	rec, err := env.queue.Record(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.RecordCompleted, rec.Status)
	assert.Equal(t, "mock-model", rec.ModelUsed)
	assert.True(t, env.store.Exists(context.Background(), rec.ResultHash))
	assert.Zero(t, env.pending(t))
}

func TestWorker_ProcessHandlerError(t *testing.T) {
	env := setupWorker(t)
	env.worker.Register(task.TypeSynthesis, HandlerFunc(func(context.Context, task.Task) (Result, error) {
		return Result{}, errors.New("model refused")
	}))

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	env.worker.Process(context.Background(), env.consumeOne(t))

	rec, err := env.queue.Record(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.RecordFailed, rec.Status)
	assert.Equal(t, "model refused", rec.Error)
	assert.Zero(t, env.pending(t))
}

func TestWorker_ProcessRecoversPanic(t *testing.T) {
	env := setupWorker(t)
	env.worker.Register(task.TypeSynthesis, HandlerFunc(func(context.Context, task.Task) (Result, error) {
		panic("nil map")
	}))

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	env.worker.Process(context.Background(), env.consumeOne(t))

	rec, err := env.queue.Record(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.RecordFailed, rec.Status)
	assert.Contains(t, rec.Error, "handler panic")
}

func TestWorker_ProcessEmptyHashFails(t *testing.T) {
	env := setupWorker(t)
	env.worker.Register(task.TypeSynthesis, HandlerFunc(func(context.Context, task.Task) (Result, error) {
		return Result{}, nil
	}))

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	env.worker.Process(context.Background(), env.consumeOne(t))

	rec, err := env.queue.Record(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.RecordFailed, rec.Status)
}

func TestWorker_ProcessUnknownTypeIsAcked(t *testing.T) {
	env := setupWorker(t)

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	env.worker.Process(context.Background(), env.consumeOne(t))

	_, err := env.queue.Record(context.Background(), ref.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Zero(t, env.pending(t))
}

func TestWorker_ProcessUndecodableIsAcked(t *testing.T) {
	env := setupWorker(t)
	ctx := context.Background()
	stream := env.queue.Stream(task.TypeSynthesis)
	require.NoError(t, env.queue.EnsureGroup(ctx, stream, "agents"))
	require.NoError(t, env.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"payload": "{"},
	}).Err())

	d := env.consumeOne(t)
	require.Error(t, d.Err)
	env.worker.Process(ctx, d)
	assert.Zero(t, env.pending(t))
}

func TestWorker_ProcessInterruptedStaysPending(t *testing.T) {
	env := setupWorker(t)
	env.worker.Register(task.TypeSynthesis, HandlerFunc(func(ctx context.Context, _ task.Task) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	d := env.consumeOne(t)

	env.worker.Process(testutil.CancelledContext(), d)

	_, err := env.queue.Record(context.Background(), ref.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Equal(t, int64(1), env.pending(t))
}

// unsignalledReceiver loses every completion write.
type unsignalledReceiver struct {
	*queue.RedisQueue
}

func (unsignalledReceiver) Complete(context.Context, *queue.CompletionRecord) error {
	return errors.New("connection reset")
}

func TestWorker_ProcessUnsignalledStaysPending(t *testing.T) {
	env := setupWorker(t)
	w := NewWorker(unsignalledReceiver{env.queue}, WorkerConfig{Group: "agents", Consumer: "w1"}, nil, zap.NewNop())
	w.Register(task.TypeSynthesis, synthesisHandler(env.store))

	env.enqueueSynthesis(t, "r1_synthesis")
	w.Process(context.Background(), env.consumeOne(t))

	assert.Equal(t, int64(1), env.pending(t))
}

func TestWorker_CompletionSurvivesShutdown(t *testing.T) {
	env := setupWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.worker.Register(task.TypeSynthesis, HandlerFunc(func(hctx context.Context, t task.Task) (Result, error) {
		res, err := synthesisHandler(env.store).Handle(hctx, t)
		cancel()
		return res, err
	}))

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	env.worker.Process(ctx, env.consumeOne(t))

	rec, err := env.queue.Record(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.RecordCompleted, rec.Status)
	assert.Zero(t, env.pending(t))
}

func TestWorker_ReclaimsIdleDelivery(t *testing.T) {
	env := setupWorker(t)
	ctx := context.Background()

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	// 另一个消费者读取后退出，未确认
	ds, err := env.queue.Consume(ctx, "agents", "gone", 0, env.queue.Stream(task.TypeSynthesis))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, int64(1), env.pending(t))

	w := NewWorker(env.queue, WorkerConfig{Group: "agents", Consumer: "w1", ClaimIdle: 10 * time.Millisecond}, nil, zap.NewNop())
	w.Register(task.TypeSynthesis, synthesisHandler(env.store))

	time.Sleep(50 * time.Millisecond)
	w.reclaim(ctx, env.queue.Stream(task.TypeSynthesis))

	rec, err := env.queue.Record(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.RecordCompleted, rec.Status)
	assert.Zero(t, env.pending(t))
}

func TestWorker_RunReclaimsIdleDelivery(t *testing.T) {
	env := setupWorker(t)
	ref := env.enqueueSynthesis(t, "r1_synthesis")
	_, err := env.queue.Consume(context.Background(), "agents", "gone", 0, env.queue.Stream(task.TypeSynthesis))
	require.NoError(t, err)

	w := NewWorker(env.queue, WorkerConfig{
		Group:     "agents",
		Consumer:  "w1",
		Block:     50 * time.Millisecond,
		ClaimIdle: 20 * time.Millisecond,
	}, nil, zap.NewNop())
	w.Register(task.TypeSynthesis, synthesisHandler(env.store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	testutil.AssertEventuallyTrue(t, func() bool {
		rec, err := env.queue.Record(context.Background(), ref.ID)
		return err == nil && rec.Status == queue.RecordCompleted
	}, 5*time.Second)
	assert.True(t, testutil.WaitFor(func() bool { return env.pending(t) == 0 }, time.Second))
}

func TestWorker_ProcessJoinsEnqueueTrace(t *testing.T) {
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})

	env := setupWorker(t)
	w := NewWorker(env.queue, WorkerConfig{Group: "agents", Consumer: "w1"}, nil, zap.NewNop())
	w.Register(task.TypeSynthesis, synthesisHandler(env.store))

	stream := env.queue.Stream(task.TypeSynthesis)
	require.NoError(t, env.queue.EnsureGroup(context.Background(), stream, "agents"))
	ctx, submit := tp.Tracer("test").Start(context.Background(), "submit")
	_, err := env.queue.Enqueue(ctx, stream, &task.SynthesisTask{
		Envelope:       task.Envelope{Type: task.TypeSynthesis, TaskID: "r1_synthesis", RunID: "r1"},
		AnalysisHashes: []string{"a1"},
	})
	require.NoError(t, err)
	submit.End()

	w.Process(context.Background(), env.consumeOne(t))

	var process sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "worker.process" {
			process = s
		}
	}
	require.NotNil(t, process)
	assert.Equal(t, submit.SpanContext().TraceID(), process.SpanContext().TraceID())
	assert.Equal(t, submit.SpanContext().SpanID(), process.Parent().SpanID())
}

func TestWorker_RunRoutesByType(t *testing.T) {
	env := setupWorker(t)
	env.worker.Register(task.TypeSynthesis, synthesisHandler(env.store))
	env.worker.Register(task.TypeReport, HandlerFunc(func(ctx context.Context, t task.Task) (Result, error) {
		hash, err := env.store.Put(ctx, []byte("report"))
		return Result{Hash: hash}, err
	}))
	assert.Equal(t, []task.Type{task.TypeSynthesis, task.TypeReport}, env.worker.Types())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.worker.Run(ctx) }()

	ref := env.enqueueSynthesis(t, "r1_synthesis")
	rec, err := env.queue.AwaitCompletion(context.Background(), ref, 5*time.Second)
	require.NoError(t, err)

	data, err := env.store.Get(context.Background(), rec.ResultHash)
	require.NoError(t, err)
	assert.Equal(t, "synthesis of a1", string(data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_RunWithoutHandlers(t *testing.T) {
	env := setupWorker(t)
	assert.Error(t, env.worker.Run(context.Background()))
}
