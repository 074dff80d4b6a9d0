package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/task"
)

// Options configures a RedisQueue.
type Options struct {
	// StreamPrefix is prepended to the task type to name its stream
	StreamPrefix string
	// DoneStream receives every completion record
	DoneStream string
	// MaxLen caps streams approximately; zero leaves them unbounded
	MaxLen int64
	// StatusTTL bounds the lifetime of task keys and completion lists
	StatusTTL time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultQueueConfig())
}

// OptionsFromConfig maps the queue configuration section.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		StreamPrefix: cfg.StreamPrefix,
		DoneStream:   cfg.DoneStream,
		MaxLen:       cfg.MaxLen,
		StatusTTL:    cfg.StatusTTL,
	}
}

// completeScript records a completion atomically, refusing it when the task
// was re-enqueued under a different epoch since the agent picked it up.
var completeScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[5])
if ARGV[3] ~= '' then
  redis.call('SET', KEYS[3], ARGV[3], 'EX', ARGV[5])
end
redis.call('SET', KEYS[4], ARGV[4], 'EX', ARGV[5])
redis.call('RPUSH', KEYS[5], ARGV[6])
redis.call('EXPIRE', KEYS[5], ARGV[5])
local fields = {'original_task_id', ARGV[6], 'result_hash', ARGV[3], 'status', ARGV[8],
  'task_type', ARGV[9], 'model_used', ARGV[10], 'run_id', ARGV[11], 'epoch', ARGV[1],
  'completed_at', ARGV[12]}
if ARGV[7] ~= '0' then
  redis.call('XADD', KEYS[6], 'MAXLEN', '~', ARGV[7], '*', unpack(fields))
else
  redis.call('XADD', KEYS[6], '*', unpack(fields))
end
return 1
`)

// RedisQueue implements Dispatcher and Receiver on Redis streams, lists and keys.
type RedisQueue struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

// NewRedisQueue creates a queue on client. Zero option fields take defaults.
func NewRedisQueue(client *redis.Client, opts Options, logger *zap.Logger) *RedisQueue {
	def := DefaultOptions()
	if opts.StreamPrefix == "" {
		opts.StreamPrefix = def.StreamPrefix
	}
	if opts.DoneStream == "" {
		opts.DoneStream = def.DoneStream
	}
	if opts.StatusTTL < time.Second {
		opts.StatusTTL = def.StatusTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		logger: logger.With(zap.String("component", "queue")),
	}
}

// Stream returns the stream name for a task type.
func (q *RedisQueue) Stream(typ task.Type) string {
	return q.opts.StreamPrefix + string(typ)
}

// DoneStream returns the name of the completion record stream.
func (q *RedisQueue) DoneStream() string {
	return q.opts.DoneStream
}

// =============================================================================
// Dispatch
// =============================================================================

// BeginAttempt bumps the run epoch and drains the completion list so ids
// left over from an earlier attempt cannot satisfy this one.
func (q *RedisQueue) BeginAttempt(ctx context.Context, runID string) (int64, error) {
	pipe := q.client.TxPipeline()
	incr := pipe.Incr(ctx, RunEpochKey(runID))
	pipe.Expire(ctx, RunEpochKey(runID), q.opts.StatusTTL)
	drained := pipe.Del(ctx, DoneListKey(runID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("begin attempt for run %s: %w", runID, err)
	}

	q.logger.Debug("run attempt started",
		zap.String("run_id", runID),
		zap.Int64("epoch", incr.Val()),
		zap.Bool("drained", drained.Val() > 0),
	)
	return incr.Val(), nil
}

// CurrentEpoch returns the latest attempt epoch of runID, zero if none.
func (q *RedisQueue) CurrentEpoch(ctx context.Context, runID string) (int64, error) {
	v, err := q.client.Get(ctx, RunEpochKey(runID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read epoch for run %s: %w", runID, err)
	}
	return v, nil
}

// Enqueue clears any stale keys for the task id, then publishes the descriptor.
func (q *RedisQueue) Enqueue(ctx context.Context, stream string, t task.Task) (TaskRef, error) {
	h := t.Header()
	if h.TaskID == "" {
		h.TaskID = uuid.NewString()
	}

	payload, err := task.Marshal(t)
	if err != nil {
		return TaskRef{}, fmt.Errorf("%w: %s: %w", ErrEnqueue, h.TaskID, err)
	}

	id := h.TaskID
	values := map[string]any{
		"type":    string(h.Type),
		"task_id": id,
		"run_id":  h.RunID,
		"payload": payload,
	}
	// the consuming worker continues the caller's trace
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		if tc, err := json.Marshal(carrier); err == nil {
			values["trace"] = string(tc)
		}
	}

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, StatusKey(id), ResultKey(id), RecordKey(id))
	pipe.Set(ctx, TaskEpochKey(id), h.Epoch, q.opts.StatusTTL)
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.opts.MaxLen,
		Approx: q.opts.MaxLen > 0,
		Values: values,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return TaskRef{}, fmt.Errorf("%w: %s on %s: %w", ErrEnqueue, id, stream, err)
	}
	if add.Val() == "" {
		return TaskRef{}, fmt.Errorf("%w: %s on %s: no stream id returned", ErrEnqueue, id, stream)
	}

	ref := TaskRef{
		ID:      id,
		RunID:   h.RunID,
		Type:    h.Type,
		Epoch:   h.Epoch,
		Stream:  stream,
		EntryID: add.Val(),
	}

	q.logger.Info("task enqueued",
		zap.String("task_id", id),
		zap.String("type", string(h.Type)),
		zap.String("run_id", h.RunID),
		zap.Int64("epoch", h.Epoch),
		zap.String("stream", stream),
	)
	return ref, nil
}

// AwaitCompletion blocks until ref completes or timeout elapses.
func (q *RedisQueue) AwaitCompletion(ctx context.Context, ref TaskRef, timeout time.Duration) (*CompletionRecord, error) {
	got, err := q.await(ctx, []TaskRef{ref}, timeout)
	if err != nil {
		return nil, err
	}
	return got[ref.ID], nil
}

// AwaitAll waits for every ref. Hashes come back in ref order; on failure
// the completed entries are filled and the rest are empty.
func (q *RedisQueue) AwaitAll(ctx context.Context, refs []TaskRef, timeout time.Duration) ([]string, error) {
	got, err := q.await(ctx, refs, timeout)

	hashes := make([]string, len(refs))
	for i, ref := range refs {
		if rec, ok := got[ref.ID]; ok {
			hashes[i] = rec.ResultHash
		}
	}
	return hashes, err
}

func (q *RedisQueue) await(ctx context.Context, refs []TaskRef, timeout time.Duration) (map[string]*CompletionRecord, error) {
	received := make(map[string]*CompletionRecord, len(refs))
	if len(refs) == 0 {
		return received, nil
	}

	runID, epoch := refs[0].RunID, refs[0].Epoch
	pending := make(map[string]TaskRef, len(refs))
	for _, ref := range refs {
		if ref.RunID != runID {
			return received, fmt.Errorf("await across runs %s and %s is not supported", runID, ref.RunID)
		}
		pending[ref.ID] = ref
	}

	deadline := time.Now().Add(timeout)
	doneKey := DoneListKey(runID)

	// Fast path: tasks that finished before we started waiting.
	for _, ref := range refs {
		rec, err := q.completion(ctx, ref)
		if err != nil {
			return received, err
		}
		if rec == nil {
			continue
		}
		if err := q.client.LRem(ctx, doneKey, 1, ref.ID).Err(); err != nil {
			q.logger.Warn("failed to remove fast-path id from completion list",
				zap.String("task_id", ref.ID), zap.Error(err))
		}
		if rec.Status == RecordFailed {
			return received, &TaskFailedError{TaskID: ref.ID, Reason: rec.Error}
		}
		received[ref.ID] = rec
		delete(pending, ref.ID)
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return received, fmt.Errorf("await completion on run %s: %w", runID, err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return received, &WaitError{
				Pending:  pendingIDs(refs, pending),
				Received: len(received),
				Timeout:  timeout,
			}
		}

		id, err := q.popDone(ctx, doneKey, blockFor(remaining))
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return received, fmt.Errorf("await completion on run %s: %w", runID, ctxErr)
			}
			return received, fmt.Errorf("await completion on run %s: %w", runID, err)
		}

		ref, ok := pending[id]
		if !ok {
			if _, dup := received[id]; dup {
				continue
			}
			if q.stale(ctx, id, epoch) {
				q.logger.Warn("discarding completion from an earlier attempt",
					zap.String("run_id", runID), zap.String("task_id", id), zap.Int64("epoch", epoch))
				continue
			}
			return received, &ProtocolViolationError{Awaiting: pendingIDs(refs, pending), Got: id}
		}

		rec, err := q.completion(ctx, ref)
		if err != nil {
			return received, err
		}
		if rec == nil {
			return received, fmt.Errorf("%w: %s was signalled without a status for epoch %d", ErrNotFound, id, ref.Epoch)
		}
		if rec.Status == RecordFailed {
			return received, &TaskFailedError{TaskID: id, Reason: rec.Error}
		}
		received[id] = rec
		delete(pending, id)
	}

	return received, nil
}

// completion reads the finish state of ref from task:{id}:status and
// task:{id}:result_hash. The JSON record, when an agent wrote one, adds the
// epoch, model and failure reason. A nil record means not finished yet.
func (q *RedisQueue) completion(ctx context.Context, ref TaskRef) (*CompletionRecord, error) {
	vals, err := q.client.MGet(ctx, StatusKey(ref.ID), ResultKey(ref.ID), RecordKey(ref.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read completion of %s: %w", ref.ID, err)
	}
	status, _ := vals[0].(string)
	hash, _ := vals[1].(string)
	raw, _ := vals[2].(string)
	if status == "" {
		return nil, nil
	}

	rec := &CompletionRecord{
		OriginalTaskID: ref.ID,
		TaskType:       ref.Type,
		RunID:          ref.RunID,
		Epoch:          ref.Epoch,
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, fmt.Errorf("decode completion record %s: %w", ref.ID, err)
		}
		if rec.Epoch != ref.Epoch {
			return nil, nil
		}
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	switch status {
	case StatusDone:
		rec.Status = RecordCompleted
		if hash != "" {
			rec.ResultHash = hash
		}
		if rec.ResultHash == "" {
			return nil, fmt.Errorf("%w: %s is done without a result hash", ErrNotFound, ref.ID)
		}
		return rec, nil
	case StatusFailed:
		rec.Status = RecordFailed
		if rec.Error == "" {
			rec.Error = "agent reported failure"
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("task %s has unknown status %q", ref.ID, status)
	}
}

// popDone is BLPOP with a sub-second capable timeout.
func (q *RedisQueue) popDone(ctx context.Context, key string, block time.Duration) (string, error) {
	secs := strconv.FormatFloat(block.Seconds(), 'f', 3, 64)
	res, err := q.client.Do(ctx, "blpop", key, secs).StringSlice()
	if err != nil {
		return "", err
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected blpop reply %v", res)
	}
	return res[1], nil
}

// stale reports whether a popped id belongs to an attempt older than epoch.
// Ids nobody enqueued are treated as leftovers.
func (q *RedisQueue) stale(ctx context.Context, id string, epoch int64) bool {
	if rec, err := q.Record(ctx, id); err == nil {
		return rec.Epoch < epoch
	}
	e, err := q.client.Get(ctx, TaskEpochKey(id)).Int64()
	if err != nil {
		return true
	}
	return e < epoch
}

// Single blocks stay short so a cancelled ctx is noticed between them.
const (
	maxBlock = time.Second
	minBlock = 10 * time.Millisecond
)

// blockFor clamps one BLPOP to the remaining deadline.
func blockFor(remaining time.Duration) time.Duration {
	switch {
	case remaining > maxBlock:
		return maxBlock
	case remaining < minBlock:
		return minBlock
	default:
		return remaining
	}
}

func pendingIDs(refs []TaskRef, pending map[string]TaskRef) []string {
	ids := make([]string, 0, len(pending))
	for _, ref := range refs {
		if _, ok := pending[ref.ID]; ok {
			ids = append(ids, ref.ID)
		}
	}
	return ids
}

// Record returns the completion record of a task.
func (q *RedisQueue) Record(ctx context.Context, taskID string) (*CompletionRecord, error) {
	data, err := q.client.Get(ctx, RecordKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("read completion record %s: %w", taskID, err)
	}

	var rec CompletionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode completion record %s: %w", taskID, err)
	}
	return &rec, nil
}

// =============================================================================
// Agent side
// =============================================================================

// EnsureGroup creates the consumer group (and stream) if missing.
func (q *RedisQueue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Consume reads at most one new entry per stream for consumer. A block of
// zero or less polls without blocking.
func (q *RedisQueue) Consume(ctx context.Context, group, consumer string, block time.Duration, streams ...string) ([]Delivery, error) {
	if len(streams) == 0 {
		return nil, nil
	}

	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	if block <= 0 {
		block = -1
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", group, err)
	}

	var out []Delivery
	for _, s := range res {
		out = append(out, deliveries(s.Stream, s.Messages)...)
	}
	return out, nil
}

// Claim takes over at most one entry of stream that another consumer read
// but left unacknowledged for at least minIdle.
func (q *RedisQueue) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, stream string) ([]Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim on %s for %s: %w", stream, group, err)
	}
	return deliveries(stream, msgs), nil
}

func deliveries(stream string, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		d := Delivery{Stream: stream, EntryID: msg.ID}
		raw, _ := msg.Values["payload"].(string)
		d.Task, d.Err = task.Unmarshal([]byte(raw))
		if tc, ok := msg.Values["trace"].(string); ok {
			_ = json.Unmarshal([]byte(tc), &d.Trace)
		}
		out = append(out, d)
	}
	return out
}

// Ack acknowledges a delivery for group.
func (q *RedisQueue) Ack(ctx context.Context, group string, d Delivery) error {
	if err := q.client.XAck(ctx, d.Stream, group, d.EntryID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", d.EntryID, d.Stream, err)
	}
	return nil
}

// Complete writes the status keys, pushes the task id onto the run's
// completion list and appends the record to the done stream, atomically.
func (q *RedisQueue) Complete(ctx context.Context, rec *CompletionRecord) error {
	if rec.OriginalTaskID == "" || rec.RunID == "" {
		return fmt.Errorf("completion record needs original_task_id and run_id")
	}
	if rec.Status == "" {
		rec.Status = RecordCompleted
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	status := StatusDone
	if rec.Status == RecordFailed {
		status = StatusFailed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode completion record: %w", err)
	}

	id := rec.OriginalTaskID
	keys := []string{
		TaskEpochKey(id),
		StatusKey(id),
		ResultKey(id),
		RecordKey(id),
		DoneListKey(rec.RunID),
		q.opts.DoneStream,
	}
	args := []any{
		strconv.FormatInt(rec.Epoch, 10),
		status,
		rec.ResultHash,
		string(data),
		strconv.FormatInt(int64(q.opts.StatusTTL/time.Second), 10),
		id,
		strconv.FormatInt(q.opts.MaxLen, 10),
		rec.Status,
		string(rec.TaskType),
		rec.ModelUsed,
		rec.RunID,
		rec.CompletedAt.Format(time.RFC3339Nano),
	}

	applied, err := completeScript.Run(ctx, q.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("record completion of %s: %w", id, err)
	}
	if applied == 0 {
		return fmt.Errorf("%w: task %s epoch %d", ErrStaleCompletion, id, rec.Epoch)
	}

	q.logger.Info("task completion recorded",
		zap.String("task_id", id),
		zap.String("run_id", rec.RunID),
		zap.String("status", rec.Status),
		zap.String("result_hash", rec.ResultHash),
	)
	return nil
}

// Fail records that an agent gave up on ref.
func (q *RedisQueue) Fail(ctx context.Context, ref TaskRef, reason string) error {
	return q.Complete(ctx, &CompletionRecord{
		OriginalTaskID: ref.ID,
		Status:         RecordFailed,
		TaskType:       ref.Type,
		RunID:          ref.RunID,
		Epoch:          ref.Epoch,
		Error:          reason,
	})
}

var (
	_ Dispatcher = (*RedisQueue)(nil)
	_ Receiver   = (*RedisQueue)(nil)
)
