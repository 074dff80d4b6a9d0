// Package queue is the control plane between orchestrators and agents: task
// streams for dispatch, a per-run completion list for signalling, and
// per-task status keys for fast-path lookups.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/discernus/discernus/artifact"
	"github.com/discernus/discernus/task"
)

// Status values written to task:{id}:status.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Completion record status values.
const (
	RecordCompleted = "completed"
	RecordFailed    = "failed"
)

// TaskRef identifies an enqueued task.
type TaskRef struct {
	ID      string    `json:"task_id"`
	RunID   string    `json:"run_id"`
	Type    task.Type `json:"type"`
	Epoch   int64     `json:"epoch"`
	Stream  string    `json:"stream"`
	EntryID string    `json:"entry_id,omitempty"`
}

// RefOf builds the reference for a decoded descriptor.
func RefOf(t task.Task) TaskRef {
	h := t.Header()
	return TaskRef{ID: h.TaskID, RunID: h.RunID, Type: h.Type, Epoch: h.Epoch}
}

// CompletionRecord is what an agent emits when a task finishes.
type CompletionRecord struct {
	OriginalTaskID string    `json:"original_task_id"`
	ResultHash     string    `json:"result_hash"`
	Status         string    `json:"status"`
	TaskType       task.Type `json:"task_type"`
	ModelUsed      string    `json:"model_used,omitempty"`
	RunID          string    `json:"run_id"`
	Epoch          int64     `json:"epoch"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Delivery is one task read from a stream by a consumer.
type Delivery struct {
	Stream  string
	EntryID string
	Task    task.Task
	// Err is set when the entry could not be decoded into a descriptor.
	Err error
	// Trace is the producer's propagated trace context, if any.
	Trace map[string]string
}

// TraceContext returns ctx carrying the producer's trace context, so spans
// started from it join the enqueuing trace.
func (d Delivery) TraceContext(ctx context.Context) context.Context {
	if len(d.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Trace))
}

// Dispatcher is the orchestrator and moderator side of the queue.
type Dispatcher interface {
	// Stream returns the stream name for a task type.
	Stream(typ task.Type) string
	// BeginAttempt starts a new attempt for runID and returns its epoch.
	BeginAttempt(ctx context.Context, runID string) (int64, error)
	// Enqueue publishes t on stream, assigning a task id if t has none.
	Enqueue(ctx context.Context, stream string, t task.Task) (TaskRef, error)
	// AwaitCompletion blocks until ref completes or timeout elapses.
	AwaitCompletion(ctx context.Context, ref TaskRef, timeout time.Duration) (*CompletionRecord, error)
	// AwaitAll waits for every ref and returns result hashes in ref order.
	AwaitAll(ctx context.Context, refs []TaskRef, timeout time.Duration) ([]string, error)
}

// Receiver is the agent side of the queue.
type Receiver interface {
	Stream(typ task.Type) string
	EnsureGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, group, consumer string, block time.Duration, streams ...string) ([]Delivery, error)
	// Claim takes over entries another consumer left unacknowledged.
	Claim(ctx context.Context, group, consumer string, minIdle time.Duration, stream string) ([]Delivery, error)
	Ack(ctx context.Context, group string, d Delivery) error
	Complete(ctx context.Context, rec *CompletionRecord) error
	Fail(ctx context.Context, ref TaskRef, reason string) error
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEnqueue is returned when a task could not be published.
	ErrEnqueue = errors.New("enqueue failed")

	// ErrTimeout matches every *WaitError.
	ErrTimeout = errors.New("timed out waiting for completion")

	// ErrProtocolViolation is returned when the completion list yields an id
	// from the current attempt that nobody is waiting for.
	ErrProtocolViolation = errors.New("completion protocol violation")

	// ErrTaskFailed is returned when an agent reported failure.
	ErrTaskFailed = errors.New("task failed")

	// ErrNotFound is returned when no completion record exists for a task.
	ErrNotFound = errors.New("completion record not found")

	// ErrStaleCompletion is returned to an agent completing a task from a
	// superseded attempt.
	ErrStaleCompletion = errors.New("stale completion")
)

// WaitError reports a wait that ended before every task completed.
type WaitError struct {
	Pending  []string
	Received int
	Timeout  time.Duration
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("timed out after %s: %d received, %d pending [%s]",
		e.Timeout, e.Received, len(e.Pending), strings.Join(e.Pending, ", "))
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *WaitError) Is(target error) bool {
	return target == ErrTimeout
}

// ProtocolViolationError describes an unexpected completion id.
type ProtocolViolationError struct {
	Awaiting []string
	Got      string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("completion protocol violation: popped %q while awaiting [%s]",
		e.Got, strings.Join(e.Awaiting, ", "))
}

func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// TaskFailedError carries the reason an agent reported.
type TaskFailedError struct {
	TaskID string
	Reason string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

func (e *TaskFailedError) Is(target error) bool {
	return target == ErrTaskFailed
}

// =============================================================================
// Classification
// =============================================================================

// ErrorKind is the outcome class of a queue operation.
type ErrorKind int

const (
	KindOK ErrorKind = iota
	KindTimeout
	KindNotFound
	KindProtocolViolation
	KindTaskFailed
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindTaskFailed:
		return "task_failed"
	default:
		return "unexpected"
	}
}

// Kind classifies err so callers can tell "retry with a longer wait" from
// "fatal, abort".
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, ErrTaskFailed):
		return KindTaskFailed
	default:
		return KindUnexpected
	}
}
