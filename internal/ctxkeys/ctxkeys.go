// Package ctxkeys 定义跨包传递的 context 键。
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	runIDKey     contextKey = "run_id"
	taskIDKey    contextKey = "task_id"
	subjectKey   contextKey = "subject"
)

func with(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func get(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置 HTTP 请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, requestIDKey, id)
}

// RequestID 获取 HTTP 请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return get(ctx, requestIDKey)
}

// WithTask 设置正在处理的任务及其所属运行
func WithTask(ctx context.Context, runID, taskID string) context.Context {
	return with(with(ctx, runIDKey, runID), taskIDKey, taskID)
}

// RunID 获取运行 ID
func RunID(ctx context.Context) (string, bool) {
	return get(ctx, runIDKey)
}

// TaskID 获取任务 ID
func TaskID(ctx context.Context) (string, bool) {
	return get(ctx, taskIDKey)
}

// WithSubject 设置已认证的调用方（JWT sub 或 API key 前缀）
func WithSubject(ctx context.Context, subject string) context.Context {
	return with(ctx, subjectKey, subject)
}

// Subject 获取已认证的调用方
func Subject(ctx context.Context) (string, bool) {
	return get(ctx, subjectKey)
}
