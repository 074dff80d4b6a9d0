package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// 统一的 LLM 错误码，用于对齐 HTTP 状态与可重试性。
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"  // 参数/格式错误
	ErrUnauthorized    ErrorCode = "LLM_UNAUTHORIZED"     // 未授权或密钥失效
	ErrForbidden       ErrorCode = "LLM_FORBIDDEN"        // 权限或内容策略拒绝
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"     // 上游限流
	ErrQuotaExceeded   ErrorCode = "LLM_QUOTA_EXCEEDED"   // 额度用尽
	ErrModelOverloaded ErrorCode = "LLM_MODEL_OVERLOADED" // 模型过载
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT" // 上游超时
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"   // 上游 5xx/网络错误
	ErrEmptyResponse   ErrorCode = "LLM_EMPTY_RESPONSE"   // 响应中没有内容
	ErrContextTooLong  ErrorCode = "LLM_CONTEXT_TOO_LONG" // 提示超出上下文预算
	ErrNotConfigured   ErrorCode = "LLM_NOT_CONFIGURED"   // 未配置 Provider
)

// Error 是 Provider 返回的统一错误
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + string(e.Code) + ": " + e.Message
	}
	return string(e.Code) + ": " + e.Message
}

// IsRetryable 判断错误是否值得重试
func IsRetryable(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type ChatRequest struct {
	TraceID     string            `json:"trace_id,omitempty"`
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Content 返回第一个选项的文本；没有选项时返回 ErrEmptyResponse。
func (r *ChatResponse) Content() (string, error) {
	if r == nil || len(r.Choices) == 0 || strings.TrimSpace(r.Choices[0].Message.Content) == "" {
		provider := ""
		if r != nil {
			provider = r.Provider
		}
		return "", &Error{Code: ErrEmptyResponse, Message: "completion returned no content", Provider: provider}
	}
	return r.Choices[0].Message.Content, nil
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义统一的 LLM 适配接口。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// HealthCheck 执行轻量级健康检查
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}
