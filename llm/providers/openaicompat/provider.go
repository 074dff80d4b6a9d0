// =============================================================================
// Discernus OpenAI-Compatible Provider
// =============================================================================
// Chat Completions client shared by every OpenAI-compatible endpoint
// (OpenAI, DeepSeek, Qwen, Mistral, self-hosted vLLM/Ollama gateways).
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/discernus/discernus/internal/tlsutil"
	"github.com/discernus/discernus/llm"
	"github.com/discernus/discernus/llm/retry"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName identifies the provider in logs, metrics and errors.
	ProviderName string

	// APIKey is sent as a Bearer token when set.
	APIKey string

	// BaseURL is the API root, e.g. "https://api.deepseek.com".
	BaseURL string

	// DefaultModel is used when the request names no model.
	DefaultModel string

	// Timeout bounds each HTTP attempt. Defaults to 120s.
	Timeout time.Duration

	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint defaults to "/v1/models"; used by HealthCheck.
	ModelsEndpoint string

	// MaxTokens and Temperature apply when the request leaves them unset.
	MaxTokens   int
	Temperature float32

	// Retry governs retries of retryable upstream errors.
	Retry retry.Policy

	// HTTPClient overrides the hardened default client.
	HTTPClient *http.Client
}

// Provider talks to an OpenAI-compatible Chat Completions endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates a provider. Zero config fields take defaults.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = llm.IsRetryable
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = tlsutil.SecureHTTPClient(cfg.Timeout)
	}

	return &Provider{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "llm"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) setHeaders(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// HealthCheck verifies the provider is reachable.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check failed: status=%d msg=%s", p.cfg.ProviderName, resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Completion performs a non-streaming chat completion, retrying retryable
// upstream failures per the configured policy.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: "request has no messages", Provider: p.Name()}
	}

	body := chatRequest{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		User:        req.TraceID,
	}
	if body.Model == "" {
		body.Model = p.cfg.DefaultModel
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = p.cfg.MaxTokens
	}
	if body.Temperature == 0 {
		body.Temperature = p.cfg.Temperature
	}
	if body.Model == "" {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: "no model specified", Provider: p.Name()}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	return retry.Do(ctx, p.cfg.Retry, p.logger, func(ctx context.Context) (*llm.ChatResponse, error) {
		return p.do(ctx, payload)
	})
}

func (p *Provider) do(ctx context.Context, payload []byte) (*llm.ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		code := llm.ErrUpstreamError
		if errors.Is(err, context.DeadlineExceeded) {
			code = llm.ErrUpstreamTimeout
		}
		return nil, &llm.Error{
			Code: code, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: ctx.Err() == nil, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.Name())
	}

	var oaResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	result := fromWireResponse(oaResp, p.Name())
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

var _ llm.Provider = (*Provider)(nil)
