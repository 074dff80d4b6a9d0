// Package factory builds the configured llm.Provider. Every supported
// provider speaks the OpenAI Chat Completions protocol, so the factory only
// maps a provider name to its base URL and default model.
package factory

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/metrics"
	"github.com/discernus/discernus/llm"
	"github.com/discernus/discernus/llm/providers/openaicompat"
	"github.com/discernus/discernus/llm/retry"
)

// Preset is the endpoint and default model of a known provider.
type Preset struct {
	BaseURL      string
	EndpointPath string
	DefaultModel string
}

var presets = map[string]Preset{
	"openai":   {BaseURL: "https://api.openai.com", DefaultModel: "gpt-4o"},
	"deepseek": {BaseURL: "https://api.deepseek.com", DefaultModel: "deepseek-chat"},
	"qwen":     {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode", DefaultModel: "qwen-plus"},
	"mistral":  {BaseURL: "https://api.mistral.ai", DefaultModel: "mistral-large-latest"},
	"grok":     {BaseURL: "https://api.x.ai", DefaultModel: "grok-2-latest"},
	"ollama":   {BaseURL: "http://localhost:11434", DefaultModel: "llama3.1"},
}

// SupportedProviders returns the names with built-in presets. Any other
// name is accepted when a base URL is configured.
func SupportedProviders() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProvider creates the provider described by cfg. model overrides the
// preset default model when non-empty.
func NewProvider(cfg config.LLMConfig, model string, collector *metrics.Collector, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		return nil, &llm.Error{Code: llm.ErrNotConfigured, Message: "llm.provider is empty"}
	}

	preset, known := presets[name]
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = preset.BaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("unknown provider %q: base_url is required for a generic OpenAI-compatible provider", name)
	}
	if model == "" {
		model = preset.DefaultModel
	}
	if !known {
		logger.Info("creating generic OpenAI-compatible provider",
			zap.String("provider", name),
			zap.String("base_url", baseURL))
	}

	p := openaicompat.New(openaicompat.Config{
		ProviderName: name,
		APIKey:       cfg.APIKey,
		BaseURL:      baseURL,
		EndpointPath: preset.EndpointPath,
		DefaultModel: model,
		Timeout:      cfg.Timeout,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  float32(cfg.Temperature),
		Retry:        retry.DefaultPolicy(),
	}, logger)

	return llm.Instrument(p, collector), nil
}
