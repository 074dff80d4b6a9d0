// Package openaicompat implements llm.Provider for any endpoint speaking the
// OpenAI Chat Completions protocol.
//
// OpenAI, DeepSeek, Qwen, Mistral and self-hosted gateways differ only in
// base URL, default model and key; the factory package maps provider names
// to those presets.
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "deepseek",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.deepseek.com",
//	    DefaultModel: "deepseek-chat",
//	}, logger)
package openaicompat
