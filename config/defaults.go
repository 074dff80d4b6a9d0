// =============================================================================
// 📦 Discernus default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Redis:        DefaultRedisConfig(),
		Store:        DefaultStoreConfig(),
		Queue:        DefaultQueueConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Moderator:    DefaultModeratorConfig(),
		LLM:          DefaultLLMConfig(),
		Database:     DefaultDatabaseConfig(),
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Metrics:      DefaultMetricsConfig(),
	}
}

// DefaultRedisConfig returns the default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		PoolSize:            10,
		MinIdleConns:        2,
		MaxRetries:          3,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultStoreConfig returns the default artifact store settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:   "redis",
		Path:      "./artifacts",
		KeyPrefix: "artifact:",
	}
}

// DefaultQueueConfig returns the default queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		StreamPrefix: "tasks.",
		DoneStream:   "tasks.done",
		MaxLen:       10000,
		StatusTTL:    7 * 24 * time.Hour,
		ReadBlock:    5 * time.Second,
	}
}

// DefaultOrchestratorConfig returns the default pipeline settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PreTest:          false,
		Review:           false,
		Moderation:       false,
		Model:            "vertex_ai/gemini-2.5-flash",
		TaskTimeout:      300 * time.Second,
		MultiTaskTimeout: 1800 * time.Second,
		MaxAnalysisRuns:  10,
		Reviewers:        []string{"ideological", "statistical"},
		StageCacheTTL:    7 * 24 * time.Hour,
		ManifestTTL:      24 * time.Hour,
	}
}

// DefaultModeratorConfig returns the default moderator settings.
func DefaultModeratorConfig() ModeratorConfig {
	return ModeratorConfig{
		RoundTimeout:    300 * time.Second,
		SummaryChars:    500,
		Model:           "gpt-4o",
		MaxPromptTokens: 120000,
	}
}

// DefaultLLMConfig returns the default LLM settings.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "openai",
		BaseURL:     "https://api.openai.com",
		Timeout:     120 * time.Second,
		MaxTokens:   4096,
		Temperature: 0.2,
	}
}

// DefaultDatabaseConfig returns the default ledger database settings.
// The ledger is disabled until a driver is configured.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "discernus",
		Name:            "discernus",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultServerConfig returns the default ops server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "discernus",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig returns the default metrics settings.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "discernus",
	}
}
