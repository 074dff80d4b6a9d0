// =============================================================================
// 📦 Discernus configuration loader
// =============================================================================
// Unified configuration: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("discernus.yaml").
//	    WithEnvPrefix("DISCERNUS").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 Configuration structure
// =============================================================================

// Config is the complete Discernus configuration.
type Config struct {
	// Redis connection shared by the queue, the stage cache and the redis artifact backend
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Store selects the artifact store backend
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Queue controls stream naming and worker consumption
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Orchestrator controls the stage pipeline
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Moderator controls the review conversation
	Moderator ModeratorConfig `yaml:"moderator" env:"MODERATOR"`

	// LLM is the final-synthesis collaborator
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Database backs the run ledger (optional)
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Server is the operations HTTP surface
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log configures zap
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics configures the Prometheus collector
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// RedisConfig Redis connection settings
type RedisConfig struct {
	// Address host:port
	Addr string `yaml:"addr" env:"ADDR"`
	// Password
	Password string `yaml:"password" env:"PASSWORD"`
	// Database number
	DB int `yaml:"db" env:"DB"`
	// Connection pool size
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// Minimum idle connections
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// Maximum command retries
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// Interval between background pings, zero disables
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// Connect over TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// StoreConfig artifact store settings
type StoreConfig struct {
	// Backend: redis, file, memory
	Backend string `yaml:"backend" env:"BACKEND"`
	// Root directory for the file backend
	Path string `yaml:"path" env:"PATH"`
	// Key prefix for the redis backend
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// QueueConfig task queue settings
type QueueConfig struct {
	// Stream name prefix; task type is appended ("tasks." + "synthesis")
	StreamPrefix string `yaml:"stream_prefix" env:"STREAM_PREFIX"`
	// Stream that receives every completion record
	DoneStream string `yaml:"done_stream" env:"DONE_STREAM"`
	// Approximate max length of task streams, zero means unbounded
	MaxLen int64 `yaml:"max_len" env:"MAX_LEN"`
	// TTL applied to task status keys
	StatusTTL time.Duration `yaml:"status_ttl" env:"STATUS_TTL"`
	// Worker blocking read window
	ReadBlock time.Duration `yaml:"read_block" env:"READ_BLOCK"`
}

// OrchestratorConfig pipeline settings
type OrchestratorConfig struct {
	// Run the pre-test stage that recommends the analysis run count
	PreTest bool `yaml:"pre_test" env:"PRE_TEST"`
	// Run the review stage after report generation
	Review bool `yaml:"review" env:"REVIEW"`
	// Run the moderation stage after review
	Moderation bool `yaml:"moderation" env:"MODERATION"`
	// Default model forwarded to agents
	Model string `yaml:"model" env:"MODEL"`
	// Timeout for single-task stages
	TaskTimeout time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	// Timeout for multi-task stages
	MultiTaskTimeout time.Duration `yaml:"multi_task_timeout" env:"MULTI_TASK_TIMEOUT"`
	// Upper bound on analysis runs recommended by the pre-test
	MaxAnalysisRuns int `yaml:"max_analysis_runs" env:"MAX_ANALYSIS_RUNS"`
	// Reviewer types for the review stage
	Reviewers []string `yaml:"reviewers" env:"REVIEWERS"`
	// TTL of stage cache records
	StageCacheTTL time.Duration `yaml:"stage_cache_ttl" env:"STAGE_CACHE_TTL"`
	// TTL of persisted manifests
	ManifestTTL time.Duration `yaml:"manifest_ttl" env:"MANIFEST_TTL"`
	// Optional directory that also receives manifest JSON files
	ManifestDir string `yaml:"manifest_dir" env:"MANIFEST_DIR"`
}

// ModeratorConfig review conversation settings
type ModeratorConfig struct {
	// Timeout for each reviewer round
	RoundTimeout time.Duration `yaml:"round_timeout" env:"ROUND_TIMEOUT"`
	// Characters of each opening statement forwarded to the rebuttal round
	SummaryChars int `yaml:"summary_chars" env:"SUMMARY_CHARS"`
	// Model for the final synthesis
	Model string `yaml:"model" env:"MODEL"`
	// Token budget warning threshold for the final synthesis prompt
	MaxPromptTokens int `yaml:"max_prompt_tokens" env:"MAX_PROMPT_TOKENS"`
}

// LLMConfig OpenAI-compatible endpoint used for the final synthesis
type LLMConfig struct {
	// Provider name used in logs and metrics
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Base URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Request timeout
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Maximum completion tokens
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// Sampling temperature
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
}

// DatabaseConfig run ledger database settings
type DatabaseConfig struct {
	// Driver: postgres, mysql, sqlite; empty disables the ledger
	Driver string `yaml:"driver" env:"DRIVER"`
	// Host
	Host string `yaml:"host" env:"HOST"`
	// Port
	Port int `yaml:"port" env:"PORT"`
	// User
	User string `yaml:"user" env:"USER"`
	// Password
	Password string `yaml:"password" env:"PASSWORD"`
	// Database name, or file path for sqlite
	Name string `yaml:"name" env:"NAME"`
	// SSL mode
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Maximum open connections
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// Maximum idle connections
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// Connection max lifetime
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ServerConfig operations HTTP server settings
type ServerConfig struct {
	// HTTP port
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics port
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// TLS certificate and key; both empty serves plain HTTP
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// API keys accepted in X-API-Key
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// Requests per second per client
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// Burst per client
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// JWT auth, used instead of API keys when a secret or public key is set
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT verification settings
type JWTConfig struct {
	// HMAC secret for HS256
	Secret string `yaml:"secret" env:"SECRET"`
	// PEM public key for RS256
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	// Expected issuer
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// Expected audience
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled reports whether JWT verification is configured.
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// LogConfig logging settings
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig OpenTelemetry settings
type TelemetryConfig struct {
	// Enabled
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC endpoint
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// Service name
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// Trace sample rate
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus settings
type MetricsConfig struct {
	// Enabled
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Metric namespace
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 Loader
// =============================================================================

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the DISCERNUS env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DISCERNUS",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults → YAML file → environment variables
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile reads the YAML file; a missing file keeps defaults.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively using their env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 Helpers
// =============================================================================

// MustLoad loads the config and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case "redis", "memory":
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the file backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}

	if c.Queue.StreamPrefix == "" {
		errs = append(errs, "queue.stream_prefix must not be empty")
	}
	if c.Orchestrator.TaskTimeout <= 0 {
		errs = append(errs, "orchestrator.task_timeout must be positive")
	}
	if c.Orchestrator.MultiTaskTimeout <= 0 {
		errs = append(errs, "orchestrator.multi_task_timeout must be positive")
	}
	if c.Orchestrator.MaxAnalysisRuns <= 0 {
		errs = append(errs, "orchestrator.max_analysis_runs must be positive")
	}
	if c.Orchestrator.Review && len(c.Orchestrator.Reviewers) == 0 {
		errs = append(errs, "orchestrator.reviewers must not be empty when review is enabled")
	}
	if c.Moderator.RoundTimeout <= 0 {
		errs = append(errs, "moderator.round_timeout must be positive")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the gorm connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
