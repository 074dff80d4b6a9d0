package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/discernus/discernus/agent"
	"github.com/discernus/discernus/artifact"
	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/cache"
	"github.com/discernus/discernus/internal/database"
	"github.com/discernus/discernus/internal/metrics"
	"github.com/discernus/discernus/internal/telemetry"
	"github.com/discernus/discernus/ledger"
	"github.com/discernus/discernus/orchestrator"
	"github.com/discernus/discernus/queue"
)

// =============================================================================
// 🧩 进程装配
// =============================================================================

// appOptions 决定一个子命令需要哪些依赖
type appOptions struct {
	// component 写入日志与遥测资源属性
	component string
	// quiet 把日志降到 warn 并写到 stderr，stdout 留给命令输出
	quiet bool
	// redis 连接 Redis 并构建队列、制品存储、阶段缓存与清单存储
	redis bool
	// ledger 打开运行账本；数据库未配置时静默跳过
	ledger bool
}

// app 持有一个子命令的全部依赖
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	telemetry *telemetry.Providers

	cache      *cache.Manager
	queue      *queue.RedisQueue
	store      artifact.Store
	stageCache *orchestrator.StageCache
	manifests  *orchestrator.ManifestStore

	pool   *database.PoolManager
	ledger *ledger.GormLedger
}

// loadConfig 加载并校验配置：默认值 → YAML → DISCERNUS_* 环境变量
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Log
	if opts.quiet {
		logCfg = quietLog(logCfg)
	}
	logger := initLogger(logCfg).With(zap.String("process", opts.component))

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, opts.component, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		ns := cfg.Metrics.Namespace
		if ns == "" {
			ns = "discernus"
		}
		a.metrics = metrics.NewCollector(ns, logger)
	}

	if opts.redis {
		if err := a.connectRedis(); err != nil {
			return nil, err
		}
	}

	if opts.ledger {
		a.pool, a.ledger, err = openLedger(cfg.Database, a.metrics, logger)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *app) connectRedis() error {
	rc := a.cfg.Redis
	m, err := cache.NewManager(cache.Config{
		Addr:                rc.Addr,
		Password:            rc.Password,
		DB:                  rc.DB,
		MaxRetries:          rc.MaxRetries,
		PoolSize:            rc.PoolSize,
		MinIdleConns:        rc.MinIdleConns,
		HealthCheckInterval: rc.HealthCheckInterval,
		TLS:                 rc.TLS,
	}, a.logger)
	if err != nil {
		return err
	}
	a.cache = m

	client := m.Client()
	a.queue = queue.NewRedisQueue(client, queue.OptionsFromConfig(a.cfg.Queue), a.logger)
	a.store, err = artifact.Open(a.cfg.Store, client, a.metrics, a.logger)
	if err != nil {
		return err
	}

	oc := a.cfg.Orchestrator
	a.stageCache = orchestrator.NewStageCache(m, oc.StageCacheTTL, a.metrics, a.logger)
	a.manifests = orchestrator.NewManifestStore(m, oc.ManifestTTL, oc.ManifestDir, a.logger)
	return nil
}

// openLedger 打开账本数据库。未配置驱动时返回 nil 且不报错。
func openLedger(cfg config.DatabaseConfig, collector *metrics.Collector, logger *zap.Logger) (*database.PoolManager, *ledger.GormLedger, error) {
	db, err := database.Open(cfg, logger)
	if errors.Is(err, database.ErrDisabled) {
		logger.Debug("run ledger disabled")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	pool, err := database.NewPoolManager(db, database.PoolConfigFrom(cfg), collector, logger)
	if err != nil {
		return nil, nil, err
	}
	return pool, ledger.New(pool, logger), nil
}

// orchestrator 用已装配的依赖构建编排器
func (a *app) orchestrator() *orchestrator.Orchestrator {
	deps := orchestrator.Deps{
		Queue:     a.queue,
		Store:     a.store,
		Cache:     a.stageCache,
		Manifests: a.manifests,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}
	if a.ledger != nil {
		deps.Ledger = a.ledger
	}
	return orchestrator.New(a.cfg.Orchestrator, deps)
}

// worker 创建队列消费者
func (a *app) worker(group, consumer string) *agent.Worker {
	return agent.NewWorker(a.queue, agent.WorkerConfig{
		Group:    group,
		Consumer: consumer,
		Block:    a.cfg.Queue.ReadBlock,
	}, a.metrics, a.logger)
}

// Close 依次刷出遥测、关闭数据库与 Redis
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}

// quietLog 用于输出数据的命令
func quietLog(cfg config.LogConfig) config.LogConfig {
	switch cfg.Level {
	case "error", "warn":
	default:
		cfg.Level = "warn"
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg
}
