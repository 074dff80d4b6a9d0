package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/metrics"
)

// ErrDisabled 未配置数据库驱动
var ErrDisabled = errors.New("database is not configured")

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")

// =============================================================================
// 🔌 打开连接
// =============================================================================

// driverName 归一化驱动别名
func driverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "":
		return "", ErrDisabled
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// DSN 返回 GORM 连接串。sqlite 的 Name 为文件路径。
func DSN(cfg config.DatabaseConfig) (string, error) {
	name, err := driverName(cfg.Driver)
	if err != nil {
		return "", err
	}
	cfg.Driver = name
	return cfg.DSN(), nil
}

// Dialector 返回驱动对应的 GORM 方言
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	name, _ := driverName(cfg.Driver)
	switch name {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// Open 打开账本数据库。Driver 为空时返回 ErrDisabled。
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	if logger != nil {
		logger.Info("database opened", zap.String("driver", cfg.Driver), zap.String("name", cfg.Name))
	}
	return db, nil
}

// =============================================================================
// 🗄️ 连接池管理器
// =============================================================================

// PoolConfig 连接池配置
type PoolConfig struct {
	// 数据库标签，用于指标
	Name string

	// 最大空闲连接数
	MaxIdleConns int

	// 最大打开连接数
	MaxOpenConns int

	// 连接最大生命周期
	ConnMaxLifetime time.Duration

	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration
}

// PoolConfigFrom 从账本数据库配置构造连接池配置
func PoolConfigFrom(cfg config.DatabaseConfig) PoolConfig {
	return PoolConfig{
		Name:                cfg.Driver,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxOpenConns:        cfg.MaxOpenConns,
		ConnMaxLifetime:     cfg.ConnMaxLifetime,
		HealthCheckInterval: 30 * time.Second,
	}
}

// PoolManager 持有 GORM 实例与底层 sql.DB，负责连接池调优、
// 后台探活与事务重试
type PoolManager struct {
	db        *gorm.DB
	sqlDB     *sql.DB
	config    PoolConfig
	collector *metrics.Collector
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewPoolManager 创建连接池管理器
func NewPoolManager(db *gorm.DB, cfg PoolConfig, collector *metrics.Collector, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pm := &PoolManager{
		db:        db,
		sqlDB:     sqlDB,
		config:    cfg,
		collector: collector,
		logger:    logger.With(zap.String("component", "db_pool")),
		stop:      make(chan struct{}),
	}
	if cfg.HealthCheckInterval > 0 {
		go pm.healthCheckLoop()
	}
	return pm, nil
}

// DB 返回 GORM 实例
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Ping 探活
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回连接池统计
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// Close 停止探活并关闭连接
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	close(pm.stop)
	return pm.sqlDB.Close()
}

func (pm *PoolManager) healthCheckLoop() {
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pm.Ping(ctx); err != nil {
			pm.logger.Error("database health check failed", zap.Error(err))
		} else {
			stats := pm.Stats()
			pm.collector.RecordDBConnections(pm.config.Name, stats.OpenConnections, stats.Idle)
		}
		cancel()
	}
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TransactionFunc 事务回调
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在事务中执行 fn，并记录耗时
func (pm *PoolManager) WithTransaction(ctx context.Context, op string, fn TransactionFunc) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}

	start := time.Now()
	err := pm.db.WithContext(ctx).Transaction(fn)
	pm.collector.RecordDBQuery(pm.config.Name, op, time.Since(start))
	return err
}

// WithTransactionRetry 对死锁、序列化失败与连接中断做指数退避重试
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, op string, maxRetries int, fn TransactionFunc) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = pm.WithTransaction(ctx, op, fn)
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
		pm.logger.Warn("transaction failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("transaction %s failed after %d retries: %w", op, maxRetries, lastErr)
}

// IsRetryable 判断数据库错误是否值得重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"deadlock",
		"serialization failure", "40001",
		"connection reset", "connection refused", "broken pipe", "bad connection",
		"lock timeout", "lock wait timeout",
		"database is locked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
