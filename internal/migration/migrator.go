package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect 数据库方言
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect 解析驱动名，兼容常见别名
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// dir 返回方言对应的内嵌目录
func (d Dialect) dir() string {
	return path.Join("migrations", string(d))
}

// Status 单个迁移的状态
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Info 迁移汇总
type Info struct {
	CurrentVersion uint
	Dirty          bool
	Total          int
	Applied        int
	Pending        int
}

// Config 迁移器配置
type Config struct {
	Dialect Dialect

	// DatabaseURL 为 database/sql 连接串；sqlite 为文件路径
	DatabaseURL string

	// TableName 默认 schema_migrations
	TableName string
}

// Migrator 运行账本的 Schema 迁移
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]Status, error)
	Info(ctx context.Context) (*Info, error)
	Close() error
}

// =============================================================================
// 🚚 golang-migrate 实现
// =============================================================================

// SchemaMigrator 基于 golang-migrate 与内嵌 SQL 的 Migrator
type SchemaMigrator struct {
	cfg     Config
	migrate *migrate.Migrate
}

// New 打开数据库并准备迁移实例
func New(cfg Config) (*SchemaMigrator, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "schema_migrations"
	}

	db, err := openDB(cfg.Dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	driver, err := databaseDriver(cfg, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, cfg.Dialect.dir())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(cfg.Dialect), driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return &SchemaMigrator{cfg: cfg, migrate: m}, nil
}

func openDB(d Dialect, url string) (*sql.DB, error) {
	var driverName string
	switch d {
	case DialectPostgres, DialectMySQL:
		driverName = string(d)
	case DialectSQLite:
		// modernc 注册名
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", d)
	}

	db, err := sql.Open(driverName, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func databaseDriver(cfg Config, db *sql.DB) (database.Driver, error) {
	switch cfg.Dialect {
	case DialectPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.TableName})
	case DialectMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: cfg.TableName})
	default:
		return sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: cfg.TableName})
	}
}

// Up 应用全部待执行迁移，已是最新时不报错
func (m *SchemaMigrator) Up(ctx context.Context) error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Down 回滚最近一个迁移
func (m *SchemaMigrator) Down(ctx context.Context) error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// Force 直接设置版本号，用于清理 dirty 状态
func (m *SchemaMigrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	return nil
}

// Version 当前版本；尚未迁移时返回 0
func (m *SchemaMigrator) Version(ctx context.Context) (uint, bool, error) {
	v, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return v, dirty, nil
}

// Status 列出每个内嵌迁移的应用情况
func (m *SchemaMigrator) Status(ctx context.Context) ([]Status, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := available(m.cfg.Dialect)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(files))
	for _, f := range files {
		out = append(out, Status{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return out, nil
}

// Info 汇总版本与待执行数量
func (m *SchemaMigrator) Info(ctx context.Context) (*Info, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}

	info := &Info{CurrentVersion: current, Dirty: dirty, Total: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.Applied++
		}
	}
	info.Pending = info.Total - info.Applied
	return info, nil
}

// Close 关闭 source 与数据库连接
func (m *SchemaMigrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

type migrationFile struct {
	version uint
	name    string
}

// available 解析 NNNNNN_name.up.sql，按版本升序
func available(d Dialect) ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationsFS, d.dir())
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []migrationFile
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".up.sql")
		if !ok {
			continue
		}
		num, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: uint(v), name: rest})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
