package migration

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/discernus/discernus/config"
)

// URL 按方言拼接 database/sql 连接串
func URL(d Dialect, cfg config.DatabaseConfig) string {
	switch d {
	case DialectPostgres:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
			Path:     "/" + cfg.Name,
			RawQuery: "sslmode=" + url.QueryEscape(sslMode),
		}
		return u.String()
	case DialectMySQL:
		// 迁移文件可能包含多条语句
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	case DialectSQLite:
		return cfg.Name
	default:
		return ""
	}
}

// FromDatabaseConfig 由账本数据库配置创建迁移器
func FromDatabaseConfig(cfg config.DatabaseConfig) (*SchemaMigrator, error) {
	d, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return New(Config{Dialect: d, DatabaseURL: URL(d, cfg)})
}
