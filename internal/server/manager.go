package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/tlsutil"
)

// =============================================================================
// 🌐 运维 HTTP 服务
// =============================================================================

// Config 服务配置
type Config struct {
	// 监听地址
	Addr string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// 证书与私钥，均为空时走明文 HTTP
	CertFile string
	KeyFile  string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// FromServerConfig 由应用配置构造 API 服务配置
func FromServerConfig(sc config.ServerConfig) Config {
	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", sc.HTTPPort)
	if sc.ReadTimeout > 0 {
		cfg.ReadTimeout = sc.ReadTimeout
	}
	if sc.WriteTimeout > 0 {
		cfg.WriteTimeout = sc.WriteTimeout
	}
	if sc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = sc.ShutdownTimeout
	}
	cfg.CertFile, cfg.KeyFile = sc.TLSCertFile, sc.TLSKeyFile
	return cfg
}

// Manager 管理一个 http.Server 的监听、服务与优雅关闭
type Manager struct {
	srv    *http.Server
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewManager 创建服务管理器
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	if cfg.CertFile != "" {
		srv.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	return &Manager{
		srv:    srv,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "http_server"), zap.String("addr", cfg.Addr)),
	}
}

// Listen 绑定端口。可重复调用。
func (m *Manager) Listen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.Addr, err)
	}
	m.listener = ln
	return nil
}

// Addr 返回实际监听地址；未监听时返回配置地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.cfg.Addr
}

// Serve 阻塞服务直到 ctx 结束，随后在 ShutdownTimeout 内优雅关闭
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if m.cfg.CertFile != "" {
			err = m.srv.ServeTLS(m.listener, m.cfg.CertFile, m.cfg.KeyFile)
		} else {
			err = m.srv.Serve(m.listener)
		}
		errCh <- err
	}()
	m.logger.Info("http server started", zap.String("listen", m.Addr()), zap.Bool("tls", m.cfg.CertFile != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	m.logger.Info("http server stopped")
	return nil
}
