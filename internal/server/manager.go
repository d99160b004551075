package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/internal/tlsutil"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 默认服务器配置。
// 写超时放宽到 60s，同步解析小文档时响应可能较慢。
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager 封装 http.Server 的启动、关闭与信号处理
type Manager struct {
	server *http.Server
	errCh  chan error
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	listener net.Listener
	closed   bool
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	return &Manager{
		server: &http.Server{
			Addr:           config.Addr,
			Handler:        handler,
			ReadTimeout:    config.ReadTimeout,
			WriteTimeout:   config.WriteTimeout,
			IdleTimeout:    config.IdleTimeout,
			MaxHeaderBytes: config.MaxHeaderBytes,
		},
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// listen 占锁建监听，Start/StartTLS 共用
func (m *Manager) listen() (net.Listener, error) {
	if m.closed {
		return nil, errors.New("server is closed")
	}
	if m.listener != nil {
		return nil, errors.New("server already started")
	}
	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.listener = listener
	return listener, nil
}

// Start 启动 HTTP 服务（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	listener, err := m.listen()
	if err != nil {
		return err
	}
	m.logger.Info("starting HTTP server", zap.String("addr", m.config.Addr))

	go func() {
		m.report(m.server.Serve(listener))
	}()
	return nil
}

// StartTLS 启动 HTTPS 服务（非阻塞），TLS 参数走 tlsutil 的安全默认
func (m *Manager) StartTLS(certFile, keyFile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	listener, err := m.listen()
	if err != nil {
		return err
	}
	m.server.TLSConfig = tlsutil.DefaultTLSConfig()
	m.logger.Info("starting HTTPS server",
		zap.String("addr", m.config.Addr),
		zap.String("cert", certFile),
	)

	go func() {
		m.report(m.server.ServeTLS(listener, certFile, keyFile))
	}()
	return nil
}

// report 把非正常退出的 Serve 错误送进错误通道
func (m *Manager) report(err error) {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	m.logger.Error("server exited", zap.Error(err))
	select {
	case m.errCh <- err:
	default:
	}
}

// Shutdown 在配置超时内排空在途请求
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	m.listener = nil
	m.logger.Info("HTTP server stopped")
	return nil
}

// WaitForShutdown 阻塞到收到 SIGINT/SIGTERM 或服务异常退出，然后优雅关闭
func (m *Manager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-m.errCh:
		if err != nil {
			m.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors 返回异步错误通道
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 返回配置的监听地址
func (m *Manager) Addr() string {
	return m.config.Addr
}

// IsRunning 服务器是否仍在运行
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
