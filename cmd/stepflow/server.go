package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/examples/research"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/internal/server"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 将调研流程以 HTTP API 形式对外提供
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	resources *workflow.Resources
	history   *workflow.ExecutionHistoryStore

	// 指标收集器（独立 registry，便于测试）
	registry  *prometheus.Registry
	collector *metrics.Collector

	// 当前生效的调研图与运行超时，热更新时原子替换
	graph      atomic.Pointer[research.CompiledGraph]
	runTimeout atomic.Int64

	// 热更新管理器
	hotReloadManager *config.HotReloadManager

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager
	handler        http.Handler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建服务器：编译调研图、初始化指标与热更新管理器并构建路由。
// 调用 Start 之前不会监听任何端口。
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel, res *workflow.Resources) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		resources:  res,
		registry:   prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector(cfg.Metrics.Namespace, s.registry, logger)
	if cfg.Engine.HistoryEnabled {
		s.history = workflow.NewExecutionHistoryStore(cfg.Engine.HistoryLimit)
	}

	g, err := s.compileGraph(cfg)
	if err != nil {
		return nil, err
	}
	s.graph.Store(g)
	s.runTimeout.Store(int64(cfg.Engine.RunTimeout))

	s.initHotReloadManager()
	s.handler = s.buildHandler()
	s.httpManager = server.NewManager(s.handler, server.FromServerConfig(cfg.Server), logger)
	return s, nil
}

func (s *Server) compileGraph(cfg *config.Config) (*research.CompiledGraph, error) {
	extra := []workflow.CompileOption{workflow.WithObserver(s.collector)}
	if s.history != nil {
		extra = append(extra, workflow.WithHistory(s.history))
	}
	return compileResearch(cfg, s.logger, extra...)
}

// initHotReloadManager 注册热更新回调：日志级别、引擎与调研参数即时生效
func (s *Server) initHotReloadManager() {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
		config.WithReloadEnvPrefix(envPrefix),
	}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}
	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnReload(func(_, newCfg *config.Config) error {
		g, err := s.compileGraph(newCfg)
		if err != nil {
			return err
		}
		if err := s.level.UnmarshalText([]byte(newCfg.Log.Level)); err != nil {
			return err
		}
		s.graph.Store(g)
		s.runTimeout.Store(int64(newCfg.Engine.RunTimeout))
		return nil
	})
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		if change.RequiresRestart {
			s.logger.Warn("config change requires restart to take effect",
				zap.String("path", change.Path))
		}
	})
}

// Handler 返回带完整中间件链的根 handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close 释放 NewServer 分配的后台资源（限流器清理 goroutine）
func (s *Server) Close() {
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动配置监听、HTTP 服务与独立的指标服务
func (s *Server) Start(ctx context.Context) error {
	if s.configPath != "" {
		if err := s.hotReloadManager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
	}

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Addr != "" {
		if err := s.startMetricsServer(); err != nil {
			return err
		}
	}

	s.logger.Info("server started",
		zap.String("addr", s.httpManager.Addr()),
		zap.String("graph", research.GraphName),
	)
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, s.metricsHandler())

	cfg := server.DefaultConfig()
	cfg.Addr = s.cfg.Metrics.Addr
	cfg.WriteTimeout = 30 * time.Second

	s.metricsManager = server.NewManager(mux, cfg, s.logger.With(zap.String("server", "metrics")))
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Addr 返回 HTTP 服务实际监听地址
func (s *Server) Addr() string {
	return s.httpManager.Addr()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待信号、ctx 结束或服务异常，然后关闭所有组件
func (s *Server) WaitForShutdown(ctx context.Context) error {
	serveErr := s.httpManager.WaitForShutdown(ctx)
	return errors.Join(serveErr, s.Shutdown(context.Background()))
}

// Shutdown 按顺序关闭：配置监听 → HTTP 服务 → 指标服务 → 限流器
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.hotReloadManager.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.httpManager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.Close()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
