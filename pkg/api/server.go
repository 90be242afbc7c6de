// Package api 通过HTTP提供全局目录服务
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/api/handler"
	"github.com/hewenyu/capabilities-directory/pkg/api/router"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

// Server 全局目录HTTP服务
type Server struct {
	echo    *echo.Echo
	address string
	metrics *handler.MetricsHandler
	logger  config.Logger
}

// NewServer 创建HTTP服务并注册路由，gbids的第一个为默认后端
func NewServer(address string, store storage.GlobalStore, gbids []string, version string,
	logger config.Logger) (*Server, error) {
	if len(gbids) == 0 {
		return nil, fmt.Errorf("至少需要一个后端ID")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := handler.NewMetricsHandler()

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("HTTP请求",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("requestId", v.RequestID))
			return nil
		},
	}))
	e.Use(metrics.Middleware())

	router.RegisterRoutes(e,
		handler.NewEntryHandler(store, gbids, logger),
		handler.NewHealthHandler(store, version),
		metrics)

	return &Server{
		echo:    e,
		address: address,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Metrics 返回指标处理器，DNS视图通过它记录查询
func (s *Server) Metrics() *handler.MetricsHandler {
	return s.metrics
}

// Start 启动服务（非阻塞）
func (s *Server) Start() {
	s.logger.Info("启动全局目录HTTP服务", zap.String("address", s.address))

	go func() {
		if err := s.echo.Start(s.address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("全局目录HTTP服务启动失败", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭全局目录HTTP服务...")
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error("关闭全局目录HTTP服务出错", zap.Error(err))
		return err
	}
	return nil
}
