package router

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/capabilities-directory/pkg/api/handler"
)

// RegisterRoutes 配置全局目录相关路由
func RegisterRoutes(e *echo.Echo, entryHandler *handler.EntryHandler, healthHandler *handler.HealthHandler,
	metricsHandler *handler.MetricsHandler) {
	// API分组，版本v1
	api := e.Group("/api/v1")

	// 条目相关路由
	entries := api.Group("/entries")
	entries.POST("", entryHandler.Add)                                  // 注册条目
	entries.GET("", entryHandler.Lookup)                                // 按域和接口查询
	entries.GET("/:participantId", entryHandler.LookupByParticipantID) // 按参与者ID查询
	entries.DELETE("/:participantId", entryHandler.Remove)              // 删除条目

	// 节点相关路由
	ccs := api.Group("/cluster-controllers")
	ccs.PUT("/:ccId/touch", entryHandler.Touch)        // 刷新节点条目
	ccs.DELETE("/:ccId/stale", entryHandler.RemoveStale) // 清理过期条目

	// 系统状态相关路由
	api.GET("/health", healthHandler.HealthCheck)  // 健康检查
	api.GET("/metrics", metricsHandler.GetMetrics) // 获取运行指标
}
