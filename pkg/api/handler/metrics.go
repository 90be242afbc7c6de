package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Metrics 运行指标
type Metrics struct {
	APIRequestCount   int64                  `json:"api_request_count"`
	APIErrorCount     int64                  `json:"api_error_count"`
	AvgResponseTimeMs float64                `json:"avg_response_time_ms"`
	DNSQueryCount     int64                  `json:"dns_query_count"`
	DNSCacheHitRate   float64                `json:"dns_cache_hit_rate"`
	ResourceUsage     map[string]interface{} `json:"resource_usage,omitempty"`
	LastCollectedTime time.Time              `json:"last_collected_time"`
}

// MetricsHandler 收集HTTP接口和DNS视图的运行指标
type MetricsHandler struct {
	mu           sync.RWMutex
	metrics      Metrics
	dnsCacheHits int64
}

// NewMetricsHandler 创建指标处理器
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// GetMetrics 获取运行指标
func (h *MetricsHandler) GetMetrics(c echo.Context) error {
	return success(c, "success", h.Snapshot())
}

// Snapshot 返回当前指标的副本
func (h *MetricsHandler) Snapshot() Metrics {
	h.mu.RLock()
	m := h.metrics
	h.mu.RUnlock()

	m.ResourceUsage = getResourceUsage()
	m.LastCollectedTime = time.Now()
	return m
}

// Middleware 统计请求数、错误数和平均响应时间
func (h *MetricsHandler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			h.recordRequest(time.Since(start), status >= http.StatusInternalServerError)
			return err
		}
	}
}

func (h *MetricsHandler) recordRequest(elapsed time.Duration, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.metrics.APIRequestCount++
	if failed {
		h.metrics.APIErrorCount++
	}
	ms := float64(elapsed.Microseconds()) / 1000
	// 简单的移动平均值计算
	if h.metrics.AvgResponseTimeMs == 0 {
		h.metrics.AvgResponseTimeMs = ms
	} else {
		h.metrics.AvgResponseTimeMs = (h.metrics.AvgResponseTimeMs*9 + ms) / 10
	}
}

// RecordDNSQuery 记录一次DNS查询及是否命中缓存
func (h *MetricsHandler) RecordDNSQuery(cacheHit bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.metrics.DNSQueryCount++
	if cacheHit {
		h.dnsCacheHits++
	}
	h.metrics.DNSCacheHitRate = float64(h.dnsCacheHits) / float64(h.metrics.DNSQueryCount)
}
