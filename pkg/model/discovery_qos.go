package model

import "math"

// DiscoveryScope 决定查询访问本地存储、全局目录或两者
type DiscoveryScope string

const (
	DiscoveryScopeLocalOnly       DiscoveryScope = "LOCAL_ONLY"
	DiscoveryScopeLocalThenGlobal DiscoveryScope = "LOCAL_THEN_GLOBAL"
	DiscoveryScopeLocalAndGlobal  DiscoveryScope = "LOCAL_AND_GLOBAL"
	DiscoveryScopeGlobalOnly      DiscoveryScope = "GLOBAL_ONLY"
)

// NoMaxAgeMs 表示不做新鲜度过滤
const NoMaxAgeMs int64 = math.MaxInt64

// DiscoveryQos 查询参数
type DiscoveryQos struct {
	CacheMaxAgeMs               int64          `json:"cache_max_age_ms"`
	DiscoveryTimeoutMs          int64          `json:"discovery_timeout_ms"`
	DiscoveryScope              DiscoveryScope `json:"discovery_scope"`
	ProviderMustSupportOnChange bool           `json:"provider_must_support_on_change"`
}

// DefaultDiscoveryQos 返回默认查询参数
func DefaultDiscoveryQos() DiscoveryQos {
	return DiscoveryQos{
		CacheMaxAgeMs:      0,
		DiscoveryTimeoutMs: 600000,
		DiscoveryScope:     DiscoveryScopeLocalThenGlobal,
	}
}

// Valid 判断查询范围是否为已知取值
func (s DiscoveryScope) Valid() bool {
	switch s {
	case DiscoveryScopeLocalOnly, DiscoveryScopeLocalThenGlobal,
		DiscoveryScopeLocalAndGlobal, DiscoveryScopeGlobalOnly:
		return true
	}
	return false
}

// IsFresh 判断lastSeenDateMs在nowMs时是否满足maxAgeMs
func IsFresh(lastSeenDateMs, nowMs, maxAgeMs int64) bool {
	if maxAgeMs == NoMaxAgeMs {
		return true
	}
	return nowMs-lastSeenDateMs <= maxAgeMs
}
