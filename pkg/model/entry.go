package model

import (
	"math"

	"github.com/google/uuid"
)

// ProviderScope 表示提供者的可见范围
type ProviderScope string

const (
	// ProviderScopeLocal 仅在本节点可见
	ProviderScopeLocal ProviderScope = "LOCAL"
	// ProviderScopeGlobal 需要同步到全局目录
	ProviderScopeGlobal ProviderScope = "GLOBAL"
)

// StickyExpiryDateMs 表示永不过期、永不被淘汰的条目
const StickyExpiryDateMs int64 = math.MaxInt64

// Version 表示提供者接口版本
type Version struct {
	Major int32 `json:"major" yaml:"major"`
	Minor int32 `json:"minor" yaml:"minor"`
}

// CustomParameter 是有序的自定义QoS参数
type CustomParameter struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// ProviderQos 描述提供者的服务质量
type ProviderQos struct {
	CustomParameters              []CustomParameter `json:"custom_parameters,omitempty" yaml:"custom_parameters"`
	Priority                      int64             `json:"priority" yaml:"priority"`
	Scope                         ProviderScope     `json:"scope" yaml:"scope"`
	SupportsOnChangeSubscriptions bool              `json:"supports_on_change_subscriptions" yaml:"supports_on_change_subscriptions"`
}

// Entry 表示一条能力(发现)条目
type Entry struct {
	ProviderVersion     Version     `json:"provider_version" yaml:"provider_version"`
	Domain              string      `json:"domain" yaml:"domain"`
	InterfaceName       string      `json:"interface_name" yaml:"interface_name"`
	ParticipantID       string      `json:"participant_id" yaml:"participant_id"`
	Qos                 ProviderQos `json:"qos" yaml:"qos"`
	LastSeenDateMs      int64       `json:"last_seen_date_ms" yaml:"last_seen_date_ms"`
	ExpiryDateMs        int64       `json:"expiry_date_ms" yaml:"expiry_date_ms"`
	PublicKeyID         string      `json:"public_key_id" yaml:"public_key_id"`
	Address             string      `json:"address,omitempty" yaml:"address"`                             // 序列化后的地址
	ClusterControllerID string      `json:"cluster_controller_id,omitempty" yaml:"cluster_controller_id"` // 所属节点
	Gbid                string      `json:"gbid,omitempty" yaml:"gbid"`                                   // 后端ID，仅全局存储的行设置
}

// NewParticipantID 生成新的参与者ID
func NewParticipantID() string {
	return uuid.NewString()
}

// IsSticky 判断条目是否为粘性条目
func (e *Entry) IsSticky() bool {
	return e.ExpiryDateMs == StickyExpiryDateMs
}

// IsGlobal 判断条目是否为全局范围
func (e *Entry) IsGlobal() bool {
	return e.Qos.Scope == ProviderScopeGlobal
}

// IsComplete 判断身份字段是否齐全
func (e *Entry) IsComplete() bool {
	return e.Domain != "" && e.InterfaceName != "" && e.ParticipantID != ""
}

// Clone 返回条目的深拷贝
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Qos.CustomParameters != nil {
		c.Qos.CustomParameters = make([]CustomParameter, len(e.Qos.CustomParameters))
		copy(c.Qos.CustomParameters, e.Qos.CustomParameters)
	}
	return &c
}

// Equal 比较两个条目，不包含LastSeenDateMs和ExpiryDateMs这类存活性字段
func (e *Entry) Equal(o *Entry) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.ProviderVersion != o.ProviderVersion ||
		e.Domain != o.Domain ||
		e.InterfaceName != o.InterfaceName ||
		e.ParticipantID != o.ParticipantID ||
		e.PublicKeyID != o.PublicKeyID ||
		e.Address != o.Address ||
		e.ClusterControllerID != o.ClusterControllerID ||
		e.Gbid != o.Gbid {
		return false
	}
	return e.Qos.Equal(o.Qos)
}

// Equal 比较两个QoS，自定义参数按顺序比较
func (q ProviderQos) Equal(o ProviderQos) bool {
	if q.Priority != o.Priority || q.Scope != o.Scope ||
		q.SupportsOnChangeSubscriptions != o.SupportsOnChangeSubscriptions ||
		len(q.CustomParameters) != len(o.CustomParameters) {
		return false
	}
	for i := range q.CustomParameters {
		if q.CustomParameters[i] != o.CustomParameters[i] {
			return false
		}
	}
	return true
}

// EntryWithMetaInfo 是查询结果，携带条目来源信息
type EntryWithMetaInfo struct {
	*Entry
	IsLocal           bool `json:"is_local"`
	GloballyConfirmed bool `json:"globally_confirmed"`
}
