package model

import (
	"encoding/json"
	"fmt"
)

// 地址类型标识，沿用线上已有的 _typeName 约定
const (
	MqttAddressType      = "joynr.system.RoutingTypes.MqttAddress"
	ChannelAddressType   = "joynr.system.RoutingTypes.ChannelAddress"
	WebSocketAddressType = "joynr.system.RoutingTypes.WebSocketAddress"
	UdsAddressType       = "joynr.system.RoutingTypes.UdsAddress"
)

const typeNameKey = "_typeName"

// Address 是提供者的传输地址
type Address interface {
	TypeName() string
}

// MqttAddress MQTT传输地址
type MqttAddress struct {
	BrokerURI string `json:"brokerUri"`
	Topic     string `json:"topic"`
}

// ChannelAddress HTTP长轮询通道地址
type ChannelAddress struct {
	MessagingEndpointURL string `json:"messagingEndpointUrl"`
	ChannelID            string `json:"channelId"`
}

// WebSocketAddress WebSocket地址
type WebSocketAddress struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Path     string `json:"path"`
}

// UdsAddress Unix域套接字地址
type UdsAddress struct {
	Path string `json:"path"`
}

func (*MqttAddress) TypeName() string      { return MqttAddressType }
func (*ChannelAddress) TypeName() string   { return ChannelAddressType }
func (*WebSocketAddress) TypeName() string { return WebSocketAddressType }
func (*UdsAddress) TypeName() string       { return UdsAddressType }

// SerializeAddress 将地址序列化为带类型标识的JSON字符串
func SerializeAddress(a Address) (string, error) {
	if a == nil {
		return "", fmt.Errorf("地址不能为空")
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("序列化地址失败: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("序列化地址失败: %w", err)
	}
	typeName, _ := json.Marshal(a.TypeName())
	fields[typeNameKey] = typeName

	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("序列化地址失败: %w", err)
	}
	return string(out), nil
}

// DeserializeAddress 根据类型标识还原地址
func DeserializeAddress(serialized string) (Address, error) {
	typeName, err := addressTypeName(serialized)
	if err != nil {
		return nil, err
	}

	var a Address
	switch typeName {
	case MqttAddressType:
		a = &MqttAddress{}
	case ChannelAddressType:
		a = &ChannelAddress{}
	case WebSocketAddressType:
		a = &WebSocketAddress{}
	case UdsAddressType:
		a = &UdsAddress{}
	default:
		return nil, fmt.Errorf("未知的地址类型: %s", typeName)
	}

	if err := json.Unmarshal([]byte(serialized), a); err != nil {
		return nil, fmt.Errorf("解析地址失败: %w", err)
	}
	return a, nil
}

// StampBackend 返回写入指定后端时使用的地址：MQTT地址的BrokerURI替换为gbid，
// 其他类型原样返回
func StampBackend(serialized, gbid string) (string, error) {
	if serialized == "" {
		return serialized, nil
	}
	typeName, err := addressTypeName(serialized)
	if err != nil {
		return "", err
	}
	if typeName != MqttAddressType {
		return serialized, nil
	}

	a, err := DeserializeAddress(serialized)
	if err != nil {
		return "", err
	}
	mqtt := *a.(*MqttAddress)
	mqtt.BrokerURI = gbid
	return SerializeAddress(&mqtt)
}

func addressTypeName(serialized string) (string, error) {
	var header struct {
		TypeName string `json:"_typeName"`
	}
	if err := json.Unmarshal([]byte(serialized), &header); err != nil {
		return "", fmt.Errorf("解析地址失败: %w", err)
	}
	if header.TypeName == "" {
		return "", fmt.Errorf("地址缺少类型标识")
	}
	return header.TypeName, nil
}
