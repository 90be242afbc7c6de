// Package provisioning 从YAML文件加载静态条目，例如全局目录自身的引导条目
package provisioning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hewenyu/capabilities-directory/pkg/model"
)

// File 静态条目文件的根结构
type File struct {
	Entries []EntryDef `yaml:"entries"`
}

// EntryDef 单个静态条目，地址可以直接给出序列化结果，也可以用mqtt_address描述
type EntryDef struct {
	model.Entry `yaml:",inline"`
	MqttAddress *MqttAddressDef `yaml:"mqtt_address"`
}

// MqttAddressDef MQTT地址
type MqttAddressDef struct {
	BrokerURI string `yaml:"broker_uri"`
	Topic     string `yaml:"topic"`
}

// Provisioner 接收静态条目，*directory.Directory实现了该接口
type Provisioner interface {
	Provision(entries []*model.Entry) error
}

// LoadFile 读取并解析静态条目文件
func LoadFile(path string) ([]*model.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取静态条目文件失败: %w", err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("解析 %s: %w", path, err)
	}
	return entries, nil
}

// Parse 解析YAML内容，所有条目都被设为粘性条目
func Parse(data []byte) ([]*model.Entry, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("YAML格式错误: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Entries))
	entries := make([]*model.Entry, 0, len(file.Entries))
	for i, def := range file.Entries {
		e := def.Entry.Clone()
		if !e.IsComplete() {
			return nil, fmt.Errorf("第%d个条目缺少domain、interface_name或participant_id", i+1)
		}
		if _, dup := seen[e.ParticipantID]; dup {
			return nil, fmt.Errorf("参与者ID重复: %s", e.ParticipantID)
		}
		seen[e.ParticipantID] = struct{}{}

		if def.MqttAddress != nil {
			if e.Address != "" {
				return nil, fmt.Errorf("条目 %s 不能同时设置address和mqtt_address", e.ParticipantID)
			}
			address, err := model.SerializeAddress(&model.MqttAddress{
				BrokerURI: def.MqttAddress.BrokerURI,
				Topic:     def.MqttAddress.Topic,
			})
			if err != nil {
				return nil, fmt.Errorf("条目 %s 的地址无效: %w", e.ParticipantID, err)
			}
			e.Address = address
		} else if e.Address != "" {
			if _, err := model.DeserializeAddress(e.Address); err != nil {
				return nil, fmt.Errorf("条目 %s 的地址无效: %w", e.ParticipantID, err)
			}
		}

		if e.Qos.Scope == "" {
			e.Qos.Scope = model.ProviderScopeGlobal
		}
		e.ExpiryDateMs = model.StickyExpiryDateMs
		entries = append(entries, e)
	}
	return entries, nil
}

// Apply 加载文件并交给provisioner，返回条目数量
func Apply(p Provisioner, path string) (int, error) {
	entries, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	if err := p.Provision(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
