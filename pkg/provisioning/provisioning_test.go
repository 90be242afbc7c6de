package provisioning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/capabilities-directory/pkg/model"
)

const bootstrapYAML = `
entries:
  - domain: io.joynr
    interface_name: infrastructure/GlobalCapabilitiesDirectory
    participant_id: capabilitiesdirectory_participantid
    provider_version:
      major: 0
      minor: 1
    qos:
      priority: 1
    mqtt_address:
      broker_uri: tcp://localhost:1883
      topic: discoverydirectory_channelid
  - domain: io.joynr
    interface_name: infrastructure/Local
    participant_id: uds-provider
    qos:
      scope: LOCAL
    address: '{"_typeName":"joynr.system.RoutingTypes.UdsAddress","path":"/tmp/joynr.sock"}'
`

type recordingProvisioner struct {
	entries []*model.Entry
	err     error
}

func (p *recordingProvisioner) Provision(entries []*model.Entry) error {
	p.entries = append(p.entries, entries...)
	return p.err
}

func TestParse(t *testing.T) {
	entries, err := Parse([]byte(bootstrapYAML))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	gcd := entries[0]
	assert.Equal(t, "capabilitiesdirectory_participantid", gcd.ParticipantID)
	assert.Equal(t, model.ProviderScopeGlobal, gcd.Qos.Scope, "未设置范围时默认为GLOBAL")
	assert.Equal(t, int32(1), gcd.ProviderVersion.Minor)
	assert.True(t, gcd.IsSticky(), "静态条目应为粘性条目")

	addr, err := model.DeserializeAddress(gcd.Address)
	require.NoError(t, err)
	mqtt, ok := addr.(*model.MqttAddress)
	require.True(t, ok)
	assert.Equal(t, "tcp://localhost:1883", mqtt.BrokerURI)
	assert.Equal(t, "discoverydirectory_channelid", mqtt.Topic)

	uds := entries[1]
	assert.Equal(t, model.ProviderScopeLocal, uds.Qos.Scope)
	assert.True(t, uds.IsSticky())
	assert.Equal(t, model.UdsAddressType, mustTypeName(t, uds.Address))
}

func mustTypeName(t *testing.T, serialized string) string {
	t.Helper()
	addr, err := model.DeserializeAddress(serialized)
	require.NoError(t, err)
	return addr.TypeName()
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"缺少参与者ID": `
entries:
  - domain: d
    interface_name: i
`,
		"参与者ID重复": `
entries:
  - {domain: d, interface_name: i, participant_id: p}
  - {domain: d, interface_name: j, participant_id: p}
`,
		"地址重复设置": `
entries:
  - domain: d
    interface_name: i
    participant_id: p
    address: '{"_typeName":"joynr.system.RoutingTypes.UdsAddress","path":"/x"}'
    mqtt_address: {broker_uri: tcp://b, topic: t}
`,
		"未知地址类型": `
entries:
  - {domain: d, interface_name: i, participant_id: p, address: '{"_typeName":"Unknown"}'}
`,
		"YAML格式错误": "entries: [",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyFile(t *testing.T) {
	entries, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provisioned.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bootstrapYAML), 0o600))

	p := &recordingProvisioner{}
	n, err := Apply(p, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, p.entries, 2)

	_, err = Apply(&recordingProvisioner{err: errors.New("rejected")}, path)
	assert.Error(t, err)

	_, err = Apply(p, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "文件不存在应报错")
}
