package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	assert.Equal(t, []string{"joynrdefaultgbid"}, config.Directory.Gbids, "默认后端应为joynrdefaultgbid")
	assert.Equal(t, 1008*time.Hour, config.Directory.DefaultExpiryInterval, "默认过期间隔应为六周")
	assert.Equal(t, 60*time.Second, config.Directory.MessageTTL)
	assert.Equal(t, 1000, config.Directory.MaxCachedGlobalEntries)
	assert.Equal(t, "memory", config.Store.Backend, "默认存储后端应为memory")
	assert.Equal(t, 8080, config.API.Port, "HTTP接口端口应为8080")
	assert.Equal(t, 3*time.Second, config.Etcd.RequestTimeout)
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	os.Setenv("CAPDIR_API_PORT", "9090")
	os.Setenv("CAPDIR_STORE_BACKEND", "sqlite")
	defer func() {
		os.Unsetenv("CAPDIR_API_PORT")
		os.Unsetenv("CAPDIR_STORE_BACKEND")
	}()

	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")
	require.NotNil(t, config, "配置不应为nil")

	assert.Equal(t, 9090, config.API.Port, "环境变量应正确覆盖HTTP接口端口")
	assert.Equal(t, "sqlite", config.Store.Backend, "环境变量应正确覆盖存储后端")
	assert.Equal(t, 5353, config.DNS.Port, "DNS端口不应被环境变量影响")
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capdir.yaml")
	content := `
directory:
  cluster_controller_id: cc-1
  gbids: [gbid-a, gbid-b]
  message_ttl: 5s
store:
  backend: etcd
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "cc-1", config.Directory.ClusterControllerID)
	assert.Equal(t, []string{"gbid-a", "gbid-b"}, config.Directory.Gbids)
	assert.Equal(t, 5*time.Second, config.Directory.MessageTTL)
	assert.Equal(t, "etcd", config.Store.Backend)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capdir.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: redis\n"), 0o600))

	config, err := LoadConfig(path)
	assert.Error(t, err, "未知存储后端应返回错误")
	assert.Nil(t, config)
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	config, err := LoadConfig("non_existent_file.yaml")

	assert.Error(t, err, "从不存在的文件加载配置应该失败")
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}
