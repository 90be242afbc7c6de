package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 目录核心配置
	Directory struct {
		ClusterControllerID     string        `mapstructure:"cluster_controller_id"`
		Gbids                   []string      `mapstructure:"gbids"`
		DefaultExpiryInterval   time.Duration `mapstructure:"default_expiry_interval"`
		MessageTTL              time.Duration `mapstructure:"message_ttl"`
		MaxCachedGlobalEntries  int           `mapstructure:"max_cached_global_entries"`
		FreshnessUpdateInterval time.Duration `mapstructure:"freshness_update_interval"`
		ExpiredCleanupInterval  time.Duration `mapstructure:"expired_cleanup_interval"`
		ProvisioningFile        string        `mapstructure:"provisioning_file"`
		// 全局目录地址，为空时使用进程内存储
		GlobalDirectoryURL string `mapstructure:"global_directory_url"`
	} `mapstructure:"directory"`

	// 多后端存储配置
	Store struct {
		Backend string `mapstructure:"backend"` // "memory", "etcd" 或 "sqlite"
	} `mapstructure:"store"`

	// etcd配置
	Etcd struct {
		Endpoints      []string      `mapstructure:"endpoints"`
		Username       string        `mapstructure:"username"`
		Password       string        `mapstructure:"password"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		Prefix         string        `mapstructure:"prefix"`
	} `mapstructure:"etcd"`

	// SQLite配置
	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	// 全局目录HTTP接口配置
	API struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// DNS视图配置
	DNS struct {
		Enabled       bool          `mapstructure:"enabled"`
		ListenAddress string        `mapstructure:"listen_address"`
		Port          int           `mapstructure:"port"`
		Zone          string        `mapstructure:"zone"`
		CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.capdir")
		v.AddConfigPath("/etc/capdir")
	}

	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值，其他错误直接返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("CAPDIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置的合法性
func (c *Config) Validate() error {
	if len(c.Directory.Gbids) == 0 {
		return fmt.Errorf("directory.gbids 至少需要配置一个后端")
	}
	for _, gbid := range c.Directory.Gbids {
		if gbid == "" {
			return fmt.Errorf("directory.gbids 不能包含空值")
		}
	}
	if c.Directory.DefaultExpiryInterval <= 0 {
		return fmt.Errorf("directory.default_expiry_interval 必须大于0")
	}
	if c.Directory.MaxCachedGlobalEntries < 0 {
		return fmt.Errorf("directory.max_cached_global_entries 不能为负数")
	}
	switch c.Store.Backend {
	case "memory", "etcd", "sqlite":
	default:
		return fmt.Errorf("不支持的存储后端: %s", c.Store.Backend)
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 目录默认配置
	v.SetDefault("directory.cluster_controller_id", "")
	v.SetDefault("directory.gbids", []string{"joynrdefaultgbid"})
	v.SetDefault("directory.default_expiry_interval", "1008h")
	v.SetDefault("directory.message_ttl", "60s")
	v.SetDefault("directory.max_cached_global_entries", 1000)
	v.SetDefault("directory.freshness_update_interval", "1h")
	v.SetDefault("directory.expired_cleanup_interval", "1h")
	v.SetDefault("directory.provisioning_file", "")
	v.SetDefault("directory.global_directory_url", "")

	// 存储默认配置
	v.SetDefault("store.backend", "memory")

	// etcd默认配置
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.request_timeout", "3s")
	v.SetDefault("etcd.prefix", "/capabilities")

	// SQLite默认配置
	v.SetDefault("sqlite.path", "capdir.db")

	// HTTP接口默认配置
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// DNS视图默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.zone", "capabilities.local.")
	v.SetDefault("dns.cache_ttl", "30s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("etcd.endpoints", "CAPDIR_ETCD_ENDPOINTS")
	v.BindEnv("store.backend", "CAPDIR_STORE_BACKEND")
	v.BindEnv("api.port", "CAPDIR_API_PORT")
	v.BindEnv("dns.port", "CAPDIR_DNS_PORT")
	v.BindEnv("directory.cluster_controller_id", "CAPDIR_CLUSTER_CONTROLLER_ID")
	v.BindEnv("directory.global_directory_url", "CAPDIR_GLOBAL_DIRECTORY_URL")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.capdir/config.yaml",
		"/etc/capdir/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
