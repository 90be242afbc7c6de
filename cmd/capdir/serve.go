package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/api"
	"github.com/hewenyu/capabilities-directory/pkg/directory"
	capdns "github.com/hewenyu/capabilities-directory/pkg/dns"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/provisioning"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
	"github.com/hewenyu/capabilities-directory/pkg/storage/etcd"
	"github.com/hewenyu/capabilities-directory/pkg/storage/memory"
	"github.com/hewenyu/capabilities-directory/pkg/storage/sqlite"
	sdk "github.com/hewenyu/capabilities-directory/sdk/go"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动能力目录服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	startTime := time.Now().UnixMilli()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	if zl, ok := logger.(*config.ZapLogger); ok {
		defer zl.Sync()
	}

	if cfg.Directory.ClusterControllerID == "" {
		cfg.Directory.ClusterControllerID = model.NewParticipantID()
	}

	logger.Info("能力目录服务启动中...",
		zap.String("version", version),
		zap.String("cluster_controller_id", cfg.Directory.ClusterControllerID),
		zap.Strings("gbids", cfg.Directory.Gbids),
		zap.String("store_backend", cfg.Store.Backend),
	)

	store, err := newGlobalStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var remote directory.RemoteDirectory = directory.NewStoreRemote(store)
	if cfg.Directory.GlobalDirectoryURL != "" {
		client, err := sdk.NewClient(&sdk.Config{
			ServerAddr: cfg.Directory.GlobalDirectoryURL,
			Timeout:    cfg.Directory.MessageTTL,
		})
		if err != nil {
			return fmt.Errorf("创建全局目录客户端失败: %w", err)
		}
		remote = client
		logger.Info("使用远程全局目录", zap.String("url", cfg.Directory.GlobalDirectoryURL))
	}

	dir, err := directory.New(directory.Options{
		ClusterControllerID:    cfg.Directory.ClusterControllerID,
		KnownGbids:             cfg.Directory.Gbids,
		DefaultExpiryInterval:  cfg.Directory.DefaultExpiryInterval,
		MessageTTL:             cfg.Directory.MessageTTL,
		MaxCachedGlobalEntries: cfg.Directory.MaxCachedGlobalEntries,
	}, remote,
		directory.WithLogger(logger),
		directory.WithTracer(otel.Tracer("capdir")),
	)
	if err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	if path := cfg.Directory.ProvisioningFile; path != "" {
		n, err := provisioning.Apply(dir, path)
		if err != nil {
			return fmt.Errorf("加载静态条目失败: %w", err)
		}
		logger.Info("已加载静态条目", zap.String("file", path), zap.Int("count", n))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 清理本节点上次运行遗留在全局目录中的条目
	if err := dir.RemoveStaleFromGlobal(ctx, startTime); err != nil {
		logger.Warn("清理遗留全局条目失败", zap.Error(err))
	}

	dir.StartFreshnessUpdates(ctx, cfg.Directory.FreshnessUpdateInterval)
	dir.StartExpiredCleanup(ctx, cfg.Directory.ExpiredCleanupInterval)

	var apiServer *api.Server
	if cfg.API.Enabled {
		address := net.JoinHostPort(cfg.API.ListenAddress, strconv.Itoa(cfg.API.Port))
		apiServer, err = api.NewServer(address, store, cfg.Directory.Gbids, version, logger)
		if err != nil {
			return fmt.Errorf("创建HTTP服务失败: %w", err)
		}
		apiServer.Start()
	}

	var dnsServer *capdns.Server
	if cfg.DNS.Enabled {
		var recorder capdns.QueryRecorder
		if apiServer != nil {
			recorder = apiServer.Metrics()
		}
		handler := capdns.NewHandler(dir, capdns.NewDNSCache(cfg.DNS.CacheTTL), cfg.DNS.Zone,
			uint32(cfg.DNS.CacheTTL.Seconds()), recorder, logger)
		dir.AddCapabilityListener(handler)

		address := net.JoinHostPort(cfg.DNS.ListenAddress, strconv.Itoa(cfg.DNS.Port))
		dnsServer = capdns.NewServer(address, handler, logger)
		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("启动DNS视图失败: %w", err)
		}
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Error("关闭DNS视图出错", zap.Error(err))
		}
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭HTTP服务出错", zap.Error(err))
		}
	}

	logger.Info("能力目录服务已关闭")
	return nil
}

// newGlobalStore 按配置创建全局存储后端
func newGlobalStore(cfg *config.Config, logger config.Logger) (storage.GlobalStore, error) {
	expiry := cfg.Directory.DefaultExpiryInterval

	switch cfg.Store.Backend {
	case "etcd":
		client, err := etcd.NewClient(etcd.ClientConfig{
			Endpoints:      cfg.Etcd.Endpoints,
			Username:       cfg.Etcd.Username,
			Password:       cfg.Etcd.Password,
			DialTimeout:    cfg.Etcd.DialTimeout,
			RequestTimeout: cfg.Etcd.RequestTimeout,
			Prefix:         cfg.Etcd.Prefix,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("etcd连接成功", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		return etcd.NewGlobalStore(client, expiry, etcd.WithLogger(logger)), nil
	case "sqlite":
		store, err := sqlite.NewGlobalStore(cfg.SQLite.Path, expiry, sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("打开SQLite数据库失败: %w", err)
		}
		return store, nil
	default:
		return memory.NewGlobalStore(expiry, memory.WithGlobalLogger(logger)), nil
	}
}
