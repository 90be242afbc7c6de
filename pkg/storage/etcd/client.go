package etcd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ClientConfig etcd连接配置
type ClientConfig struct {
	Endpoints      []string
	Username       string
	Password       string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Prefix         string
}

// Client 封装etcd客户端
type Client struct {
	client         *clientv3.Client
	prefix         string
	requestTimeout time.Duration
}

// NewClient 创建新的etcd客户端
func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd地址不能为空")
	}
	if cfg.DialTimeout <= 0 {
		return nil, fmt.Errorf("etcd连接超时必须大于0")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd连接测试失败: %w", err)
	}

	return newClient(client, cfg), nil
}

func newClient(client *clientv3.Client, cfg ClientConfig) *Client {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 3 * time.Second
	}
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "/capabilities"
	}
	return &Client{
		client:         client,
		prefix:         prefix,
		requestTimeout: requestTimeout,
	}
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// EntriesPrefix 获取多后端条目的前缀
func (c *Client) EntriesPrefix() string {
	return c.prefix + "/entries/"
}

// EntryKey 获取(gbid, participantId)行的完整存储键，两段均做路径转义
func (c *Client) EntryKey(gbid, participantID string) string {
	return c.EntriesPrefix() + url.PathEscape(gbid) + "/" + url.PathEscape(participantID)
}

// withTimeout 为单次请求附加超时
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.requestTimeout)
}
