// Package sdk 是全局目录HTTP接口的客户端，实现directory.RemoteDirectory
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hewenyu/capabilities-directory/pkg/api/handler"
	"github.com/hewenyu/capabilities-directory/pkg/directory"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

// Config SDK客户端配置
type Config struct {
	// 全局目录地址，可以是host:port或完整的http(s) URL
	ServerAddr string `json:"server_addr"`
	// 单次请求超时时间
	Timeout time.Duration `json:"timeout"`
	// 网络错误时的重试次数
	RetryCount int `json:"retry_count"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// API Token（认证使用）
	ApiToken string `json:"api_token"`
}

// Client SDK客户端
type Client struct {
	config     *Config
	baseURL    string
	httpClient *http.Client
}

var _ directory.RemoteDirectory = (*Client)(nil)

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	if config == nil || config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}

	// 设置默认值
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}

	baseURL := strings.TrimSuffix(config.ServerAddr, "/")
	if !strings.Contains(baseURL, "://") {
		protocol := "http"
		if config.Secure {
			protocol = "https"
		}
		baseURL = protocol + "://" + baseURL
	}

	return &Client{
		config:  config,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// doRequest 发送HTTP请求，网络错误时重试，非200响应转换为存储层错误
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*Response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.config.RetryCount; attempt++ {
		resp, err := c.send(ctx, method, path, bodyBytes)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var netErr net.Error
		if !errors.As(err, &netErr) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	// 设置请求头
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.config.ApiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.ApiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		return &apiResp, responseError(resp.StatusCode, &apiResp)
	}
	return &apiResp, nil
}

// responseError 根据错误码还原存储层错误
func responseError(status int, resp *Response) error {
	switch resp.Error {
	case handler.CodeNoEntryForParticipant:
		return storage.NewNotFoundError(resp.Message)
	case handler.CodeNoEntryForSelectedBackends:
		return &storage.StorageError{Code: storage.ErrBackendMismatch, Message: resp.Message}
	case handler.CodeIncompleteEntry:
		return &storage.StorageError{Code: storage.ErrIncompleteEntry, Message: resp.Message}
	case handler.CodeInvalidArgument, handler.CodeUnknownGbid:
		return storage.NewInvalidArgumentError(resp.Message)
	}
	return fmt.Errorf("API请求失败: %s (状态码: %d)", resp.Message, status)
}
