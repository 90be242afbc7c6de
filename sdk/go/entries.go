package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hewenyu/capabilities-directory/pkg/api/handler"
	"github.com/hewenyu/capabilities-directory/pkg/model"
)

// SendRegister 把条目写入所选后端
func (c *Client) SendRegister(ctx context.Context, entry *model.Entry, gbids []string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/v1/entries", handler.AddRequest{Entry: entry, Gbids: gbids}); err != nil {
		return fmt.Errorf("全局注册失败: %w", err)
	}
	return nil
}

// SendUnregister 从所选后端删除条目
func (c *Client) SendUnregister(ctx context.Context, participantID string, gbids []string) error {
	path := "/api/v1/entries/" + url.PathEscape(participantID) + encodeQuery(gbidsQuery(gbids))
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("全局注销失败: %w", err)
	}
	return nil
}

// SendLookup 按域和接口名查询所选后端
func (c *Client) SendLookup(ctx context.Context, domains []string, interfaceName string, gbids []string) ([]*model.Entry, error) {
	q := gbidsQuery(gbids)
	for _, d := range domains {
		q.Add("domain", d)
	}
	q.Set("interface", interfaceName)
	return c.lookup(ctx, "/api/v1/entries"+encodeQuery(q))
}

// SendLookupByParticipantID 按参与者ID查询所选后端
func (c *Client) SendLookupByParticipantID(ctx context.Context, participantID string, gbids []string) ([]*model.Entry, error) {
	return c.lookup(ctx, "/api/v1/entries/"+url.PathEscape(participantID)+encodeQuery(gbidsQuery(gbids)))
}

func (c *Client) lookup(ctx context.Context, path string) ([]*model.Entry, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("查询全局目录失败: %w", err)
	}
	var entries []*model.Entry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		return nil, fmt.Errorf("解析查询结果失败: %w", err)
	}
	return entries, nil
}

// SendTouch 刷新本节点的指定条目，participantIDs为空时不发送请求
func (c *Client) SendTouch(ctx context.Context, clusterControllerID string, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	path := "/api/v1/cluster-controllers/" + url.PathEscape(clusterControllerID) + "/touch"
	if _, err := c.doRequest(ctx, http.MethodPut, path, handler.TouchRequest{ParticipantIDs: participantIDs}); err != nil {
		return fmt.Errorf("刷新全局条目失败: %w", err)
	}
	return nil
}

// SendTouchAll 刷新本节点在全局目录中的所有条目
func (c *Client) SendTouchAll(ctx context.Context, clusterControllerID string) error {
	path := "/api/v1/cluster-controllers/" + url.PathEscape(clusterControllerID) + "/touch?all=true"
	if _, err := c.doRequest(ctx, http.MethodPut, path, nil); err != nil {
		return fmt.Errorf("刷新全局条目失败: %w", err)
	}
	return nil
}

// SendRemoveStale 删除本节点lastSeen早于maxLastSeenDateMs的条目
func (c *Client) SendRemoveStale(ctx context.Context, clusterControllerID string, maxLastSeenDateMs int64) error {
	path := "/api/v1/cluster-controllers/" + url.PathEscape(clusterControllerID) +
		"/stale?maxLastSeenDateMs=" + strconv.FormatInt(maxLastSeenDateMs, 10)
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("清理过期条目失败: %w", err)
	}
	return nil
}

// gbidsQuery 每个后端ID作为一个gbid参数
func gbidsQuery(gbids []string) url.Values {
	q := url.Values{}
	for _, g := range gbids {
		q.Add("gbid", g)
	}
	return q
}

func encodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
