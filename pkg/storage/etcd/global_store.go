package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

// 并发修改导致比较失败时的最大重试次数
const maxTxnRetries = 5

// Option 配置GlobalStore
type Option func(*GlobalStore)

// WithClock 设置毫秒时钟
func WithClock(now func() int64) Option {
	return func(s *GlobalStore) {
		s.now = now
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) Option {
	return func(s *GlobalStore) {
		s.logger = logger
	}
}

// GlobalStore 基于etcd的多后端存储
//
// 每行以JSON保存在 <prefix>/entries/<gbid>/<participantId> 下。
// 复合写操作在一个Txn中提交，读改写操作用ModRevision比较做乐观并发控制。
// 单个Txn的操作数受etcd的 --max-txn-ops 限制。
type GlobalStore struct {
	client *Client

	defaultExpiryIntervalMs int64
	now                     func() int64
	logger                  config.Logger
}

var _ storage.GlobalStore = (*GlobalStore)(nil)

// NewGlobalStore 创建基于etcd的多后端存储
func NewGlobalStore(client *Client, defaultExpiryInterval time.Duration, opts ...Option) *GlobalStore {
	s := &GlobalStore{
		client:                  client,
		defaultExpiryIntervalMs: defaultExpiryInterval.Milliseconds(),
		now:                     func() int64 { return time.Now().UnixMilli() },
		logger:                  config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type storedRow struct {
	key         string
	modRevision int64
	entry       *model.Entry
}

// Add 在单个Txn中写入每个后端的行
func (s *GlobalStore) Add(ctx context.Context, entry *model.Entry, gbids []string) error {
	if err := storage.ValidateAdd(entry, gbids); err != nil {
		return err
	}

	var ops []clientv3.Op
	for _, gbid := range storage.DedupeGbids(gbids) {
		row, err := storage.BackendRow(entry, gbid)
		if err != nil {
			return storage.NewReplicationError("写入多后端条目失败", err)
		}
		data, err := json.Marshal(row)
		if err != nil {
			return storage.NewReplicationError("序列化条目失败", err)
		}
		ops = append(ops, clientv3.OpPut(s.client.EntryKey(gbid, entry.ParticipantID), string(data)))
	}

	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()

	if _, err := s.client.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return storage.NewReplicationError("提交etcd事务失败", err)
	}
	return nil
}

// Remove 在单个Txn中删除指定后端的行
func (s *GlobalStore) Remove(ctx context.Context, participantID string, gbids []string) (int, error) {
	var ops []clientv3.Op
	for _, gbid := range storage.DedupeGbids(gbids) {
		ops = append(ops, clientv3.OpDelete(s.client.EntryKey(gbid, participantID)))
	}

	deleted := 0
	if len(ops) > 0 {
		tctx, cancel := s.client.withTimeout(ctx)
		resp, err := s.client.client.Txn(tctx).Then(ops...).Commit()
		cancel()
		if err != nil {
			return 0, storage.NewReplicationError("删除多后端条目失败", err)
		}
		for _, r := range resp.Responses {
			deleted += int(r.GetResponseDeleteRange().GetDeleted())
		}
	}
	if deleted > 0 {
		return deleted, nil
	}

	rows, err := s.LookupByParticipantID(ctx, participantID)
	if err != nil {
		return 0, err
	}
	if len(rows) > 0 {
		s.logger.Warn("参与者不存在于所选后端",
			zap.String("participantId", participantID),
			zap.Strings("gbids", gbids))
		return storage.RemoveResultNoEntryForSelectedBackends, nil
	}
	return storage.RemoveResultNoEntryForParticipant, nil
}

// Lookup 按域列表和接口名查询
func (s *GlobalStore) Lookup(ctx context.Context, domains []string, interfaceName string) ([]*model.Entry, error) {
	wanted := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		wanted[d] = struct{}{}
	}
	return s.collect(ctx, func(e *model.Entry) bool {
		_, ok := wanted[e.Domain]
		return ok && e.InterfaceName == interfaceName
	})
}

// LookupByParticipantID 返回参与者在所有后端的行
func (s *GlobalStore) LookupByParticipantID(ctx context.Context, participantID string) ([]*model.Entry, error) {
	return s.collect(ctx, func(e *model.Entry) bool {
		return e.ParticipantID == participantID
	})
}

// Touch 刷新某节点拥有的所有行
func (s *GlobalStore) Touch(ctx context.Context, clusterControllerID string) error {
	_, err := s.touch(ctx, func(e *model.Entry) bool {
		return e.ClusterControllerID == clusterControllerID
	})
	return err
}

// TouchSelected 刷新某节点拥有的指定参与者的行
func (s *GlobalStore) TouchSelected(ctx context.Context, clusterControllerID string, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	selected := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		selected[id] = struct{}{}
	}
	_, err := s.touch(ctx, func(e *model.Entry) bool {
		_, ok := selected[e.ParticipantID]
		return ok && e.ClusterControllerID == clusterControllerID
	})
	return err
}

func (s *GlobalStore) touch(ctx context.Context, match func(*model.Entry) bool) (int, error) {
	return s.compareAndSwap(ctx, match, func(row storedRow) (clientv3.Op, error) {
		now := s.now()
		row.entry.LastSeenDateMs = now
		row.entry.ExpiryDateMs = now + s.defaultExpiryIntervalMs
		data, err := json.Marshal(row.entry)
		if err != nil {
			return clientv3.Op{}, err
		}
		return clientv3.OpPut(row.key, string(data)), nil
	})
}

// RemoveStale 删除某节点过期的行
func (s *GlobalStore) RemoveStale(ctx context.Context, clusterControllerID string, maxLastSeenDateMs int64) (int, error) {
	removed, err := s.compareAndSwap(ctx, func(e *model.Entry) bool {
		return e.ClusterControllerID == clusterControllerID && e.LastSeenDateMs < maxLastSeenDateMs
	}, func(row storedRow) (clientv3.Op, error) {
		return clientv3.OpDelete(row.key), nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("已清理过期的多后端条目",
			zap.String("clusterControllerId", clusterControllerID),
			zap.Int("count", removed))
	}
	return removed, nil
}

// Close 关闭etcd客户端
func (s *GlobalStore) Close() error {
	return s.client.Close()
}

// compareAndSwap 对匹配的行生成操作并以ModRevision比较提交，比较失败时重读重试
func (s *GlobalStore) compareAndSwap(ctx context.Context, match func(*model.Entry) bool,
	op func(storedRow) (clientv3.Op, error)) (int, error) {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		rows, err := s.readAll(ctx)
		if err != nil {
			return 0, err
		}

		var cmps []clientv3.Cmp
		var ops []clientv3.Op
		for _, row := range rows {
			if !match(row.entry) {
				continue
			}
			o, err := op(row)
			if err != nil {
				return 0, storage.NewReplicationError("生成etcd操作失败", err)
			}
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(row.key), "=", row.modRevision))
			ops = append(ops, o)
		}
		if len(ops) == 0 {
			return 0, nil
		}

		tctx, cancel := s.client.withTimeout(ctx)
		resp, err := s.client.client.Txn(tctx).If(cmps...).Then(ops...).Commit()
		cancel()
		if err != nil {
			return 0, storage.NewReplicationError("提交etcd事务失败", err)
		}
		if resp.Succeeded {
			return len(ops), nil
		}
		s.logger.Debug("etcd事务比较失败，重试", zap.Int("attempt", attempt+1))
	}
	return 0, storage.NewReplicationError("etcd事务冲突", fmt.Errorf("重试%d次后仍然失败", maxTxnRetries))
}

func (s *GlobalStore) readAll(ctx context.Context) ([]storedRow, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.client.Get(ctx, s.client.EntriesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("从etcd读取条目失败: %w", err)
	}

	rows := make([]storedRow, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e model.Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			s.logger.Warn("跳过无法解析的条目", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		rows = append(rows, storedRow{key: string(kv.Key), modRevision: kv.ModRevision, entry: &e})
	}
	return rows, nil
}

func (s *GlobalStore) collect(ctx context.Context, match func(*model.Entry) bool) ([]*model.Entry, error) {
	rows, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	var result []*model.Entry
	for _, row := range rows {
		if match(row.entry) {
			result = append(result, row.entry)
		}
	}
	storage.SortRows(result)
	return result, nil
}
