package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

type rowKey struct {
	gbid          string
	participantID string
}

// GlobalStoreOption 配置GlobalStore
type GlobalStoreOption func(*GlobalStore)

// WithGlobalClock 设置毫秒时钟
func WithGlobalClock(now func() int64) GlobalStoreOption {
	return func(s *GlobalStore) {
		s.now = now
	}
}

// WithGlobalLogger 设置日志
func WithGlobalLogger(logger config.Logger) GlobalStoreOption {
	return func(s *GlobalStore) {
		s.logger = logger
	}
}

// GlobalStore 是基于内存的多后端存储，主要用于测试和单机部署
type GlobalStore struct {
	mu   sync.RWMutex
	rows map[rowKey]*model.Entry

	defaultExpiryIntervalMs int64
	now                     func() int64
	logger                  config.Logger
}

var _ storage.GlobalStore = (*GlobalStore)(nil)

// NewGlobalStore 创建新的内存多后端存储
func NewGlobalStore(defaultExpiryInterval time.Duration, opts ...GlobalStoreOption) *GlobalStore {
	s := &GlobalStore{
		rows:                    make(map[rowKey]*model.Entry),
		defaultExpiryIntervalMs: defaultExpiryInterval.Milliseconds(),
		now:                     func() int64 { return time.Now().UnixMilli() },
		logger:                  config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add 将条目写入每个后端
func (s *GlobalStore) Add(ctx context.Context, entry *model.Entry, gbids []string) error {
	if err := storage.ValidateAdd(entry, gbids); err != nil {
		return err
	}

	// 先生成全部行，任何一行失败都不写入
	gbids = storage.DedupeGbids(gbids)
	rows := make([]*model.Entry, 0, len(gbids))
	for _, gbid := range gbids {
		row, err := storage.BackendRow(entry, gbid)
		if err != nil {
			return storage.NewReplicationError("写入多后端条目失败", err)
		}
		rows = append(rows, row)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		s.rows[rowKey{gbid: row.Gbid, participantID: row.ParticipantID}] = row
	}

	s.logger.Debug("多后端条目已写入",
		zap.String("participantId", entry.ParticipantID),
		zap.Strings("gbids", gbids))
	return nil
}

// Remove 删除指定后端的行
func (s *GlobalStore) Remove(ctx context.Context, participantID string, gbids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, gbid := range storage.DedupeGbids(gbids) {
		key := rowKey{gbid: gbid, participantID: participantID}
		if _, ok := s.rows[key]; ok {
			delete(s.rows, key)
			deleted++
		}
	}
	if deleted > 0 {
		return deleted, nil
	}

	for key := range s.rows {
		if key.participantID == participantID {
			s.logger.Warn("参与者不存在于所选后端",
				zap.String("participantId", participantID),
				zap.Strings("gbids", gbids))
			return storage.RemoveResultNoEntryForSelectedBackends, nil
		}
	}
	return storage.RemoveResultNoEntryForParticipant, nil
}

// Lookup 按域列表和接口名查询
func (s *GlobalStore) Lookup(ctx context.Context, domains []string, interfaceName string) ([]*model.Entry, error) {
	wanted := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		wanted[d] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Entry
	for _, row := range s.rows {
		if _, ok := wanted[row.Domain]; ok && row.InterfaceName == interfaceName {
			result = append(result, row.Clone())
		}
	}
	storage.SortRows(result)
	return result, nil
}

// LookupByParticipantID 返回参与者在所有后端的行
func (s *GlobalStore) LookupByParticipantID(ctx context.Context, participantID string) ([]*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Entry
	for key, row := range s.rows {
		if key.participantID == participantID {
			result = append(result, row.Clone())
		}
	}
	storage.SortRows(result)
	return result, nil
}

// Touch 刷新某节点拥有的所有行
func (s *GlobalStore) Touch(ctx context.Context, clusterControllerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, row := range s.rows {
		if row.ClusterControllerID == clusterControllerID {
			s.touchRow(row, now)
		}
	}
	return nil
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, row := range s.rows {
		if _, ok := selected[key.participantID]; ok && row.ClusterControllerID == clusterControllerID {
			s.touchRow(row, now)
		}
	}
	return nil
}

func (s *GlobalStore) touchRow(row *model.Entry, now int64) {
	row.LastSeenDateMs = now
	row.ExpiryDateMs = now + s.defaultExpiryIntervalMs
}

// RemoveStale 删除某节点过期的行
func (s *GlobalStore) RemoveStale(ctx context.Context, clusterControllerID string, maxLastSeenDateMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, row := range s.rows {
		if row.ClusterControllerID == clusterControllerID && row.LastSeenDateMs < maxLastSeenDateMs {
			delete(s.rows, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("已清理过期的多后端条目",
			zap.String("clusterControllerId", clusterControllerID),
			zap.Int("count", removed))
	}
	return removed, nil
}

// Close 内存存储无需释放资源
func (s *GlobalStore) Close() error {
	return nil
}
