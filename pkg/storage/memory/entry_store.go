package memory

import (
	"container/list"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

// Option 配置EntryStore
type Option func(*EntryStore)

// WithMaxNonStickyEntries 设置非粘性条目的上限，0表示不限制
func WithMaxNonStickyEntries(n int) Option {
	return func(s *EntryStore) {
		s.maxNonSticky = n
	}
}

// WithClock 设置毫秒时钟
func WithClock(now func() int64) Option {
	return func(s *EntryStore) {
		s.now = now
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) Option {
	return func(s *EntryStore) {
		s.logger = logger
	}
}

// bucket 是(domain, interface)桶的键，两部分均已转为小写
type bucket struct {
	domain        string
	interfaceName string
}

func bucketOf(domain, interfaceName string) bucket {
	return bucket{domain: strings.ToLower(domain), interfaceName: strings.ToLower(interfaceName)}
}

// EntryStore 是基于内存的条目索引存储
//
// 所有索引以参与者ID为键，并始终在同一把锁下一起修改：参与者ID到条目、
// 参与者ID到插入序号、(domain, interface)桶到参与者ID列表、淘汰队列。
type EntryStore struct {
	mu sync.Mutex

	entries    map[string]*model.Entry
	insertedAt map[string]uint64
	buckets    map[bucket][]string

	// 非粘性条目的参与者ID按插入顺序排列，队首最旧
	evictionQueue *list.List
	queueIndex    map[string]*list.Element
	seq           uint64

	maxNonSticky int
	now          func() int64
	logger       config.Logger
}

var _ storage.EntryStore = (*EntryStore)(nil)

// NewEntryStore 创建新的条目索引存储
func NewEntryStore(opts ...Option) *EntryStore {
	s := &EntryStore{
		entries:       make(map[string]*model.Entry),
		insertedAt:    make(map[string]uint64),
		buckets:       make(map[bucket][]string),
		evictionQueue: list.New(),
		queueIndex:    make(map[string]*list.Element),
		now:           func() int64 { return time.Now().UnixMilli() },
		logger:        config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add 插入或覆盖条目
func (s *EntryStore) Add(entry *model.Entry) error {
	if entry == nil || !entry.IsComplete() {
		if entry == nil {
			entry = &model.Entry{}
		}
		return storage.NewIncompleteEntryError(entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.addLocked(entry.Clone())
	return nil
}

// AddAll 依次插入条目
func (s *EntryStore) AddAll(entries []*model.Entry) error {
	for _, entry := range entries {
		if err := s.Add(entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *EntryStore) addLocked(entry *model.Entry) {
	id := entry.ParticipantID
	s.removeLocked(id)

	bk := bucketOf(entry.Domain, entry.InterfaceName)

	s.seq++
	s.entries[id] = entry
	s.insertedAt[id] = s.seq
	s.buckets[bk] = append(s.buckets[bk], id)

	if !entry.IsSticky() {
		s.queueIndex[id] = s.evictionQueue.PushBack(id)
		s.evictLocked()
	}

	s.logger.Debug("条目已写入",
		zap.String("participantId", entry.ParticipantID),
		zap.String("domain", entry.Domain),
		zap.String("interface", entry.InterfaceName))
}

// evictLocked 淘汰最旧的非粘性条目直到不超过上限
func (s *EntryStore) evictLocked() {
	if s.maxNonSticky <= 0 {
		return
	}
	for s.evictionQueue.Len() > s.maxNonSticky {
		oldest := s.evictionQueue.Front()
		id := oldest.Value.(string)
		// 先出队，保证即使索引已无该条目循环也会前进
		s.evictionQueue.Remove(oldest)
		delete(s.queueIndex, id)
		s.removeLocked(id)
		s.logger.Debug("达到容量上限，淘汰条目", zap.String("participantId", id))
	}
}

// removeLocked 从所有索引和淘汰队列中删除条目，空桶一并删除
func (s *EntryStore) removeLocked(participantID string) *model.Entry {
	entry, ok := s.entries[participantID]
	if !ok {
		return nil
	}

	delete(s.entries, participantID)
	delete(s.insertedAt, participantID)
	if elem, ok := s.queueIndex[participantID]; ok {
		s.evictionQueue.Remove(elem)
		delete(s.queueIndex, participantID)
	}

	bk := bucketOf(entry.Domain, entry.InterfaceName)
	ids := s.buckets[bk]
	for i, id := range ids {
		if id == participantID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.buckets, bk)
	} else {
		s.buckets[bk] = ids
	}
	return entry
}

// Remove 按参与者ID删除条目
func (s *EntryStore) Remove(participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeLocked(participantID) == nil {
		s.logger.Warn("删除失败，参与者不存在", zap.String("participantId", participantID))
		return false
	}
	return true
}

// RemoveAll 批量删除
func (s *EntryStore) RemoveAll(participantIDs []string) {
	for _, id := range participantIDs {
		s.Remove(id)
	}
}

// Lookup 按域列表和接口名查询
func (s *EntryStore) Lookup(domains []string, interfaceName string, maxAgeMs int64) []*model.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seen := make(map[string]struct{})
	var result []*model.Entry
	for _, domain := range domains {
		for _, id := range s.buckets[bucketOf(domain, interfaceName)] {
			entry := s.entries[id]
			// 桶键不区分大小写，这里按原始大小写精确匹配
			if entry.Domain != domain || entry.InterfaceName != interfaceName {
				continue
			}
			if !model.IsFresh(entry.LastSeenDateMs, now, maxAgeMs) {
				continue
			}
			if _, dup := seen[entry.ParticipantID]; dup {
				continue
			}
			seen[entry.ParticipantID] = struct{}{}
			result = append(result, entry.Clone())
		}
	}
	return result
}

// LookupByParticipantID 按参与者ID查询
func (s *EntryStore) LookupByParticipantID(participantID string, maxAgeMs int64) (*model.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[participantID]
	if !ok {
		return nil, false
	}
	if !model.IsFresh(entry.LastSeenDateMs, s.now(), maxAgeMs) {
		return nil, false
	}
	return entry.Clone(), true
}

// touchLocked 单调推进时间戳，返回是否有变化
func touchLocked(entry *model.Entry, lastSeenDateMs, expiryDateMs int64) bool {
	changed := false
	if lastSeenDateMs > entry.LastSeenDateMs {
		entry.LastSeenDateMs = lastSeenDateMs
		changed = true
	}
	if expiryDateMs > entry.ExpiryDateMs {
		entry.ExpiryDateMs = expiryDateMs
		changed = true
	}
	return changed
}

// TouchAll 刷新所有条目
func (s *EntryStore) TouchAll(lastSeenDateMs, expiryDateMs int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var touched []string
	for _, entry := range s.entries {
		if touchLocked(entry, lastSeenDateMs, expiryDateMs) && entry.IsGlobal() {
			touched = append(touched, entry.ParticipantID)
		}
	}
	return touched
}

// TouchSelected 刷新指定条目
func (s *EntryStore) TouchSelected(participantIDs []string, lastSeenDateMs, expiryDateMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range participantIDs {
		if entry, ok := s.entries[id]; ok {
			touchLocked(entry, lastSeenDateMs, expiryDateMs)
		}
	}
}

// RemoveExpired 删除已过期的条目
func (s *EntryStore) RemoveExpired(nowMs int64) []*model.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, entry := range s.entries {
		if !entry.IsSticky() && entry.ExpiryDateMs < nowMs {
			expired = append(expired, id)
		}
	}

	removed := make([]*model.Entry, 0, len(expired))
	for _, id := range expired {
		removed = append(removed, s.removeLocked(id))
	}
	if len(removed) > 0 {
		s.logger.Info("已清理过期条目", zap.Int("count", len(removed)))
	}
	return removed
}

// All 按插入顺序返回所有条目的快照
func (s *EntryStore) All() []*model.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.insertedAt[ids[i]] < s.insertedAt[ids[j]]
	})

	result := make([]*model.Entry, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.entries[id].Clone())
	}
	return result
}

// Has 判断是否存在相等的条目
func (s *EntryStore) Has(entry *model.Entry) bool {
	if entry == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[entry.ParticipantID]
	if !ok {
		return false
	}
	return stored.Equal(entry)
}

// Len 返回条目数量
func (s *EntryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
