package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hewenyu/capabilities-directory/pkg/model"
)

// EntryStore 是按参与者ID和(domain, interface)双重索引的本地条目存储
type EntryStore interface {
	// Add 插入或覆盖条目，身份字段缺失时返回ErrIncompleteEntry
	Add(entry *model.Entry) error

	// AddAll 依次插入条目，遇到第一个不完整条目时停止
	AddAll(entries []*model.Entry) error

	// Remove 按参与者ID删除条目，不存在时返回false
	Remove(participantID string) bool

	// RemoveAll 批量删除，单个ID不存在不影响其余ID
	RemoveAll(participantIDs []string)

	// Lookup 按域列表和接口名查询，maxAgeMs为model.NoMaxAgeMs时不过滤
	Lookup(domains []string, interfaceName string, maxAgeMs int64) []*model.Entry

	// LookupByParticipantID 按参与者ID查询
	LookupByParticipantID(participantID string, maxAgeMs int64) (*model.Entry, bool)

	// TouchAll 刷新所有条目的时间戳，返回实际刷新过的全局条目ID
	TouchAll(lastSeenDateMs, expiryDateMs int64) []string

	// TouchSelected 刷新指定条目的时间戳，未知ID忽略
	TouchSelected(participantIDs []string, lastSeenDateMs, expiryDateMs int64)

	// RemoveExpired 删除ExpiryDateMs早于nowMs的条目并返回
	RemoveExpired(nowMs int64) []*model.Entry

	// All 返回所有条目的快照
	All() []*model.Entry

	// Has 判断是否存在与entry相等的条目
	Has(entry *model.Entry) bool

	// Len 返回条目数量
	Len() int
}

// Remove 的特殊返回值
const (
	// RemoveResultNoEntryForParticipant 参与者在任何后端都不存在
	RemoveResultNoEntryForParticipant = 0
	// RemoveResultNoEntryForSelectedBackends 参与者只存在于未选择的后端
	RemoveResultNoEntryForSelectedBackends = -1
)

// GlobalStore 是以(gbid, participantID)为主键的多后端条目存储
type GlobalStore interface {
	// Add 将条目写入每个后端，所有行要么全部写入要么全部不写
	Add(ctx context.Context, entry *model.Entry, gbids []string) error

	// Remove 删除指定后端的行，返回删除数量或RemoveResult常量
	Remove(ctx context.Context, participantID string, gbids []string) (int, error)

	// Lookup 按域列表和接口名查询，每个(后端, 参与者)一行
	Lookup(ctx context.Context, domains []string, interfaceName string) ([]*model.Entry, error)

	// LookupByParticipantID 返回参与者在所有后端的行，不存在时返回空
	LookupByParticipantID(ctx context.Context, participantID string) ([]*model.Entry, error)

	// Touch 刷新某节点拥有的所有行
	Touch(ctx context.Context, clusterControllerID string) error

	// TouchSelected 刷新某节点拥有的指定参与者的行，ID列表为空时不做任何事
	TouchSelected(ctx context.Context, clusterControllerID string, participantIDs []string) error

	// RemoveStale 删除某节点lastSeen早于maxLastSeenDateMs的行，返回删除行数
	RemoveStale(ctx context.Context, clusterControllerID string, maxLastSeenDateMs int64) (int, error)

	// Close 释放后端资源
	Close() error
}

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
	Err     error
}

// Error 实现error接口
func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *StorageError) Unwrap() error {
	return e.Err
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrAlreadyExists 资源已存在
	ErrAlreadyExists
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
	// ErrIncompleteEntry 条目缺少身份字段
	ErrIncompleteEntry
	// ErrBackendMismatch 参与者只存在于未选择的后端
	ErrBackendMismatch
	// ErrReplication 多行写入失败并已回滚
	ErrReplication
)

// IsCode 判断err链中是否包含指定代码的StorageError
func IsCode(err error, code int) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StorageError {
	return &StorageError{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewAlreadyExistsError 创建资源已存在错误
func NewAlreadyExistsError(message string) *StorageError {
	return &StorageError{
		Code:    ErrAlreadyExists,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInternal,
		Message: message,
	}
}

// NewIncompleteEntryError 创建条目不完整错误
func NewIncompleteEntryError(entry *model.Entry) *StorageError {
	return &StorageError{
		Code: ErrIncompleteEntry,
		Message: fmt.Sprintf("条目缺少身份字段: domain=%q interface=%q participantId=%q",
			entry.Domain, entry.InterfaceName, entry.ParticipantID),
	}
}

// NewBackendMismatchError 创建后端选择不匹配错误
func NewBackendMismatchError(participantID string, gbids []string) *StorageError {
	return &StorageError{
		Code:    ErrBackendMismatch,
		Message: fmt.Sprintf("参与者 %s 不存在于所选后端 %v", participantID, gbids),
	}
}

// NewReplicationError 创建复制失败错误
func NewReplicationError(message string, err error) *StorageError {
	return &StorageError{
		Code:    ErrReplication,
		Message: message,
		Err:     err,
	}
}

// DedupeGbids 按首次出现顺序去重
func DedupeGbids(gbids []string) []string {
	seen := make(map[string]struct{}, len(gbids))
	out := make([]string, 0, len(gbids))
	for _, gbid := range gbids {
		if _, ok := seen[gbid]; ok {
			continue
		}
		seen[gbid] = struct{}{}
		out = append(out, gbid)
	}
	return out
}

// ValidateAdd 校验多后端写入的参数
func ValidateAdd(entry *model.Entry, gbids []string) error {
	if entry == nil || !entry.IsComplete() {
		if entry == nil {
			entry = &model.Entry{}
		}
		return NewIncompleteEntryError(entry)
	}
	if len(gbids) == 0 {
		return NewInvalidArgumentError("后端列表不能为空")
	}
	for _, gbid := range gbids {
		if gbid == "" {
			return NewInvalidArgumentError("后端ID不能为空")
		}
	}
	return nil
}

// BackendRow 生成写入某个后端的行
func BackendRow(entry *model.Entry, gbid string) (*model.Entry, error) {
	address, err := model.StampBackend(entry.Address, gbid)
	if err != nil {
		return nil, fmt.Errorf("为后端 %s 处理地址失败: %w", gbid, err)
	}
	row := entry.Clone()
	row.Gbid = gbid
	row.Address = address
	return row, nil
}

// SortRows 按参与者ID和后端ID排序，保证多后端查询结果稳定
func SortRows(rows []*model.Entry) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ParticipantID != rows[j].ParticipantID {
			return rows[i].ParticipantID < rows[j].ParticipantID
		}
		return rows[i].Gbid < rows[j].Gbid
	})
}

// RemoveResultError 将GlobalStore.Remove的返回值转换为错误，删除成功时返回nil
func RemoveResultError(participantID string, gbids []string, result int) error {
	switch {
	case result > 0:
		return nil
	case result == RemoveResultNoEntryForSelectedBackends:
		return NewBackendMismatchError(participantID, gbids)
	default:
		return NewNotFoundError("参与者不存在: " + participantID)
	}
}
