package directory

import (
	"context"

	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

// RemoteDirectory 是到全局目录的调用边界
//
// 所有方法都是阻塞调用，必须遵守ctx的截止时间；Directory负责把它们包装成异步的Future。
type RemoteDirectory interface {
	SendRegister(ctx context.Context, entry *model.Entry, gbids []string) error
	SendLookup(ctx context.Context, domains []string, interfaceName string, gbids []string) ([]*model.Entry, error)
	SendLookupByParticipantID(ctx context.Context, participantID string, gbids []string) ([]*model.Entry, error)
	SendUnregister(ctx context.Context, participantID string, gbids []string) error
	SendTouch(ctx context.Context, clusterControllerID string, participantIDs []string) error
	SendRemoveStale(ctx context.Context, clusterControllerID string, maxLastSeenDateMs int64) error
}

// StoreRemote 在进程内直接调用storage.GlobalStore
type StoreRemote struct {
	store storage.GlobalStore
}

var _ RemoteDirectory = (*StoreRemote)(nil)

// NewStoreRemote 创建进程内的全局目录适配器
func NewStoreRemote(store storage.GlobalStore) *StoreRemote {
	return &StoreRemote{store: store}
}

// SendRegister 写入全局存储
func (r *StoreRemote) SendRegister(ctx context.Context, entry *model.Entry, gbids []string) error {
	return r.store.Add(ctx, entry, gbids)
}

// SendLookup 查询全局存储，只返回所选后端的行
func (r *StoreRemote) SendLookup(ctx context.Context, domains []string, interfaceName string, gbids []string) ([]*model.Entry, error) {
	rows, err := r.store.Lookup(ctx, domains, interfaceName)
	if err != nil {
		return nil, err
	}
	return FilterByGbids(rows, gbids), nil
}

// SendLookupByParticipantID 按参与者ID查询全局存储
func (r *StoreRemote) SendLookupByParticipantID(ctx context.Context, participantID string, gbids []string) ([]*model.Entry, error) {
	rows, err := r.store.LookupByParticipantID(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return FilterByGbids(rows, gbids), nil
}

// SendUnregister 从所选后端删除
func (r *StoreRemote) SendUnregister(ctx context.Context, participantID string, gbids []string) error {
	n, err := r.store.Remove(ctx, participantID, gbids)
	if err != nil {
		return err
	}
	return storage.RemoveResultError(participantID, gbids, n)
}

// SendTouch 刷新本节点的全局条目
func (r *StoreRemote) SendTouch(ctx context.Context, clusterControllerID string, participantIDs []string) error {
	return r.store.TouchSelected(ctx, clusterControllerID, participantIDs)
}

// SendRemoveStale 清理本节点上一次运行遗留的全局条目
func (r *StoreRemote) SendRemoveStale(ctx context.Context, clusterControllerID string, maxLastSeenDateMs int64) error {
	_, err := r.store.RemoveStale(ctx, clusterControllerID, maxLastSeenDateMs)
	return err
}

// FilterByGbids 只保留属于gbids的行，gbids为空时原样返回
func FilterByGbids(rows []*model.Entry, gbids []string) []*model.Entry {
	if len(gbids) == 0 {
		return rows
	}
	wanted := make(map[string]struct{}, len(gbids))
	for _, g := range gbids {
		wanted[g] = struct{}{}
	}
	out := rows[:0]
	for _, row := range rows {
		if _, ok := wanted[row.Gbid]; ok {
			out = append(out, row)
		}
	}
	return out
}
