package directory

import (
	"sync"

	"github.com/hewenyu/capabilities-directory/pkg/model"
)

// CapabilityListener 接收本地条目的增删通知。回调在触发变更的goroutine上同步执行，
// 按本地修改的顺序串行调用；回调中可以查询目录，但不能同步调用Register、Unregister或RemoveExpired。
type CapabilityListener interface {
	CapabilityAdded(entry *model.Entry)
	CapabilityRemoved(entry *model.Entry)
}

// ListenerFuncs 用函数实现CapabilityListener，未设置的回调忽略
type ListenerFuncs struct {
	Added   func(entry *model.Entry)
	Removed func(entry *model.Entry)
}

// CapabilityAdded 实现CapabilityListener
func (l *ListenerFuncs) CapabilityAdded(entry *model.Entry) {
	if l.Added != nil {
		l.Added(entry)
	}
}

// CapabilityRemoved 实现CapabilityListener
func (l *ListenerFuncs) CapabilityRemoved(entry *model.Entry) {
	if l.Removed != nil {
		l.Removed(entry)
	}
}

type listenerSet struct {
	mu        sync.RWMutex
	listeners []CapabilityListener
}

func (s *listenerSet) add(l CapabilityListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) remove(l CapabilityListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// snapshot 在读锁下复制监听器列表，回调时不持有锁
func (s *listenerSet) snapshot() []CapabilityListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CapabilityListener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *listenerSet) fireAdded(entry *model.Entry) {
	for _, l := range s.snapshot() {
		l.CapabilityAdded(entry.Clone())
	}
}

func (s *listenerSet) fireRemoved(entry *model.Entry) {
	for _, l := range s.snapshot() {
		l.CapabilityRemoved(entry.Clone())
	}
}
