// Package directory 组合本地条目存储、全局条目缓存和全局目录，提供注册、注销和查询
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
	"github.com/hewenyu/capabilities-directory/pkg/storage/memory"
)

// RegistrationState 表示条目的全局注册状态
type RegistrationState string

const (
	StateUnregistered RegistrationState = "UNREGISTERED"
	StateLocalOnly    RegistrationState = "LOCAL_ONLY"
	StatePending      RegistrationState = "PENDING"
	StateConfirmed    RegistrationState = "CONFIRMED"
	StateFailed       RegistrationState = "FAILED"
)

// Options 目录配置
type Options struct {
	ClusterControllerID    string
	KnownGbids             []string // 第一个为默认后端
	DefaultExpiryInterval  time.Duration
	MessageTTL             time.Duration
	MaxCachedGlobalEntries int
}

// Option 配置Directory的可选依赖
type Option func(*Directory)

// WithClock 设置毫秒时钟
func WithClock(now func() int64) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// WithTracer 设置链路追踪
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Directory) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// RegisterOptions 注册参数
type RegisterOptions struct {
	// Gbids 全局注册的目标后端，为空时使用默认后端
	Gbids []string
	// AwaitGlobalRegistration 为true时全局注册失败会撤销本地注册
	AwaitGlobalRegistration bool
}

type registration struct {
	state      RegistrationState
	gbids      []string
	generation uint64
}

// Directory 是能力目录的门面
type Directory struct {
	opts   Options
	local  storage.EntryStore
	cache  storage.EntryStore
	remote RemoteDirectory

	// mu 串行化本地注册/注销并保护registrations
	mu            sync.Mutex
	registrations map[string]*registration
	generation    uint64

	// notifyMu 保证监听器通知与本地修改同序
	notifyMu  sync.Mutex
	listeners listenerSet

	now    func() int64
	logger config.Logger
	tracer trace.Tracer
}

// New 创建目录
func New(opts Options, remote RemoteDirectory, extra ...Option) (*Directory, error) {
	if remote == nil {
		return nil, fmt.Errorf("全局目录不能为空")
	}
	if len(opts.KnownGbids) == 0 {
		return nil, storage.NewInvalidArgumentError("至少需要一个已知后端")
	}
	if opts.DefaultExpiryInterval <= 0 {
		return nil, storage.NewInvalidArgumentError("默认过期间隔必须大于0")
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = time.Minute
	}

	d := &Directory{
		opts:          opts,
		remote:        remote,
		registrations: make(map[string]*registration),
		now:           func() int64 { return time.Now().UnixMilli() },
		logger:        config.NewNopLogger(),
		tracer:        noop.NewTracerProvider().Tracer("noop"),
	}
	for _, o := range extra {
		o(d)
	}

	d.local = memory.NewEntryStore(memory.WithClock(d.now), memory.WithLogger(d.logger))
	d.cache = memory.NewEntryStore(
		memory.WithClock(d.now),
		memory.WithLogger(d.logger),
		memory.WithMaxNonStickyEntries(opts.MaxCachedGlobalEntries),
	)
	return d, nil
}

// AddCapabilityListener 注册监听器
func (d *Directory) AddCapabilityListener(l CapabilityListener) {
	d.listeners.add(l)
}

// RemoveCapabilityListener 注销监听器
func (d *Directory) RemoveCapabilityListener(l CapabilityListener) {
	d.listeners.remove(l)
}

// resolveGbids 校验并去重后端ID，为空时返回fallback
func (d *Directory) resolveGbids(gbids, fallback []string) ([]string, error) {
	if len(gbids) == 0 {
		return fallback, nil
	}
	known := make(map[string]struct{}, len(d.opts.KnownGbids))
	for _, g := range d.opts.KnownGbids {
		known[g] = struct{}{}
	}
	for _, g := range gbids {
		if g == "" {
			return nil, storage.NewInvalidArgumentError("后端ID不能为空")
		}
		if _, ok := known[g]; !ok {
			return nil, storage.NewInvalidArgumentError("未知的后端ID: " + g)
		}
	}
	return storage.DedupeGbids(gbids), nil
}

// Register 注册条目。本地写入同步完成，全局条目的传播结果通过返回的Future获得。
func (d *Directory) Register(ctx context.Context, entry *model.Entry, opts RegisterOptions) (*Future, error) {
	ctx, span := d.tracer.Start(ctx, "directory.Register", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if entry == nil || !entry.IsComplete() {
		if entry == nil {
			entry = &model.Entry{}
		}
		err := storage.NewIncompleteEntryError(entry)
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("participant_id", entry.ParticipantID),
		attribute.String("scope", string(entry.Qos.Scope)),
	)

	gbids, err := d.resolveGbids(opts.Gbids, d.opts.KnownGbids[:1])
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	e := entry.Clone()
	now := d.now()
	e.ClusterControllerID = d.opts.ClusterControllerID
	e.LastSeenDateMs = now
	if e.ExpiryDateMs == 0 {
		e.ExpiryDateMs = now + d.opts.DefaultExpiryInterval.Milliseconds()
	}
	e.Gbid = ""

	d.mu.Lock()
	// 本地注册优先于缓存的全局条目
	d.uncacheLocked(e.ParticipantID)
	if err := d.local.Add(e); err != nil {
		d.mu.Unlock()
		recordError(span, err)
		return nil, err
	}
	d.generation++
	reg := &registration{state: StateLocalOnly, gbids: gbids, generation: d.generation}
	if e.IsGlobal() {
		reg.state = StatePending
	}
	d.registrations[e.ParticipantID] = reg
	d.unlockAndNotify(func() { d.listeners.fireAdded(e) })

	d.logger.Info("条目已注册",
		zap.String("participantId", e.ParticipantID),
		zap.String("domain", e.Domain),
		zap.String("interface", e.InterfaceName),
		zap.String("scope", string(e.Qos.Scope)))

	if !e.IsGlobal() {
		return resolvedFuture(nil), nil
	}

	future := newFuture()
	go d.propagateRegister(context.WithoutCancel(ctx), e, reg.generation, gbids, opts.AwaitGlobalRegistration, future)
	return future, nil
}

func (d *Directory) propagateRegister(ctx context.Context, e *model.Entry, generation uint64, gbids []string,
	await bool, future *Future) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.MessageTTL)
	defer cancel()

	err := callWithDeadline(ctx, func(ctx context.Context) error {
		return d.remote.SendRegister(ctx, e, gbids)
	})

	d.mu.Lock()
	reg, ok := d.registrations[e.ParticipantID]
	current := ok && reg.generation == generation
	rollback := false
	if current {
		if err == nil {
			reg.state = StateConfirmed
			// 全局注册成功后与全局目录的查询结果保持一致
			d.cacheLocked(e)
		} else {
			reg.state = StateFailed
			if await {
				d.local.Remove(e.ParticipantID)
				delete(d.registrations, e.ParticipantID)
				rollback = true
			}
		}
	}
	if rollback {
		d.unlockAndNotify(func() { d.listeners.fireRemoved(e) })
	} else {
		d.mu.Unlock()
	}

	if err != nil {
		d.logger.Error("全局注册失败",
			zap.String("participantId", e.ParticipantID),
			zap.Strings("gbids", gbids),
			zap.Error(err))
		future.complete(storage.NewReplicationError("全局注册失败", err))
		return
	}

	d.logger.Debug("全局注册成功", zap.String("participantId", e.ParticipantID), zap.Strings("gbids", gbids))
	future.complete(nil)
}

// Unregister 注销条目。本地删除同步完成并通知监听器，全局条目的删除结果通过Future获得。
func (d *Directory) Unregister(ctx context.Context, participantID string) (*Future, error) {
	ctx, span := d.tracer.Start(ctx, "directory.Unregister",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("participant_id", participantID)))
	defer span.End()

	if participantID == "" {
		err := storage.NewInvalidArgumentError("参与者ID不能为空")
		recordError(span, err)
		return nil, err
	}

	d.mu.Lock()
	entry, ok := d.local.LookupByParticipantID(participantID, model.NoMaxAgeMs)
	if !ok {
		d.mu.Unlock()
		d.logger.Warn("注销的参与者不存在", zap.String("participantId", participantID))
		return resolvedFuture(nil), nil
	}
	d.local.Remove(participantID)
	gbids := d.opts.KnownGbids[:1]
	if reg, ok := d.registrations[participantID]; ok {
		gbids = reg.gbids
		delete(d.registrations, participantID)
	}
	d.unlockAndNotify(func() { d.listeners.fireRemoved(entry) })

	d.logger.Info("条目已注销", zap.String("participantId", participantID))

	if !entry.IsGlobal() {
		return resolvedFuture(nil), nil
	}

	future := newFuture()
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.MessageTTL)
		defer cancel()

		err := callWithDeadline(ctx, func(ctx context.Context) error {
			return d.remote.SendUnregister(ctx, participantID, gbids)
		})
		if storage.IsCode(err, storage.ErrNotFound) {
			d.logger.Warn("全局目录中不存在该参与者", zap.String("participantId", participantID))
			err = nil
		}
		if err != nil {
			d.logger.Error("全局注销失败", zap.String("participantId", participantID), zap.Error(err))
			future.complete(storage.NewReplicationError("全局注销失败", err))
			return
		}

		d.mu.Lock()
		// 期间重新注册的参与者保留缓存
		if _, registered := d.registrations[participantID]; !registered {
			d.uncacheLocked(participantID)
		}
		d.mu.Unlock()
		future.complete(nil)
	}()
	return future, nil
}

// Lookup 按查询范围查找条目
func (d *Directory) Lookup(ctx context.Context, domains []string, interfaceName string, qos model.DiscoveryQos,
	gbids []string) ([]model.EntryWithMetaInfo, error) {
	ctx, span := d.tracer.Start(ctx, "directory.Lookup",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.StringSlice("domains", domains),
			attribute.String("interface", interfaceName),
			attribute.String("discovery_scope", string(qos.DiscoveryScope)),
		))
	defer span.End()

	result, err := d.lookup(ctx, domains, interfaceName, qos, gbids)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("result_count", len(result)))
	return result, nil
}

func (d *Directory) lookup(ctx context.Context, domains []string, interfaceName string, qos model.DiscoveryQos,
	gbids []string) ([]model.EntryWithMetaInfo, error) {
	if len(domains) == 0 || interfaceName == "" {
		return nil, storage.NewInvalidArgumentError("域列表和接口名不能为空")
	}
	if !qos.DiscoveryScope.Valid() {
		return nil, storage.NewInvalidArgumentError("未知的查询范围: " + string(qos.DiscoveryScope))
	}
	gbids, err := d.resolveGbids(gbids, d.opts.KnownGbids)
	if err != nil {
		return nil, err
	}

	var local []model.EntryWithMetaInfo
	if qos.DiscoveryScope != model.DiscoveryScopeGlobalOnly {
		local = d.withLocalMeta(d.local.Lookup(domains, interfaceName, model.NoMaxAgeMs))
	}

	switch qos.DiscoveryScope {
	case model.DiscoveryScopeLocalOnly:
		return filterOnChange(local, qos), nil
	case model.DiscoveryScopeLocalThenGlobal:
		if len(local) > 0 {
			return filterOnChange(local, qos), nil
		}
	}

	global, err := d.lookupGlobal(ctx, domains, interfaceName, qos, gbids)
	if err != nil {
		return nil, err
	}
	return filterOnChange(mergeLocalWins(local, global), qos), nil
}

// lookupGlobal 先查缓存，只要有一个域没有新鲜的缓存条目就查询全局目录
func (d *Directory) lookupGlobal(ctx context.Context, domains []string, interfaceName string, qos model.DiscoveryQos,
	gbids []string) ([]model.EntryWithMetaInfo, error) {
	cached := d.cachedLookup(domains, interfaceName, qos.CacheMaxAgeMs)
	if coversDomains(cached, domains) {
		return withGlobalMeta(cached), nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.discoveryTimeout(qos))
	defer cancel()

	var rows []*model.Entry
	err := callWithDeadline(ctx, func(ctx context.Context) error {
		var err error
		rows, err = d.remote.SendLookup(ctx, domains, interfaceName, gbids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("查询全局目录失败: %w", err)
	}

	rows = dedupeByParticipant(rows)
	d.cacheRemote(rows)
	return withGlobalMeta(rows), nil
}

// LookupByParticipantID 按参与者ID查找条目
func (d *Directory) LookupByParticipantID(ctx context.Context, participantID string, qos model.DiscoveryQos,
	gbids []string) (model.EntryWithMetaInfo, bool, error) {
	ctx, span := d.tracer.Start(ctx, "directory.LookupByParticipantID",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("participant_id", participantID)))
	defer span.End()

	if !qos.DiscoveryScope.Valid() {
		err := storage.NewInvalidArgumentError("未知的查询范围: " + string(qos.DiscoveryScope))
		recordError(span, err)
		return model.EntryWithMetaInfo{}, false, err
	}
	gbids, err := d.resolveGbids(gbids, d.opts.KnownGbids)
	if err != nil {
		recordError(span, err)
		return model.EntryWithMetaInfo{}, false, err
	}

	if qos.DiscoveryScope != model.DiscoveryScopeGlobalOnly {
		if e, ok := d.local.LookupByParticipantID(participantID, model.NoMaxAgeMs); ok {
			return d.withLocalMeta([]*model.Entry{e})[0], true, nil
		}
		if qos.DiscoveryScope == model.DiscoveryScopeLocalOnly {
			return model.EntryWithMetaInfo{}, false, nil
		}
	}

	if e, ok := d.cachedByParticipant(participantID, qos.CacheMaxAgeMs); ok {
		return withGlobalMeta([]*model.Entry{e})[0], true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.discoveryTimeout(qos))
	defer cancel()

	var rows []*model.Entry
	err = callWithDeadline(ctx, func(ctx context.Context) error {
		var err error
		rows, err = d.remote.SendLookupByParticipantID(ctx, participantID, gbids)
		return err
	})
	if err != nil {
		recordError(span, err)
		return model.EntryWithMetaInfo{}, false, fmt.Errorf("查询全局目录失败: %w", err)
	}
	if len(rows) == 0 {
		return model.EntryWithMetaInfo{}, false, nil
	}
	d.cacheRemote(rows[:1])
	return withGlobalMeta(rows[:1])[0], true, nil
}

// LookupCached 同步查询本地条目和缓存，不访问全局目录
func (d *Directory) LookupCached(participantID string, maxAgeMs int64) (*model.Entry, bool) {
	if e, ok := d.local.LookupByParticipantID(participantID, model.NoMaxAgeMs); ok {
		return e, true
	}
	return d.cachedByParticipant(participantID, maxAgeMs)
}

// cachedLookup 查询缓存，粘性条目不受maxAgeMs限制
func (d *Directory) cachedLookup(domains []string, interfaceName string, maxAgeMs int64) []*model.Entry {
	now := d.now()
	var out []*model.Entry
	for _, e := range d.cache.Lookup(domains, interfaceName, model.NoMaxAgeMs) {
		if e.IsSticky() || model.IsFresh(e.LastSeenDateMs, now, maxAgeMs) {
			out = append(out, e)
		}
	}
	return out
}

func (d *Directory) cachedByParticipant(participantID string, maxAgeMs int64) (*model.Entry, bool) {
	e, ok := d.cache.LookupByParticipantID(participantID, model.NoMaxAgeMs)
	if !ok || !(e.IsSticky() || model.IsFresh(e.LastSeenDateMs, d.now(), maxAgeMs)) {
		return nil, false
	}
	return e, true
}

// GlobalState 返回参与者的全局注册状态
func (d *Directory) GlobalState(participantID string) RegistrationState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if reg, ok := d.registrations[participantID]; ok {
		return reg.state
	}
	return StateUnregistered
}

// Provision 把静态条目作为粘性条目写入全局缓存
func (d *Directory) Provision(entries []*model.Entry) error {
	for _, entry := range entries {
		e := entry.Clone()
		e.ExpiryDateMs = model.StickyExpiryDateMs
		if err := d.cache.Add(e); err != nil {
			return fmt.Errorf("写入静态条目失败: %w", err)
		}
	}
	d.logger.Info("静态条目已加载", zap.Int("count", len(entries)))
	return nil
}

// TouchAll 刷新本地条目并把刷新过的全局条目同步给全局目录
func (d *Directory) TouchAll(ctx context.Context) error {
	now := d.now()
	expiry := now + d.opts.DefaultExpiryInterval.Milliseconds()
	touched := d.local.TouchAll(now, expiry)
	if len(touched) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.MessageTTL)
	defer cancel()

	err := callWithDeadline(ctx, func(ctx context.Context) error {
		return d.remote.SendTouch(ctx, d.opts.ClusterControllerID, touched)
	})
	if err != nil {
		return fmt.Errorf("同步全局条目刷新失败: %w", err)
	}
	d.cache.TouchSelected(touched, now, expiry)
	d.logger.Debug("已刷新全局条目", zap.Int("count", len(touched)))
	return nil
}

// RemoveExpired 删除本地和缓存中已过期的条目，返回删除数量
func (d *Directory) RemoveExpired() int {
	now := d.now()

	d.mu.Lock()
	removedLocal := d.local.RemoveExpired(now)
	for _, e := range removedLocal {
		delete(d.registrations, e.ParticipantID)
	}
	d.unlockAndNotify(func() {
		for _, e := range removedLocal {
			d.listeners.fireRemoved(e)
		}
	})

	removedCached := d.cache.RemoveExpired(now)
	return len(removedLocal) + len(removedCached)
}

// RemoveStaleFromGlobal 请求全局目录删除本节点lastSeen早于maxLastSeenDateMs的条目
func (d *Directory) RemoveStaleFromGlobal(ctx context.Context, maxLastSeenDateMs int64) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.MessageTTL)
	defer cancel()

	return callWithDeadline(ctx, func(ctx context.Context) error {
		return d.remote.SendRemoveStale(ctx, d.opts.ClusterControllerID, maxLastSeenDateMs)
	})
}

func (d *Directory) discoveryTimeout(qos model.DiscoveryQos) time.Duration {
	if qos.DiscoveryTimeoutMs > 0 {
		return time.Duration(qos.DiscoveryTimeoutMs) * time.Millisecond
	}
	return d.opts.MessageTTL
}

// cacheRemote 缓存全局目录返回的条目，包括本节点注册的全局条目
func (d *Directory) cacheRemote(rows []*model.Entry) {
	for _, row := range rows {
		if err := d.cache.Add(row); err != nil {
			d.logger.Warn("缓存全局条目失败", zap.String("participantId", row.ParticipantID), zap.Error(err))
		}
	}
}

// cacheLocked 把全局注册成功的本地条目写入缓存，调用方持有d.mu
func (d *Directory) cacheLocked(e *model.Entry) {
	if err := d.cache.Add(e); err != nil {
		d.logger.Warn("缓存全局条目失败", zap.String("participantId", e.ParticipantID), zap.Error(err))
	}
}

// uncacheLocked 删除缓存中的条目，调用方持有d.mu
func (d *Directory) uncacheLocked(participantID string) {
	if _, cached := d.cache.LookupByParticipantID(participantID, model.NoMaxAgeMs); cached {
		d.cache.Remove(participantID)
	}
}

func (d *Directory) withLocalMeta(entries []*model.Entry) []model.EntryWithMetaInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]model.EntryWithMetaInfo, 0, len(entries))
	for _, e := range entries {
		confirmed := false
		if reg, ok := d.registrations[e.ParticipantID]; ok {
			confirmed = reg.state == StateConfirmed
		}
		out = append(out, model.EntryWithMetaInfo{Entry: e, IsLocal: true, GloballyConfirmed: confirmed})
	}
	return out
}

func withGlobalMeta(entries []*model.Entry) []model.EntryWithMetaInfo {
	out := make([]model.EntryWithMetaInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.EntryWithMetaInfo{Entry: e, GloballyConfirmed: true})
	}
	return out
}

// mergeLocalWins 合并本地和全局结果，参与者ID重复时保留本地条目
func mergeLocalWins(local, global []model.EntryWithMetaInfo) []model.EntryWithMetaInfo {
	seen := make(map[string]struct{}, len(local))
	out := make([]model.EntryWithMetaInfo, 0, len(local)+len(global))
	for _, e := range local {
		seen[e.ParticipantID] = struct{}{}
		out = append(out, e)
	}
	for _, e := range global {
		if _, dup := seen[e.ParticipantID]; dup {
			continue
		}
		seen[e.ParticipantID] = struct{}{}
		out = append(out, e)
	}
	return out
}

func dedupeByParticipant(rows []*model.Entry) []*model.Entry {
	seen := make(map[string]struct{}, len(rows))
	out := make([]*model.Entry, 0, len(rows))
	for _, row := range rows {
		if _, dup := seen[row.ParticipantID]; dup {
			continue
		}
		seen[row.ParticipantID] = struct{}{}
		out = append(out, row)
	}
	return out
}

func coversDomains(entries []*model.Entry, domains []string) bool {
	found := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		found[e.Domain] = struct{}{}
	}
	for _, d := range domains {
		if _, ok := found[d]; !ok {
			return false
		}
	}
	return true
}

func filterOnChange(entries []model.EntryWithMetaInfo, qos model.DiscoveryQos) []model.EntryWithMetaInfo {
	if !qos.ProviderMustSupportOnChange {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Qos.SupportsOnChangeSubscriptions {
			out = append(out, e)
		}
	}
	return out
}

// unlockAndNotify 在释放d.mu之前取得notifyMu，监听器按修改的顺序收到通知，
// 回调执行时不持有d.mu
func (d *Directory) unlockAndNotify(notify func()) {
	d.notifyMu.Lock()
	d.mu.Unlock()
	defer d.notifyMu.Unlock()
	notify()
}

// callWithDeadline 在ctx结束时立即返回，即使call没有遵守ctx
func callWithDeadline(ctx context.Context, call func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- call(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
