// Package dns 通过DNS TXT查询提供参与者的只读视图
package dns

import (
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/model"
)

// Resolver 按参与者ID同步查询条目，*directory.Directory实现了该接口
type Resolver interface {
	LookupCached(participantID string, maxAgeMs int64) (*model.Entry, bool)
}

// QueryRecorder 记录DNS查询次数和缓存命中
type QueryRecorder interface {
	RecordDNSQuery(cacheHit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordDNSQuery(bool) {}

// Handler DNS请求处理器
type Handler struct {
	resolver Resolver
	cache    *DNSCache
	zone     string
	ttl      uint32
	recorder QueryRecorder
	logger   config.Logger
}

// NewHandler 创建DNS请求处理器，recorder可以为nil
func NewHandler(resolver Resolver, cache *DNSCache, zone string, ttl uint32, recorder QueryRecorder,
	logger config.Logger) *Handler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Handler{
		resolver: resolver,
		cache:    cache,
		zone:     dns.Fqdn(zone),
		ttl:      ttl,
		recorder: recorder,
		logger:   logger,
	}
}

// ServeDNS 处理DNS请求
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	// 只处理标准查询
	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		h.write(w, m)
		return
	}
	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		h.write(w, m)
		return
	}

	q := r.Question[0]
	participantID, ok := participantFromName(q.Name, h.zone)
	if !ok {
		m.Rcode = dns.RcodeRefused
		h.write(w, m)
		return
	}

	cacheable := q.Qtype == dns.TypeTXT || q.Qtype == dns.TypeANY
	if cacheable {
		if cached := h.cache.Get(GetCacheKey(participantID, q.Qtype)); cached != nil {
			h.recorder.RecordDNSQuery(true)
			cached.Id = r.Id
			cached.Question = r.Question
			h.write(w, cached)
			return
		}
	}
	h.recorder.RecordDNSQuery(false)

	m.Authoritative = true
	entry, found := h.resolver.LookupCached(participantID, model.NoMaxAgeMs)
	switch {
	case !found:
		m.Rcode = dns.RcodeNameError
	case cacheable:
		m.Answer = append(m.Answer, createTXTRecord(q.Name, entry, h.ttl))
	}
	// 其他类型返回空应答

	if cacheable {
		h.cache.Set(GetCacheKey(participantID, q.Qtype), m)
	}
	h.write(w, m)
}

func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		h.logger.Warn("写入DNS响应失败", zap.Error(err))
	}
}

// CapabilityAdded 条目注册后使该参与者的缓存失效
func (h *Handler) CapabilityAdded(entry *model.Entry) {
	h.invalidate(entry.ParticipantID)
}

// CapabilityRemoved 条目注销后使该参与者的缓存失效
func (h *Handler) CapabilityRemoved(entry *model.Entry) {
	h.invalidate(entry.ParticipantID)
}

func (h *Handler) invalidate(participantID string) {
	h.cache.DeleteParticipant(participantID)
	h.logger.Debug("DNS缓存已失效", zap.String("participantId", participantID))
}
