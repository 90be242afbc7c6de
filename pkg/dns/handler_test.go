package dns

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/model"
)

const testZone = "capabilities.local."

// fakeResolver 记录查询次数的内存解析器
type fakeResolver struct {
	mu      sync.Mutex
	entries map[string]*model.Entry
	calls   int
}

func newFakeResolver(entries ...*model.Entry) *fakeResolver {
	r := &fakeResolver{entries: make(map[string]*model.Entry)}
	for _, e := range entries {
		r.entries[e.ParticipantID] = e
	}
	return r
}

func (r *fakeResolver) LookupCached(participantID string, _ int64) (*model.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	e, ok := r.entries[participantID]
	return e, ok
}

func (r *fakeResolver) set(e *model.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ParticipantID] = e
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type countingRecorder struct {
	queries, hits int
}

func (c *countingRecorder) RecordDNSQuery(hit bool) {
	c.queries++
	if hit {
		c.hits++
	}
}

// recordingWriter 保存写入的响应，其余方法不会被处理器调用
type recordingWriter struct {
	dns.ResponseWriter
	msg *dns.Msg
}

func (w *recordingWriter) RemoteAddr() net.Addr      { return &net.UDPAddr{} }
func (w *recordingWriter) WriteMsg(m *dns.Msg) error { w.msg = m; return nil }

func radioEntry(participantID string) *model.Entry {
	return &model.Entry{
		ProviderVersion: model.Version{Major: 1, Minor: 2},
		Domain:          "io.test",
		InterfaceName:   "vehicle/Radio",
		ParticipantID:   participantID,
		Qos:             model.ProviderQos{Scope: model.ProviderScopeGlobal},
		Address:         `{"_typeName":"joynr.system.RoutingTypes.MqttAddress","brokerUri":"tcp://broker:1883","topic":"t"}`,
	}
}

func query(t *testing.T, h *Handler, name string, qtype uint16) *dns.Msg {
	t.Helper()
	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	w := &recordingWriter{}
	h.ServeDNS(w, req)
	require.NotNil(t, w.msg, "处理器应写入响应")
	assert.Equal(t, req.Id, w.msg.Id)
	return w.msg
}

func txtFields(t *testing.T, m *dns.Msg) map[string]string {
	t.Helper()
	require.Len(t, m.Answer, 1)
	txt, ok := m.Answer[0].(*dns.TXT)
	require.True(t, ok, "应答应为TXT记录")

	fields := make(map[string]string)
	var last string
	for _, s := range txt.Txt {
		key, value, found := strings.Cut(s, "=")
		if found && key != "" && !strings.ContainsAny(key, `{"`) {
			fields[key] = value
			last = key
			continue
		}
		// 超长字段被切分后的续片
		fields[last] += s
	}
	return fields
}

func newTestHandler(resolver Resolver, recorder QueryRecorder) *Handler {
	return NewHandler(resolver, NewDNSCache(time.Minute), testZone, 60, recorder, config.NewNopLogger())
}

func TestServeTXT(t *testing.T) {
	h := newTestHandler(newFakeResolver(radioEntry("p1")), nil)

	m := query(t, h, EntryName("p1", testZone), dns.TypeTXT)
	assert.Equal(t, dns.RcodeSuccess, m.Rcode)
	assert.True(t, m.Authoritative)

	fields := txtFields(t, m)
	assert.Equal(t, "io.test", fields["domain"])
	assert.Equal(t, "vehicle/Radio", fields["interface"])
	assert.Equal(t, "GLOBAL", fields["scope"])
	assert.Equal(t, "1.2", fields["version"])
	assert.Contains(t, fields["address"], "tcp://broker:1883")
	assert.Equal(t, uint32(60), m.Answer[0].Header().Ttl)
}

func TestServeUnknownParticipant(t *testing.T) {
	h := newTestHandler(newFakeResolver(), nil)

	m := query(t, h, EntryName("missing", testZone), dns.TypeTXT)
	assert.Equal(t, dns.RcodeNameError, m.Rcode)
	assert.Empty(t, m.Answer)
}

func TestServeOutsideZone(t *testing.T) {
	h := newTestHandler(newFakeResolver(radioEntry("p1")), nil)

	m := query(t, h, "p1.example.com.", dns.TypeTXT)
	assert.Equal(t, dns.RcodeRefused, m.Rcode)

	m = query(t, h, testZone, dns.TypeTXT)
	assert.Equal(t, dns.RcodeRefused, m.Rcode, "zone本身不对应任何参与者")
}

func TestServeOtherTypesReturnsNoData(t *testing.T) {
	h := newTestHandler(newFakeResolver(radioEntry("p1")), nil)

	m := query(t, h, EntryName("p1", testZone), dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, m.Rcode)
	assert.Empty(t, m.Answer)
}

func TestServeUsesCache(t *testing.T) {
	resolver := newFakeResolver(radioEntry("p1"))
	recorder := &countingRecorder{}
	h := newTestHandler(resolver, recorder)
	name := EntryName("p1", testZone)

	query(t, h, name, dns.TypeTXT)
	m := query(t, h, strings.Replace(name, "capabilities", "CAPABILITIES", 1), dns.TypeTXT)
	assert.Equal(t, dns.RcodeSuccess, m.Rcode)
	assert.Equal(t, 1, resolver.callCount(), "第二次查询应命中缓存")
	assert.Equal(t, 2, recorder.queries)
	assert.Equal(t, 1, recorder.hits)
}

func TestListenerInvalidatesCache(t *testing.T) {
	resolver := newFakeResolver()
	h := newTestHandler(resolver, nil)
	name := EntryName("p1", testZone)

	m := query(t, h, name, dns.TypeTXT)
	require.Equal(t, dns.RcodeNameError, m.Rcode)

	entry := radioEntry("p1")
	resolver.set(entry)
	h.CapabilityAdded(entry)

	m = query(t, h, name, dns.TypeTXT)
	assert.Equal(t, dns.RcodeSuccess, m.Rcode, "注册后否定应答应失效")

	changed := radioEntry("p1")
	changed.Domain = "io.changed"
	resolver.set(changed)
	h.CapabilityRemoved(entry)

	m = query(t, h, name, dns.TypeTXT)
	assert.Equal(t, "io.changed", txtFields(t, m)["domain"])
}

func TestServeRejectsNonQuery(t *testing.T) {
	h := newTestHandler(newFakeResolver(), nil)

	req := new(dns.Msg)
	req.SetQuestion(EntryName("p1", testZone), dns.TypeTXT)
	req.Opcode = dns.OpcodeUpdate
	w := &recordingWriter{}
	h.ServeDNS(w, req)
	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeNotImplemented, w.msg.Rcode)
}

func TestParticipantFromName(t *testing.T) {
	id, ok := participantFromName("abc-123.capabilities.local.", testZone)
	assert.True(t, ok)
	assert.Equal(t, "abc-123", id)

	id, ok = participantFromName("Mixed.Case.capabilities.local", testZone)
	assert.True(t, ok)
	assert.Equal(t, "Mixed.Case", id)

	_, ok = participantFromName("other.zone.", testZone)
	assert.False(t, ok)
}

func TestSplitTXT(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitTXT("short"))

	long := strings.Repeat("x", 600)
	parts := splitTXT(long)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 255)
	assert.Len(t, parts[2], 90)
	assert.Equal(t, long, strings.Join(parts, ""))
}

func TestCacheDisabled(t *testing.T) {
	c := NewDNSCache(0)
	m := new(dns.Msg)
	c.Set("k", m)
	assert.Nil(t, c.Get("k"))
	c.DeleteParticipant("p1")
	c.Flush()
}
