package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/api/handler"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage/memory"
)

type apiResult struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*Server, *memory.GlobalStore) {
	t.Helper()
	store := memory.NewGlobalStore(time.Hour)
	s, err := NewServer("127.0.0.1:0", store, []string{"g1", "g2"}, "test", config.NewNopLogger())
	require.NoError(t, err)
	return s, store
}

func do(t *testing.T, s *Server, method, target string, body any) (int, apiResult) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var res apiResult
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec.Code, res
}

func testEntry(participantID string) *model.Entry {
	return &model.Entry{
		ProviderVersion:     model.Version{Major: 1},
		Domain:              "io.test",
		InterfaceName:       "vehicle/Radio",
		ParticipantID:       participantID,
		Qos:                 model.ProviderQos{Scope: model.ProviderScopeGlobal},
		LastSeenDateMs:      100,
		ExpiryDateMs:        model.StickyExpiryDateMs,
		ClusterControllerID: "cc1",
	}
}

func decodeEntries(t *testing.T, res apiResult) []*model.Entry {
	t.Helper()
	var entries []*model.Entry
	require.NoError(t, json.Unmarshal(res.Data, &entries))
	return entries
}

func TestNewServerRequiresGbids(t *testing.T) {
	_, err := NewServer(":0", memory.NewGlobalStore(time.Hour), nil, "test", config.NewNopLogger())
	assert.Error(t, err)
}

func TestAddAndLookup(t *testing.T) {
	s, store := newTestServer(t)

	code, res := do(t, s, http.MethodPost, "/api/v1/entries",
		handler.AddRequest{Entry: testEntry("p1"), Gbids: []string{"g1", "g2"}})
	require.Equal(t, http.StatusOK, code, res.Message)

	rows, err := store.LookupByParticipantID(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	code, res = do(t, s, http.MethodGet, "/api/v1/entries?domain=io.test&domain=other&interface=vehicle/Radio", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeEntries(t, res), 2)

	code, res = do(t, s, http.MethodGet, "/api/v1/entries?domain=io.test&interface=vehicle/Radio&gbid=g2", nil)
	require.Equal(t, http.StatusOK, code)
	entries := decodeEntries(t, res)
	require.Len(t, entries, 1)
	assert.Equal(t, "g2", entries[0].Gbid)

	code, res = do(t, s, http.MethodGet, "/api/v1/entries/p1?gbid=g1", nil)
	require.Equal(t, http.StatusOK, code)
	entries = decodeEntries(t, res)
	require.Len(t, entries, 1)
	assert.Equal(t, "g1", entries[0].Gbid)

	code, res = do(t, s, http.MethodGet, "/api/v1/entries/unknown", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decodeEntries(t, res))
}

func TestAddGbidHandling(t *testing.T) {
	s, store := newTestServer(t)

	code, _ := do(t, s, http.MethodPost, "/api/v1/entries", handler.AddRequest{Entry: testEntry("p1"), Gbids: []string{""}})
	require.Equal(t, http.StatusOK, code)
	rows, err := store.LookupByParticipantID(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "g1", rows[0].Gbid, "空后端ID应替换为默认后端")

	code, _ = do(t, s, http.MethodPost, "/api/v1/entries", handler.AddRequest{Entry: testEntry("p2")})
	require.Equal(t, http.StatusOK, code)
	rows, err = store.LookupByParticipantID(context.Background(), "p2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "g1", rows[0].Gbid)

	code, res := do(t, s, http.MethodPost, "/api/v1/entries", handler.AddRequest{Entry: testEntry("p3"), Gbids: []string{"g9"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, handler.CodeUnknownGbid, res.Error)

	code, res = do(t, s, http.MethodGet, "/api/v1/entries/p1?gbid=g9", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, handler.CodeUnknownGbid, res.Error)
}

func TestAddRejectsInvalidEntry(t *testing.T) {
	s, _ := newTestServer(t)

	code, res := do(t, s, http.MethodPost, "/api/v1/entries", handler.AddRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, handler.CodeInvalidArgument, res.Error)

	code, res = do(t, s, http.MethodPost, "/api/v1/entries", handler.AddRequest{Entry: &model.Entry{Domain: "d"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, handler.CodeIncompleteEntry, res.Error)
}

func TestRemove(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.Add(context.Background(), testEntry("p1"), []string{"g1"}))

	code, res := do(t, s, http.MethodDelete, "/api/v1/entries/p1?gbid=g2", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, handler.CodeNoEntryForSelectedBackends, res.Error)

	code, res = do(t, s, http.MethodDelete, "/api/v1/entries/p1", nil)
	require.Equal(t, http.StatusOK, code, res.Message)
	var removed handler.RemoveResponse
	require.NoError(t, json.Unmarshal(res.Data, &removed))
	assert.Equal(t, 1, removed.Removed)

	code, res = do(t, s, http.MethodDelete, "/api/v1/entries/p1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, handler.CodeNoEntryForParticipant, res.Error)
}

func TestTouchAndRemoveStale(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, testEntry("p1"), []string{"g1"}))
	require.NoError(t, store.Add(ctx, testEntry("p2"), []string{"g1"}))

	code, _ := do(t, s, http.MethodPut, "/api/v1/cluster-controllers/cc1/touch",
		handler.TouchRequest{ParticipantIDs: []string{"p1"}})
	require.Equal(t, http.StatusOK, code)

	rows, err := store.LookupByParticipantID(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Greater(t, rows[0].LastSeenDateMs, int64(100), "所选条目应被刷新")

	code, res := do(t, s, http.MethodDelete, "/api/v1/cluster-controllers/cc1/stale?maxLastSeenDateMs=1000", nil)
	require.Equal(t, http.StatusOK, code)
	var removed handler.RemoveResponse
	require.NoError(t, json.Unmarshal(res.Data, &removed))
	assert.Equal(t, 1, removed.Removed, "只有未刷新的条目过期")

	code, res = do(t, s, http.MethodDelete, "/api/v1/cluster-controllers/cc1/stale", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, handler.CodeInvalidArgument, res.Error)
}

func TestTouchEmptyListAndTouchAll(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, testEntry("p1"), []string{"g1"}))

	lastSeen := func() int64 {
		rows, err := store.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		return rows[0].LastSeenDateMs
	}

	code, _ := do(t, s, http.MethodPut, "/api/v1/cluster-controllers/cc1/touch", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(100), lastSeen(), "空请求体不刷新任何条目")

	code, _ = do(t, s, http.MethodPut, "/api/v1/cluster-controllers/cc1/touch",
		handler.TouchRequest{ParticipantIDs: []string{}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(100), lastSeen(), "空列表不刷新任何条目")

	code, _ = do(t, s, http.MethodPut, "/api/v1/cluster-controllers/cc1/touch?all=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Greater(t, lastSeen(), int64(100), "all=true刷新节点的所有条目")
}

func TestLookupDomainWithComma(t *testing.T) {
	s, store := newTestServer(t)
	e := testEntry("p1")
	e.Domain = "a,b"
	require.NoError(t, store.Add(context.Background(), e, []string{"g1"}))

	code, res := do(t, s, http.MethodGet, "/api/v1/entries?domain=a%2Cb&interface=vehicle/Radio", nil)
	require.Equal(t, http.StatusOK, code)
	entries := decodeEntries(t, res)
	require.Len(t, entries, 1)
	assert.Equal(t, "a,b", entries[0].Domain)

	code, res = do(t, s, http.MethodGet, "/api/v1/entries?domain=a&domain=b&interface=vehicle/Radio", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decodeEntries(t, res), "含逗号的域不会被拆分")
}

func TestLookupRequiresDomainsAndInterface(t *testing.T) {
	s, _ := newTestServer(t)

	code, res := do(t, s, http.MethodGet, "/api/v1/entries?interface=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, handler.CodeInvalidArgument, res.Error)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var health handler.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Details["version"])

	s.Metrics().RecordDNSQuery(true)
	s.Metrics().RecordDNSQuery(false)

	code, res := do(t, s, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	var m handler.Metrics
	require.NoError(t, json.Unmarshal(res.Data, &m))
	assert.GreaterOrEqual(t, m.APIRequestCount, int64(1))
	assert.Equal(t, int64(2), m.DNSQueryCount)
	assert.InDelta(t, 0.5, m.DNSCacheHitRate, 0.001)
}

func TestShutdown(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
