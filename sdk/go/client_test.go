package sdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/api"
	"github.com/hewenyu/capabilities-directory/pkg/directory"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
	"github.com/hewenyu/capabilities-directory/pkg/storage/memory"
)

func newTestClient(t *testing.T) (*Client, *memory.GlobalStore) {
	t.Helper()
	store := memory.NewGlobalStore(time.Hour)
	server, err := api.NewServer(":0", store, []string{"g1", "g2"}, "test", config.NewNopLogger())
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client, err := NewClient(&Config{ServerAddr: ts.URL})
	require.NoError(t, err)
	return client, store
}

func testEntry(participantID string) *model.Entry {
	return &model.Entry{
		ProviderVersion:     model.Version{Major: 1, Minor: 2},
		Domain:              "io.test",
		InterfaceName:       "vehicle/Radio",
		ParticipantID:       participantID,
		Qos:                 model.ProviderQos{Priority: 3, Scope: model.ProviderScopeGlobal},
		LastSeenDateMs:      100,
		ExpiryDateMs:        model.StickyExpiryDateMs,
		ClusterControllerID: "cc1",
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(&Config{})
	assert.Error(t, err, "缺少服务器地址应报错")

	c, err := NewClient(&Config{ServerAddr: "localhost:8080", Secure: true})
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:8080", c.baseURL)
	assert.Equal(t, 5*time.Second, c.config.Timeout)
	assert.Equal(t, 3, c.config.RetryCount)

	c, err = NewClient(&Config{ServerAddr: "http://gcd:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "http://gcd:8080", c.baseURL)
}

func TestRegisterAndLookup(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SendRegister(ctx, testEntry("p1"), []string{"g1", "g2"}))

	rows, err := client.SendLookup(ctx, []string{"io.test"}, "vehicle/Radio", []string{"g2"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "g2", rows[0].Gbid)
	assert.Equal(t, int64(3), rows[0].Qos.Priority)
	assert.Equal(t, int32(2), rows[0].ProviderVersion.Minor)

	rows, err = client.SendLookupByParticipantID(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "未指定后端时返回所有后端的行")

	err = client.SendRegister(ctx, testEntry("p2"), []string{"unknown"})
	assert.True(t, storage.IsCode(err, storage.ErrInvalidArgument), "未知后端应还原为参数错误")
}

func TestUnregisterErrors(t *testing.T) {
	client, store := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, testEntry("p1"), []string{"g1"}))

	err := client.SendUnregister(ctx, "p1", []string{"g2"})
	assert.True(t, storage.IsCode(err, storage.ErrBackendMismatch))

	require.NoError(t, client.SendUnregister(ctx, "p1", []string{"g1"}))

	err = client.SendUnregister(ctx, "p1", []string{"g1"})
	assert.True(t, storage.IsCode(err, storage.ErrNotFound))
}

func TestTouchAndRemoveStale(t *testing.T) {
	client, store := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, testEntry("p1"), []string{"g1"}))
	require.NoError(t, store.Add(ctx, testEntry("p2"), []string{"g1"}))

	require.NoError(t, client.SendTouch(ctx, "cc1", []string{"p1"}))
	require.NoError(t, client.SendRemoveStale(ctx, "cc1", 1000))

	rows, err := store.LookupByParticipantID(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "刷新过的条目保留")
	rows, err = store.LookupByParticipantID(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, rows, "过期条目被删除")
}

func TestSendTouchEmptyListAndTouchAll(t *testing.T) {
	client, store := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, testEntry("p1"), []string{"g1"}))

	lastSeen := func() int64 {
		rows, err := store.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		return rows[0].LastSeenDateMs
	}

	require.NoError(t, client.SendTouch(ctx, "cc1", nil))
	assert.Equal(t, int64(100), lastSeen(), "空列表不刷新任何条目")

	require.NoError(t, client.SendTouchAll(ctx, "cc1"))
	assert.Greater(t, lastSeen(), int64(100))
}

func TestLookupDomainWithComma(t *testing.T) {
	client, store := newTestClient(t)
	ctx := context.Background()
	e := testEntry("p1")
	e.Domain = "a,b"
	require.NoError(t, store.Add(ctx, e, []string{"g1"}))

	rows, err := client.SendLookup(ctx, []string{"a,b"}, "vehicle/Radio", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a,b", rows[0].Domain)

	rows, err = client.SendLookup(ctx, []string{"a", "b"}, "vehicle/Radio", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDirectoryOverHTTP(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	dir, err := directory.New(directory.Options{
		ClusterControllerID:   "cc-http",
		KnownGbids:            []string{"g1", "g2"},
		DefaultExpiryInterval: time.Hour,
		MessageTTL:            5 * time.Second,
	}, client)
	require.NoError(t, err)

	future, err := dir.Register(ctx, testEntry("p1"), directory.RegisterOptions{Gbids: []string{"g2"}})
	require.NoError(t, err)
	require.NoError(t, future.Wait(ctx))
	assert.Equal(t, directory.StateConfirmed, dir.GlobalState("p1"))

	rows, err := client.SendLookupByParticipantID(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "g2", rows[0].Gbid)
	assert.Equal(t, "cc-http", rows[0].ClusterControllerID)

	future, err = dir.Unregister(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, future.Wait(ctx))

	rows, err = client.SendLookupByParticipantID(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestServerErrorIsReported(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":500,"message":"boom","error":"INTERNAL_ERROR"}`))
	}))
	t.Cleanup(ts.Close)

	client, err := NewClient(&Config{ServerAddr: ts.URL})
	require.NoError(t, err)

	err = client.SendTouch(context.Background(), "cc1", []string{"p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, storage.IsCode(err, storage.ErrNotFound))
}
