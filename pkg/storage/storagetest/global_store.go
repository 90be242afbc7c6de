// Package storagetest 提供storage.GlobalStore各实现共用的一致性测试
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

// DefaultExpiryInterval 一致性测试使用的默认过期间隔
const DefaultExpiryInterval = 10 * time.Second

// Factory 创建一个空的存储，now为存储使用的毫秒时钟
type Factory func(t *testing.T, now func() int64) storage.GlobalStore

// Clock 是可手动推进的测试时钟
type Clock struct {
	ms int64
}

// Now 返回当前毫秒
func (c *Clock) Now() int64 { return c.ms }

// Advance 推进时钟
func (c *Clock) Advance(d time.Duration) { c.ms += d.Milliseconds() }

var ignoreLiveness = cmpopts.IgnoreFields(model.Entry{}, "LastSeenDateMs", "ExpiryDateMs")

// NewEntry 创建带MQTT地址的测试条目
func NewEntry(t *testing.T, participantID, clusterControllerID string) *model.Entry {
	t.Helper()
	address, err := model.SerializeAddress(&model.MqttAddress{BrokerURI: "brokerUri", Topic: "topic/" + participantID})
	require.NoError(t, err)
	return &model.Entry{
		ProviderVersion: model.Version{Major: 47, Minor: 11},
		Domain:          "io.test.domain",
		InterfaceName:   "test/Interface",
		ParticipantID:   participantID,
		Qos: model.ProviderQos{
			CustomParameters: []model.CustomParameter{{Name: "k", Value: "v"}},
			Priority:         1,
			Scope:            model.ProviderScopeGlobal,
		},
		LastSeenDateMs:      123,
		ExpiryDateMs:        model.StickyExpiryDateMs,
		PublicKeyID:         "publicKeyId",
		Address:             address,
		ClusterControllerID: clusterControllerID,
	}
}

func expectedRow(t *testing.T, entry *model.Entry, gbid string) *model.Entry {
	t.Helper()
	row, err := storage.BackendRow(entry, gbid)
	require.NoError(t, err)
	return row
}

func gbidsOf(rows []*model.Entry) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Gbid)
	}
	return out
}

// RunGlobalStoreTests 运行多后端存储的一致性测试
func RunGlobalStoreTests(t *testing.T, newStore Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (storage.GlobalStore, *Clock) {
		clock := &Clock{ms: 1000}
		s := newStore(t, clock.Now)
		t.Cleanup(func() { s.Close() })
		return s, clock
	}

	t.Run("AddWritesOneRowPerBackend", func(t *testing.T) {
		s, _ := setup(t)
		entry := NewEntry(t, "p1", "cc1")

		require.NoError(t, s.Add(ctx, entry, []string{"g1", "g2", "g1"}))

		rows, err := s.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		want := []*model.Entry{expectedRow(t, entry, "g1"), expectedRow(t, entry, "g2")}
		if diff := cmp.Diff(want, rows, ignoreLiveness, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("多后端行不符合预期 (-want +got):\n%s", diff)
		}

		address, err := model.DeserializeAddress(rows[1].Address)
		require.NoError(t, err)
		assert.Equal(t, "g2", address.(*model.MqttAddress).BrokerURI, "MQTT地址应指向对应后端")
		assert.Equal(t, int64(123), rows[0].LastSeenDateMs)
		assert.Equal(t, model.StickyExpiryDateMs, rows[0].ExpiryDateMs)
	})

	t.Run("AddKeepsNonMqttAddress", func(t *testing.T) {
		s, _ := setup(t)
		entry := NewEntry(t, "p1", "cc1")
		address, err := model.SerializeAddress(&model.ChannelAddress{MessagingEndpointURL: "http://bp", ChannelID: "ch"})
		require.NoError(t, err)
		entry.Address = address

		require.NoError(t, s.Add(ctx, entry, []string{"g1", "g2"}))

		rows, err := s.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		for _, row := range rows {
			assert.Equal(t, address, row.Address, "非MQTT地址应原样写入每个后端")
		}
	})

	t.Run("AddRejectsInvalidInput", func(t *testing.T) {
		s, _ := setup(t)

		incomplete := NewEntry(t, "p1", "cc1")
		incomplete.Domain = ""
		assert.True(t, storage.IsCode(s.Add(ctx, incomplete, []string{"g1"}), storage.ErrIncompleteEntry))
		assert.True(t, storage.IsCode(s.Add(ctx, NewEntry(t, "p1", "cc1"), nil), storage.ErrInvalidArgument))
		assert.True(t, storage.IsCode(s.Add(ctx, NewEntry(t, "p1", "cc1"), []string{"g1", ""}), storage.ErrInvalidArgument))

		rows, err := s.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("AddRollsBackOnFailure", func(t *testing.T) {
		s, _ := setup(t)
		entry := NewEntry(t, "p1", "cc1")
		require.NoError(t, s.Add(ctx, entry, []string{"g1"}))

		broken := NewEntry(t, "p1", "cc1")
		broken.Qos.Priority = 99
		broken.Address = "{not json"
		err := s.Add(ctx, broken, []string{"g1", "g2"})
		require.Error(t, err)
		assert.True(t, storage.IsCode(err, storage.ErrReplication))

		rows, err := s.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, rows, 1, "失败的写入不应留下任何行")
		assert.Equal(t, int64(1), rows[0].Qos.Priority, "原有行不应被修改")
	})

	t.Run("AddIsUpsert", func(t *testing.T) {
		s, _ := setup(t)
		entry := NewEntry(t, "p1", "cc1")
		require.NoError(t, s.Add(ctx, entry, []string{"g1", "g2"}))

		updated := entry.Clone()
		updated.Qos.Priority = 5
		require.NoError(t, s.Add(ctx, updated, []string{"g1", "g2"}))

		rows, err := s.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		for _, row := range rows {
			assert.Equal(t, int64(5), row.Qos.Priority)
		}
	})

	t.Run("LookupByDomainAndInterface", func(t *testing.T) {
		s, _ := setup(t)
		e1 := NewEntry(t, "p1", "cc1")
		e2 := NewEntry(t, "p2", "cc1")
		e2.Domain = "io.other.domain"
		e3 := NewEntry(t, "p3", "cc1")
		e3.InterfaceName = "other/Interface"
		require.NoError(t, s.Add(ctx, e1, []string{"g1", "g2"}))
		require.NoError(t, s.Add(ctx, e2, []string{"g1"}))
		require.NoError(t, s.Add(ctx, e3, []string{"g1"}))

		rows, err := s.Lookup(ctx, []string{"io.test.domain"}, "test/Interface")
		require.NoError(t, err)
		assert.Equal(t, []string{"g1", "g2"}, gbidsOf(rows), "每个后端返回一行")

		rows, err = s.Lookup(ctx, []string{"io.test.domain", "io.other.domain"}, "test/Interface")
		require.NoError(t, err)
		assert.Len(t, rows, 3)

		rows, err = s.Lookup(ctx, []string{"io.unknown"}, "test/Interface")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("RemoveSelectedBackendOnly", func(t *testing.T) {
		s, _ := setup(t)
		require.NoError(t, s.Add(ctx, NewEntry(t, "p1", "cc1"), []string{"g1", "g2"}))

		n, err := s.Remove(ctx, "p1", []string{"g1", "g1"})
		require.NoError(t, err)
		assert.Equal(t, 1, n, "重复的后端ID只删除一次")

		rows, err := s.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []string{"g2"}, gbidsOf(rows))
	})

	t.Run("RemoveDistinguishesFailureModes", func(t *testing.T) {
		s, _ := setup(t)
		require.NoError(t, s.Add(ctx, NewEntry(t, "p1", "cc1"), []string{"g1"}))

		n, err := s.Remove(ctx, "p1", []string{"g2"})
		require.NoError(t, err)
		assert.Equal(t, storage.RemoveResultNoEntryForSelectedBackends, n)

		n, err = s.Remove(ctx, "unknown", []string{"g1"})
		require.NoError(t, err)
		assert.Equal(t, storage.RemoveResultNoEntryForParticipant, n)

		rows, err := s.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, rows, 1, "后端不匹配时不应删除任何行")

		n, err = s.Remove(ctx, "p1", []string{"g1", "g2"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("TouchOwnedRowsOnly", func(t *testing.T) {
		s, clock := setup(t)
		require.NoError(t, s.Add(ctx, NewEntry(t, "p1", "cc1"), []string{"g1", "g2"}))
		require.NoError(t, s.Add(ctx, NewEntry(t, "p2", "cc2"), []string{"g1"}))

		clock.Advance(5 * time.Second)
		require.NoError(t, s.Touch(ctx, "cc1"))

		rows, err := s.LookupByParticipantID(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		for _, row := range rows {
			assert.Equal(t, clock.Now(), row.LastSeenDateMs)
			assert.Equal(t, clock.Now()+DefaultExpiryInterval.Milliseconds(), row.ExpiryDateMs)
		}

		other, err := s.LookupByParticipantID(ctx, "p2")
		require.NoError(t, err)
		require.Len(t, other, 1)
		assert.Equal(t, int64(123), other[0].LastSeenDateMs, "其他节点的行不应被刷新")

		require.NoError(t, s.Touch(ctx, "cc-unknown"))
		all, err := s.Lookup(ctx, []string{"io.test.domain"}, "test/Interface")
		require.NoError(t, err)
		assert.Len(t, all, 3, "刷新不应插入新行")
	})

	t.Run("TouchSelected", func(t *testing.T) {
		s, clock := setup(t)
		require.NoError(t, s.Add(ctx, NewEntry(t, "p1", "cc1"), []string{"g1"}))
		require.NoError(t, s.Add(ctx, NewEntry(t, "p2", "cc1"), []string{"g1"}))
		require.NoError(t, s.Add(ctx, NewEntry(t, "p3", "cc2"), []string{"g1"}))

		clock.Advance(time.Second)
		require.NoError(t, s.TouchSelected(ctx, "cc1", nil), "空列表应为无操作")
		require.NoError(t, s.TouchSelected(ctx, "cc1", []string{"p1", "p3"}))

		p1, _ := s.LookupByParticipantID(ctx, "p1")
		p2, _ := s.LookupByParticipantID(ctx, "p2")
		p3, _ := s.LookupByParticipantID(ctx, "p3")
		assert.Equal(t, clock.Now(), p1[0].LastSeenDateMs)
		assert.Equal(t, int64(123), p2[0].LastSeenDateMs, "未选中的行不应被刷新")
		assert.Equal(t, int64(123), p3[0].LastSeenDateMs, "其他节点的行不应被刷新")
	})

	t.Run("RemoveStale", func(t *testing.T) {
		s, _ := setup(t)
		stale := NewEntry(t, "stale", "cc1")
		stale.LastSeenDateMs = 100
		fresh := NewEntry(t, "fresh", "cc1")
		fresh.LastSeenDateMs = 500
		foreign := NewEntry(t, "foreign", "cc2")
		foreign.LastSeenDateMs = 100
		require.NoError(t, s.Add(ctx, stale, []string{"g1", "g2"}))
		require.NoError(t, s.Add(ctx, fresh, []string{"g1"}))
		require.NoError(t, s.Add(ctx, foreign, []string{"g1"}))

		n, err := s.RemoveStale(ctx, "cc1", 300)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "按后端行计数")

		rows, err := s.Lookup(ctx, []string{"io.test.domain"}, "test/Interface")
		require.NoError(t, err)
		var ids []string
		for _, r := range rows {
			ids = append(ids, r.ParticipantID)
		}
		assert.Equal(t, []string{"foreign", "fresh"}, ids)
	})
}
