package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry() *Entry {
	return &Entry{
		ProviderVersion: Version{Major: 47, Minor: 11},
		Domain:          "io.test.domain",
		InterfaceName:   "vehicle/Radio",
		ParticipantID:   "participant-1",
		Qos: ProviderQos{
			CustomParameters: []CustomParameter{{Name: "color", Value: "red"}},
			Priority:         10,
			Scope:            ProviderScopeGlobal,
		},
		LastSeenDateMs:      123,
		ExpiryDateMs:        StickyExpiryDateMs,
		PublicKeyID:         "public-key",
		ClusterControllerID: "cc-1",
	}
}

func TestEntryEqualIgnoresLiveness(t *testing.T) {
	a := newTestEntry()
	b := a.Clone()
	b.LastSeenDateMs = 999
	b.ExpiryDateMs = 1000

	assert.True(t, a.Equal(b), "存活性字段不应影响相等性")

	b.Qos.Priority = 11
	assert.False(t, a.Equal(b), "QoS不同的条目不应相等")

	c := a.Clone()
	c.Qos.CustomParameters = append(c.Qos.CustomParameters, CustomParameter{Name: "size", Value: "xl"})
	assert.False(t, a.Equal(c), "自定义参数不同的条目不应相等")

	var nilEntry *Entry
	assert.True(t, nilEntry.Equal(nil))
	assert.False(t, a.Equal(nil))
}

func TestEntryCloneIsDeep(t *testing.T) {
	a := newTestEntry()
	b := a.Clone()
	b.Qos.CustomParameters[0].Value = "blue"

	assert.Equal(t, "red", a.Qos.CustomParameters[0].Value, "克隆应复制自定义参数")
}

func TestEntryPredicates(t *testing.T) {
	e := newTestEntry()
	assert.True(t, e.IsSticky())
	assert.True(t, e.IsGlobal())
	assert.True(t, e.IsComplete())

	e.ExpiryDateMs = 1000
	e.Qos.Scope = ProviderScopeLocal
	e.InterfaceName = ""
	assert.False(t, e.IsSticky())
	assert.False(t, e.IsGlobal())
	assert.False(t, e.IsComplete())
}

func TestNewParticipantIDUnique(t *testing.T) {
	a := NewParticipantID()
	b := NewParticipantID()
	require.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestIsFresh(t *testing.T) {
	assert.True(t, IsFresh(100, 150, 50), "恰好等于maxAge时应通过")
	assert.False(t, IsFresh(100, 151, 50))
	assert.True(t, IsFresh(0, 1<<62, NoMaxAgeMs))
	assert.True(t, DiscoveryScopeGlobalOnly.Valid())
	assert.False(t, DiscoveryScope("EVERYWHERE").Valid())
}
