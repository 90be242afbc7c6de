package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/capabilities-directory/pkg/storage"
	"github.com/hewenyu/capabilities-directory/pkg/storage/storagetest"
)

func TestGlobalStore(t *testing.T) {
	storagetest.RunGlobalStoreTests(t, func(t *testing.T, now func() int64) storage.GlobalStore {
		s, err := NewGlobalStore(":memory:", storagetest.DefaultExpiryInterval, WithClock(now))
		require.NoError(t, err, "创建内存SQLite存储失败")
		return s
	})
}

func TestGlobalStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "capdir.db")

	s, err := NewGlobalStore(path, storagetest.DefaultExpiryInterval)
	require.NoError(t, err)
	entry := storagetest.NewEntry(t, "p1", "cc1")
	require.NoError(t, s.Add(ctx, entry, []string{"g1", "g2"}))
	require.NoError(t, s.Close())

	reopened, err := NewGlobalStore(path, storagetest.DefaultExpiryInterval)
	require.NoError(t, err, "重新打开已有数据库应成功")
	defer reopened.Close()

	rows, err := reopened.LookupByParticipantID(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, entry.Qos.CustomParameters, rows[0].Qos.CustomParameters, "QoS应完整保存")
	assert.Equal(t, entry.ProviderVersion, rows[0].ProviderVersion)
}

func TestGlobalStoreLookupWithoutDomains(t *testing.T) {
	s, err := NewGlobalStore(":memory:", storagetest.DefaultExpiryInterval)
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.Lookup(context.Background(), nil, "test/Interface")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
