package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/capabilities-directory/pkg/storage"
	"github.com/hewenyu/capabilities-directory/pkg/storage/storagetest"
)

func TestGlobalStore(t *testing.T) {
	storagetest.RunGlobalStoreTests(t, func(t *testing.T, now func() int64) storage.GlobalStore {
		return NewGlobalStore(storagetest.DefaultExpiryInterval, WithGlobalClock(now))
	})
}

func TestGlobalStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewGlobalStore(storagetest.DefaultExpiryInterval)
	entry := storagetest.NewEntry(t, "p1", "cc1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Add(ctx, entry, []string{"g1", "g2"}))
			_, err := s.Lookup(ctx, []string{entry.Domain}, entry.InterfaceName)
			assert.NoError(t, err)
			assert.NoError(t, s.Touch(ctx, "cc1"))
		}()
	}
	wg.Wait()

	rows, err := s.LookupByParticipantID(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
