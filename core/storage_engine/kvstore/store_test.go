package kvstore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStorePutGetDelete(t *testing.T) {
	s := NewMemStore()

	require.NoError(t, s.ApplyBatch([]Mutation{Put("a", []byte("1"))}))
	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.ApplyBatch([]Mutation{Delete("a")}))
	_, ok = s.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestMemStoreBatchIsAtomicUnderReaders(t *testing.T) {
	s := NewMemStore()

	batch := []Mutation{
		Put("x", []byte("1")),
		Put("y", []byte("1")),
	}

	var (
		wg        sync.WaitGroup
		violation atomic.Bool
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// A single scan holds the read lock for its whole traversal, so
			// it must see either none or all of the batch.
			if n := len(s.Scan("x", "z", 0)); n == 1 {
				violation.Store(true)
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		require.NoError(t, s.ApplyBatch(batch))
		require.NoError(t, s.ApplyBatch([]Mutation{Delete("x"), Delete("y")}))
	}
	close(stop)
	wg.Wait()
	require.False(t, violation.Load(), "reader observed half of an applied batch")
}

func TestMemStoreScanRangeAndLimit(t *testing.T) {
	s := NewMemStore()
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%02d", i)
		require.NoError(t, s.ApplyBatch([]Mutation{Put(key, []byte{byte(i)})}))
	}

	items := s.Scan("k02", "k05", 0)
	require.Len(t, items, 3)
	require.Equal(t, "k02", items[0].Key)
	require.Equal(t, "k04", items[2].Key)

	items = s.Scan("", "", 4)
	require.Len(t, items, 4)
	require.Equal(t, "k00", items[0].Key)

	items = s.Scan("k08", "", 0)
	require.Len(t, items, 2)
}
