package docsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/docsync/pkg/store"
	"github.com/surrealdb/docsync/pkg/store/memstore"
)

func TestRunStopIdempotent(t *testing.T) {
	_, s := newMemSynchronizer(t)

	assert.False(t, s.Running())
	s.Stop()

	s.Run()
	s.Run()
	assert.True(t, s.Running())

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())

	s.Run()
	assert.True(t, s.Running())
}

func TestContinuousPolling(t *testing.T) {
	st, s := newMemSynchronizer(t)
	ch := make(chan FlushStats, 4)
	s.Notify(ch)
	s.Run()

	s.Create("x", map[string]any{"v": 1}, nil)
	stats := waitStats(t, ch)
	assert.Equal(t, 1, stats.Inserted)

	s.Update("x", "v", 2, 1, nil)
	stats = waitStats(t, ch)
	assert.Equal(t, 1, stats.Updates)

	doc, ok := st.Document("people", "x")
	require.True(t, ok)
	assert.Equal(t, 2, doc["v"])
}

func TestIntervalPolling(t *testing.T) {
	st := memstore.New()
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	s, err := New(st, "people", cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background(), IndexSpec{}))
	t.Cleanup(s.Stop)

	ch := make(chan FlushStats, 1)
	s.Notify(ch)
	s.Run()

	s.Create("x", nil, nil)
	s.Create("y", nil, nil)
	stats := waitStats(t, ch)
	assert.Equal(t, 2, stats.Inserts)
}

func TestStopLeavesWorkBuffered(t *testing.T) {
	_, s := newMemSynchronizer(t)
	s.Run()
	s.Stop()

	s.Create("x", nil, nil)
	time.Sleep(20 * time.Millisecond)
	inserts, _ := s.Pending()
	assert.Equal(t, 1, inserts)
}

// Concurrent ticks never run more than one insert batch at a time.
func TestConcurrentFlushesDoNotOverlap(t *testing.T) {
	st, s := newMemSynchronizer(t)

	var inFlight, maxInFlight atomic.Int32
	st.SetHooks(memstore.Hooks{
		BeforeInsert: func(context.Context, []store.Document) error {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Create(store.NewID(), map[string]any{"worker": i}, nil)
				s.Flush(context.Background())
			}
		}(i)
	}
	wg.Wait()
	s.Flush(context.Background())

	assert.EqualValues(t, 1, maxInFlight.Load())
	assert.Equal(t, 160, st.Count("people"))
}
