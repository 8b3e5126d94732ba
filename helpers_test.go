package docsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/store"
	"github.com/surrealdb/docsync/pkg/store/memstore"
)

func testConfig() *Config {
	return &Config{Logger: logger.Nop()}
}

func newTestSynchronizer(t *testing.T, st store.Store, collection string, spec IndexSpec) *Synchronizer {
	t.Helper()
	s, err := New(st, collection, testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background(), spec))
	t.Cleanup(s.Stop)
	return s
}

func newMemSynchronizer(t *testing.T) (*memstore.Store, *Synchronizer) {
	t.Helper()
	st := memstore.New()
	return st, newTestSynchronizer(t, st, "people", IndexSpec{})
}

// recordingObserver counts the outcome notifications per entity.
type recordingObserver struct {
	mu         sync.Mutex
	inserted   map[store.ID]int
	duplicates map[store.ID]int
	errors     map[store.ID][]store.WriteError
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		inserted:   map[store.ID]int{},
		duplicates: map[store.ID]int{},
		errors:     map[store.ID][]store.WriteError{},
	}
}

func (o *recordingObserver) Inserted(id store.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inserted[id]++
}

func (o *recordingObserver) DuplicateKey(id store.ID, _ store.WriteError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duplicates[id]++
}

func (o *recordingObserver) WriteError(id store.ID, err store.WriteError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors[id] = append(o.errors[id], err)
}

func (o *recordingObserver) counts(id store.ID) (inserted, duplicates, errs int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inserted[id], o.duplicates[id], len(o.errors[id])
}

func waitStats(t *testing.T, ch <-chan FlushStats) FlushStats {
	t.Helper()
	select {
	case stats := <-ch:
		return stats
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a flush")
		return FlushStats{}
	}
}
