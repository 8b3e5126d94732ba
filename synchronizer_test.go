package docsync

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/store"
	"github.com/surrealdb/docsync/pkg/store/memstore"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(memstore.New(), "people", &Config{FlushInterval: -time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(memstore.New(), "", testConfig())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNotReadyBeforeInit(t *testing.T) {
	st := memstore.New()
	s, err := New(st, "people", testConfig())
	require.NoError(t, err)

	s.Create("x", map[string]any{"name": "x"}, nil)
	_, ran := s.Flush(context.Background())
	assert.False(t, ran)
	inserts, _ := s.Pending()
	assert.Equal(t, 0, inserts, "records are deferred until the collection is ready")
	assert.Empty(t, st.CallsOf("insert"))

	select {
	case <-s.Ready():
		t.Fatal("ready before Init")
	default:
	}

	require.NoError(t, s.Init(context.Background(), IndexSpec{}))
	<-s.Ready()
	inserts, _ = s.Pending()
	assert.Equal(t, 1, inserts)

	stats, ran := s.Flush(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, stats.Inserted)
	assert.Len(t, st.CallsOf("createCollection"), 1)
}

func TestInitKeepsExistingCollection(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.CreateCollection(context.Background(), "people"))
	st.ResetCalls()

	newTestSynchronizer(t, st, "people", IndexSpec{})
	assert.Empty(t, st.CallsOf("createCollection"))
}

func TestFlushEmptyBuffer(t *testing.T) {
	st, s := newMemSynchronizer(t)
	st.ResetCalls()

	_, ran := s.Flush(context.Background())
	assert.False(t, ran)
	assert.Empty(t, st.Calls())
}

// An update to an entity of the insert batch is written after the batch.
func TestFlushWritesDependentUpdatesAfterInsert(t *testing.T) {
	st, s := newMemSynchronizer(t)

	s.Create("x", map[string]any{"name": "before"}, nil)
	s.Update("x", "name", "after", "before", nil)

	stats, ran := s.Flush(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, stats.Inserts)
	assert.Equal(t, 0, stats.Updates)
	assert.Equal(t, 1, stats.XUpdates)

	inserts := st.CallsOf("insert")
	writes := st.CallsOf("write")
	require.Len(t, inserts, 1)
	require.Len(t, writes, 1)
	assert.False(t, writes[0].Start.Before(inserts[0].End), "xupdate started before the insert returned")

	doc, ok := st.Document("people", "x")
	require.True(t, ok)
	assert.Equal(t, "after", doc["name"])
}

// Updates to persisted entities do not wait for the insert batch.
func TestFlushOverlapsIndependentUpdates(t *testing.T) {
	ctx := context.Background()
	st, s := newMemSynchronizer(t)

	s.Create("y", map[string]any{"n": 0}, nil)
	_, ran := s.Flush(ctx)
	require.True(t, ran)

	writeStarted := make(chan struct{})
	var once sync.Once
	st.SetHooks(memstore.Hooks{
		BeforeWrite: func(context.Context, []store.WriteOp) error {
			once.Do(func() { close(writeStarted) })
			return nil
		},
		BeforeInsert: func(context.Context, []store.Document) error {
			select {
			case <-writeStarted:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("update branch never started")
			}
		},
	})

	s.Create("x", map[string]any{"n": 1}, nil)
	s.Update("y", "n", 2, 0, nil)

	stats, ran := s.Flush(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Updates)
	assert.Equal(t, 0, stats.XUpdates)
	assert.Equal(t, 0, stats.InsertErrors)

	doc, ok := st.Document("people", "y")
	require.True(t, ok)
	assert.Equal(t, 2, doc["n"])
}

func TestFlushRoutesDuplicateKey(t *testing.T) {
	ctx := context.Background()
	st, s := newMemSynchronizer(t)
	_, err := st.Collection("people").BulkInsert(ctx, []store.Document{{ID: "dup", Fields: map[string]any{"v": "old"}}})
	require.NoError(t, err)

	obs := newRecordingObserver()
	s.Create("a", map[string]any{"v": 1}, obs)
	s.Create("dup", map[string]any{"v": 2}, obs)
	s.Create("b", map[string]any{"v": 3}, obs)

	stats, ran := s.Flush(ctx)
	require.True(t, ran)
	assert.Equal(t, 3, stats.Inserts)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 1, stats.Duplicates)

	for _, id := range []store.ID{"a", "b"} {
		inserted, dups, errs := obs.counts(id)
		assert.Equal(t, 1, inserted, id)
		assert.Zero(t, dups, id)
		assert.Zero(t, errs, id)
	}
	inserted, dups, errs := obs.counts("dup")
	assert.Zero(t, inserted)
	assert.Equal(t, 1, dups)
	assert.Zero(t, errs)

	doc, _ := st.Document("people", "dup")
	assert.Equal(t, "old", doc["v"])
}

func TestFlushRoutesUniqueIndexViolation(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	s := newTestSynchronizer(t, st, "people", IndexSpec{Unique: []string{"email"}})

	obs := newRecordingObserver()
	s.Create("a", map[string]any{"email": "a@example.com"}, obs)
	_, ran := s.Flush(ctx)
	require.True(t, ran)

	s.Create("b", map[string]any{"email": "a@example.com"}, obs)
	stats, ran := s.Flush(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, stats.Duplicates)
	_, dups, _ := obs.counts("b")
	assert.Equal(t, 1, dups)
}

func TestFlushWholeInsertFailure(t *testing.T) {
	st, s := newMemSynchronizer(t)
	st.SetHooks(memstore.Hooks{
		BeforeInsert: func(context.Context, []store.Document) error { return errors.New("connection reset") },
	})

	obs := newRecordingObserver()
	s.Create("a", nil, obs)
	s.Create("b", nil, obs)

	stats, ran := s.Flush(context.Background())
	require.True(t, ran)
	assert.Equal(t, 2, stats.InsertErrors)
	for _, id := range []store.ID{"a", "b"} {
		inserted, _, errs := obs.counts(id)
		assert.Zero(t, inserted)
		assert.Equal(t, 1, errs)
	}
	obs.mu.Lock()
	assert.Equal(t, store.CodeWriteFailed, obs.errors["a"][0].Code)
	obs.mu.Unlock()

	// the cycle is not left pending
	st.SetHooks(memstore.Hooks{})
	s.Create("c", nil, obs)
	_, ran = s.Flush(context.Background())
	assert.True(t, ran)
}

func TestCreateOverwritesBufferedInsert(t *testing.T) {
	st, s := newMemSynchronizer(t)

	fields := map[string]any{"v": 1}
	s.Create("x", fields, nil)
	fields["v"] = 99
	s.Create("y", nil, nil)
	s.Create("x", map[string]any{"v": 2}, nil)

	inserts, _ := s.Pending()
	assert.Equal(t, 2, inserts)

	_, ran := s.Flush(context.Background())
	require.True(t, ran)
	calls := st.CallsOf("insert")
	require.Len(t, calls, 1)
	assert.Equal(t, []store.ID{"x", "y"}, calls[0].IDs)
	doc, _ := st.Document("people", "x")
	assert.Equal(t, 2, doc["v"])
}

func TestUnsetRemovesField(t *testing.T) {
	ctx := context.Background()
	st, s := newMemSynchronizer(t)

	s.Create("x", map[string]any{"profile": map[string]any{"age": 3, "nick": "x"}}, nil)
	_, ran := s.Flush(ctx)
	require.True(t, ran)

	s.Unset("x", "profile.nick")
	s.Update("x", "profile.age", 4, 3, nil)
	stats, ran := s.Flush(ctx)
	require.True(t, ran)
	assert.Equal(t, 2, stats.Updates)

	doc, _ := st.Document("people", "x")
	assert.Equal(t, map[string]any{"age": 4}, doc["profile"])
}

func TestRecordsDeferredWhileLocked(t *testing.T) {
	_, s := newMemSynchronizer(t)

	s.locks.lockInsert()
	s.Create("x", nil, nil)
	inserts, _ := s.Pending()
	assert.Equal(t, 0, inserts)

	s.Update("x", "v", 1, nil, nil)
	_, updates := s.Pending()
	assert.Equal(t, 1, updates, "the update lock is independent")

	s.locks.unlockInsert()
	inserts, _ = s.Pending()
	assert.Equal(t, 1, inserts)
}

func TestRecordsDuringFlushAreKeptInOrder(t *testing.T) {
	ctx := context.Background()
	st, s := newMemSynchronizer(t)

	s.Create("y", map[string]any{"n": 0}, nil)
	_, ran := s.Flush(ctx)
	require.True(t, ran)

	entered := make(chan struct{})
	release := make(chan struct{})
	st.SetHooks(memstore.Hooks{
		BeforeInsert: func(context.Context, []store.Document) error {
			close(entered)
			<-release
			return nil
		},
	})

	s.Create("x", nil, nil)
	done := make(chan FlushStats)
	go func() {
		stats, _ := s.Flush(ctx)
		done <- stats
	}()
	<-entered

	// a concurrent tick is a no-op
	_, ran = s.Flush(ctx)
	assert.False(t, ran)

	s.Create("z", nil, nil)
	s.Update("y", "n", 1, 0, nil)
	s.Update("y", "n", 2, 1, nil)
	inserts, updates := s.Pending()
	assert.Zero(t, inserts)
	assert.Zero(t, updates)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Inserts)

	inserts, updates = s.Pending()
	assert.Equal(t, 1, inserts)
	assert.Equal(t, 2, updates)

	st.SetHooks(memstore.Hooks{})
	second, ran := s.Flush(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, second.Inserted)
	assert.Equal(t, 2, second.Updates)

	doc, _ := st.Document("people", "y")
	assert.Equal(t, 2, doc["n"])
	writes := st.CallsOf("write")
	require.NotEmpty(t, writes)
	last := writes[len(writes)-1]
	require.Len(t, last.Ops, 2)
	assert.Equal(t, 1, last.Ops[0].Value)
	assert.Equal(t, 2, last.Ops[1].Value)
}

func TestUpdateCallbackFiresOnce(t *testing.T) {
	ctx := context.Background()
	_, s := newMemSynchronizer(t)

	s.Create("x", map[string]any{"v": 0}, nil)
	_, ran := s.Flush(ctx)
	require.True(t, ran)

	var calls atomic.Int32
	s.Update("x", "v", 1, 0, func() { calls.Add(1) })
	s.Update("x", "v", 1, 1, nil)
	_, ran = s.Flush(ctx)
	require.True(t, ran)
	assert.EqualValues(t, 1, calls.Load())

	s.Update("x", "w", 1, nil, nil)
	_, ran = s.Flush(ctx)
	require.True(t, ran)
	assert.EqualValues(t, 1, calls.Load())
}

func TestUpdateCallbackOnDependentUpdate(t *testing.T) {
	_, s := newMemSynchronizer(t)

	var calls atomic.Int32
	s.Create("x", nil, nil)
	s.Update("x", "v", 1, nil, func() { calls.Add(1) })
	stats, ran := s.Flush(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, stats.XUpdates)
	assert.EqualValues(t, 1, calls.Load())
}

func TestUpdateCallbackSkippedOnFailure(t *testing.T) {
	ctx := context.Background()
	st, s := newMemSynchronizer(t)

	s.Create("x", nil, nil)
	_, ran := s.Flush(ctx)
	require.True(t, ran)

	st.SetHooks(memstore.Hooks{
		WriteOpError: func(op store.WriteOp) *store.WriteError {
			if op.Path == "bad" {
				return &store.WriteError{ID: op.ID, Code: store.CodeWriteFailed, Message: "rejected"}
			}
			return nil
		},
	})

	var good, bad atomic.Int32
	s.Update("x", "bad", 1, nil, func() { bad.Add(1) })
	s.Update("x", "good", 1, nil, func() { good.Add(1) })
	stats, ran := s.Flush(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, stats.UpdateErrors)
	assert.EqualValues(t, 1, good.Load())
	assert.Zero(t, bad.Load())

	st.SetHooks(memstore.Hooks{
		BeforeWrite: func(context.Context, []store.WriteOp) error { return errors.New("timeout") },
	})
	s.Update("x", "good", 2, 1, func() { good.Add(1) })
	stats, ran = s.Flush(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, stats.UpdateErrors)
	assert.EqualValues(t, 1, good.Load())
}

func TestFlushTimeoutBoundsStoreCalls(t *testing.T) {
	st := memstore.New()
	cfg := testConfig()
	cfg.FlushTimeout = 20 * time.Millisecond
	s, err := New(st, "people", cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background(), IndexSpec{}))

	st.SetHooks(memstore.Hooks{
		BeforeInsert: func(ctx context.Context, _ []store.Document) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	obs := newRecordingObserver()
	s.Create("x", nil, obs)

	stats, ran := s.Flush(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, stats.InsertErrors)
	_, _, errs := obs.counts("x")
	assert.Equal(t, 1, errs)
}

func TestNotifyDeliversStats(t *testing.T) {
	_, s := newMemSynchronizer(t)
	ch := make(chan FlushStats, 1)
	s.Notify(ch)

	s.Create("x", nil, nil)
	_, ran := s.Flush(context.Background())
	require.True(t, ran)
	stats := waitStats(t, ch)
	assert.Equal(t, "people", stats.Collection)
	assert.Equal(t, 1, stats.Inserted)

	s.StopNotify(ch)
	s.Create("y", nil, nil)
	_, ran = s.Flush(context.Background())
	require.True(t, ran)
	select {
	case <-ch:
		t.Fatal("stats delivered after StopNotify")
	default:
	}
}

func TestFlushCycleLinesAreDebugOnly(t *testing.T) {
	for _, debug := range []bool{false, true} {
		var buf bytes.Buffer
		log, err := logger.New().FromBuffer(zerolog.SyncWriter(&buf)).Debug(debug).Make()
		require.NoError(t, err)

		s, err := New(memstore.New(), "people", &Config{Logger: log})
		require.NoError(t, err)
		require.NoError(t, s.Init(context.Background(), IndexSpec{}))

		s.Create("p1", map[string]any{"name": "ada"}, nil)
		_, ran := s.Flush(context.Background())
		require.True(t, ran)
		s.Update("p1", "name", "grace", "ada", nil)
		_, ran = s.Flush(context.Background())
		require.True(t, ran)

		out := buf.String()
		assert.Equal(t, debug, strings.Contains(out, "running inserts"), "debug=%v", debug)
		assert.Equal(t, debug, strings.Contains(out, "running updates"), "debug=%v", debug)
	}
}
