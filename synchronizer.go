package docsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/store"
)

// Synchronizer buffers the writes of one collection and flushes them to the
// store in batches.
//
// Create, Update and Unset never block and never fail: they only touch the
// in-memory buffer. While a flush holds the lock of a category, new records
// of that category are queued and applied, in order, once it is released.
type Synchronizer struct {
	name  string
	store store.Store
	coll  store.Collection
	cfg   Config
	log   logger.Logger

	locks *lockCoordinator
	buf   *writeBuffer

	// pending is set for the whole body of a flush cycle.
	pending atomic.Bool
	// exclusive keeps flush cycles and index reconciliation apart, so neither
	// releases a lock the other still relies on.
	exclusive sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	wake      chan struct{}

	sched scheduler

	notifyMu  sync.Mutex
	listeners []chan<- FlushStats
}

// New creates the synchronizer of a collection. Both locks stay engaged
// until [Synchronizer.Init] has prepared the collection, so records issued
// before that are deferred rather than flushed into a missing collection.
func New(st store.Store, collection string, cfg *Config) (*Synchronizer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collection == "" {
		return nil, fmt.Errorf("%w: empty collection name", ErrInvalidConfig)
	}
	c := cfg.withDefaults()

	s := &Synchronizer{
		name:  collection,
		store: st,
		coll:  st.Collection(collection),
		cfg:   c,
		log:   c.Logger,
		buf:   newWriteBuffer(),
		ready: make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
	s.locks = newLockCoordinator(collection, c.Logger)
	s.locks.onDefer = func(lc lockCategory) {
		DeferredRecords.WithLabelValues(collection, lc.String()).Inc()
	}
	s.locks.onUnlock = func(lockCategory) { s.poke() }
	s.locks.lock()

	s.log.Debug("sync manager created", "collection", collection)
	return s, nil
}

// Init makes sure the collection exists, reconciles its indexes and closes
// the Ready channel. A failure to reach the store is returned; index
// failures are only logged.
func (s *Synchronizer) Init(ctx context.Context, spec IndexSpec) error {
	exists, err := s.store.CollectionExists(ctx, s.name)
	if err != nil {
		return fmt.Errorf("%w: check collection %s: %w", ErrBootstrap, s.name, err)
	}
	if !exists {
		if err := s.store.CreateCollection(ctx, s.name); err != nil {
			return fmt.Errorf("%w: create collection %s: %w", ErrBootstrap, s.name, err)
		}
		s.log.Info("created collection", "collection", s.name)
	}

	if err := s.EnsureIndexes(ctx, spec); err != nil {
		s.log.Warn("continuing without index reconciliation", "collection", s.name, "error", err)
	}

	s.locks.unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.poke()
	return nil
}

// Collection returns the name of the synchronized collection.
func (s *Synchronizer) Collection() string {
	return s.name
}

// Ready is closed once Init has completed.
func (s *Synchronizer) Ready() <-chan struct{} {
	return s.ready
}

func (s *Synchronizer) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Create queues the insert of a new entity. fields is copied, so later
// changes to the caller's map are not part of the insert; they must be
// reported through Update. observer may be nil.
func (s *Synchronizer) Create(id store.ID, fields map[string]any, observer Observer) {
	doc := store.Document{ID: id, Fields: store.CloneFields(fields)}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	if s.locks.do(insertLock, func() { s.buf.recordCreate(doc, observer) }) {
		s.log.Debug("create deferred", "collection", s.name, "id", id)
	}
	s.poke()
}

// Update queues setting path of entity id to value. done, if not nil, runs
// once after the store has applied this very update, and never if the
// update fails. done runs on the flush goroutine and must not call
// EnsureIndexes.
func (s *Synchronizer) Update(id store.ID, path string, value, old any, done func()) {
	op := store.WriteOp{ID: id, Kind: store.OpSet, Path: path, Value: value}
	deferred := s.locks.do(updateLock, func() { s.buf.recordUpdate(op, done) })
	s.log.Debug("update recorded", "collection", s.name, "id", id, "path", path, "old", old, "new", value, "deferred", deferred)
	s.poke()
}

// Unset queues removing path from entity id.
func (s *Synchronizer) Unset(id store.ID, path string) {
	op := store.WriteOp{ID: id, Kind: store.OpUnset, Path: path}
	if s.locks.do(updateLock, func() { s.buf.recordUpdate(op, nil) }) {
		s.log.Debug("unset deferred", "collection", s.name, "id", id, "path", path)
	}
	s.poke()
}

// Pending returns the number of buffered inserts and updates. Deferred
// records are not counted until their lock is released.
func (s *Synchronizer) Pending() (inserts, updates int) {
	s.locks.critical(func() {
		inserts, updates = s.buf.counts()
	})
	return
}

// Notify relays the stats of every completed flush cycle to ch.
// Sends do not block; a full channel misses the signal.
func (s *Synchronizer) Notify(ch chan<- FlushStats) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.listeners = append(s.listeners, ch)
}

// StopNotify undoes Notify for ch.
func (s *Synchronizer) StopNotify(ch chan<- FlushStats) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for i, l := range s.listeners {
		if l == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Synchronizer) emitFree(stats FlushStats) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- stats:
		default:
		}
	}
}

// poke wakes a continuously polling scheduler.
func (s *Synchronizer) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
