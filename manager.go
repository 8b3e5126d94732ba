package docsync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/store"
)

// Kind declares an entity kind: the collection it lives in and its indexes.
type Kind struct {
	Collection string
	Indexes    IndexSpec
}

// Manager owns one Synchronizer per collection of a store.
type Manager struct {
	store   store.Store
	cfg     *Config
	log     logger.Logger
	running atomic.Bool
	syncers *xsync.MapOf[string, *Synchronizer]
	opening *xsync.MapOf[string, *pendingOpen]
}

// pendingOpen is an Open in progress. done is closed once s or err is set.
type pendingOpen struct {
	done chan struct{}
	s    *Synchronizer
	err  error
}

func NewManager(st store.Store, cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := cfg.withDefaults()
	return &Manager{
		store:   st,
		cfg:     &c,
		log:     c.Logger,
		syncers: xsync.NewMapOf[string, *Synchronizer](),
		opening: xsync.NewMapOf[string, *pendingOpen](),
	}, nil
}

// Open returns the synchronizer of kind.Collection, creating and
// bootstrapping it on first use. Concurrent callers for the same collection
// wait for the one bootstrap and share its outcome. A bootstrap failure is
// returned and the collection is left unopened.
func (m *Manager) Open(ctx context.Context, kind Kind) (*Synchronizer, error) {
	if s, ok := m.syncers.Load(kind.Collection); ok {
		return s, nil
	}
	b := &pendingOpen{done: make(chan struct{})}
	if other, loaded := m.opening.LoadOrStore(kind.Collection, b); loaded {
		select {
		case <-other.done:
			return other.s, other.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.s, b.err = m.bootstrap(ctx, kind)
	m.opening.Delete(kind.Collection)
	close(b.done)
	return b.s, b.err
}

func (m *Manager) bootstrap(ctx context.Context, kind Kind) (*Synchronizer, error) {
	// an earlier bootstrap may have finished after the first lookup
	if s, ok := m.syncers.Load(kind.Collection); ok {
		return s, nil
	}
	s, err := New(m.store, kind.Collection, m.cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx, kind.Indexes); err != nil {
		return nil, err
	}
	m.syncers.Store(kind.Collection, s)
	if m.running.Load() {
		s.Run()
	}
	return s, nil
}

// Derive reconciles the sparse index slots of an extended kind. Fields added
// by derived kinds are missing from older documents, hence sparse.
func (m *Manager) Derive(ctx context.Context, collection string, extra IndexSpec) error {
	s, ok := m.syncers.Load(collection)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	extra.Sparse = true
	return s.EnsureIndexes(ctx, extra)
}

// Get returns an opened synchronizer.
func (m *Manager) Get(collection string) (*Synchronizer, bool) {
	return m.syncers.Load(collection)
}

// Collections lists the opened collections.
func (m *Manager) Collections() []string {
	var names []string
	m.syncers.Range(func(name string, _ *Synchronizer) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Run starts the flush loop of every opened synchronizer. Collections
// opened afterwards start theirs from Open, until Close.
func (m *Manager) Run() {
	m.running.Store(true)
	m.syncers.Range(func(_ string, s *Synchronizer) bool {
		s.Run()
		return true
	})
}

// Close stops every flush loop and runs a final flush of each collection.
// Writes recorded after Close are not flushed.
func (m *Manager) Close(ctx context.Context) error {
	m.running.Store(false)
	m.syncers.Range(func(name string, s *Synchronizer) bool {
		s.Stop()
		if stats, ran := s.Flush(ctx); ran {
			m.log.Info("final flush", "collection", name,
				"inserted", stats.Inserted, "updates", stats.Updates+stats.XUpdates)
		}
		return true
	})
	return ctx.Err()
}
