package docsync

import (
	"sync"

	"github.com/surrealdb/docsync/pkg/logger"
)

type lockCategory uint8

const (
	insertLock lockCategory = iota
	updateLock
)

func (c lockCategory) String() string {
	if c == insertLock {
		return "insert"
	}
	return "update"
}

// softLock defers work instead of blocking it.
type softLock struct {
	locked  bool
	waiters []func()
}

// lockCoordinator owns the mutex that guards the write buffer and the two
// soft locks. A locked category queues record closures; unlocking applies
// them in the order they were issued. The mutex is never held across I/O.
type lockCoordinator struct {
	mu         sync.Mutex
	collection string
	log        logger.Logger
	insert     softLock
	update     softLock

	// onDefer and onUnlock run with mu held.
	onDefer  func(lockCategory)
	onUnlock func(lockCategory)
}

func newLockCoordinator(collection string, log logger.Logger) *lockCoordinator {
	return &lockCoordinator{collection: collection, log: log}
}

func (l *lockCoordinator) category(c lockCategory) *softLock {
	if c == insertLock {
		return &l.insert
	}
	return &l.update
}

// do runs fn immediately when c is unlocked and queues it otherwise.
// It reports whether fn was deferred.
func (l *lockCoordinator) do(c lockCategory, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl := l.category(c)
	if sl.locked {
		sl.waiters = append(sl.waiters, fn)
		if l.onDefer != nil {
			l.onDefer(c)
		}
		return true
	}
	fn()
	return false
}

// critical runs fn with the buffer mutex held.
func (l *lockCoordinator) critical(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

func (l *lockCoordinator) isLocked(c lockCategory) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.category(c).locked
}

func (l *lockCoordinator) lockHeld(c lockCategory) {
	l.category(c).locked = true
	l.log.Debug("sync manager locked", "collection", l.collection, "category", c.String())
}

func (l *lockCoordinator) unlockHeld(c lockCategory) {
	sl := l.category(c)
	sl.locked = false
	waiters := sl.waiters
	sl.waiters = nil
	for _, fn := range waiters {
		fn()
	}
	l.log.Debug("sync manager unlocked", "collection", l.collection, "category", c.String(), "deferred", len(waiters))
	if l.onUnlock != nil {
		l.onUnlock(c)
	}
}

func (l *lockCoordinator) lockInsert() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockHeld(insertLock)
}

func (l *lockCoordinator) unlockInsert() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlockHeld(insertLock)
}

func (l *lockCoordinator) lockUpdate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockHeld(updateLock)
}

func (l *lockCoordinator) unlockUpdate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlockHeld(updateLock)
}

func (l *lockCoordinator) lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockHeld(insertLock)
	l.lockHeld(updateLock)
}

func (l *lockCoordinator) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlockHeld(insertLock)
	l.unlockHeld(updateLock)
}
