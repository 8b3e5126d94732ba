package docsync

import "github.com/surrealdb/docsync/pkg/store"

type pendingInsert struct {
	doc      store.Document
	observer Observer
}

type pendingUpdate struct {
	op   store.WriteOp
	done func()
}

// writeBuffer queues the operations of one collection between flushes.
// It is not safe for concurrent use; the lock coordinator serializes access.
type writeBuffer struct {
	inserts map[store.ID]*pendingInsert
	order   []store.ID
	updates []pendingUpdate
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{inserts: make(map[store.ID]*pendingInsert)}
}

// recordCreate stores the snapshot for id. A second create of the same id
// before a flush replaces the first and keeps its batch position.
func (b *writeBuffer) recordCreate(doc store.Document, observer Observer) {
	if _, ok := b.inserts[doc.ID]; !ok {
		b.order = append(b.order, doc.ID)
	}
	b.inserts[doc.ID] = &pendingInsert{doc: doc, observer: observer}
}

func (b *writeBuffer) recordUpdate(op store.WriteOp, done func()) {
	b.updates = append(b.updates, pendingUpdate{op: op, done: done})
}

func (b *writeBuffer) hasPendingWork() bool {
	return len(b.inserts) > 0 || len(b.updates) > 0
}

func (b *writeBuffer) counts() (inserts, updates int) {
	return len(b.inserts), len(b.updates)
}

// drainAll detaches the buffered operations and leaves the buffer empty.
// Inserts come back in first-create order.
func (b *writeBuffer) drainAll() ([]*pendingInsert, []pendingUpdate) {
	inserts := make([]*pendingInsert, 0, len(b.order))
	for _, id := range b.order {
		inserts = append(inserts, b.inserts[id])
	}
	updates := b.updates

	b.inserts = make(map[store.ID]*pendingInsert)
	b.order = nil
	b.updates = nil
	return inserts, updates
}
