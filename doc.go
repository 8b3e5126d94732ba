// Package docsync persists in-memory entity mutations to a document database
// by coalescing them into batched writes.
//
// # Recording writes
//
// Application code reports changes to a [Synchronizer] with
// [Synchronizer.Create], [Synchronizer.Update] and [Synchronizer.Unset].
// These calls only touch an in-memory buffer: they never block on the store
// and never fail. Identities are allocated on the client with
// [github.com/surrealdb/docsync/pkg/store.NewID], so an entity can be updated
// before its insert has reached the store.
//
// # Flushing
//
// A flush cycle drains the buffer and submits, per collection, one unordered
// bulk insert and one or two bulk writes. Updates to documents that are part
// of the same cycle's insert batch are held back until the batch returns;
// every other update is written concurrently with the inserts. At most one
// cycle runs at a time. [Synchronizer.Run] drives cycles from a timer or,
// with a zero interval, continuously.
//
// While a cycle holds the insert or update lock, new records of that category
// are queued and applied in issuance order once the lock is released. Nothing
// is rejected and nothing is lost between drain and release.
//
// A failed write is logged and routed to the entity's [Observer]; the entry is
// not retried. The buffer is not durable: unflushed writes are lost when the
// process exits.
//
// # Indexes
//
// [Synchronizer.EnsureIndexes] keeps at most four compound indexes per
// collection, one for each combination of unique/non-unique and
// sparse/non-sparse, and rebuilds a slot when its declared fields drift from
// what the store holds.
//
// # Stores
//
// Backends implement [github.com/surrealdb/docsync/pkg/store.Store]. The module
// ships an in-memory store, an embedded bbolt store and a SurrealDB store.
package docsync
