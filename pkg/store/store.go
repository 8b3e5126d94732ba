// Package store defines the contract between the synchronizer and a backing
// document database.
//
// Adapters implement [Store] and [Collection]. Operations are batch oriented:
// a flush cycle submits every pending insert of a collection in a single
// [Collection.BulkInsert] call and every pending update in a single
// [Collection.BulkWrite] call. Both calls report partial failures per
// document or per operation instead of failing the whole batch.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CodeDuplicateKey is the write error code reported when a document collides
// with an existing identity or unique index entry.
const CodeDuplicateKey = 11000

// CodeWriteFailed is the generic write error code for adapters that have no
// finer classification.
const CodeWriteFailed = 1

// IDIndexName is the name under which adapters report the identity index.
const IDIndexName = "_id_"

// ID is an entity identity. It is allocated on the client before the entity
// is persisted, so updates can reference it while its insert is still pending.
type ID string

// NewID allocates a fresh, time ordered identity.
func NewID() ID {
	return ID(uuid.Must(uuid.NewV7()).String())
}

func (id ID) String() string {
	return string(id)
}

// Document is a full attribute snapshot of one entity.
type Document struct {
	ID     ID
	Fields map[string]any
}

// OpKind tells a set-field operation from a remove-field one.
type OpKind uint8

const (
	OpSet OpKind = iota + 1
	OpUnset
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpUnset:
		return "unset"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// WriteOp is a single field mutation of one document.
// Path is a dotted property path, e.g. "address.city".
type WriteOp struct {
	ID    ID
	Kind  OpKind
	Path  string
	Value any
}

// WriteError describes the failure of one document of a bulk insert or one
// operation of a bulk write. Index is the position in the submitted slice.
type WriteError struct {
	Index   int
	ID      ID
	Code    int
	Message string
}

func (e WriteError) Error() string {
	return fmt.Sprintf("write error on %s (code %d): %s", e.ID, e.Code, e.Message)
}

// IsDuplicateKey reports whether the error is a duplicate-key violation.
func (e WriteError) IsDuplicateKey() bool {
	return e.Code == CodeDuplicateKey
}

// InsertResult is the outcome of an unordered bulk insert.
type InsertResult struct {
	Inserted []ID
	Errors   []WriteError
}

// WriteResult is the outcome of a bulk write.
type WriteResult struct {
	Matched  int
	Modified int
	Errors   []WriteError
}

// Failed reports whether the operation at position i failed.
func (r WriteResult) Failed(i int) bool {
	for _, e := range r.Errors {
		if e.Index == i {
			return true
		}
	}
	return false
}

// Index describes a secondary index as it exists in the store.
type Index struct {
	Name   string
	Fields []string
	Unique bool
	Sparse bool
}

// Has reports whether field is part of the index key.
func (i Index) Has(field string) bool {
	for _, f := range i.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Store is a document database holding named collections.
type Store interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string) error
	Collection(name string) Collection
}

// Collection is the per-collection half of an adapter.
type Collection interface {
	Name() string

	// BulkInsert inserts docs unordered. A non-nil error means the call as a
	// whole failed; per-document failures are reported in the result.
	BulkInsert(ctx context.Context, docs []Document) (InsertResult, error)

	// BulkWrite applies ops in submission order.
	BulkWrite(ctx context.Context, ops []WriteOp) (WriteResult, error)

	// ListIndexes returns every index including the identity index.
	ListIndexes(ctx context.Context) ([]Index, error)
	CreateIndex(ctx context.Context, index Index) error
	DropIndex(ctx context.Context, name string) error
}
