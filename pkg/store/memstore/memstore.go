// Package memstore is an in-memory [store.Store].
//
// It keeps every collection in process memory, enforces identity and unique
// index constraints on insert, and records each call it receives. Hooks let
// tests slow down or fail individual calls.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/surrealdb/docsync/pkg/store"
)

var ErrNoCollection = errors.New("collection does not exist")

// Call records one adapter invocation.
type Call struct {
	Op         string
	Collection string
	IDs        []store.ID
	Ops        []store.WriteOp
	Index      string
	Start      time.Time
	End        time.Time
}

// Hooks intercept adapter calls. Any nil hook is skipped.
type Hooks struct {
	// BeforeInsert runs before a bulk insert; an error fails the whole call.
	BeforeInsert func(ctx context.Context, docs []store.Document) error
	// BeforeWrite runs before a bulk write; an error fails the whole call.
	BeforeWrite func(ctx context.Context, ops []store.WriteOp) error
	// BeforeIndex runs before CreateIndex and DropIndex.
	BeforeIndex func(ctx context.Context, op, name string) error
	// WriteOpError fails a single operation of a bulk write.
	WriteOpError func(op store.WriteOp) *store.WriteError
}

type collection struct {
	docs    map[store.ID]map[string]any
	indexes []store.Index
}

type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	hooks       Hooks
	calls       []Call
}

func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

func (s *Store) hooksSnapshot() Hooks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hooks
}

// Calls returns a copy of the call log in completion order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsOf returns the logged calls of one kind, e.g. "insert" or "write".
func (s *Store) CallsOf(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Document returns a copy of a stored document.
func (s *Store) Document(coll string, id store.ID) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[coll]
	if !ok {
		return nil, false
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, false
	}
	return store.CloneFields(doc), true
}

// Count returns the number of documents in a collection.
func (s *Store) Count(coll string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[coll]; ok {
		return len(c.docs)
	}
	return 0
}

func (s *Store) record(c Call) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *Store) CollectionExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collections[name]
	return ok, nil
}

func (s *Store) CreateCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return nil
	}
	s.collections[name] = &collection{
		docs:    make(map[store.ID]map[string]any),
		indexes: []store.Index{{Name: store.IDIndexName, Fields: []string{"_id"}, Unique: true}},
	}
	s.calls = append(s.calls, Call{Op: "createCollection", Collection: name, Start: time.Now(), End: time.Now()})
	return nil
}

func (s *Store) Collection(name string) store.Collection {
	return &Collection{s: s, name: name}
}

// Collection is a handle on one collection of a [Store].
type Collection struct {
	s    *Store
	name string
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) get() (*collection, error) {
	coll, ok := c.s.collections[c.name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCollection, c.name)
	}
	return coll, nil
}

func (c *Collection) BulkInsert(ctx context.Context, docs []store.Document) (store.InsertResult, error) {
	start := time.Now()
	call := Call{Op: "insert", Collection: c.name, Start: start}
	for _, d := range docs {
		call.IDs = append(call.IDs, d.ID)
	}
	defer func() {
		call.End = time.Now()
		c.s.record(call)
	}()

	if h := c.s.hooksSnapshot().BeforeInsert; h != nil {
		if err := h(ctx, docs); err != nil {
			return store.InsertResult{}, err
		}
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	coll, err := c.get()
	if err != nil {
		return store.InsertResult{}, err
	}

	var res store.InsertResult
	for i, d := range docs {
		if _, exists := coll.docs[d.ID]; exists {
			res.Errors = append(res.Errors, store.WriteError{
				Index: i, ID: d.ID, Code: store.CodeDuplicateKey,
				Message: fmt.Sprintf("duplicate key error collection: %s index: %s", c.name, store.IDIndexName),
			})
			continue
		}
		if name, dup := coll.violatesUnique(d.ID, d.Fields); dup {
			res.Errors = append(res.Errors, store.WriteError{
				Index: i, ID: d.ID, Code: store.CodeDuplicateKey,
				Message: fmt.Sprintf("duplicate key error collection: %s index: %s", c.name, name),
			})
			continue
		}
		coll.docs[d.ID] = store.CloneFields(d.Fields)
		res.Inserted = append(res.Inserted, d.ID)
	}
	return res, nil
}

func (c *Collection) BulkWrite(ctx context.Context, ops []store.WriteOp) (store.WriteResult, error) {
	call := Call{Op: "write", Collection: c.name, Ops: append([]store.WriteOp(nil), ops...), Start: time.Now()}
	for _, op := range ops {
		call.IDs = append(call.IDs, op.ID)
	}
	defer func() {
		call.End = time.Now()
		c.s.record(call)
	}()

	hooks := c.s.hooksSnapshot()
	if hooks.BeforeWrite != nil {
		if err := hooks.BeforeWrite(ctx, ops); err != nil {
			return store.WriteResult{}, err
		}
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	coll, err := c.get()
	if err != nil {
		return store.WriteResult{}, err
	}

	var res store.WriteResult
	for i, op := range ops {
		if hooks.WriteOpError != nil {
			if werr := hooks.WriteOpError(op); werr != nil {
				werr.Index = i
				res.Errors = append(res.Errors, *werr)
				continue
			}
		}
		doc, ok := coll.docs[op.ID]
		if !ok {
			continue
		}
		res.Matched++
		if err := store.Apply(doc, op); err != nil {
			res.Errors = append(res.Errors, store.WriteError{Index: i, ID: op.ID, Code: store.CodeWriteFailed, Message: err.Error()})
			continue
		}
		res.Modified++
	}
	return res, nil
}

func (c *Collection) ListIndexes(_ context.Context) ([]store.Index, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.calls = append(c.s.calls, Call{Op: "listIndexes", Collection: c.name, Start: time.Now(), End: time.Now()})
	coll, err := c.get()
	if err != nil {
		return nil, err
	}
	out := make([]store.Index, len(coll.indexes))
	for i, idx := range coll.indexes {
		idx.Fields = append([]string(nil), idx.Fields...)
		out[i] = idx
	}
	return out, nil
}

func (c *Collection) CreateIndex(ctx context.Context, index store.Index) error {
	if h := c.s.hooksSnapshot().BeforeIndex; h != nil {
		if err := h(ctx, "createIndex", index.Name); err != nil {
			return err
		}
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.calls = append(c.s.calls, Call{Op: "createIndex", Collection: c.name, Index: index.Name, Start: time.Now(), End: time.Now()})
	coll, err := c.get()
	if err != nil {
		return err
	}
	for _, idx := range coll.indexes {
		if idx.Name == index.Name {
			return fmt.Errorf("index %s already exists on %s", index.Name, c.name)
		}
	}
	if index.Unique {
		seen := map[string]store.ID{}
		for id, doc := range coll.docs {
			key, ok := indexKey(index, doc)
			if !ok {
				continue
			}
			if other, dup := seen[key]; dup {
				return fmt.Errorf("cannot create unique index %s: %s and %s collide", index.Name, other, id)
			}
			seen[key] = id
		}
	}
	index.Fields = append([]string(nil), index.Fields...)
	coll.indexes = append(coll.indexes, index)
	return nil
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if h := c.s.hooksSnapshot().BeforeIndex; h != nil {
		if err := h(ctx, "dropIndex", name); err != nil {
			return err
		}
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.calls = append(c.s.calls, Call{Op: "dropIndex", Collection: c.name, Index: name, Start: time.Now(), End: time.Now()})
	coll, err := c.get()
	if err != nil {
		return err
	}
	if name == store.IDIndexName {
		return fmt.Errorf("cannot drop the identity index")
	}
	for i, idx := range coll.indexes {
		if idx.Name == name {
			coll.indexes = append(coll.indexes[:i], coll.indexes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("index %s not found on %s", name, c.name)
}

func (coll *collection) violatesUnique(id store.ID, fields map[string]any) (string, bool) {
	for _, idx := range coll.indexes {
		if !idx.Unique || idx.Name == store.IDIndexName {
			continue
		}
		key, ok := indexKey(idx, fields)
		if !ok {
			continue
		}
		for otherID, other := range coll.docs {
			if otherID == id {
				continue
			}
			if otherKey, ok := indexKey(idx, other); ok && otherKey == key {
				return idx.Name, true
			}
		}
	}
	return "", false
}

// indexKey renders the index key of a document. Sparse indexes skip documents
// that have none of the indexed fields.
func indexKey(idx store.Index, fields map[string]any) (string, bool) {
	values := make([]string, 0, len(idx.Fields))
	present := 0
	for _, f := range idx.Fields {
		parts, err := store.SplitPath(f)
		if err != nil {
			return "", false
		}
		v, ok := store.GetPath(fields, parts)
		if ok {
			present++
		}
		values = append(values, fmt.Sprintf("%#v", v))
	}
	if idx.Sparse && present == 0 {
		return "", false
	}
	return fmt.Sprint(values), true
}
