// Package boltstore is an embedded [store.Store] on a bbolt file.
//
// Each collection is a top-level bucket holding a docs bucket, an index
// metadata bucket, and one key bucket per unique index that maps encoded
// index keys to document ids. Documents and metadata are msgpack encoded.
// A bulk call runs in one read-write transaction; per-document failures are
// reported without rolling back the rest of the batch.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/store"
)

var ErrNoCollection = errors.New("collection does not exist")

var (
	docsBucket    = []byte("docs")
	indexesBucket = []byte("indexes")
	keysPrefix    = "keys/"
)

type Options struct {
	// NoSync skips fsync after each transaction. Use only in tests.
	NoSync bool
	Logger logger.Logger
}

type Store struct {
	db  *bbolt.DB
	log logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	log.Debug("opened boltstore", "path", path, "noSync", opts.NoSync)
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CollectionExists(_ context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return exists, err
}

func (s *Store) CreateCollection(_ context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists(indexesBucket)
		return err
	})
}

// Document returns a stored document.
func (s *Store) Document(coll string, id store.ID) (map[string]any, bool, error) {
	var doc map[string]any
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(coll))
		if root == nil {
			return fmt.Errorf("%w: %s", ErrNoCollection, coll)
		}
		data := root.Bucket(docsBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		var err error
		doc, err = decodeDoc(data)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return doc, doc != nil, nil
}

func (s *Store) Collection(name string) store.Collection {
	return &Collection{s: s, name: name}
}

type Collection struct {
	s    *Store
	name string
}

func (c *Collection) Name() string {
	return c.name
}

// txn is one transaction's view of a collection.
type txn struct {
	root    *bbolt.Bucket
	docs    *bbolt.Bucket
	indexes map[string]indexMeta
}

func (c *Collection) open(tx *bbolt.Tx) (*txn, error) {
	root := tx.Bucket([]byte(c.name))
	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCollection, c.name)
	}
	t := &txn{root: root, docs: root.Bucket(docsBucket), indexes: map[string]indexMeta{}}
	err := root.Bucket(indexesBucket).ForEach(func(k, v []byte) error {
		var meta indexMeta
		if err := decode(v, &meta); err != nil {
			return err
		}
		t.indexes[string(k)] = meta
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *txn) keys(name string) *bbolt.Bucket {
	return t.root.Bucket([]byte(keysPrefix + name))
}

// conflict returns the unique index that fields collide on, if any.
func (t *txn) conflict(id store.ID, fields map[string]any) (string, error) {
	for name, meta := range t.indexes {
		if !meta.Unique {
			continue
		}
		key, ok, err := indexKey(meta, fields)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if owner := t.keys(name).Get(key); owner != nil && !bytes.Equal(owner, []byte(id)) {
			return name, nil
		}
	}
	return "", nil
}

// reindex moves the unique keys of id from old to next. old is nil for a
// fresh document.
func (t *txn) reindex(id store.ID, old, next map[string]any) error {
	for name, meta := range t.indexes {
		if !meta.Unique {
			continue
		}
		b := t.keys(name)
		if old != nil {
			key, ok, err := indexKey(meta, old)
			if err != nil {
				return err
			}
			if ok {
				if err := b.Delete(key); err != nil {
					return err
				}
			}
		}
		key, ok, err := indexKey(meta, next)
		if err != nil {
			return err
		}
		if ok {
			if err := b.Put(key, []byte(id)); err != nil {
				return err
			}
		}
	}
	return nil
}

func duplicate(i int, id store.ID, coll, index string) store.WriteError {
	return store.WriteError{
		Index: i, ID: id, Code: store.CodeDuplicateKey,
		Message: fmt.Sprintf("duplicate key error collection: %s index: %s", coll, index),
	}
}

func (c *Collection) BulkInsert(_ context.Context, docs []store.Document) (store.InsertResult, error) {
	var res store.InsertResult
	err := c.s.db.Update(func(tx *bbolt.Tx) error {
		t, err := c.open(tx)
		if err != nil {
			return err
		}
		res = store.InsertResult{}
		for i, d := range docs {
			if t.docs.Get([]byte(d.ID)) != nil {
				res.Errors = append(res.Errors, duplicate(i, d.ID, c.name, store.IDIndexName))
				continue
			}
			fields := d.Fields
			if fields == nil {
				fields = map[string]any{}
			}
			name, err := t.conflict(d.ID, fields)
			if err != nil {
				return err
			}
			if name != "" {
				res.Errors = append(res.Errors, duplicate(i, d.ID, c.name, name))
				continue
			}
			data, err := encode(fields)
			if err != nil {
				res.Errors = append(res.Errors, store.WriteError{Index: i, ID: d.ID, Code: store.CodeWriteFailed, Message: err.Error()})
				continue
			}
			if err := t.docs.Put([]byte(d.ID), data); err != nil {
				return err
			}
			if err := t.reindex(d.ID, nil, fields); err != nil {
				return err
			}
			res.Inserted = append(res.Inserted, d.ID)
		}
		return nil
	})
	if err != nil {
		return store.InsertResult{}, err
	}
	return res, nil
}

func (c *Collection) BulkWrite(_ context.Context, ops []store.WriteOp) (store.WriteResult, error) {
	var res store.WriteResult
	err := c.s.db.Update(func(tx *bbolt.Tx) error {
		t, err := c.open(tx)
		if err != nil {
			return err
		}
		res = store.WriteResult{}
		for i, op := range ops {
			data := t.docs.Get([]byte(op.ID))
			if data == nil {
				continue
			}
			res.Matched++
			old, err := decodeDoc(data)
			if err != nil {
				return err
			}
			doc := store.CloneFields(old)
			if err := store.Apply(doc, op); err != nil {
				res.Errors = append(res.Errors, store.WriteError{Index: i, ID: op.ID, Code: store.CodeWriteFailed, Message: err.Error()})
				continue
			}
			name, err := t.conflict(op.ID, doc)
			if err != nil {
				return err
			}
			if name != "" {
				res.Errors = append(res.Errors, duplicate(i, op.ID, c.name, name))
				continue
			}
			encoded, err := encode(doc)
			if err != nil {
				res.Errors = append(res.Errors, store.WriteError{Index: i, ID: op.ID, Code: store.CodeWriteFailed, Message: err.Error()})
				continue
			}
			if err := t.docs.Put([]byte(op.ID), encoded); err != nil {
				return err
			}
			if err := t.reindex(op.ID, old, doc); err != nil {
				return err
			}
			res.Modified++
		}
		return nil
	})
	if err != nil {
		return store.WriteResult{}, err
	}
	return res, nil
}

func (c *Collection) ListIndexes(_ context.Context) ([]store.Index, error) {
	var out []store.Index
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		t, err := c.open(tx)
		if err != nil {
			return err
		}
		out = append(out, store.Index{Name: store.IDIndexName, Fields: []string{"_id"}, Unique: true})
		names := make([]string, 0, len(t.indexes))
		for name := range t.indexes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			meta := t.indexes[name]
			out = append(out, store.Index{Name: name, Fields: meta.Fields, Unique: meta.Unique, Sparse: meta.Sparse})
		}
		return nil
	})
	return out, err
}

func (c *Collection) CreateIndex(_ context.Context, index store.Index) error {
	if index.Name == store.IDIndexName {
		return fmt.Errorf("index %s already exists on %s", index.Name, c.name)
	}
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		t, err := c.open(tx)
		if err != nil {
			return err
		}
		if _, ok := t.indexes[index.Name]; ok {
			return fmt.Errorf("index %s already exists on %s", index.Name, c.name)
		}
		meta := indexMeta{Fields: append([]string(nil), index.Fields...), Unique: index.Unique, Sparse: index.Sparse}
		data, err := encode(meta)
		if err != nil {
			return err
		}
		if err := t.root.Bucket(indexesBucket).Put([]byte(index.Name), data); err != nil {
			return err
		}
		if !index.Unique {
			return nil
		}
		keys, err := t.root.CreateBucket([]byte(keysPrefix + index.Name))
		if err != nil {
			return err
		}
		// a collision rolls the whole definition back
		return t.docs.ForEach(func(k, v []byte) error {
			doc, err := decodeDoc(v)
			if err != nil {
				return err
			}
			key, ok, err := indexKey(meta, doc)
			if err != nil || !ok {
				return err
			}
			if other := keys.Get(key); other != nil {
				return fmt.Errorf("cannot create unique index %s: %s and %s collide", index.Name, other, k)
			}
			return keys.Put(key, k)
		})
	})
}

func (c *Collection) DropIndex(_ context.Context, name string) error {
	if name == store.IDIndexName {
		return fmt.Errorf("cannot drop the identity index")
	}
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		t, err := c.open(tx)
		if err != nil {
			return err
		}
		meta, ok := t.indexes[name]
		if !ok {
			return fmt.Errorf("index %s not found on %s", name, c.name)
		}
		if err := t.root.Bucket(indexesBucket).Delete([]byte(name)); err != nil {
			return err
		}
		if meta.Unique {
			return t.root.DeleteBucket([]byte(keysPrefix + name))
		}
		return nil
	})
}
