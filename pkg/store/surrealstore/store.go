// Package surrealstore is a [store.Store] backed by SurrealDB.
//
// Collections map to schemaless tables and entity ids to record ids of that
// table. Bulk operations are sent as one multi-statement query; SurrealDB
// runs the statements independently, so every statement reports its own
// outcome. Sparse indexes are tagged with a comment so they can be told
// apart when listed.
package surrealstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/surrealdb/docsync/pkg/connection"
	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/models"
	"github.com/surrealdb/docsync/pkg/store"
)

// Querier runs SurrealQL. *connection.Connection implements it.
type Querier interface {
	Query(ctx context.Context, sql string, vars map[string]any) ([]connection.QueryResult, error)
	StatementError(i int, q connection.QueryResult) error
	Decode(raw cbor.RawMessage, dst any) error
}

type Store struct {
	q    Querier
	conn *connection.Connection
	log  logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to SurrealDB, selects the namespace and database and signs
// in when a username is configured.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	connCfg, err := connection.NewConfig(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		connCfg.Timeout = cfg.Timeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	connCfg.Logger = log

	conn := connection.New(connCfg)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	if err := conn.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}
	if cfg.Username != "" {
		if _, err := conn.SignIn(ctx, cfg.Username, cfg.Password); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("signin as %s: %w", cfg.Username, err)
		}
	}
	log.Info("connected to surrealdb", "namespace", cfg.Namespace, "database", cfg.Database)

	s := New(conn, log)
	s.conn = conn
	return s, nil
}

// New wraps an established querier.
func New(q Querier, log logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{q: q, log: log}
}

// Close closes the connection created by Open.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// exec runs a single statement and returns its raw result.
func (s *Store) exec(ctx context.Context, sql string, vars map[string]any) (cbor.RawMessage, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	results, err := s.q.Query(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("%w: %d results for one statement", connection.ErrInvalidResponse, len(results))
	}
	if err := s.q.StatementError(0, results[0]); err != nil {
		return nil, err
	}
	return results[0].Result, nil
}

func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	raw, err := s.exec(ctx, "INFO FOR DB;", nil)
	if err != nil {
		return false, err
	}
	var info map[string]any
	if err := s.q.Decode(raw, &info); err != nil {
		return false, fmt.Errorf("%w: %w", connection.ErrInvalidResponse, err)
	}
	// "tables" since 2.0, "tb" before
	for _, key := range []string{"tables", "tb"} {
		if tables, ok := info[key].(map[string]any); ok {
			_, exists := tables[name]
			return exists, nil
		}
	}
	return false, nil
}

func (s *Store) CreateCollection(ctx context.Context, name string) error {
	_, err := s.exec(ctx, fmt.Sprintf("DEFINE TABLE %s SCHEMALESS;", ident(name)), nil)
	return err
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

func (c *Collection) recordID(id store.ID) models.RecordID {
	return models.NewRecordID(c.name, string(id))
}

func duplicateMessage(msg string) bool {
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already contains")
}

func (c *Collection) BulkInsert(ctx context.Context, docs []store.Document) (store.InsertResult, error) {
	if len(docs) == 0 {
		return store.InsertResult{}, nil
	}
	var sql strings.Builder
	vars := make(map[string]any, 2*len(docs))
	for i, d := range docs {
		fmt.Fprintf(&sql, "CREATE $id%d CONTENT $doc%d RETURN NONE;\n", i, i)
		vars[fmt.Sprintf("id%d", i)] = c.recordID(d.ID)
		fields := d.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		vars[fmt.Sprintf("doc%d", i)] = fields
	}

	results, err := c.s.q.Query(ctx, sql.String(), vars)
	if err != nil {
		return store.InsertResult{}, err
	}
	if len(results) != len(docs) {
		return store.InsertResult{}, fmt.Errorf("%w: %d results for %d inserts", connection.ErrInvalidResponse, len(results), len(docs))
	}

	var res store.InsertResult
	for i, r := range results {
		stmtErr := c.s.q.StatementError(i, r)
		if stmtErr == nil {
			res.Inserted = append(res.Inserted, docs[i].ID)
			continue
		}
		werr := store.WriteError{Index: i, ID: docs[i].ID, Code: store.CodeWriteFailed, Message: stmtErr.Error()}
		var qe *connection.QueryError
		if errors.As(stmtErr, &qe) {
			werr.Message = qe.Message
			if duplicateMessage(qe.Message) {
				werr.Code = store.CodeDuplicateKey
			}
		}
		res.Errors = append(res.Errors, werr)
	}
	return res, nil
}

func (c *Collection) BulkWrite(ctx context.Context, ops []store.WriteOp) (store.WriteResult, error) {
	if len(ops) == 0 {
		return store.WriteResult{}, nil
	}
	var (
		res   store.WriteResult
		sql   strings.Builder
		vars  = make(map[string]any, 2*len(ops))
		index []int
	)
	for i, op := range ops {
		path, err := fieldPath(op.Path)
		if err != nil {
			res.Errors = append(res.Errors, store.WriteError{Index: i, ID: op.ID, Code: store.CodeWriteFailed, Message: err.Error()})
			continue
		}
		vars[fmt.Sprintf("id%d", i)] = c.recordID(op.ID)
		switch op.Kind {
		case store.OpUnset:
			fmt.Fprintf(&sql, "UPDATE $id%d UNSET %s RETURN VALUE id;\n", i, path)
		default:
			fmt.Fprintf(&sql, "UPDATE $id%d SET %s = $v%d RETURN VALUE id;\n", i, path, i)
			vars[fmt.Sprintf("v%d", i)] = op.Value
		}
		index = append(index, i)
	}
	if len(index) == 0 {
		return res, nil
	}

	results, err := c.s.q.Query(ctx, sql.String(), vars)
	if err != nil {
		return store.WriteResult{}, err
	}
	if len(results) != len(index) {
		return store.WriteResult{}, fmt.Errorf("%w: %d results for %d writes", connection.ErrInvalidResponse, len(results), len(index))
	}
	for n, r := range results {
		i := index[n]
		if stmtErr := c.s.q.StatementError(n, r); stmtErr != nil {
			res.Errors = append(res.Errors, store.WriteError{Index: i, ID: ops[i].ID, Code: store.CodeWriteFailed, Message: stmtErr.Error()})
			continue
		}
		var touched []any
		if err := c.s.q.Decode(r.Result, &touched); err == nil && len(touched) > 0 {
			res.Matched++
			res.Modified++
		}
	}
	sort.Slice(res.Errors, func(a, b int) bool { return res.Errors[a].Index < res.Errors[b].Index })
	return res, nil
}

func (c *Collection) ListIndexes(ctx context.Context) ([]store.Index, error) {
	raw, err := c.s.exec(ctx, fmt.Sprintf("INFO FOR TABLE %s;", ident(c.name)), nil)
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := c.s.q.Decode(raw, &info); err != nil {
		return nil, fmt.Errorf("%w: %w", connection.ErrInvalidResponse, err)
	}

	out := []store.Index{{Name: store.IDIndexName, Fields: []string{"id"}, Unique: true}}
	var defs map[string]any
	for _, key := range []string{"indexes", "ix"} {
		if m, ok := info[key].(map[string]any); ok {
			defs = m
			break
		}
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, ok := defs[name].(string)
		if !ok {
			continue
		}
		idx, err := parseIndex(name, def)
		if err != nil {
			c.s.log.Warn("skipping index", "table", c.name, "index", name, "error", err)
			continue
		}
		out = append(out, idx)
	}
	return out, nil
}

func (c *Collection) CreateIndex(ctx context.Context, index store.Index) error {
	sql, err := defineIndex(c.name, index)
	if err != nil {
		return err
	}
	_, err = c.s.exec(ctx, sql, nil)
	return err
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if name == store.IDIndexName {
		return fmt.Errorf("cannot drop the identity index")
	}
	_, err := c.s.exec(ctx, fmt.Sprintf("REMOVE INDEX %s ON TABLE %s;", ident(name), ident(c.name)), nil)
	return err
}
