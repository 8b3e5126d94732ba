package docsync

import (
	"context"
	"fmt"

	"github.com/surrealdb/docsync/pkg/store"
)

// Names of the four index slots. Each collection holds at most one compound
// index per slot, however many fields are indexed.
const (
	IndexNonUnique       = "nonUnique"
	IndexUnique          = "unique"
	IndexSparseNonUnique = "sparse_nonUnique"
	IndexSparseUnique    = "sparse_unique"
)

// IndexSpec declares the indexed fields of an entity kind.
type IndexSpec struct {
	NonUnique []string
	Unique    []string
	Sparse    bool
}

func slotNames(sparse bool) (nonUnique, unique string) {
	if sparse {
		return IndexSparseNonUnique, IndexSparseUnique
	}
	return IndexNonUnique, IndexUnique
}

type indexPlan struct {
	drop   []string
	create []store.Index
}

func (p indexPlan) empty() bool {
	return len(p.drop) == 0 && len(p.create) == 0
}

func fieldSet(fields []string) map[string]struct{} {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func dedupe(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func onlyIdentity(existing []store.Index) bool {
	switch len(existing) {
	case 0:
		return true
	case 1:
		return existing[0].Name == store.IDIndexName
	default:
		return false
	}
}

// planIndexes diffs the declared spec against the indexes that exist and
// returns the drops and creates that converge them.
func planIndexes(spec IndexSpec, existing []store.Index) indexPlan {
	nonUniqueName, uniqueName := slotNames(spec.Sparse)
	local := dedupe(spec.NonUnique)
	localUnique := dedupe(spec.Unique)

	newIndex := func(name string, fields []string, unique bool) store.Index {
		return store.Index{Name: name, Fields: fields, Unique: unique, Sparse: spec.Sparse}
	}

	var plan indexPlan
	if onlyIdentity(existing) {
		if len(local) > 0 {
			plan.create = append(plan.create, newIndex(nonUniqueName, local, false))
		}
		if len(localUnique) > 0 {
			plan.create = append(plan.create, newIndex(uniqueName, localUnique, true))
		}
		return plan
	}

	var db, dbUnique *store.Index
	for i := range existing {
		switch existing[i].Name {
		case nonUniqueName:
			db = &existing[i]
		case uniqueName:
			dbUnique = &existing[i]
		}
	}
	localSet := fieldSet(local)
	localUniqueSet := fieldSet(localUnique)
	dbFields := map[string]struct{}{}
	if db != nil {
		dbFields = fieldSet(db.Fields)
	}
	dbUniqueFields := map[string]struct{}{}
	if dbUnique != nil {
		dbUniqueFields = fieldSet(dbUnique.Fields)
	}
	reindex, reindexUnique := false, false
	for _, f := range local {
		if _, ok := dbFields[f]; !ok {
			reindex = true
		}
		// a field now declared non-unique still sits in the unique index
		if _, ok := dbUniqueFields[f]; ok {
			if _, declared := localUniqueSet[f]; !declared {
				reindexUnique = true
			}
		}
	}
	for f := range dbFields {
		if _, ok := localSet[f]; !ok {
			reindex = true
		}
	}
	for _, f := range localUnique {
		if _, ok := dbUniqueFields[f]; !ok {
			reindexUnique = true
		}
	}
	for f := range dbUniqueFields {
		if _, ok := localUniqueSet[f]; !ok {
			reindexUnique = true
		}
	}

	if reindex {
		if db != nil {
			plan.drop = append(plan.drop, nonUniqueName)
		}
		if len(local) > 0 {
			plan.create = append(plan.create, newIndex(nonUniqueName, local, false))
		}
	}
	if reindexUnique {
		if dbUnique != nil {
			plan.drop = append(plan.drop, uniqueName)
		}
		if len(localUnique) > 0 {
			plan.create = append(plan.create, newIndex(uniqueName, localUnique, true))
		}
	}
	return plan
}

// EnsureIndexes converges the collection's indexes with the fields declared
// in spec, for the sparsity spec.Sparse selects.
//
// Both lock categories are held for the duration, so records issued
// meanwhile are deferred. Create and drop failures are logged and do not
// fail the call; only a failure to list the current indexes is returned.
func (s *Synchronizer) EnsureIndexes(ctx context.Context, spec IndexSpec) error {
	s.exclusive.Lock()
	defer s.exclusive.Unlock()

	s.locks.lock()
	defer func() {
		s.locks.unlock()
		s.poke()
	}()

	existing, err := s.coll.ListIndexes(ctx)
	if err != nil {
		s.log.Error("failed to list indexes", "collection", s.name, "error", err)
		IndexOperations.WithLabelValues(s.name, "list", "error").Inc()
		return fmt.Errorf("%w: list indexes of %s: %w", ErrIndex, s.name, err)
	}

	plan := planIndexes(spec, existing)
	if plan.empty() {
		return nil
	}

	dropFailed := map[string]bool{}
	for _, name := range plan.drop {
		s.log.Debug("dropping index", "collection", s.name, "index", name)
		if err := s.coll.DropIndex(ctx, name); err != nil {
			s.log.Error("failed to drop index", "collection", s.name, "index", name, "error", err)
			IndexOperations.WithLabelValues(s.name, "drop", "error").Inc()
			dropFailed[name] = true
			continue
		}
		IndexOperations.WithLabelValues(s.name, "drop", "ok").Inc()
	}
	for _, idx := range plan.create {
		if dropFailed[idx.Name] {
			continue
		}
		s.log.Debug("creating index", "collection", s.name, "index", idx.Name, "fields", idx.Fields)
		if err := s.coll.CreateIndex(ctx, idx); err != nil {
			s.log.Error("failed to create index", "collection", s.name, "index", idx.Name, "error", err)
			IndexOperations.WithLabelValues(s.name, "create", "error").Inc()
			continue
		}
		IndexOperations.WithLabelValues(s.name, "create", "ok").Inc()
	}
	return nil
}
