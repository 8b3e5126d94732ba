package docsync

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/surrealdb/docsync/pkg/store"
)

// FlushStats summarizes one flush cycle.
type FlushStats struct {
	Collection string

	Inserts    int
	Inserted   int
	Duplicates int
	// InsertErrors counts documents that failed for any other reason,
	// including every document of a batch whose call failed as a whole.
	InsertErrors int

	Updates  int
	XUpdates int
	// UpdateErrors counts operations whose callbacks were dropped.
	UpdateErrors int

	Duration time.Duration
}

type insertOutcome struct {
	inserted, duplicates, failed int
}

// Flush runs one flush cycle and reports whether it did any work.
//
// It is a no-op when another cycle is in flight, when the synchronizer is not
// ready yet, or when nothing is buffered. Updates to already persisted
// documents are written concurrently with the insert batch; updates to
// documents of the batch are written after it returns. Store failures are
// logged and routed to observers; they never leave the cycle pending.
func (s *Synchronizer) Flush(ctx context.Context) (FlushStats, bool) {
	if !s.isReady() {
		return FlushStats{}, false
	}
	if !s.pending.CompareAndSwap(false, true) {
		inserts, updates := s.Pending()
		s.log.Debug("flush canceled, previous flush already pending",
			"collection", s.name, "inserts", inserts, "updates", updates)
		FlushSkipped.WithLabelValues(s.name).Inc()
		return FlushStats{}, false
	}

	s.exclusive.Lock()
	stats, ran := s.flush(ctx)
	s.exclusive.Unlock()

	s.pending.Store(false)
	if ran {
		s.emitFree(stats)
	}
	return stats, ran
}

func (s *Synchronizer) flush(ctx context.Context) (FlushStats, bool) {
	var plan flushPlan
	s.locks.critical(func() {
		if !s.buf.hasPendingWork() {
			return
		}
		s.locks.lockHeld(insertLock)
		s.locks.lockHeld(updateLock)
		plan = resolveDependencies(s.buf.drainAll())
	})
	if plan.empty() {
		return FlushStats{}, false
	}

	start := time.Now()
	if s.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FlushTimeout)
		defer cancel()
	}

	stats := FlushStats{
		Collection: s.name,
		Inserts:    len(plan.inserts),
		Updates:    len(plan.updates),
		XUpdates:   len(plan.xupdates),
	}
	s.log.Debug("flushing", "collection", s.name,
		"inserts", stats.Inserts, "updates", stats.Updates, "xupdates", stats.XUpdates)

	var (
		g           errgroup.Group
		updateFails int
		xupdateFail int
		outcome     insertOutcome
	)
	g.Go(func() error {
		updateFails = s.writeUpdates(ctx, plan.updates, "update")
		return nil
	})
	g.Go(func() error {
		outcome = s.insertDocuments(ctx, plan.inserts)
		s.locks.unlockInsert()
		xupdateFail = s.writeUpdates(ctx, plan.xupdates, "xupdate")
		return nil
	})
	_ = g.Wait()
	s.locks.unlockUpdate()

	stats.Inserted = outcome.inserted
	stats.Duplicates = outcome.duplicates
	stats.InsertErrors = outcome.failed
	stats.UpdateErrors = updateFails + xupdateFail
	stats.Duration = time.Since(start)

	FlushCycles.WithLabelValues(s.name).Inc()
	FlushDuration.WithLabelValues(s.name).Observe(stats.Duration.Seconds())
	s.log.Debug("flush done", "collection", s.name, "duration", stats.Duration,
		"inserted", stats.Inserted, "duplicates", stats.Duplicates,
		"insert_errors", stats.InsertErrors, "update_errors", stats.UpdateErrors)
	return stats, true
}

// insertDocuments submits the insert batch and routes each document's
// outcome to its observer.
func (s *Synchronizer) insertDocuments(ctx context.Context, inserts []*pendingInsert) insertOutcome {
	var out insertOutcome
	if len(inserts) == 0 {
		return out
	}

	docs := make([]store.Document, len(inserts))
	byID := make(map[store.ID]*pendingInsert, len(inserts))
	for i, ins := range inserts {
		docs[i] = ins.doc
		byID[ins.doc.ID] = ins
	}

	s.log.Debug("running inserts", "collection", s.name, "count", len(docs))
	res, err := s.coll.BulkInsert(ctx, docs)
	if err != nil {
		s.log.Error("bulk insert failed", "collection", s.name, "count", len(docs), "error", err)
		WriteErrors.WithLabelValues(s.name, "insert").Add(float64(len(docs)))
		for i, ins := range inserts {
			ins.observer.WriteError(ins.doc.ID, store.WriteError{
				Index: i, ID: ins.doc.ID, Code: store.CodeWriteFailed, Message: err.Error(),
			})
		}
		out.failed = len(inserts)
		return out
	}

	FlushedOperations.WithLabelValues(s.name, "insert").Add(float64(len(res.Inserted)))
	settled := make(map[store.ID]bool, len(inserts))
	for _, id := range res.Inserted {
		ins, ok := byID[id]
		if !ok || settled[id] {
			s.log.Warn("store reported an unexpected inserted id", "collection", s.name, "id", id)
			continue
		}
		settled[id] = true
		out.inserted++
		ins.observer.Inserted(id)
	}

	for _, werr := range res.Errors {
		if werr.ID == "" && werr.Index >= 0 && werr.Index < len(docs) {
			werr.ID = docs[werr.Index].ID
		}
		ins, ok := byID[werr.ID]
		if !ok || settled[werr.ID] {
			s.log.Warn("write error for an unknown document", "collection", s.name, "id", werr.ID, "error", werr.Message)
			continue
		}
		settled[werr.ID] = true
		if werr.IsDuplicateKey() {
			out.duplicates++
			WriteErrors.WithLabelValues(s.name, "duplicate").Inc()
			s.log.Warn("duplicate key", "collection", s.name, "id", werr.ID, "error", werr.Message)
			ins.observer.DuplicateKey(werr.ID, werr)
			continue
		}
		out.failed++
		WriteErrors.WithLabelValues(s.name, "insert").Inc()
		s.log.Error("insert write error", "collection", s.name, "id", werr.ID, "code", werr.Code, "error", werr.Message)
		ins.observer.WriteError(werr.ID, werr)
	}

	if missing := len(inserts) - len(settled); missing > 0 {
		s.log.Warn("store did not report the outcome of some inserts", "collection", s.name, "missing", missing)
	}
	return out
}

// writeUpdates submits a bulk write and runs the callbacks of the operations
// that succeeded. It returns the number of operations that did not.
func (s *Synchronizer) writeUpdates(ctx context.Context, updates []pendingUpdate, kind string) int {
	if len(updates) == 0 {
		return 0
	}

	ops := make([]store.WriteOp, len(updates))
	for i, u := range updates {
		ops[i] = u.op
	}

	s.log.Debug("running "+kind+"s", "collection", s.name, "count", len(ops))
	res, err := s.coll.BulkWrite(ctx, ops)
	if err != nil {
		s.log.Error("sync manager bulk write error", "collection", s.name, "kind", kind, "count", len(ops), "error", err)
		WriteErrors.WithLabelValues(s.name, kind).Add(float64(len(ops)))
		return len(ops)
	}

	for _, werr := range res.Errors {
		s.log.Error("bulk write operation failed", "collection", s.name, "kind", kind,
			"index", werr.Index, "id", werr.ID, "code", werr.Code, "error", werr.Message)
	}
	WriteErrors.WithLabelValues(s.name, kind).Add(float64(len(res.Errors)))
	FlushedOperations.WithLabelValues(s.name, kind).Add(float64(len(ops) - len(res.Errors)))

	failed := 0
	for i, u := range updates {
		if res.Failed(i) {
			failed++
			continue
		}
		if u.done != nil {
			u.done()
		}
	}
	return failed
}
