package docsync

import "github.com/surrealdb/docsync/pkg/store"

// flushPlan is the drained buffer split by dependency.
//
// updates target documents outside this cycle's inserts and may run alongside
// them. xupdates target documents inserted in this cycle and must wait until
// the insert batch has returned, or they would match nothing.
type flushPlan struct {
	inserts  []*pendingInsert
	updates  []pendingUpdate
	xupdates []pendingUpdate
}

func (p flushPlan) empty() bool {
	return len(p.inserts) == 0 && len(p.updates) == 0 && len(p.xupdates) == 0
}

func resolveDependencies(inserts []*pendingInsert, updates []pendingUpdate) flushPlan {
	plan := flushPlan{inserts: inserts}
	if len(updates) == 0 {
		return plan
	}
	inserting := make(map[store.ID]struct{}, len(inserts))
	for _, ins := range inserts {
		inserting[ins.doc.ID] = struct{}{}
	}
	for _, u := range updates {
		if _, ok := inserting[u.op.ID]; ok {
			plan.xupdates = append(plan.xupdates, u)
		} else {
			plan.updates = append(plan.updates, u)
		}
	}
	return plan
}
