package docsync

import "github.com/surrealdb/docsync/pkg/store"

// Observer receives the outcome of an entity's insert.
//
// Exactly one method is called per flushed create, from the flush goroutine.
type Observer interface {
	Inserted(id store.ID)
	DuplicateKey(id store.ID, err store.WriteError)
	WriteError(id store.ID, err store.WriteError)
}

// ObserverFuncs adapts plain functions to an Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnInserted     func(id store.ID)
	OnDuplicateKey func(id store.ID, err store.WriteError)
	OnWriteError   func(id store.ID, err store.WriteError)
}

func (o ObserverFuncs) Inserted(id store.ID) {
	if o.OnInserted != nil {
		o.OnInserted(id)
	}
}

func (o ObserverFuncs) DuplicateKey(id store.ID, err store.WriteError) {
	if o.OnDuplicateKey != nil {
		o.OnDuplicateKey(id, err)
	}
}

func (o ObserverFuncs) WriteError(id store.ID, err store.WriteError) {
	if o.OnWriteError != nil {
		o.OnWriteError(id, err)
	}
}
