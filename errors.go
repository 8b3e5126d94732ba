package docsync

import "errors"

var (
	// ErrBootstrap wraps failures to reach or prepare the backing collection.
	ErrBootstrap = errors.New("synchronizer bootstrap failed")
	// ErrIndex wraps index reconciliation failures. They never stop flushing.
	ErrIndex = errors.New("index reconciliation failed")
	// ErrUnknownCollection is returned by Manager lookups for unopened kinds.
	ErrUnknownCollection = errors.New("collection not opened")
)
