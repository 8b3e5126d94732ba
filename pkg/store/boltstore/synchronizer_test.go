package boltstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/docsync"
	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/store"
	"github.com/surrealdb/docsync/pkg/store/boltstore"
)

func TestManagerOverBolt(t *testing.T) {
	ctx := context.Background()
	st, err := boltstore.Open(filepath.Join(t.TempDir(), "sync.db"), &boltstore.Options{NoSync: true})
	require.NoError(t, err)
	defer st.Close()

	m, err := docsync.NewManager(st, &docsync.Config{Logger: logger.Nop()})
	require.NoError(t, err)
	people, err := m.Open(ctx, docsync.Kind{Collection: "people", Indexes: docsync.IndexSpec{Unique: []string{"email"}}})
	require.NoError(t, err)

	var dups []store.ID
	obs := docsync.ObserverFuncs{OnDuplicateKey: func(id store.ID, _ store.WriteError) { dups = append(dups, id) }}

	a, b := store.NewID(), store.NewID()
	people.Create(a, map[string]any{"email": "same@example.com"}, obs)
	people.Create(b, map[string]any{"email": "same@example.com"}, obs)
	people.Update(a, "name", "ada", nil, nil)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, []store.ID{b}, dups)

	doc, ok, err := st.Document("people", a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ada", doc["name"])
}
