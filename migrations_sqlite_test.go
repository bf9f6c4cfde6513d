package loom

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteMigrations_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loom.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	run := newRun(t, "orders", RunStatusCreated)
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", got.FnName)

	versions, err := AppliedSQLiteMigrations(ctx, store.DB())
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init"}, versions)
}

func TestSQLiteMigrations_RunTwice(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, RunSQLiteMigrations(ctx, store.DB()))

	versions, err := AppliedSQLiteMigrations(ctx, store.DB())
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestSQLiteStatements(t *testing.T) {
	script := `-- runs
CREATE TABLE a (id TEXT);
  -- indented comment
CREATE INDEX a_id ON a (id);

-- trailing comment only
`

	assert.Equal(t, []string{
		"CREATE TABLE a (id TEXT)",
		"CREATE INDEX a_id ON a (id)",
	}, sqliteStatements(script))
	assert.Empty(t, sqliteStatements("-- nothing\n\n"))
}
