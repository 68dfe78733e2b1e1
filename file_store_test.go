package baton

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	runStoreSuite(t, store)
}

func TestFileStoreLayout(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileStore(base)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(base, "definitions"))
	assert.DirExists(t, filepath.Join(base, "executions"))

	def := refundDefinition(t)
	require.NoError(t, store.SaveDefinition(context.Background(), def))
	assert.FileExists(t, filepath.Join(base, "definitions", "refund-order.json"))

	exec := NewExecution(def, nil, "", "")
	require.NoError(t, store.SaveExecution(context.Background(), exec))
	assert.FileExists(t, filepath.Join(base, "executions", exec.ID+".json"))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(base)
	require.NoError(t, err)
	def := refundDefinition(t)
	require.NoError(t, store.SaveDefinition(ctx, def))
	exec := NewExecution(def, map[string]any{"order_id": "ord-4"}, "", "")
	require.NoError(t, store.SaveExecution(ctx, exec))

	reopened, err := NewFileStore(base)
	require.NoError(t, err)

	gotDef, err := reopened.LoadDefinition(ctx, "refund-order")
	require.NoError(t, err)
	assert.Equal(t, def.Name, gotDef.Name)

	gotExec, err := reopened.LoadExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, gotExec.ID)
	v, ok := gotExec.Context.Get("order_id")
	require.True(t, ok)
	assert.Equal(t, "ord-4", v)
}

func TestFileStoreIgnoresForeignFiles(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileStore(base)
	require.NoError(t, err)

	// Editor droppings and subdirectories must not break listing.
	require.NoError(t, os.WriteFile(filepath.Join(base, "executions", "README.txt"), []byte("not json"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "executions", "archive"), 0755))

	execs, err := store.ListExecutions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, execs)
}
