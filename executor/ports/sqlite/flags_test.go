package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *FlagStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "flags.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFlagStore_ReplaceThenGet(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Replace(ctx, "rogue", "stateSource.visibility", map[string]any{
		"state":   "concealed",
		"sources": []any{map[string]any{"id": "blur", "priority": 100.0}},
	}))

	got, ok, err := store.Get(ctx, "rogue", "stateSource.visibility.state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "concealed", got)
}

func TestFlagStore_MergeKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Merge(ctx, "rogue", "lightingOverride", map[string]any{"a": "dim"}))
	require.NoError(t, store.Merge(ctx, "rogue", "lightingOverride", map[string]any{"b": "darkness"}))

	got, ok, err := store.Get(ctx, "rogue", "lightingOverride")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": "dim", "b": "darkness"}, got)
}

func TestFlagStore_UnsetLastKeyDeletesRow(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Replace(ctx, "rogue", "a.b", true))
	require.NoError(t, store.Replace(ctx, "goblin", "a", true))
	require.NoError(t, store.Unset(ctx, "rogue", "a.b"))

	docs, err := store.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"goblin"}, docs)
}

func TestFlagStore_persistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flags.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Replace(ctx, "rogue", "auraVisibility.smoke", map[string]any{"radius": 10.0}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(ctx, "rogue", "auraVisibility.smoke.radius")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, got)
}
