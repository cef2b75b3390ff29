package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagStore_GetMissingDocReturnsFalse(t *testing.T) {
	store := NewFlagStore()
	_, ok, err := store.Get(context.Background(), "nope", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlagStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewFlagStore()
	require.NoError(t, store.Replace(ctx, "t1", "obj", map[string]any{"a": "x"}))

	got, ok, err := store.Get(ctx, "t1", "obj")
	require.NoError(t, err)
	require.True(t, ok)
	got.(map[string]any)["a"] = "mutated"

	again, _, _ := store.Get(ctx, "t1", "obj")
	assert.Equal(t, map[string]any{"a": "x"}, again)
}

func TestFlagStore_UnsetLastKeyDropsDocument(t *testing.T) {
	ctx := context.Background()
	store := NewFlagStore()
	require.NoError(t, store.Replace(ctx, "t1", "a.b", 1.0))
	require.NoError(t, store.Unset(ctx, "t1", "a.b"))
	assert.Empty(t, store.Snapshot("t1"))
}

func TestFlagStore_FailWritesSurfacesError(t *testing.T) {
	store := NewFlagStore()
	store.FailWrites = errors.New("disk full")
	err := store.Replace(context.Background(), "t1", "a", 1.0)
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 0, store.Writes())
}

func TestFlagStore_concurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := NewFlagStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("fact.k%d", n)
			_ = store.Merge(ctx, "t1", key, float64(n))
			_, _, _ = store.Get(ctx, "t1", key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, store.Writes())
	assert.Len(t, store.Snapshot("t1")["fact"], 50)
}
