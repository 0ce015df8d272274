package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/feedstate/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	store, err := NewInMemory(append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Save(ctx, "votes_item", map[string]int{"42": 1}))

	var got map[string]int
	ok, err := store.Load(ctx, "votes_item", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]int{"42": 1}, got)

	ok, err = store.Load(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := New(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "favorites_comment", []int64{3, 9}))
	require.NoError(t, store.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	var got []int64
	ok, err := reopened.Load(ctx, "favorites_comment", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{3, 9}, got)
}

func TestStore_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.db.Exec(
		"INSERT INTO cache_entries (key, data, size, touched_at) VALUES (?, ?, ?, ?)",
		"votes_item", []byte("{garbage"), 8, 1,
	)
	require.NoError(t, err)

	var got map[string]int
	ok, err := store.Load(ctx, "votes_item", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ok, err = store.Load(ctx, "votes_item", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Save(ctx, "a", 1))
	require.NoError(t, store.Save(ctx, "b", 2))

	require.NoError(t, store.Clear(ctx, "a"))
	require.NoError(t, store.Clear(ctx, "a"))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Key)

	require.NoError(t, store.ClearAll(ctx))
	entries, err = store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_Eviction(t *testing.T) {
	ctx := context.Background()
	blob := func(n int) string { return strings.Repeat("x", n-2) }

	store := newTestStore(t, WithPolicy(storage.Policy{Budget: 45, ExemptPrefix: "seen"}))

	require.NoError(t, store.Save(ctx, "seen_items", blob(30)))
	require.NoError(t, store.Save(ctx, "b", blob(5)))
	require.NoError(t, store.Save(ctx, "c", blob(5)))

	// Reading b makes c the least recently touched entry.
	var s string
	ok, err := store.Load(ctx, "b", &s)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Save(ctx, "d", blob(10)))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Key)
	}
	assert.NotContains(t, names, "c")
	assert.Contains(t, names, "b")
	assert.Contains(t, names, "seen_items")
	assert.LessOrEqual(t, storage.TotalSize(entries), int64(45))
}

func TestStore_Closed(t *testing.T) {
	store, err := NewInMemory()
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err = store.Save(context.Background(), "a", 1)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}
