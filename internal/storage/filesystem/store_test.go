package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artpar/feedstate/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock hands out strictly increasing times.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T, opts ...Option) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	all := append([]Option{WithFs(fs), WithClock(newTestClock().Now)}, opts...)
	store, err := New("/state", all...)
	require.NoError(t, err)
	return store, fs
}

func TestNew(t *testing.T) {
	t.Run("creates state directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "state")
		_, err := New(dir)
		require.NoError(t, err)

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("round trips a vote table", func(t *testing.T) {
		store, fs := newTestStore(t)

		require.NoError(t, store.Save(ctx, "votes_item", map[string]int{"42": 1}))

		raw, err := afero.ReadFile(fs, "/state/votes_item.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"42": 1}`, string(raw))

		var got map[string]int
		ok, err := store.Load(ctx, "votes_item", &got)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, map[string]int{"42": 1}, got)
	})

	t.Run("missing key is absent", func(t *testing.T) {
		store, _ := newTestStore(t)

		var got map[string]int
		ok, err := store.Load(ctx, "nothing", &got)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("overwrites existing blob", func(t *testing.T) {
		store, _ := newTestStore(t)

		require.NoError(t, store.Save(ctx, "k", []int{1}))
		require.NoError(t, store.Save(ctx, "k", []int{1, 2}))

		var got []int
		ok, err := store.Load(ctx, "k", &got)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []int{1, 2}, got)
	})

	t.Run("sanitizes keys", func(t *testing.T) {
		store, fs := newTestStore(t)

		require.NoError(t, store.Save(ctx, "../escape/me", true))

		exists, err := afero.Exists(fs, "/state/___escape_me.json")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("rejects empty key", func(t *testing.T) {
		store, _ := newTestStore(t)

		err := store.Save(ctx, "", 1)
		assert.ErrorIs(t, err, storage.ErrInvalidKey)
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		store, fs := newTestStore(t)

		for i := 0; i < 5; i++ {
			require.NoError(t, store.Save(ctx, "k", i))
		}

		infos, err := afero.ReadDir(fs, "/state")
		require.NoError(t, err)
		for _, info := range infos {
			assert.False(t, strings.HasSuffix(info.Name(), tmpSuffix), info.Name())
		}
	})
}

func TestStore_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	store, fs := newTestStore(t)

	require.NoError(t, afero.WriteFile(fs, "/state/votes_item.json", []byte("{not json"), 0o644))

	var got map[string]int
	ok, err := store.Load(ctx, "votes_item", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := afero.Exists(fs, "/state/votes_item.json")
	require.NoError(t, err)
	assert.False(t, exists, "corrupt entry should be purged")

	ok, err = store.Load(ctx, "votes_item", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()

	t.Run("removes a key", func(t *testing.T) {
		store, _ := newTestStore(t)
		require.NoError(t, store.Save(ctx, "a", 1))

		require.NoError(t, store.Clear(ctx, "a"))

		var v int
		ok, err := store.Load(ctx, "a", &v)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("is idempotent", func(t *testing.T) {
		store, _ := newTestStore(t)
		assert.NoError(t, store.Clear(ctx, "never-saved"))
		assert.NoError(t, store.Clear(ctx, "never-saved"))
	})

	t.Run("clear all removes everything", func(t *testing.T) {
		store, fs := newTestStore(t)
		require.NoError(t, store.Save(ctx, "a", 1))
		require.NoError(t, store.Save(ctx, "b", 2))
		require.NoError(t, afero.WriteFile(fs, "/state/.a-stale.tmp", []byte("x"), 0o644))

		require.NoError(t, store.ClearAll(ctx))

		entries, err := store.Entries(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)

		exists, _ := afero.Exists(fs, "/state/.a-stale.tmp")
		assert.False(t, exists)
	})
}

func TestStore_Entries(t *testing.T) {
	ctx := context.Background()
	store, fs := newTestStore(t)

	require.NoError(t, store.Save(ctx, "a", "x"))
	require.NoError(t, store.Save(ctx, "b", "yy"))
	require.NoError(t, afero.WriteFile(fs, "/state/notes.txt", []byte("ignored"), 0o644))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	sizes := map[string]int64{}
	for _, e := range entries {
		sizes[e.Key] = e.Size
	}
	assert.Equal(t, int64(len(`"x"`)), sizes["a"])
	assert.Equal(t, int64(len(`"yy"`)), sizes["b"])
}

func TestStore_Eviction(t *testing.T) {
	ctx := context.Background()
	blob := func(n int) string { return strings.Repeat("x", n-2) } // JSON quotes add 2 bytes

	t.Run("evicts least recently touched entry and respects exemption", func(t *testing.T) {
		store, fs := newTestStore(t, WithPolicy(storage.Policy{Budget: 45, ExemptPrefix: "seen"}))

		require.NoError(t, store.Save(ctx, "seen_items", blob(30)))
		require.NoError(t, store.Save(ctx, "b", blob(5)))
		require.NoError(t, store.Save(ctx, "c", blob(5)))
		require.NoError(t, store.Save(ctx, "d", blob(5)))

		require.NoError(t, store.Save(ctx, "e", blob(5)))

		exists, _ := afero.Exists(fs, "/state/b.json")
		assert.False(t, exists, "oldest entry should be evicted")
		exists, _ = afero.Exists(fs, "/state/seen_items.json")
		assert.True(t, exists, "exempt entry must survive")

		entries, err := store.Entries(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, storage.TotalSize(entries), int64(45))
	})

	t.Run("reads refresh last touched time", func(t *testing.T) {
		store, fs := newTestStore(t, WithPolicy(storage.Policy{Budget: 20, ExemptPrefix: "seen"}))

		require.NoError(t, store.Save(ctx, "hot", blob(5)))
		require.NoError(t, store.Save(ctx, "cold", blob(5)))

		var s string
		ok, err := store.Load(ctx, "hot", &s)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.Save(ctx, "big", blob(12)))

		exists, _ := afero.Exists(fs, "/state/cold.json")
		assert.False(t, exists, "cold entry should go first")
		exists, _ = afero.Exists(fs, "/state/hot.json")
		assert.True(t, exists, "recently read entry should stay")
	})
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Save(ctx, "a", 1), storage.ErrStoreClosed)

	var v int
	_, err := store.Load(ctx, "a", &v)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}
