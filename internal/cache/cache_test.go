package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/artpar/feedstate/internal/state"
	"github.com/artpar/feedstate/internal/storage"
	"github.com/artpar/feedstate/internal/storage/filesystem"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *filesystem.Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := filesystem.New("/state", filesystem.WithFs(fs))
	require.NoError(t, err)
	return New(store, hclog.NewNullLogger()), store, fs
}

func TestCache_SetValue(t *testing.T) {
	c, _, _ := newTestCache(t)

	t.Run("absent ids are neutral", func(t *testing.T) {
		assert.Equal(t, 0, c.Value(state.KindItemVote, 42))
		assert.Equal(t, 0, c.Value(state.KindCommentFavorite, 42))
	})

	t.Run("stores and clears values", func(t *testing.T) {
		require.NoError(t, c.Set(state.KindItemVote, 42, 1))
		assert.Equal(t, 1, c.Value(state.KindItemVote, 42))
		assert.Equal(t, 1, c.Len(state.KindItemVote))

		require.NoError(t, c.Set(state.KindItemVote, 42, 0))
		assert.Equal(t, 0, c.Value(state.KindItemVote, 42))
		assert.Equal(t, 0, c.Len(state.KindItemVote), "neutral values are not materialized")
	})

	t.Run("rejects values outside the kind domain", func(t *testing.T) {
		assert.ErrorIs(t, c.Set(state.KindItemVote, 1, 2), state.ErrInvalidValue)
		assert.ErrorIs(t, c.Set(state.KindCommentFavorite, 1, -1), state.ErrInvalidValue)
		assert.ErrorIs(t, c.Set(state.Kind("nope"), 1, 1), state.ErrInvalidKind)
	})

	t.Run("follow list kinds have no id table", func(t *testing.T) {
		assert.ErrorIs(t, c.Set(state.KindUserFollow, 1, 1), state.ErrInvalidKind)
		assert.ErrorIs(t, c.Set(state.KindUserSubscribe, 1, 1), state.ErrInvalidKind)
		assert.ErrorIs(t, c.Flush(context.Background(), state.KindUserFollow), state.ErrInvalidKind)
		assert.Equal(t, 0, c.Value(state.KindUserFollow, 1))
	})

	t.Run("kinds are independent", func(t *testing.T) {
		require.NoError(t, c.Set(state.KindCommentVote, 5, -1))
		assert.Equal(t, 0, c.Value(state.KindTagVote, 5))
	})
}

func TestCache_SnapshotIsACopy(t *testing.T) {
	c, _, _ := newTestCache(t)
	require.NoError(t, c.Set(state.KindTagVote, 1, 1))

	snap := c.Snapshot(state.KindTagVote)
	snap[1] = -1
	snap[2] = 1

	assert.Equal(t, 1, c.Value(state.KindTagVote, 1))
	assert.Equal(t, 0, c.Value(state.KindTagVote, 2))
}

func TestCache_FlushFormat(t *testing.T) {
	ctx := context.Background()
	c, _, fs := newTestCache(t)

	t.Run("vote kinds persist as an object", func(t *testing.T) {
		require.NoError(t, c.Set(state.KindItemVote, 42, 1))
		require.NoError(t, c.Flush(ctx, state.KindItemVote))

		raw, err := afero.ReadFile(fs, "/state/votes_item.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"42": 1}`, string(raw))
	})

	t.Run("boolean kinds persist as a sorted id array", func(t *testing.T) {
		require.NoError(t, c.Set(state.KindCommentFavorite, 9, 1))
		require.NoError(t, c.Set(state.KindCommentFavorite, 3, 1))
		require.NoError(t, c.Flush(ctx, state.KindCommentFavorite))

		raw, err := afero.ReadFile(fs, "/state/favorites_comment.json")
		require.NoError(t, err)
		assert.JSONEq(t, `[3, 9]`, string(raw))
	})
}

func TestCache_FlushDirty(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCache(t)

	assert.False(t, c.Dirty())
	require.NoError(t, c.FlushDirty(ctx))
	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing changed, nothing written")

	require.NoError(t, c.Set(state.KindTagVote, 4, -1))
	require.NoError(t, c.Set(state.KindItemVote, 1, 0))
	c.PutFollow(FollowListItem{Name: "amy"})
	assert.True(t, c.Dirty())

	require.NoError(t, c.FlushDirty(ctx))
	assert.False(t, c.Dirty())

	entries, err = store.Entries(ctx)
	require.NoError(t, err)
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.ElementsMatch(t, []string{"votes_tag", FollowListKey}, keys)
}

func TestCache_LoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCache(t)

	require.NoError(t, c.Set(state.KindItemVote, 42, 1))
	require.NoError(t, c.Set(state.KindCommentVote, 7, -1))
	require.NoError(t, c.Set(state.KindCommentFavorite, 11, 1))
	c.PutFollow(FollowListItem{Name: "beta", FollowCreated: time.Unix(100, 0).UTC()})
	require.NoError(t, c.FlushAll(ctx))

	restored := New(store, nil)
	restored.Load(ctx)

	assert.Equal(t, 1, restored.Value(state.KindItemVote, 42))
	assert.Equal(t, -1, restored.Value(state.KindCommentVote, 7))
	assert.Equal(t, 1, restored.Value(state.KindCommentFavorite, 11))
	item, ok := restored.Follow("beta")
	require.True(t, ok)
	assert.True(t, item.FollowCreated.Equal(time.Unix(100, 0)))
}

func TestCache_LoadIgnoresBadData(t *testing.T) {
	ctx := context.Background()
	c, store, fs := newTestCache(t)

	require.NoError(t, afero.WriteFile(fs, "/state/votes_tag.json", []byte("[[["), 0o644))
	require.NoError(t, store.Save(ctx, "votes_item", map[string]int{"1": 1, "2": 5, "3": 0}))

	c.Load(ctx)

	assert.Equal(t, 0, c.Len(state.KindTagVote))
	assert.Equal(t, map[int64]int{1: 1}, c.Snapshot(state.KindItemVote))
}

func TestCache_Subscribe(t *testing.T) {
	c, _, _ := newTestCache(t)

	events, cancel := c.Subscribe(8)

	require.NoError(t, c.Set(state.KindItemVote, 42, 1))
	require.NoError(t, c.Set(state.KindItemVote, 42, 1)) // unchanged, no event
	require.NoError(t, c.Set(state.KindItemVote, 42, 0))

	ev := <-events
	assert.Equal(t, Event{Kind: state.KindItemVote, ID: 42, Value: 1, Previous: 0}, ev)
	ev = <-events
	assert.Equal(t, Event{Kind: state.KindItemVote, ID: 42, Value: 0, Previous: 1}, ev)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// Writes after cancel must not panic.
	require.NoError(t, c.Set(state.KindItemVote, 1, 1))
}

func TestCache_SubscribeDropsWhenFull(t *testing.T) {
	c, _, _ := newTestCache(t)

	events, cancel := c.Subscribe(1)
	defer cancel()

	require.NoError(t, c.Set(state.KindTagVote, 1, 1))
	require.NoError(t, c.Set(state.KindTagVote, 2, 1))

	ev := <-events
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, 2, c.Len(state.KindTagVote), "writers are never blocked")
}

func TestCache_FollowEvents(t *testing.T) {
	c, _, _ := newTestCache(t)
	events, cancel := c.Subscribe(8)
	defer cancel()

	c.PutFollow(FollowListItem{Name: "alice", Subscribed: true})
	c.RemoveFollow("alice")

	got := []Event{<-events, <-events, <-events, <-events}
	assert.Equal(t, []Event{
		{Kind: state.KindUserFollow, Name: "alice", Value: 1},
		{Kind: state.KindUserSubscribe, Name: "alice", Value: 1},
		{Kind: state.KindUserFollow, Name: "alice", Previous: 1},
		{Kind: state.KindUserSubscribe, Name: "alice", Previous: 1},
	}, got)
}

// stallingStore parks the first Save of key until release is closed.
type stallingStore struct {
	storage.Store
	key     string
	once    sync.Once
	stalled chan struct{}
	release chan struct{}
}

func newStallingStore(inner storage.Store, key string) *stallingStore {
	return &stallingStore{
		Store:   inner,
		key:     key,
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stallingStore) Save(ctx context.Context, key string, value any) error {
	if key == s.key {
		first := false
		s.once.Do(func() { first = true })
		if first {
			close(s.stalled)
			<-s.release
		}
	}
	return s.Store.Save(ctx, key, value)
}

// raceFlushes parks a first flush inside Save, runs change and a second
// flush, and releases the first one only after the second had the chance
// to finish.
func raceFlushes(t *testing.T, store *stallingStore, flush func() error, change func()) {
	t.Helper()

	first := make(chan error, 1)
	go func() { first <- flush() }()
	<-store.stalled

	change()
	second := make(chan error, 1)
	go func() { second <- flush() }()

	var (
		secondErr error
		done      bool
	)
	select {
	case secondErr = <-second:
		done = true
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)

	require.NoError(t, <-first)
	if !done {
		secondErr = <-second
	}
	require.NoError(t, secondErr)
}

func TestCache_ConcurrentFlushKeepsNewestState(t *testing.T) {
	ctx := context.Background()

	t.Run("id table", func(t *testing.T) {
		_, inner, _ := newTestCache(t)
		store := newStallingStore(inner, state.KindItemVote.StorageKey())
		c := New(store, nil)

		require.NoError(t, c.Set(state.KindItemVote, 1, 1))
		raceFlushes(t, store,
			func() error { return c.Flush(ctx, state.KindItemVote) },
			func() { require.NoError(t, c.Set(state.KindItemVote, 2, 1)) },
		)
		require.NoError(t, c.FlushDirty(ctx))

		restored := New(inner, nil)
		restored.Load(ctx)
		assert.Equal(t, map[int64]int{1: 1, 2: 1}, c.Snapshot(state.KindItemVote))
		assert.Equal(t, c.Snapshot(state.KindItemVote), restored.Snapshot(state.KindItemVote))
	})

	t.Run("follow list", func(t *testing.T) {
		_, inner, _ := newTestCache(t)
		store := newStallingStore(inner, FollowListKey)
		c := New(store, nil)

		c.PutFollow(FollowListItem{Name: "alice"})
		raceFlushes(t, store,
			func() error { return c.FlushFollows(ctx) },
			func() { c.PutFollow(FollowListItem{Name: "bob"}) },
		)
		require.NoError(t, c.FlushDirty(ctx))

		restored := New(inner, nil)
		restored.Load(ctx)
		var names []string
		for _, item := range restored.Follows() {
			names = append(names, item.Name)
		}
		assert.Equal(t, []string{"alice", "bob"}, names)
	})
}
