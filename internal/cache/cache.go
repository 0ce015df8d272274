package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/feedstate/internal/state"
	"github.com/artpar/feedstate/internal/storage"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// FollowListKey is the persistence key of the follow list.
const FollowListKey = state.FollowListKey

// Event describes one effective state change.
// Numeric entities set ID; users in the follow list set Name.
type Event struct {
	Kind     state.Kind
	ID       int64
	Name     string
	Value    int
	Previous int
}

// Cache is the in-memory user relationship state. Each kind is guarded by
// its own lock; reads return copies.
type Cache struct {
	store   storage.Store
	logger  hclog.Logger
	tables  map[state.Kind]*Table
	follows *FollowList

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	// flushing holds one lock per storage key, taken across snapshot and
	// save so an older snapshot never lands after a newer one.
	flushing map[string]*sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
}

// New creates an empty cache persisting to store.
func New(store storage.Store, logger hclog.Logger) *Cache {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	c := &Cache{
		store:   store,
		logger:  logger,
		tables:  make(map[state.Kind]*Table),
		follows: NewFollowList(),
		dirty:   make(map[string]struct{}),
		subs:    make(map[uint64]chan Event),

		flushing: map[string]*sync.Mutex{FollowListKey: {}},
	}
	for _, kind := range state.TableKinds() {
		c.tables[kind] = newTable(kind)
		c.flushing[kind.StorageKey()] = &sync.Mutex{}
	}
	return c
}

// Value returns the current value for (kind, id); 0 when absent.
// Follow list kinds have no id table; see Follow.
func (c *Cache) Value(kind state.Kind, id int64) int {
	t, ok := c.tables[kind]
	if !ok {
		return 0
	}
	return t.Get(id)
}

// Set stores v for (kind, id) and notifies subscribers if it changed.
// Follow list kinds are rejected with state.ErrInvalidKind.
func (c *Cache) Set(kind state.Kind, id int64, v int) error {
	t, ok := c.tables[kind]
	if !ok {
		return fmt.Errorf("%w: %q", state.ErrInvalidKind, string(kind))
	}
	if !state.ValidValue(kind, v) {
		return fmt.Errorf("%w: %d for %s", state.ErrInvalidValue, v, kind)
	}

	prev := t.set(id, v)
	if prev != v {
		c.markDirty(kind.StorageKey())
		c.notify(Event{Kind: kind, ID: id, Value: v, Previous: prev})
	}
	return nil
}

// Snapshot returns a copy of the non-neutral entries of kind.
func (c *Cache) Snapshot(kind state.Kind) map[int64]int {
	t, ok := c.tables[kind]
	if !ok {
		return map[int64]int{}
	}
	return t.Snapshot()
}

// Len returns the number of non-neutral entries of kind.
func (c *Cache) Len(kind state.Kind) int {
	t, ok := c.tables[kind]
	if !ok {
		return 0
	}
	return t.Len()
}

// Follow returns the follow list entry for name.
func (c *Cache) Follow(name string) (FollowListItem, bool) {
	return c.follows.Get(name)
}

// Follows returns a copy of the follow list in display order.
func (c *Cache) Follows() []FollowListItem {
	return c.follows.Items()
}

// PutFollow inserts or replaces a follow list entry.
func (c *Cache) PutFollow(item FollowListItem) {
	prev, existed := c.follows.Put(item)
	c.markDirty(FollowListKey)
	if !existed {
		c.notify(Event{Kind: state.KindUserFollow, Name: item.Name, Value: 1})
	}
	if prev.Subscribed != item.Subscribed {
		c.notify(Event{
			Kind:     state.KindUserSubscribe,
			Name:     item.Name,
			Value:    boolValue(item.Subscribed),
			Previous: boolValue(prev.Subscribed),
		})
	}
}

// RemoveFollow deletes the entry for name and returns it.
func (c *Cache) RemoveFollow(name string) (FollowListItem, bool) {
	removed, ok := c.follows.Remove(name)
	if !ok {
		return removed, false
	}
	c.markDirty(FollowListKey)
	c.notify(Event{Kind: state.KindUserFollow, Name: name, Previous: 1})
	if removed.Subscribed {
		c.notify(Event{Kind: state.KindUserSubscribe, Name: name, Previous: 1})
	}
	return removed, true
}

// Load restores every table and the follow list from the store.
// Unreadable entries are logged and leave the table empty.
func (c *Cache) Load(ctx context.Context) {
	c.dirtyMu.Lock()
	c.dirty = make(map[string]struct{})
	c.dirtyMu.Unlock()

	for kind, t := range c.tables {
		values, err := c.loadTable(ctx, kind)
		if err != nil {
			c.logger.Warn("failed to load state", "kind", kind, "error", err)
			continue
		}
		t.replace(values)
	}

	var items []FollowListItem
	if _, err := c.store.Load(ctx, FollowListKey, &items); err != nil {
		c.logger.Warn("failed to load follow list", "error", err)
		items = nil
	}
	c.follows.Replace(items)
}

func (c *Cache) loadTable(ctx context.Context, kind state.Kind) (map[int64]int, error) {
	values := make(map[int64]int)

	if kind.IsVote() {
		var raw map[int64]int
		ok, err := c.store.Load(ctx, kind.StorageKey(), &raw)
		if err != nil || !ok {
			return values, err
		}
		for id, v := range raw {
			if v == 0 || !state.ValidValue(kind, v) {
				continue
			}
			values[id] = v
		}
		return values, nil
	}

	var ids []int64
	ok, err := c.store.Load(ctx, kind.StorageKey(), &ids)
	if err != nil || !ok {
		return values, err
	}
	for _, id := range ids {
		values[id] = 1
	}
	return values, nil
}

// Flush persists the table of kind.
func (c *Cache) Flush(ctx context.Context, kind state.Kind) error {
	t, ok := c.tables[kind]
	if !ok {
		return fmt.Errorf("%w: %q", state.ErrInvalidKind, string(kind))
	}
	key := kind.StorageKey()
	mu := c.flushing[key]
	mu.Lock()
	defer mu.Unlock()

	c.clearDirty(key)
	if err := c.store.Save(ctx, key, t.persisted()); err != nil {
		c.markDirty(key)
		return fmt.Errorf("failed to persist %s: %w", kind, err)
	}
	return nil
}

// FlushFollows persists the follow list.
func (c *Cache) FlushFollows(ctx context.Context) error {
	mu := c.flushing[FollowListKey]
	mu.Lock()
	defer mu.Unlock()

	c.clearDirty(FollowListKey)
	if err := c.store.Save(ctx, FollowListKey, c.follows.Items()); err != nil {
		c.markDirty(FollowListKey)
		return fmt.Errorf("failed to persist follow list: %w", err)
	}
	return nil
}

// FlushAll persists every table and the follow list concurrently.
func (c *Cache) FlushAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for kind := range c.tables {
		kind := kind
		g.Go(func() error {
			return c.Flush(ctx, kind)
		})
	}
	g.Go(func() error {
		return c.FlushFollows(ctx)
	})
	return g.Wait()
}

// FlushDirty persists only what changed since the last load or flush.
func (c *Cache) FlushDirty(ctx context.Context) error {
	c.dirtyMu.Lock()
	keys := make(map[string]struct{}, len(c.dirty))
	for key := range c.dirty {
		keys[key] = struct{}{}
	}
	c.dirtyMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for kind := range c.tables {
		if _, ok := keys[kind.StorageKey()]; !ok {
			continue
		}
		kind := kind
		g.Go(func() error {
			return c.Flush(ctx, kind)
		})
	}
	if _, ok := keys[FollowListKey]; ok {
		g.Go(func() error {
			return c.FlushFollows(ctx)
		})
	}
	return g.Wait()
}

// Dirty reports whether any table or the follow list has unflushed changes.
func (c *Cache) Dirty() bool {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	return len(c.dirty) > 0
}

func (c *Cache) markDirty(key string) {
	c.dirtyMu.Lock()
	c.dirty[key] = struct{}{}
	c.dirtyMu.Unlock()
}

func (c *Cache) clearDirty(key string) {
	c.dirtyMu.Lock()
	delete(c.dirty, key)
	c.dirtyMu.Unlock()
}

// Subscribe registers an observer. Events that do not fit into the buffer
// are dropped for that observer. Call cancel to unsubscribe; it closes the
// channel.
func (c *Cache) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (c *Cache) notify(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Trace("dropped state event", "subscriber", id, "kind", ev.Kind)
		}
	}
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}
