package cache

import (
	"sort"
	"sync"

	"github.com/artpar/feedstate/internal/state"
)

// Table maps entity ids of one kind to their relationship value.
// Absent ids are neutral; neutral values are never stored.
type Table struct {
	mu     sync.RWMutex
	kind   state.Kind
	values map[int64]int
}

func newTable(kind state.Kind) *Table {
	return &Table{
		kind:   kind,
		values: make(map[int64]int),
	}
}

// Kind returns the kind the table holds.
func (t *Table) Kind() state.Kind {
	return t.kind
}

// Get returns the value for id, 0 when absent.
func (t *Table) Get(id int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.values[id]
}

// Len returns the number of non-neutral entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.values)
}

// Snapshot returns a copy of every non-neutral entry.
func (t *Table) Snapshot() map[int64]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int64]int, len(t.values))
	for id, v := range t.values {
		out[id] = v
	}
	return out
}

// set stores v and returns the previous value.
func (t *Table) set(id int64, v int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.values[id]
	if v == 0 {
		delete(t.values, id)
	} else {
		t.values[id] = v
	}
	return prev
}

func (t *Table) replace(values map[int64]int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.values = values
}

// persisted returns the on-disk shape of the table: an id→vote object for
// vote kinds and an ascending id array for boolean kinds.
func (t *Table) persisted() any {
	snap := t.Snapshot()
	if t.kind.IsVote() {
		return snap
	}

	ids := make([]int64, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
