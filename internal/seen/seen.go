// Package seen remembers which feed items the user has already viewed.
//
// The record lives under a key carrying the store's exemption prefix, so the
// general eviction policy never removes it. Instead the set bounds itself:
// once it holds more than its limit, the lowest ids (the oldest items) are
// dropped first.
package seen

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/feedstate/internal/storage"
)

// Key is the persistence key of the seen record.
const Key = "seen_items"

// DefaultLimit bounds the number of remembered ids.
const DefaultLimit = 200_000

// Set is a bounded set of seen item ids.
type Set struct {
	mu    sync.RWMutex
	store storage.Store
	limit int
	ids   map[int64]struct{}
	dirty bool
}

// New creates an empty set. A limit of zero or less uses DefaultLimit.
func New(store storage.Store, limit int) *Set {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Set{
		store: store,
		limit: limit,
		ids:   make(map[int64]struct{}),
	}
}

// Mark records ids as seen and returns how many were new.
func (s *Set) Mark(ids ...int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, id := range ids {
		if _, ok := s.ids[id]; ok {
			continue
		}
		s.ids[id] = struct{}{}
		added++
	}
	if added > 0 {
		s.dirty = true
	}
	s.trimLocked()
	return added
}

// Has reports whether id was seen.
func (s *Set) Has(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ids[id]
	return ok
}

// Len returns the number of remembered ids.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.ids)
}

// IDs returns the remembered ids in ascending order.
func (s *Set) IDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedLocked()
}

// Load replaces the set with the persisted record.
func (s *Set) Load(ctx context.Context) error {
	var ids []int64
	ok, err := s.store.Load(ctx, Key, &ids)
	if err != nil {
		return fmt.Errorf("failed to load seen items: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = make(map[int64]struct{}, len(ids))
	s.dirty = false
	if !ok {
		return nil
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	s.trimLocked()
	return nil
}

// Changed reports whether ids were marked since the last load or flush.
func (s *Set) Changed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dirty
}

// Flush persists the set.
func (s *Set) Flush(ctx context.Context) error {
	s.mu.Lock()
	ids := s.sortedLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.store.Save(ctx, Key, ids); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("failed to persist seen items: %w", err)
	}
	return nil
}

func (s *Set) sortedLocked() []int64 {
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Set) trimLocked() {
	excess := len(s.ids) - s.limit
	if excess <= 0 {
		return
	}
	for _, id := range s.sortedLocked()[:excess] {
		delete(s.ids, id)
	}
}
