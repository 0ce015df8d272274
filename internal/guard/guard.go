// Package guard tracks in-flight mutations so the same entity is never
// mutated twice concurrently.
package guard

import (
	"strconv"
	"sync"

	"github.com/artpar/feedstate/internal/state"
)

// Key identifies one entity of one kind. Named separates name references
// from id references, so user "42" and id 42 never collide.
type Key struct {
	Kind  state.Kind
	Ref   string
	Named bool
}

// IDKey builds a key for a numerically identified entity.
func IDKey(kind state.Kind, id int64) Key {
	return Key{Kind: kind, Ref: strconv.FormatInt(id, 10)}
}

// NameKey builds a key for an entity identified by name, such as a user.
func NameKey(kind state.Kind, name string) Key {
	return Key{Kind: kind, Ref: name, Named: true}
}

// Guard holds the set of keys with a mutation round-trip outstanding.
// The zero value is ready to use.
type Guard struct {
	mu       sync.Mutex
	inflight map[Key]struct{}
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{}
}

// TryBegin marks key in flight. It returns false if key already was.
// Every successful TryBegin must be paired with exactly one End.
func (g *Guard) TryBegin(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inflight == nil {
		g.inflight = make(map[Key]struct{})
	}
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

// End clears the in-flight mark for key.
func (g *Guard) End(key Key) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inflight, key)
}

// InFlight reports whether key has an outstanding mutation.
func (g *Guard) InFlight(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, busy := g.inflight[key]
	return busy
}

// Len returns the number of keys in flight.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.inflight)
}
