package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// LastPost is the most recent upload of a followed user.
type LastPost struct {
	ItemID  int64     `json:"itemId"`
	Thumb   string    `json:"thumb,omitempty"`
	Created time.Time `json:"created"`
}

// FollowListItem is the display record of a followed user.
// Items are values; change one by building a new item.
type FollowListItem struct {
	Name          string    `json:"name"`
	Mark          int       `json:"mark"`
	Subscribed    bool      `json:"subscribed"`
	FollowCreated time.Time `json:"followCreated"`
	LastPost      *LastPost `json:"lastPost,omitempty"`
}

// WithSubscribed returns a copy of the item with the subscription flag set.
func (i FollowListItem) WithSubscribed(subscribed bool) FollowListItem {
	c := i.clone()
	c.Subscribed = subscribed
	return c
}

func (i FollowListItem) clone() FollowListItem {
	if i.LastPost != nil {
		lp := *i.LastPost
		i.LastPost = &lp
	}
	return i
}

// followLess orders by lowercase name, then by exact name.
func followLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

// FollowList holds followed users sorted ascending by lowercase name.
// Identity is the case-sensitive name.
type FollowList struct {
	mu    sync.RWMutex
	items []FollowListItem
}

// NewFollowList creates a list from items in any order.
func NewFollowList(items ...FollowListItem) *FollowList {
	l := &FollowList{}
	l.Replace(items)
	return l
}

// Get returns the item for name.
func (l *FollowList) Get(name string) (FollowListItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i, ok := l.indexLocked(name); ok {
		return l.items[i].clone(), true
	}
	return FollowListItem{}, false
}

// Put inserts item at its sorted position, replacing any item with the same
// name. It returns the replaced item, if any.
func (l *FollowList) Put(item FollowListItem) (FollowListItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item = item.clone()
	if i, ok := l.indexLocked(item.Name); ok {
		prev := l.items[i]
		l.items[i] = item
		return prev, true
	}

	pos := l.searchLocked(item.Name)
	l.items = append(l.items, FollowListItem{})
	copy(l.items[pos+1:], l.items[pos:])
	l.items[pos] = item
	return FollowListItem{}, false
}

// Remove deletes the item for name and returns it.
func (l *FollowList) Remove(name string) (FollowListItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.indexLocked(name)
	if !ok {
		return FollowListItem{}, false
	}
	removed := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	return removed, true
}

// Items returns a copy of the list in order.
func (l *FollowList) Items() []FollowListItem {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]FollowListItem, len(l.items))
	for i, item := range l.items {
		out[i] = item.clone()
	}
	return out
}

// Names returns the followed names in list order.
func (l *FollowList) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, len(l.items))
	for i, item := range l.items {
		names[i] = item.Name
	}
	return names
}

// Len returns the number of followed users.
func (l *FollowList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.items)
}

// Replace swaps the whole list. Later duplicates of a name win.
func (l *FollowList) Replace(items []FollowListItem) {
	byName := make(map[string]FollowListItem, len(items))
	for _, item := range items {
		byName[item.Name] = item.clone()
	}

	sorted := make([]FollowListItem, 0, len(byName))
	for _, item := range byName {
		sorted = append(sorted, item)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return followLess(sorted[i].Name, sorted[j].Name)
	})

	l.mu.Lock()
	l.items = sorted
	l.mu.Unlock()
}

func (l *FollowList) searchLocked(name string) int {
	return sort.Search(len(l.items), func(i int) bool {
		return !followLess(l.items[i].Name, name)
	})
}

func (l *FollowList) indexLocked(name string) (int, bool) {
	i := l.searchLocked(name)
	if i < len(l.items) && l.items[i].Name == name {
		return i, true
	}
	return i, false
}
