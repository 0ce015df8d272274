package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrInvalidKey  = errors.New("invalid storage key")
	ErrStoreClosed = errors.New("state store is closed")
)

// Entry describes a stored blob.
type Entry struct {
	Key     string
	Size    int64
	Touched time.Time
}

// Store defines durable single-key blob storage.
// Implementations own their medium exclusively.
type Store interface {
	// Save serializes value, writes it atomically and then enforces the
	// eviction policy.
	Save(ctx context.Context, key string, value any) error

	// Load decodes the blob stored under key into dst. It reports false when
	// the key is absent. A blob that fails to decode is purged and reported
	// as absent.
	Load(ctx context.Context, key string, dst any) (bool, error)

	// Clear removes a single key. Clearing a missing key is not an error.
	Clear(ctx context.Context, key string) error

	// ClearAll removes every entry.
	ClearAll(ctx context.Context) error

	// Entries lists stored blobs with size and last-touched time.
	Entries(ctx context.Context) ([]Entry, error)

	// Close releases resources held by the store.
	Close() error
}

// SanitizeKey maps key to a medium-safe name by replacing every character
// outside [A-Za-z0-9_-] with an underscore.
func SanitizeKey(key string) (string, error) {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return b.String(), nil
}

// TotalSize sums entry sizes.
func TotalSize(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}
