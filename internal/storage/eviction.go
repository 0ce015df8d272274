package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultBudget is the total size the store may occupy.
	DefaultBudget int64 = 50 << 20

	// DefaultExemptPrefix marks entries that manage their own size.
	DefaultExemptPrefix = "seen"
)

// Policy keeps the total stored size under Budget by removing the least
// recently touched entries. Keys starting with ExemptPrefix are never removed.
// A Budget of zero or less disables eviction.
type Policy struct {
	Budget       int64
	ExemptPrefix string
}

// DefaultPolicy returns the standard 50 MiB policy.
func DefaultPolicy() Policy {
	return Policy{
		Budget:       DefaultBudget,
		ExemptPrefix: DefaultExemptPrefix,
	}
}

// Exempt reports whether key is protected from eviction.
func (p Policy) Exempt(key string) bool {
	return p.ExemptPrefix != "" && strings.HasPrefix(key, p.ExemptPrefix)
}

// Victims returns the entries to remove, oldest touched first.
func (p Policy) Victims(entries []Entry) []Entry {
	if p.Budget <= 0 {
		return nil
	}

	total := TotalSize(entries)
	if total <= p.Budget {
		return nil
	}

	candidates := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !p.Exempt(e.Key) {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Touched.Before(candidates[j].Touched)
	})

	var victims []Entry
	for _, e := range candidates {
		if total <= p.Budget {
			break
		}
		victims = append(victims, e)
		total -= e.Size
	}
	return victims
}

// Remover deletes a single entry by its stored key.
type Remover func(ctx context.Context, key string) error

// Enforce lists entries, selects victims under p and removes them. Removal
// failures are logged and aggregated; remaining victims are still attempted.
func Enforce(ctx context.Context, p Policy, entries []Entry, remove Remover, logger hclog.Logger) (int, error) {
	victims := p.Victims(entries)
	if len(victims) == 0 {
		return 0, nil
	}

	var result *multierror.Error
	removed := 0
	for _, v := range victims {
		if err := remove(ctx, v.Key); err != nil {
			logger.Warn("failed to evict entry", "key", v.Key, "error", err)
			result = multierror.Append(result, err)
			continue
		}
		removed++
		logger.Debug("evicted entry", "key", v.Key, "size", v.Size, "touched", v.Touched)
	}

	return removed, result.ErrorOrNil()
}
