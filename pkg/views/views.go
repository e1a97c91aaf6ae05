// Package views computes the live decay projections over memory records:
// the active set, cleanup candidates and per-category analytics.
//
// Stores that implement ltm.ViewCapableStore answer in their query layer;
// every other store is projected here from a List snapshot. Nothing is cached.
package views

import (
	"context"
	"sort"
	"time"

	"github.com/lexlapax/engram/pkg/decay"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/mem/ltm"
)

// Annotate computes the decay state of every record at now.
func Annotate(records []ltm.MemoryRecord, threshold float64, now time.Time) []ltm.ActiveMemory {
	out := make([]ltm.ActiveMemory, 0, len(records))
	for i := range records {
		r := &records[i]
		current := decay.CurrentImportance(r, now)
		out = append(out, ltm.ActiveMemory{
			Record:            *r,
			CurrentImportance: current,
			DecayScore:        decay.DecayScore(r, now),
			ShouldCleanup:     current < threshold,
		})
	}
	return out
}

// Active keeps the records at or above threshold, strongest first.
func Active(records []ltm.MemoryRecord, threshold float64, now time.Time) []ltm.ActiveMemory {
	active := []ltm.ActiveMemory{}
	for _, m := range Annotate(records, threshold, now) {
		if !m.ShouldCleanup {
			active = append(active, m)
		}
	}
	SortActive(active)
	return active
}

// Expired keeps the records below threshold, weakest first.
func Expired(records []ltm.MemoryRecord, threshold float64, now time.Time) []ltm.ActiveMemory {
	expired := []ltm.ActiveMemory{}
	for _, m := range Annotate(records, threshold, now) {
		if m.ShouldCleanup {
			expired = append(expired, m)
		}
	}
	SortExpired(expired)
	return expired
}

// SortActive orders by decay score desc, created_at desc, id asc.
func SortActive(items []ltm.ActiveMemory) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.DecayScore != b.DecayScore {
			return a.DecayScore > b.DecayScore
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}

// SortExpired orders by current importance asc, created_at asc, id asc.
func SortExpired(items []ltm.ActiveMemory) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.CurrentImportance != b.CurrentImportance {
			return a.CurrentImportance < b.CurrentImportance
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.Before(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}

// Analytics groups all records by canonical category. Only categories with
// at least one record are returned, in category name order.
func Analytics(records []ltm.MemoryRecord, now time.Time) []ltm.CategoryStats {
	type acc struct {
		count int
		base  float64
		score float64
	}
	groups := make(map[ltm.Category]*acc)
	for i := range records {
		r := &records[i]
		g, ok := groups[r.Category]
		if !ok {
			g = &acc{}
			groups[r.Category] = g
		}
		g.count++
		g.base += float64(r.BaseImportance)
		g.score += decay.DecayScore(r, now)
	}

	stats := make([]ltm.CategoryStats, 0, len(groups))
	for c, g := range groups {
		stats = append(stats, ltm.CategoryStats{
			Category:          c,
			Count:             g.count,
			AvgBaseImportance: g.base / float64(g.count),
			AvgDecayScore:     g.score / float64(g.count),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Category < stats[j].Category })
	return stats
}

// ActiveFor returns the active set of store at now.
func ActiveFor(ctx context.Context, store ltm.Store, threshold float64, now time.Time) ([]ltm.ActiveMemory, error) {
	if vs, ok := store.(ltm.ViewCapableStore); ok {
		return vs.ActiveRecords(ctx, threshold, now)
	}
	records, err := store.List(ctx, ltm.Query{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list records for active view")
	}
	return Active(records, threshold, now), nil
}

// ExpiredFor returns the cleanup candidates of store at now.
func ExpiredFor(ctx context.Context, store ltm.Store, threshold float64, now time.Time) ([]ltm.ActiveMemory, error) {
	if vs, ok := store.(ltm.ViewCapableStore); ok {
		return vs.ExpiredRecords(ctx, threshold, now)
	}
	records, err := store.List(ctx, ltm.Query{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list records for expired view")
	}
	return Expired(records, threshold, now), nil
}

// AnalyticsFor returns per-category analytics of store at now.
func AnalyticsFor(ctx context.Context, store ltm.Store, now time.Time) ([]ltm.CategoryStats, error) {
	if vs, ok := store.(ltm.ViewCapableStore); ok {
		return vs.CategoryAnalytics(ctx, now)
	}
	records, err := store.List(ctx, ltm.Query{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list records for analytics")
	}
	return Analytics(records, now), nil
}
