package testutil

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/decay"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/views"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Epoch is the reference creation time used by store fixtures.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewStoreFunc returns a fresh, empty store; the suite closes it.
type NewStoreFunc func(t *testing.T) ltm.Store

// NewRecord builds a record for store tests.
func NewRecord(t *testing.T, id, category string, base int, created time.Time) *ltm.MemoryRecord {
	t.Helper()
	r, err := ltm.NewRecord(fmt.Sprintf("content of %s", id), category, base,
		ltm.WithID(id), ltm.WithCreatedAt(created))
	require.NoError(t, err)
	return r
}

// MustCreate stores a new record and returns it.
func MustCreate(t *testing.T, store ltm.Store, id, category string, base int, created time.Time) *ltm.MemoryRecord {
	t.Helper()
	r := NewRecord(t, id, category, base, created)
	require.NoError(t, store.Create(context.Background(), r))
	return r
}

// RunStoreSuite runs the behaviour every Store adapter must share.
func RunStoreSuite(t *testing.T, newStore NewStoreFunc) {
	fresh := func(t *testing.T) ltm.Store {
		store := newStore(t)
		t.Cleanup(func() { store.Close() })
		return store
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()

		want := NewRecord(t, "rec-1", "conversation", 7, Epoch)
		reflected := Epoch.Add(time.Hour)
		want.LastReflection = &reflected
		want.ReflectionCount = 2
		want.ImportanceDecay = 0.75
		require.NoError(t, store.Create(ctx, want))

		got, err := store.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Content, got.Content)
		assert.Equal(t, ltm.CategoryEpisodic, got.Category)
		assert.Equal(t, ltm.LegacyConversation, got.LegacyCategory)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, want.LastAccessed.Equal(got.LastAccessed))
		assert.Equal(t, want.BaseImportance, got.BaseImportance)
		assert.Equal(t, want.DecayLambda, got.DecayLambda)
		assert.Equal(t, want.ImportanceDecay, got.ImportanceDecay)
		assert.Equal(t, 2, got.ReflectionCount)
		require.NotNil(t, got.LastReflection)
		assert.True(t, reflected.Equal(*got.LastReflection))
		assert.NotNil(t, got.SourceMemories)
		assert.NotNil(t, got.DerivedMemories)

		err = store.Create(ctx, want)
		assert.True(t, errors.Is(err, errors.ErrRecordExists), "got %v", err)

		_, err = store.Get(ctx, "missing")
		assert.True(t, errors.Is(err, errors.ErrUnknownRecord), "got %v", err)
	})

	t.Run("List", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "b", "episodic", 5, Epoch.Add(time.Hour))
		MustCreate(t, store, "a", "semantic", 5, Epoch.Add(time.Hour))
		MustCreate(t, store, "c", "episodic", 5, Epoch)

		all, err := store.List(ctx, ltm.Query{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].ID, all[1].ID, all[2].ID})

		episodic, err := store.List(ctx, ltm.Query{Category: ltm.CategoryEpisodic})
		require.NoError(t, err)
		assert.Len(t, episodic, 2)

		limited, err := store.List(ctx, ltm.Query{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "c", limited[0].ID)
	})

	t.Run("RecordAccessIsMonotone", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "rec-1", "episodic", 5, Epoch)

		later := Epoch.Add(2 * time.Hour)
		require.NoError(t, store.RecordAccess(ctx, "rec-1", later))
		require.NoError(t, store.RecordAccess(ctx, "rec-1", Epoch.Add(time.Hour)))
		require.NoError(t, store.RecordAccess(ctx, "rec-1", later.Add(time.Minute)))

		got, err := store.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.AccessCount)
		assert.True(t, later.Add(time.Minute).Equal(got.LastAccessed), "last_accessed = %v", got.LastAccessed)

		err = store.RecordAccess(ctx, "missing", later)
		assert.True(t, errors.Is(err, errors.ErrUnknownRecord), "got %v", err)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "rec-1", "episodic", 5, Epoch)

		var g errgroup.Group
		for i := 0; i < 100; i++ {
			at := Epoch.Add(time.Duration(i) * time.Second)
			g.Go(func() error {
				return store.RecordAccess(ctx, "rec-1", at)
			})
		}
		require.NoError(t, g.Wait())

		got, err := store.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.AccessCount)
		assert.True(t, Epoch.Add(99*time.Second).Equal(got.LastAccessed))
	})

	t.Run("RecordReflection", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "rec-1", "episodic", 5, Epoch)

		at := Epoch.Add(24 * time.Hour)
		factor := 0.6
		require.NoError(t, store.RecordReflection(ctx, "rec-1", ltm.ReflectionUpdate{At: at, ImportanceDecay: &factor}))
		require.NoError(t, store.RecordReflection(ctx, "rec-1", ltm.ReflectionUpdate{At: at.Add(time.Hour)}))

		got, err := store.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.ReflectionCount)
		assert.Equal(t, 0.6, got.ImportanceDecay)
		require.NotNil(t, got.LastReflection)
		assert.True(t, at.Add(time.Hour).Equal(*got.LastReflection))

		err = store.RecordReflection(ctx, "missing", ltm.ReflectionUpdate{At: at})
		assert.True(t, errors.Is(err, errors.ErrUnknownRecord), "got %v", err)
	})

	t.Run("ReflectionFactorCompounds", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "rec-1", "episodic", 5, Epoch)

		const n = 50
		factor := 0.9
		var g errgroup.Group
		for i := 0; i < n; i++ {
			at := Epoch.Add(time.Duration(i) * time.Second)
			g.Go(func() error {
				return store.RecordReflection(ctx, "rec-1", ltm.ReflectionUpdate{At: at, ImportanceDecayFactor: &factor})
			})
		}
		require.NoError(t, g.Wait())

		got, err := store.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, n, got.ReflectionCount)
		assert.InDelta(t, math.Pow(factor, n), got.ImportanceDecay, 1e-9)

		// a replacement and a factor in one update: replace, then multiply
		reset, half := 0.8, 0.5
		require.NoError(t, store.RecordReflection(ctx, "rec-1", ltm.ReflectionUpdate{At: Epoch, ImportanceDecay: &reset, ImportanceDecayFactor: &half}))
		got, err = store.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.InDelta(t, 0.4, got.ImportanceDecay, 1e-12)
	})

	t.Run("LinkIsSymmetric", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "A", "episodic", 6, Epoch)
		MustCreate(t, store, "B", "episodic", 4, Epoch)
		MustCreate(t, store, "C", "semantic", 7, Epoch.Add(time.Hour))

		expiredBefore := expiredSet(t, store)

		req := normalized(t, ltm.LinkRequest{
			SourceIDs:  []string{"A", "B"},
			DerivedID:  "C",
			Confidence: 0.9,
			Metadata:   map[string]any{"model": "distiller"},
		})
		linkID, err := store.Link(ctx, req, Epoch.Add(2*time.Hour))
		require.NoError(t, err)
		assert.NotEmpty(t, linkID)

		for _, id := range []string{"A", "B"} {
			r, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, r.DerivedMemories.Has("C"), "%s.derived_memories", id)
		}
		c, err := store.Get(ctx, "C")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, c.SourceMemories.Sorted())

		rels, err := store.RelationshipsFor(ctx, "C")
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, linkID, rels[0].ID)
		assert.Equal(t, []string{"A", "B"}, rels[0].SourceIDs)
		assert.Equal(t, "C", rels[0].DerivedID)
		assert.Equal(t, ltm.RelationshipReflection, rels[0].Type)
		assert.Equal(t, 0.9, rels[0].Confidence)
		assert.Equal(t, "distiller", rels[0].Metadata["model"])

		fromSource, err := store.RelationshipsFor(ctx, "A")
		require.NoError(t, err)
		require.Len(t, fromSource, 1)
		assert.Equal(t, linkID, fromSource[0].ID)

		assert.Equal(t, expiredBefore, expiredSet(t, store))
	})

	t.Run("RelinkUpdatesInPlace", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "A", "episodic", 6, Epoch)
		MustCreate(t, store, "C", "semantic", 7, Epoch)

		first, err := store.Link(ctx, normalized(t, ltm.LinkRequest{SourceIDs: []string{"A"}, DerivedID: "C", Confidence: 0.4}), Epoch)
		require.NoError(t, err)
		second, err := store.Link(ctx, normalized(t, ltm.LinkRequest{SourceIDs: []string{"A"}, DerivedID: "C", Confidence: 0.8}), Epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		rels, err := store.RelationshipsFor(ctx, "C")
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, second, rels[0].ID)
		assert.Equal(t, 0.8, rels[0].Confidence)
		assert.True(t, Epoch.Equal(rels[0].CreatedAt))

		a, err := store.Get(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, []string{"C"}, a.DerivedMemories.Sorted())

		// A different relationship type is a separate edge
		_, err = store.Link(ctx, normalized(t, ltm.LinkRequest{SourceIDs: []string{"A"}, DerivedID: "C", Type: ltm.RelationshipSummary, Confidence: 0.5}), Epoch)
		require.NoError(t, err)
		rels, err = store.RelationshipsFor(ctx, "A")
		require.NoError(t, err)
		assert.Len(t, rels, 2)
		a, err = store.Get(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, []string{"C"}, a.DerivedMemories.Sorted())
	})

	t.Run("ConcurrentLinkSamePair", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "A", "episodic", 6, Epoch)
		MustCreate(t, store, "B", "episodic", 4, Epoch)
		MustCreate(t, store, "C", "semantic", 7, Epoch)

		var g errgroup.Group
		for i := 0; i < 50; i++ {
			confidence := float64(i+1) / 50
			g.Go(func() error {
				req := ltm.LinkRequest{SourceIDs: []string{"A", "B"}, DerivedID: "C", Confidence: confidence}
				if err := req.Normalize(); err != nil {
					return err
				}
				_, err := store.Link(ctx, req, Epoch)
				return err
			})
		}
		require.NoError(t, g.Wait())

		// one row per (source, derived, type), whichever link wrote it last
		rels, err := store.RelationshipsFor(ctx, "C")
		require.NoError(t, err)
		var sources []string
		for _, rel := range rels {
			sources = append(sources, rel.SourceIDs...)
		}
		assert.ElementsMatch(t, []string{"A", "B"}, sources)

		c, err := store.Get(ctx, "C")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, c.SourceMemories.Sorted())
		for _, id := range []string{"A", "B"} {
			r, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []string{"C"}, r.DerivedMemories.Sorted(), "%s.derived_memories", id)
		}
	})

	t.Run("LinkUnknownRecordLeavesNoState", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		MustCreate(t, store, "A", "episodic", 6, Epoch)
		MustCreate(t, store, "C", "semantic", 7, Epoch)

		_, err := store.Link(ctx, normalized(t, ltm.LinkRequest{SourceIDs: []string{"A", "ghost"}, DerivedID: "C", Confidence: 0.5}), Epoch)
		assert.True(t, errors.Is(err, errors.ErrUnknownRecord), "got %v", err)

		a, err := store.Get(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, 0, a.DerivedMemories.Len())
		c, err := store.Get(ctx, "C")
		require.NoError(t, err)
		assert.Equal(t, 0, c.SourceMemories.Len())

		rels, err := store.RelationshipsFor(ctx, "C")
		require.NoError(t, err)
		assert.Empty(t, rels)

		_, err = store.RelationshipsFor(ctx, "ghost")
		assert.True(t, errors.Is(err, errors.ErrUnknownRecord), "got %v", err)
	})

	t.Run("Views", func(t *testing.T) {
		store := fresh(t)
		ctx := context.Background()
		now := Epoch.Add(30 * 24 * time.Hour)

		MustCreate(t, store, "fresh", "episodic", 8, now.Add(-24*time.Hour))
		MustCreate(t, store, "stale", "episodic", 8, Epoch.Add(-10*24*time.Hour))
		MustCreate(t, store, "fact", "semantic", 5, Epoch)
		MustCreate(t, store, "skill", "procedural", 6, Epoch.Add(5*24*time.Hour))
		MustCreate(t, store, "zero", "semantic", 0, now)

		active, err := views.ActiveFor(ctx, store, decay.DefaultExpiryThreshold, now)
		require.NoError(t, err)
		var ids []string
		for _, m := range active {
			ids = append(ids, m.Record.ID)
		}
		assert.Equal(t, []string{"fresh", "skill", "fact"}, ids)
		assert.InDelta(t, 8*math.Exp(-ltm.EpisodicDecayLambda), active[0].CurrentImportance, 1e-6)
		assert.InDelta(t, math.Exp(-ltm.EpisodicDecayLambda), active[0].DecayScore, 1e-6)

		expired, err := views.ExpiredFor(ctx, store, decay.DefaultExpiryThreshold, now)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, "zero", expired[0].Record.ID)
		assert.Equal(t, "stale", expired[1].Record.ID)
		assert.True(t, expired[1].ShouldCleanup)

		stats, err := views.AnalyticsFor(ctx, store, now)
		require.NoError(t, err)
		require.Len(t, stats, 3)
		assert.Equal(t, ltm.CategoryEpisodic, stats[0].Category)
		assert.Equal(t, 2, stats[0].Count)
		assert.InDelta(t, 8.0, stats[0].AvgBaseImportance, 1e-9)
		assert.Equal(t, ltm.CategoryProcedural, stats[1].Category)
		assert.Equal(t, ltm.CategorySemantic, stats[2].Category)
		assert.InDelta(t, 2.5, stats[2].AvgBaseImportance, 1e-9)
		assert.InDelta(t, math.Exp(-0.04*30)/2, stats[2].AvgDecayScore, 1e-6)
	})
}

func normalized(t *testing.T, req ltm.LinkRequest) ltm.LinkRequest {
	t.Helper()
	require.NoError(t, req.Normalize())
	return req
}

func expiredSet(t *testing.T, store ltm.Store) []string {
	t.Helper()
	expired, err := views.ExpiredFor(context.Background(), store, decay.DefaultExpiryThreshold, Epoch.Add(90*24*time.Hour))
	require.NoError(t, err)
	ids := []string{}
	for _, m := range expired {
		ids = append(ids, m.Record.ID)
	}
	return ids
}
