package mmu

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/mem/ltm/adapters/mock"
	"github.com/lexlapax/engram/pkg/metrics"
	"github.com/lexlapax/engram/pkg/portable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable time source for the MMU
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMMU(t *testing.T) (*MMUI, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	collector := metrics.NewCollector("mmu_test", prometheus.NewRegistry())
	return NewMMU(mock.NewMockStore(), cfg, collector), clock
}

func TestNewMMU_Defaults(t *testing.T) {
	m := NewMMU(mock.NewMockStore(), Config{}, nil)
	assert.Equal(t, 0.1, m.Config().ExpiryThreshold)
	assert.Equal(t, 7.0, m.Config().ReflectionIntervalDays)
	assert.NotNil(t, m.Config().Clock)
}

func TestMMU_CreateRecord(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMMU(t)

	t.Run("legacy tag is canonicalized", func(t *testing.T) {
		r, err := m.CreateRecord(ctx, "we talked about tides", "conversation", 6)
		require.NoError(t, err)
		assert.Equal(t, ltm.CategoryEpisodic, r.Category)
		assert.Equal(t, ltm.LegacyConversation, r.LegacyCategory)
		assert.True(t, epoch.Equal(r.CreatedAt))
		assert.Equal(t, ltm.EpisodicDecayLambda, r.DecayLambda)

		stored, err := m.GetRecord(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Content, stored.Content)
	})

	t.Run("explicit creation time wins over the clock", func(t *testing.T) {
		created := epoch.Add(-48 * time.Hour)
		r, err := m.CreateRecord(ctx, "old", "semantic", 3, ltm.WithCreatedAt(created))
		require.NoError(t, err)
		assert.True(t, created.Equal(r.CreatedAt))
	})

	tests := []struct {
		name     string
		category string
		base     int
		opts     []ltm.RecordOption
		wantErr  error
	}{
		{"importance too high", "episodic", 11, nil, errors.ErrInvalidImportance},
		{"negative importance", "semantic", -1, nil, errors.ErrInvalidImportance},
		{"unknown category", "dream", 5, nil, errors.ErrUnknownCategory},
		{"bad decay rate", "procedural", 5, []ltm.RecordOption{ltm.WithDecayLambda(0)}, errors.ErrInvalidDecayRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateRecord(ctx, "x", tt.category, tt.base, tt.opts...)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestMMU_ListRecordsAcceptsLegacyCategory(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMMU(t)

	_, err := m.CreateRecord(ctx, "a", "fact", 5)
	require.NoError(t, err)
	_, err = m.CreateRecord(ctx, "b", "context", 5)
	require.NoError(t, err)

	semantic, err := m.ListRecords(ctx, ltm.Query{Category: ltm.LegacyFact})
	require.NoError(t, err)
	require.Len(t, semantic, 1)
	assert.Equal(t, "a", semantic[0].Content)

	_, err = m.ListRecords(ctx, ltm.Query{Category: "dream"})
	assert.True(t, errors.Is(err, errors.ErrUnknownCategory))
}

func TestMMU_RecordAccess(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMMU(t)

	r, err := m.CreateRecord(ctx, "x", "episodic", 5)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, m.RecordAccess(ctx, r.ID))
	clock.Advance(time.Hour)
	require.NoError(t, m.RecordAccess(ctx, r.ID))

	got, err := m.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.True(t, epoch.Add(2*time.Hour).Equal(got.LastAccessed))

	// Access never changes the decay curve
	assert.Equal(t, r.ImportanceDecay, got.ImportanceDecay)
	assert.True(t, r.CreatedAt.Equal(got.CreatedAt))

	err = m.RecordAccess(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrUnknownRecord))
}

func TestMMU_RecordReflection(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMMU(t)

	r, err := m.CreateRecord(ctx, "x", "episodic", 5)
	require.NoError(t, err)
	assert.True(t, m.NeedsReflection(r))

	factor := 0.5
	require.NoError(t, m.RecordReflection(ctx, r.ID, ltm.ReflectionUpdate{ImportanceDecay: &factor}))

	got, err := m.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReflectionCount)
	assert.Equal(t, 0.5, got.ImportanceDecay)
	require.NotNil(t, got.LastReflection)
	assert.True(t, epoch.Equal(*got.LastReflection))
	assert.False(t, m.NeedsReflection(got))

	clock.Advance(7 * 24 * time.Hour)
	assert.True(t, m.NeedsReflection(got))

	bad := 1.5
	err = m.RecordReflection(ctx, r.ID, ltm.ReflectionUpdate{ImportanceDecay: &bad})
	assert.True(t, errors.Is(err, errors.ErrInvalidImportanceDecay))
	nan := math.NaN()
	err = m.RecordReflection(ctx, r.ID, ltm.ReflectionUpdate{ImportanceDecay: &nan})
	assert.True(t, errors.Is(err, errors.ErrInvalidImportanceDecay))
	err = m.RecordReflection(ctx, r.ID, ltm.ReflectionUpdate{ImportanceDecayFactor: &bad})
	assert.True(t, errors.Is(err, errors.ErrInvalidImportanceDecay))

	// a factor multiplies what is stored
	half := 0.5
	require.NoError(t, m.RecordReflection(ctx, r.ID, ltm.ReflectionUpdate{ImportanceDecayFactor: &half}))
	got, err = m.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ReflectionCount)
	assert.Equal(t, 0.25, got.ImportanceDecay)
}

func TestMMU_Link(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMMU(t)

	a, err := m.CreateRecord(ctx, "A", "episodic", 6, ltm.WithID("A"))
	require.NoError(t, err)
	_, err = m.CreateRecord(ctx, "B", "episodic", 4, ltm.WithID("B"))
	require.NoError(t, err)
	_, err = m.CreateRecord(ctx, "C", "semantic", 7, ltm.WithID("C"))
	require.NoError(t, err)

	linkID, err := m.Link(ctx, ltm.LinkRequest{SourceIDs: []string{"A", "B", "A"}, DerivedID: "C", Confidence: 0.9})
	require.NoError(t, err)

	rels, err := m.RelationshipsFor(ctx, "C")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, linkID, rels[0].ID)
	assert.Equal(t, []string{"A", "B"}, rels[0].SourceIDs)
	assert.Equal(t, ltm.RelationshipReflection, rels[0].Type)
	assert.True(t, epoch.Equal(rels[0].CreatedAt))

	// Linking leaves the decay state of the endpoints alone
	gotA, err := m.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, a.ImportanceDecay, gotA.ImportanceDecay)
	assert.Equal(t, a.ReflectionCount, gotA.ReflectionCount)

	tests := []struct {
		name    string
		req     ltm.LinkRequest
		wantErr error
	}{
		{"confidence above one", ltm.LinkRequest{SourceIDs: []string{"A"}, DerivedID: "C", Confidence: 1.5}, errors.ErrInvalidConfidence},
		{"no sources", ltm.LinkRequest{DerivedID: "C", Confidence: 0.5}, errors.ErrInvalidLink},
		{"self link", ltm.LinkRequest{SourceIDs: []string{"C"}, DerivedID: "C", Confidence: 0.5}, errors.ErrInvalidLink},
		{"unknown source", ltm.LinkRequest{SourceIDs: []string{"ghost"}, DerivedID: "C", Confidence: 0.5}, errors.ErrUnknownRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Link(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	rels, err = m.RelationshipsFor(ctx, "C")
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestMMU_Views(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMMU(t)

	_, err := m.CreateRecord(ctx, "ancient", "episodic", 8, ltm.WithID("ancient"), ltm.WithCreatedAt(epoch.Add(-365*24*time.Hour)))
	require.NoError(t, err)
	_, err = m.CreateRecord(ctx, "fact", "semantic", 5, ltm.WithID("fact"))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = m.CreateRecord(ctx, "fresh", "episodic", 9, ltm.WithID("fresh"))
	require.NoError(t, err)

	active, err := m.GetActive(ctx, ActiveOptions{})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "fresh", active[0].Record.ID)
	assert.Equal(t, "fact", active[1].Record.ID)

	limited, err := m.GetActive(ctx, ActiveOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	expired, err := m.GetExpired(ctx, ActiveOptions{})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "ancient", expired[0].Record.ID)
	assert.True(t, expired[0].ShouldCleanup)

	// A higher threshold moves the semantic record out of the active set
	strict, err := m.GetActive(ctx, ActiveOptions{Threshold: 6})
	require.NoError(t, err)
	require.Len(t, strict, 1)
	assert.Equal(t, "fresh", strict[0].Record.ID)

	stats, err := m.GetAnalytics(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, ltm.CategoryEpisodic, stats[0].Category)
	assert.Equal(t, 2, stats[0].Count)
	assert.InDelta(t, 8.5, stats[0].AvgBaseImportance, 1e-9)
}

func TestMMU_ExportImport(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestMMU(t)

	_, err := src.CreateRecord(ctx, "A", "conversation", 6, ltm.WithID("A"))
	require.NoError(t, err)
	_, err = src.CreateRecord(ctx, "C", "insight", 8, ltm.WithID("C"))
	require.NoError(t, err)
	_, err = src.Link(ctx, ltm.LinkRequest{SourceIDs: []string{"A"}, DerivedID: "C", Confidence: 0.7})
	require.NoError(t, err)

	rows, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "conversation", rows[0]["memory_type"])

	dst, _ := newTestMMU(t)
	n, err := dst.Import(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c, err := dst.GetRecord(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, ltm.CategorySemantic, c.Category)
	assert.Equal(t, ltm.LegacyInsight, c.LegacyCategory)
	assert.Equal(t, []string{"A"}, c.SourceMemories.Sorted())

	// Re-import skips existing ids
	n, err = dst.Import(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = dst.Import(ctx, []portable.Map{{"id": "bad", "content": "x", "category": "dream"}})
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, errors.ErrUnknownCategory), "got %v", err)
	assert.Contains(t, err.Error(), "row 1")
}
