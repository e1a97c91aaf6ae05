package decay

import (
	"math"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newRecord(t *testing.T, category string, base int, opts ...ltm.RecordOption) *ltm.MemoryRecord {
	t.Helper()
	opts = append([]ltm.RecordOption{ltm.WithCreatedAt(epoch)}, opts...)
	r, err := ltm.NewRecord("test memory", category, base, opts...)
	require.NoError(t, err)
	return r
}

func days(d float64) time.Duration {
	return time.Duration(d * 24 * float64(time.Hour))
}

func TestCurrentImportanceHalfLife(t *testing.T) {
	r := newRecord(t, "episodic", 5)
	halfLife := HalfLife(r.DecayLambda)

	now := epoch.Add(days(halfLife))
	assert.InDelta(t, 2.5, CurrentImportance(r, now), 1e-6)
	assert.InDelta(t, 0.5, DecayScore(r, now), 1e-6)
}

func TestCurrentImportanceAtCreation(t *testing.T) {
	r := newRecord(t, "semantic", 7)
	assert.Equal(t, 7.0, CurrentImportance(r, epoch))
	assert.Equal(t, 1.0, DecayScore(r, epoch))

	// Reference times before creation clamp to zero elapsed time
	assert.Equal(t, 7.0, CurrentImportance(r, epoch.Add(-48*time.Hour)))
}

func TestImportanceDecayFoldedIntoCurrentImportance(t *testing.T) {
	r := newRecord(t, "episodic", 8, ltm.WithImportanceDecay(0.5))
	assert.Equal(t, 4.0, CurrentImportance(r, epoch))
	assert.Equal(t, 0.5, DecayScore(r, epoch))
}

func TestZeroBaseImportance(t *testing.T) {
	r := newRecord(t, "episodic", 0)
	for _, d := range []float64{0, 0.5, 1, 30, 10000} {
		now := epoch.Add(days(d))
		assert.Equal(t, 0.0, DecayScore(r, now))
		assert.Equal(t, 0.0, CurrentImportance(r, now))
		assert.True(t, IsExpired(r, DefaultExpiryThreshold, now))
	}
}

func TestIsExpired(t *testing.T) {
	r := newRecord(t, "semantic", 5)

	assert.False(t, IsExpired(r, DefaultExpiryThreshold, epoch))
	// 5 * e^(-0.04*100) ~= 0.0916
	assert.True(t, IsExpired(r, DefaultExpiryThreshold, epoch.Add(days(100))))
	assert.False(t, IsExpired(r, 0.05, epoch.Add(days(100))))
}

func TestNeedsReflection(t *testing.T) {
	now := epoch.Add(days(30))

	t.Run("never reflected episodic", func(t *testing.T) {
		assert.True(t, NeedsReflection(newRecord(t, "episodic", 5), DefaultReflectionIntervalDays, now))
	})

	t.Run("non episodic never needs reflection", func(t *testing.T) {
		assert.False(t, NeedsReflection(newRecord(t, "semantic", 5), DefaultReflectionIntervalDays, now))
		assert.False(t, NeedsReflection(newRecord(t, "procedural", 5), DefaultReflectionIntervalDays, now))
	})

	t.Run("interval boundary", func(t *testing.T) {
		r := newRecord(t, "conversation", 5)
		last := now.Add(-days(7))
		r.LastReflection = &last
		assert.True(t, NeedsReflection(r, 7, now))

		recent := now.Add(-days(6.9))
		r.LastReflection = &recent
		assert.False(t, NeedsReflection(r, 7, now))

		// Non-positive interval falls back to the default
		assert.False(t, NeedsReflection(r, 0, now))
	})
}

func TestZeroNowUsesWallClock(t *testing.T) {
	r := newRecord(t, "episodic", 5, ltm.WithCreatedAt(time.Now().Add(-days(1))))
	assert.InDelta(t, 5*math.Exp(-ltm.EpisodicDecayLambda), CurrentImportance(r, time.Time{}), 1e-3)
}

func TestScoreBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.IntRange(ltm.MinImportance, ltm.MaxImportance).Draw(t, "base")
		lambda := rapid.Float64Range(1e-6, 1).Draw(t, "lambda")
		importanceDecay := rapid.Float64Range(0, 1).Draw(t, "importance_decay")
		elapsed := rapid.Float64Range(-1000, 100000).Draw(t, "elapsed_days")

		score := Score(base, lambda, importanceDecay, elapsed)
		if score < 0 || score > 1 {
			t.Fatalf("score %v out of bounds", score)
		}
		if imp := Importance(base, lambda, importanceDecay, elapsed); imp < 0 || imp > float64(base) {
			t.Fatalf("importance %v out of bounds for base %d", imp, base)
		}
	})
}

func TestCategoryOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.IntRange(ltm.MinImportance, ltm.MaxImportance).Draw(t, "base")
		elapsed := rapid.Float64Range(0, 3650).Draw(t, "elapsed_days")

		episodic := Score(base, ltm.CategoryEpisodic.DefaultDecayLambda(), 1, elapsed)
		semantic := Score(base, ltm.CategorySemantic.DefaultDecayLambda(), 1, elapsed)
		procedural := Score(base, ltm.CategoryProcedural.DefaultDecayLambda(), 1, elapsed)

		if episodic > semantic || semantic > procedural {
			t.Fatalf("ordering violated: episodic=%v semantic=%v procedural=%v", episodic, semantic, procedural)
		}
	})
}

func TestElapsedDays(t *testing.T) {
	assert.Equal(t, 1.0, ElapsedDays(epoch, epoch.Add(24*time.Hour)))
	assert.Equal(t, 0.0, ElapsedDays(epoch, epoch.Add(-time.Hour)))
}
