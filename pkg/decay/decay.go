// Package decay scores memory records with exponential forgetting curves.
//
// All functions are pure. A zero now means time.Now().
package decay

import (
	"math"
	"time"

	"github.com/lexlapax/engram/pkg/mem/ltm"
)

// DefaultExpiryThreshold is the current importance below which a record is expired.
const DefaultExpiryThreshold = 0.1

// DefaultReflectionIntervalDays is how long an episodic record waits between reflections.
const DefaultReflectionIntervalDays = 7.0

const secondsPerDay = 86400.0

// ElapsedDays returns the fractional days from from to to, clamped at zero.
func ElapsedDays(from, to time.Time) float64 {
	d := to.Sub(from).Seconds() / secondsPerDay
	if d < 0 || math.IsNaN(d) {
		return 0
	}
	return d
}

// Importance is base * exp(-lambda * days) * importanceDecay, floored at zero.
func Importance(base int, lambda, importanceDecay, elapsedDays float64) float64 {
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	v := float64(base) * math.Exp(-lambda*elapsedDays) * importanceDecay
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

// Score is Importance relative to base, clamped to [0, 1]. It is 0 when base is 0.
func Score(base int, lambda, importanceDecay, elapsedDays float64) float64 {
	if base <= 0 {
		return 0
	}
	s := Importance(base, lambda, importanceDecay, elapsedDays) / float64(base)
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// HalfLife returns the days it takes for lambda to halve importance.
func HalfLife(lambda float64) float64 {
	if lambda <= 0 {
		return math.Inf(1)
	}
	return math.Ln2 / lambda
}

func resolve(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now()
	}
	return now
}

// CurrentImportance returns the record's live importance at now.
func CurrentImportance(r *ltm.MemoryRecord, now time.Time) float64 {
	return Importance(r.BaseImportance, r.DecayLambda, r.ImportanceDecay,
		ElapsedDays(r.CreatedAt, resolve(now)))
}

// DecayScore returns how much of the record's base importance survives at now.
func DecayScore(r *ltm.MemoryRecord, now time.Time) float64 {
	return Score(r.BaseImportance, r.DecayLambda, r.ImportanceDecay,
		ElapsedDays(r.CreatedAt, resolve(now)))
}

// IsExpired reports whether the record's current importance is below threshold.
func IsExpired(r *ltm.MemoryRecord, threshold float64, now time.Time) bool {
	return CurrentImportance(r, now) < threshold
}

// NeedsReflection reports whether an episodic record is due for reflection:
// it was never reflected on, or the last reflection is at least intervalDays
// old. Other categories never need reflection. A non-positive interval uses
// DefaultReflectionIntervalDays.
func NeedsReflection(r *ltm.MemoryRecord, intervalDays float64, now time.Time) bool {
	if r.Category != ltm.CategoryEpisodic {
		return false
	}
	if r.LastReflection == nil {
		return true
	}
	if intervalDays <= 0 || math.IsNaN(intervalDays) {
		intervalDays = DefaultReflectionIntervalDays
	}
	return resolve(now).Sub(*r.LastReflection).Seconds()/secondsPerDay >= intervalDays
}
