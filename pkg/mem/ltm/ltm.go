package ltm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
)

// Query selects records for List.
type Query struct {
	// Category restricts results to one canonical category; empty means all
	Category Category

	// Limit is the maximum number of results to return; 0 means no limit
	Limit int
}

// ReflectionUpdate records that a record took part in a completed reflection.
type ReflectionUpdate struct {
	// At becomes the record's LastReflection
	At time.Time

	// ImportanceDecay, when set, replaces the record's importance decay multiplier
	ImportanceDecay *float64

	// ImportanceDecayFactor, when set, multiplies the stored importance decay
	// in the same atomic step that bumps the reflection count. It applies
	// after ImportanceDecay.
	ImportanceDecayFactor *float64
}

// Validate checks that both multipliers are in [0, 1].
func (u ReflectionUpdate) Validate() error {
	for _, v := range []*float64{u.ImportanceDecay, u.ImportanceDecayFactor} {
		if v != nil && (math.IsNaN(*v) || *v < 0 || *v > 1) {
			return fmt.Errorf("%w: %v outside [0, 1]", errors.ErrInvalidImportanceDecay, *v)
		}
	}
	return nil
}

// Apply returns the importance decay that results from the update.
func (u ReflectionUpdate) Apply(current float64) float64 {
	if u.ImportanceDecay != nil {
		current = *u.ImportanceDecay
	}
	if u.ImportanceDecayFactor != nil {
		current *= *u.ImportanceDecayFactor
	}
	return current
}

// ActiveMemory is a record annotated with its live decay state.
type ActiveMemory struct {
	Record            MemoryRecord `json:"record"`
	CurrentImportance float64      `json:"current_importance"`
	DecayScore        float64      `json:"decay_score"`

	// ShouldCleanup is set on records below the expiry threshold
	ShouldCleanup bool `json:"should_cleanup"`
}

// CategoryStats aggregates one canonical category over all records.
type CategoryStats struct {
	Category          Category `json:"category"`
	Count             int      `json:"count"`
	AvgBaseImportance float64  `json:"avg_base_importance"`
	AvgDecayScore     float64  `json:"avg_decay_score"`
}

// Store is the interface that all memory store adapters must implement.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new, already validated record.
	// It fails with ErrRecordExists if the id is taken.
	Create(ctx context.Context, record *MemoryRecord) error

	// Get fetches one record or fails with ErrUnknownRecord.
	Get(ctx context.Context, id string) (*MemoryRecord, error)

	// List returns records ordered by creation time, then id.
	List(ctx context.Context, query Query) ([]MemoryRecord, error)

	// RecordAccess atomically increments the access count and moves
	// last_accessed forward to at (never backwards).
	RecordAccess(ctx context.Context, id string, at time.Time) error

	// RecordReflection increments the reflection count and applies the update.
	RecordReflection(ctx context.Context, id string, update ReflectionUpdate) error

	// Link writes the relationship rows and both endpoint arrays in a single
	// transaction and returns the link id. The request must be normalized.
	Link(ctx context.Context, req LinkRequest, at time.Time) (string, error)

	// RelationshipsFor returns every link the record participates in.
	RelationshipsFor(ctx context.Context, id string) ([]RelationshipDetail, error)

	// Close releases the store's resources.
	Close() error
}

// ViewCapableStore extends Store for backends that compute the decay views in
// their query layer. Results must match the in-process projections.
type ViewCapableStore interface {
	Store

	// ActiveRecords returns records at or above threshold, ordered by decay
	// score desc, created_at desc, id asc.
	ActiveRecords(ctx context.Context, threshold float64, now time.Time) ([]ActiveMemory, error)

	// ExpiredRecords returns records below threshold, ordered by current
	// importance asc, created_at asc, id asc.
	ExpiredRecords(ctx context.Context, threshold float64, now time.Time) ([]ActiveMemory, error)

	// CategoryAnalytics aggregates all records by canonical category.
	CategoryAnalytics(ctx context.Context, now time.Time) ([]CategoryStats, error)
}
