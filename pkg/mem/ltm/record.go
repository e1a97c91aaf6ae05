package ltm

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/engram/pkg/errors"
)

// Importance bounds
const (
	MinImportance = 0
	MaxImportance = 10
)

// MemoryRecord represents a single scored memory.
type MemoryRecord struct {
	// ID is a unique identifier for the record
	ID string `json:"id"`

	// Content is the opaque memory payload
	Content string `json:"content"`

	// Category is always canonical
	Category Category `json:"category"`

	// LegacyCategory keeps the legacy tag the record was created with, if any
	LegacyCategory Category `json:"legacy_category,omitempty"`

	// CreatedAt is when this memory was initially stored
	CreatedAt time.Time `json:"created_at"`

	// LastAccessed is the most recent read; it never moves backwards
	LastAccessed time.Time `json:"last_accessed"`

	AccessCount int64 `json:"access_count"`

	// BaseImportance is the importance at creation, 0..10
	BaseImportance int `json:"base_importance"`

	// ImportanceDecay is a multiplier in [0, 1] lowered as the record is
	// consolidated into derived memories
	ImportanceDecay float64 `json:"importance_decay"`

	// DecayLambda is the per-day forgetting rate
	DecayLambda float64 `json:"decay_lambda"`

	ReflectionCount int        `json:"reflection_count"`
	LastReflection  *time.Time `json:"last_reflection,omitempty"`

	// SourceMemories are the records this one was derived from
	SourceMemories IDSet `json:"source_memories"`

	// DerivedMemories are the records distilled from this one
	DerivedMemories IDSet `json:"derived_memories"`
}

// RecordOption customizes a record built by NewRecord.
type RecordOption func(*MemoryRecord)

// WithID sets the record id instead of generating one.
func WithID(id string) RecordOption {
	return func(r *MemoryRecord) { r.ID = id }
}

// WithDecayLambda overrides the category default decay rate.
func WithDecayLambda(lambda float64) RecordOption {
	return func(r *MemoryRecord) { r.DecayLambda = lambda }
}

// WithCreatedAt sets the creation time. LastAccessed starts at the same instant.
func WithCreatedAt(t time.Time) RecordOption {
	return func(r *MemoryRecord) {
		r.CreatedAt = t
		r.LastAccessed = t
	}
}

// WithImportanceDecay sets the initial importance decay multiplier.
func WithImportanceDecay(d float64) RecordOption {
	return func(r *MemoryRecord) { r.ImportanceDecay = d }
}

// NewRecord builds a validated record. The category may be canonical or a
// legacy alias; the stored category is always canonical.
func NewRecord(content, category string, baseImportance int, opts ...RecordOption) (*MemoryRecord, error) {
	tag, err := ParseCategory(category)
	if err != nil {
		return nil, err
	}

	now := Now()
	r := &MemoryRecord{
		ID:              uuid.New().String(),
		Content:         content,
		Category:        tag.Canonical(),
		CreatedAt:       now,
		LastAccessed:    now,
		BaseImportance:  baseImportance,
		ImportanceDecay: 1.0,
		DecayLambda:     tag.DefaultDecayLambda(),
		SourceMemories:  NewIDSet(),
		DerivedMemories: NewIDSet(),
	}
	if tag.IsLegacy() {
		r.LegacyCategory = tag
	}
	for _, opt := range opts {
		opt(r)
	}
	r.CreatedAt = Truncate(r.CreatedAt)
	r.LastAccessed = Truncate(r.LastAccessed)

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the record invariants.
func (r *MemoryRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: record id is required", errors.ErrInvalidInput)
	}
	if r.BaseImportance < MinImportance || r.BaseImportance > MaxImportance {
		return fmt.Errorf("%w: base importance %d outside [%d, %d]",
			errors.ErrInvalidImportance, r.BaseImportance, MinImportance, MaxImportance)
	}
	if !r.Category.IsCanonical() {
		return fmt.Errorf("%w: %q is not a canonical category", errors.ErrUnknownCategory, r.Category)
	}
	if r.LegacyCategory != "" && r.LegacyCategory.Canonical() != r.Category {
		return fmt.Errorf("%w: legacy tag %q does not map to %q",
			errors.ErrUnknownCategory, r.LegacyCategory, r.Category)
	}
	if err := ValidateDecayLambda(r.DecayLambda); err != nil {
		return err
	}
	if math.IsNaN(r.ImportanceDecay) || r.ImportanceDecay < 0 || r.ImportanceDecay > 1 {
		return fmt.Errorf("%w: %v outside [0, 1]", errors.ErrInvalidImportanceDecay, r.ImportanceDecay)
	}
	if r.AccessCount < 0 || r.ReflectionCount < 0 {
		return fmt.Errorf("%w: counters must not be negative", errors.ErrInvalidInput)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", errors.ErrInvalidInput)
	}
	return nil
}

// ValidateDecayLambda checks that lambda is in (0, 1].
func ValidateDecayLambda(lambda float64) error {
	if math.IsNaN(lambda) || lambda <= 0 || lambda > 1 {
		return fmt.Errorf("%w: %v outside (0, 1]", errors.ErrInvalidDecayRate, lambda)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r MemoryRecord) Clone() MemoryRecord {
	c := r
	if r.LastReflection != nil {
		t := *r.LastReflection
		c.LastReflection = &t
	}
	c.SourceMemories = r.SourceMemories.Clone()
	c.DerivedMemories = r.DerivedMemories.Clone()
	return c
}

// Truncate drops sub-microsecond precision and the monotonic reading so that
// times survive every backend unchanged.
func Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

// Now returns the current time at storage precision.
func Now() time.Time {
	return Truncate(time.Now())
}
