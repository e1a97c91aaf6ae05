// Package reflection keeps the bookkeeping of episodic reflection: which
// records are due, and what happens to them once an external process has
// distilled them into a derived record. Deciding what to distill is left to
// the caller.
package reflection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/engram/pkg/decay"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/mmu"
)

// ReflectionModule defines the interface for reflection bookkeeping
type ReflectionModule interface {
	// Due lists the episodic records waiting for reflection at now
	Due(ctx context.Context, now time.Time) ([]ltm.MemoryRecord, error)

	// Consolidate records the outcome of a finished reflection
	Consolidate(ctx context.Context, outcome Outcome) (*Result, error)
}

// Config contains configuration options for the ReflectionModule
type Config struct {
	// IntervalDays is the minimum time between reflections of one record
	IntervalDays float64

	// ImportanceDecayFactor multiplies the importance decay of every
	// episodic source once it has been reflected on
	ImportanceDecayFactor float64

	// MaxCandidates caps the number of records Due returns; zero means no cap
	MaxCandidates int
}

// DefaultConfig returns the default configuration for the ReflectionModule
func DefaultConfig() Config {
	return Config{
		IntervalDays:          decay.DefaultReflectionIntervalDays,
		ImportanceDecayFactor: 0.9,
		MaxCandidates:         50,
	}
}

// Outcome describes a derived record produced from a set of sources.
type Outcome struct {
	Content string

	// Category of the derived record; empty means semantic
	Category string

	BaseImportance int
	SourceIDs      []string

	// Type of the relationship; empty means reflection
	Type       ltm.RelationshipType
	Confidence float64
	Metadata   map[string]any
}

// Result reports what Consolidate wrote.
type Result struct {
	Derived   *ltm.MemoryRecord
	LinkID    string
	Reflected []string
}

// Module is the implementation of the ReflectionModule interface
type Module struct {
	mmu    mmu.MMU
	config Config
}

// NewReflectionModule creates a new reflection module on top of the MMU
func NewReflectionModule(m mmu.MMU, config Config) *Module {
	if config.IntervalDays <= 0 {
		config.IntervalDays = decay.DefaultReflectionIntervalDays
	}
	if config.ImportanceDecayFactor <= 0 || config.ImportanceDecayFactor > 1 {
		config.ImportanceDecayFactor = DefaultConfig().ImportanceDecayFactor
	}

	log.Debug("Reflection Module initialized",
		"interval_days", config.IntervalDays,
		"importance_decay_factor", config.ImportanceDecayFactor,
		"max_candidates", config.MaxCandidates)

	return &Module{
		mmu:    m,
		config: config,
	}
}

// Due implements the ReflectionModule interface. Records never reflected
// on come first, then the longest waiting; ties fall back to age and id.
func (m *Module) Due(ctx context.Context, now time.Time) ([]ltm.MemoryRecord, error) {
	if now.IsZero() {
		now = time.Now()
	}
	records, err := m.mmu.ListRecords(ctx, ltm.Query{Category: ltm.CategoryEpisodic})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list episodic records")
	}

	due := []ltm.MemoryRecord{}
	for i := range records {
		if decay.NeedsReflection(&records[i], m.config.IntervalDays, now) {
			due = append(due, records[i])
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].LastReflection, due[j].LastReflection
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})

	if m.config.MaxCandidates > 0 && len(due) > m.config.MaxCandidates {
		due = due[:m.config.MaxCandidates]
	}
	log.DebugContext(ctx, "Reflection candidates", "count", len(due))
	return due, nil
}

// Consolidate implements the ReflectionModule interface. The link request is
// validated and every source checked before the derived record is written.
func (m *Module) Consolidate(ctx context.Context, outcome Outcome) (*Result, error) {
	category := outcome.Category
	if category == "" {
		category = string(ltm.CategorySemantic)
	}

	derivedID := uuid.New().String()
	req := ltm.LinkRequest{
		SourceIDs:  outcome.SourceIDs,
		DerivedID:  derivedID,
		Type:       outcome.Type,
		Confidence: outcome.Confidence,
		Metadata:   outcome.Metadata,
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	sources := make([]*ltm.MemoryRecord, 0, len(req.SourceIDs))
	for _, id := range req.SourceIDs {
		r, err := m.mmu.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		sources = append(sources, r)
	}

	derived, err := m.mmu.CreateRecord(ctx, outcome.Content, category, outcome.BaseImportance, ltm.WithID(derivedID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create derived record")
	}

	linkID, err := m.mmu.Link(ctx, req)
	if err != nil {
		// The derived record stays; it is a valid record without provenance.
		log.WarnContext(ctx, "Derived record created but not linked", "derived_id", derivedID, "error", err)
		return nil, err
	}

	result := &Result{Derived: derived, LinkID: linkID}
	for _, src := range sources {
		if src.Category != ltm.CategoryEpisodic {
			continue
		}
		// the store multiplies in place; concurrent consolidations compound
		factor := m.config.ImportanceDecayFactor
		if err := m.mmu.RecordReflection(ctx, src.ID, ltm.ReflectionUpdate{ImportanceDecayFactor: &factor}); err != nil {
			return result, fmt.Errorf("failed to record reflection on %s: %w", src.ID, err)
		}
		result.Reflected = append(result.Reflected, src.ID)
	}

	log.InfoContext(ctx, "Consolidated reflection",
		"derived_id", derivedID,
		"link_id", linkID,
		"sources", len(sources),
		"reflected", len(result.Reflected))
	return result, nil
}
