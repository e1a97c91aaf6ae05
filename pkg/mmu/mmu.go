package mmu

import (
	"context"
	"fmt"
	"time"

	"github.com/lexlapax/engram/pkg/decay"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/metrics"
	"github.com/lexlapax/engram/pkg/portable"
	"github.com/lexlapax/engram/pkg/views"
)

// ActiveOptions configures the active and expired views.
type ActiveOptions struct {
	// Threshold is the expiry threshold; zero uses the configured one
	Threshold float64

	// Now is the evaluation instant; zero uses the MMU clock
	Now time.Time

	// Limit caps the number of returned entries when positive
	Limit int
}

// MMU (Memory Management Unit) is the entry point to the memory engine:
// record lifecycle, access tracking, relationships and decay views.
type MMU interface {
	CreateRecord(ctx context.Context, content, category string, baseImportance int, opts ...ltm.RecordOption) (*ltm.MemoryRecord, error)
	GetRecord(ctx context.Context, id string) (*ltm.MemoryRecord, error)
	ListRecords(ctx context.Context, query ltm.Query) ([]ltm.MemoryRecord, error)

	// RecordAccess marks a read of the record at the current time
	RecordAccess(ctx context.Context, id string) error

	// RecordReflection counts a reflection and optionally replaces the importance decay
	RecordReflection(ctx context.Context, id string, update ltm.ReflectionUpdate) error

	Link(ctx context.Context, req ltm.LinkRequest) (string, error)
	RelationshipsFor(ctx context.Context, id string) ([]ltm.RelationshipDetail, error)

	GetActive(ctx context.Context, opts ActiveOptions) ([]ltm.ActiveMemory, error)
	GetExpired(ctx context.Context, opts ActiveOptions) ([]ltm.ActiveMemory, error)
	GetAnalytics(ctx context.Context, now time.Time) ([]ltm.CategoryStats, error)

	Export(ctx context.Context) ([]portable.Map, error)
	Import(ctx context.Context, rows []portable.Map) (int, error)
}

// Config contains configuration options for the MMU.
type Config struct {
	// ExpiryThreshold is the current importance below which a record is expired
	ExpiryThreshold float64

	// ReflectionIntervalDays is how long an episodic record waits between reflections
	ReflectionIntervalDays float64

	// Clock supplies the current time; nil uses time.Now
	Clock func() time.Time
}

// DefaultConfig returns the default configuration for the MMU.
func DefaultConfig() Config {
	return Config{
		ExpiryThreshold:        decay.DefaultExpiryThreshold,
		ReflectionIntervalDays: decay.DefaultReflectionIntervalDays,
	}
}

// MMUI is the implementation of the MMU interface.
type MMUI struct {
	store   ltm.Store
	config  Config
	metrics *metrics.Collector
}

// NewMMU creates a new MMU over store. collector may be nil.
func NewMMU(store ltm.Store, config Config, collector *metrics.Collector) *MMUI {
	if config.ExpiryThreshold <= 0 {
		config.ExpiryThreshold = decay.DefaultExpiryThreshold
	}
	if config.ReflectionIntervalDays <= 0 {
		config.ReflectionIntervalDays = decay.DefaultReflectionIntervalDays
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	_, viewCapable := store.(ltm.ViewCapableStore)
	log.Debug("Memory Management Unit (MMU) initialized",
		"expiry_threshold", config.ExpiryThreshold,
		"reflection_interval_days", config.ReflectionIntervalDays,
		"view_capable", viewCapable,
		"ltm_store_type", fmt.Sprintf("%T", store),
	)

	return &MMUI{
		store:   store,
		config:  config,
		metrics: collector,
	}
}

// Config returns the effective configuration.
func (m *MMUI) Config() Config {
	return m.config
}

// Store returns the underlying store.
func (m *MMUI) Store() ltm.Store {
	return m.store
}

func (m *MMUI) now() time.Time {
	return ltm.Truncate(m.config.Clock())
}

// CreateRecord implements the MMU interface. The record is created at the
// MMU clock unless an option says otherwise.
func (m *MMUI) CreateRecord(ctx context.Context, content, category string, baseImportance int, opts ...ltm.RecordOption) (*ltm.MemoryRecord, error) {
	opts = append([]ltm.RecordOption{ltm.WithCreatedAt(m.now())}, opts...)
	record, err := ltm.NewRecord(content, category, baseImportance, opts...)
	if err != nil {
		log.WarnContext(ctx, "Rejected memory record", "category", category, "base_importance", baseImportance, "error", err)
		return nil, err
	}

	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}
	m.metrics.RecordCreated(record.Category)

	log.WithRecordContext(log.FromContext(ctx), record.ID, string(record.Category)).
		DebugContext(ctx, "Created memory record", "base_importance", record.BaseImportance, "decay_lambda", record.DecayLambda)
	return record, nil
}

// GetRecord implements the MMU interface.
func (m *MMUI) GetRecord(ctx context.Context, id string) (*ltm.MemoryRecord, error) {
	return m.store.Get(ctx, id)
}

// ListRecords implements the MMU interface.
func (m *MMUI) ListRecords(ctx context.Context, query ltm.Query) ([]ltm.MemoryRecord, error) {
	if query.Category != "" {
		tag, err := ltm.ParseCategory(string(query.Category))
		if err != nil {
			return nil, err
		}
		query.Category = tag.Canonical()
	}
	return m.store.List(ctx, query)
}

// RecordAccess implements the MMU interface.
func (m *MMUI) RecordAccess(ctx context.Context, id string) error {
	if err := m.store.RecordAccess(ctx, id, m.now()); err != nil {
		return err
	}
	m.metrics.Access()
	return nil
}

// RecordReflection implements the MMU interface. A zero update time uses the MMU clock.
func (m *MMUI) RecordReflection(ctx context.Context, id string, update ltm.ReflectionUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	if update.At.IsZero() {
		update.At = m.now()
	} else {
		update.At = ltm.Truncate(update.At)
	}

	if err := m.store.RecordReflection(ctx, id, update); err != nil {
		return err
	}
	m.metrics.Reflected()
	return nil
}

// Link implements the MMU interface.
func (m *MMUI) Link(ctx context.Context, req ltm.LinkRequest) (string, error) {
	if err := req.Normalize(); err != nil {
		m.metrics.LinkFailed(metrics.ReasonInvalid)
		log.WarnContext(ctx, "Rejected link request", "derived_id", req.DerivedID, "error", err)
		return "", err
	}

	linkID, err := m.store.Link(ctx, req, m.now())
	if err != nil {
		reason := metrics.ReasonWriteFailed
		if errors.Is(err, errors.ErrUnknownRecord) {
			reason = metrics.ReasonUnknownRecord
		}
		m.metrics.LinkFailed(reason)
		log.WarnContext(ctx, "Link failed", "derived_id", req.DerivedID, "reason", reason, "error", err)
		return "", err
	}
	m.metrics.Linked(req.Type)

	log.InfoContext(ctx, "Linked memory records",
		"link_id", linkID,
		"derived_id", req.DerivedID,
		"source_count", len(req.SourceIDs),
		"type", req.Type,
		"confidence", req.Confidence,
	)
	return linkID, nil
}

// RelationshipsFor implements the MMU interface.
func (m *MMUI) RelationshipsFor(ctx context.Context, id string) ([]ltm.RelationshipDetail, error) {
	return m.store.RelationshipsFor(ctx, id)
}

func (m *MMUI) resolve(opts ActiveOptions) (float64, time.Time) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = m.config.ExpiryThreshold
	}
	now := opts.Now
	if now.IsZero() {
		now = m.config.Clock()
	}
	return threshold, now
}

func limit(items []ltm.ActiveMemory, n int) []ltm.ActiveMemory {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// GetActive implements the MMU interface.
func (m *MMUI) GetActive(ctx context.Context, opts ActiveOptions) ([]ltm.ActiveMemory, error) {
	start := time.Now()
	threshold, now := m.resolve(opts)

	active, err := views.ActiveFor(ctx, m.store, threshold, now)
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveView("active", start)
	m.metrics.SetActive(active)
	return limit(active, opts.Limit), nil
}

// GetExpired implements the MMU interface.
func (m *MMUI) GetExpired(ctx context.Context, opts ActiveOptions) ([]ltm.ActiveMemory, error) {
	start := time.Now()
	threshold, now := m.resolve(opts)

	expired, err := views.ExpiredFor(ctx, m.store, threshold, now)
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveView("expired", start)
	return limit(expired, opts.Limit), nil
}

// GetAnalytics implements the MMU interface.
func (m *MMUI) GetAnalytics(ctx context.Context, now time.Time) ([]ltm.CategoryStats, error) {
	start := time.Now()
	if now.IsZero() {
		now = m.config.Clock()
	}

	stats, err := views.AnalyticsFor(ctx, m.store, now)
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveView("analytics", start)
	return stats, nil
}

// NeedsReflection reports whether the record is due for reflection at the MMU clock.
func (m *MMUI) NeedsReflection(record *ltm.MemoryRecord) bool {
	return decay.NeedsReflection(record, m.config.ReflectionIntervalDays, m.config.Clock())
}

// Export implements the MMU interface.
func (m *MMUI) Export(ctx context.Context) ([]portable.Map, error) {
	records, err := m.store.List(ctx, ltm.Query{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list records for export")
	}

	out := make([]portable.Map, 0, len(records))
	for i := range records {
		out = append(out, portable.ToPortable(&records[i]))
	}
	log.DebugContext(ctx, "Exported memory records", "count", len(out))
	return out, nil
}

// Import implements the MMU interface. Rows whose id already exists are
// skipped, so an import can be repeated. It stops at the first invalid row
// and reports how many records were created before it.
func (m *MMUI) Import(ctx context.Context, rows []portable.Map) (int, error) {
	created := 0
	for i, row := range rows {
		record, err := portable.FromPortable(row)
		if err != nil {
			return created, errors.Wrap(err, "row %d", i+1)
		}
		if err := m.store.Create(ctx, record); err != nil {
			if errors.Is(err, errors.ErrRecordExists) {
				log.WarnContext(ctx, "Skipping existing record on import", "record_id", record.ID)
				continue
			}
			return created, errors.Wrap(err, "row %d", i+1)
		}
		m.metrics.RecordCreated(record.Category)
		created++
	}

	log.InfoContext(ctx, "Imported memory records", "rows", len(rows), "created", created)
	return created, nil
}
