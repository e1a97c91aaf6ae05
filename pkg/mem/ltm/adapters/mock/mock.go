package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
)

type pairKey struct {
	source, derived string
	kind            ltm.RelationshipType
}

// MockStore is an in-memory implementation of the Store interface
// used for testing and development.
type MockStore struct {
	records map[string]ltm.MemoryRecord

	// relationships indexed by row id, plus a (source, derived, type) index
	relationships map[string]ltm.RelationshipRow
	pairs         map[pairKey]string

	mutex sync.RWMutex
}

// NewMockStore creates a new instance of the MockStore.
func NewMockStore() *MockStore {
	store := &MockStore{
		records:       make(map[string]ltm.MemoryRecord),
		relationships: make(map[string]ltm.RelationshipRow),
		pairs:         make(map[pairKey]string),
	}

	log.Debug("Initialized in-memory store adapter")
	return store
}

// Create implements the Store interface.
func (m *MockStore) Create(ctx context.Context, record *ltm.MemoryRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.records[record.ID]; exists {
		return fmt.Errorf("%w: %s", errors.ErrRecordExists, record.ID)
	}
	m.records[record.ID] = record.Clone()

	log.DebugContext(ctx, "Stored memory record", "record_id", record.ID, "category", record.Category)
	return nil
}

// Get implements the Store interface.
func (m *MockStore) Get(ctx context.Context, id string) (*ltm.MemoryRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	c := record.Clone()
	return &c, nil
}

// List implements the Store interface.
func (m *MockStore) List(ctx context.Context, query ltm.Query) ([]ltm.MemoryRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	results := make([]ltm.MemoryRecord, 0, len(m.records))
	for _, record := range m.records {
		if query.Category != "" && record.Category != query.Category {
			continue
		}
		results = append(results, record.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// RecordAccess implements the Store interface.
func (m *MockStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	record.AccessCount++
	if at.After(record.LastAccessed) {
		record.LastAccessed = at
	}
	m.records[id] = record
	return nil
}

// RecordReflection implements the Store interface.
func (m *MockStore) RecordReflection(ctx context.Context, id string, update ltm.ReflectionUpdate) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	record.ReflectionCount++
	at := update.At
	record.LastReflection = &at
	record.ImportanceDecay = update.Apply(record.ImportanceDecay)
	m.records[id] = record
	return nil
}

// Link implements the Store interface. Preconditions are checked before any
// mutation, so a failed link leaves the store untouched.
func (m *MockStore) Link(ctx context.Context, req ltm.LinkRequest, at time.Time) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var missing []string
	for _, id := range req.RecordIDs() {
		if _, ok := m.records[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownRecord, strings.Join(missing, ", "))
	}

	linkID := uuid.New().String()
	derived := m.records[req.DerivedID]
	for _, sourceID := range req.SourceIDs {
		key := pairKey{source: sourceID, derived: req.DerivedID, kind: req.Type}
		row, exists := m.relationships[m.pairs[key]]
		if !exists {
			row = ltm.RelationshipRow{
				ID:        uuid.New().String(),
				SourceID:  sourceID,
				DerivedID: req.DerivedID,
				Type:      req.Type,
				CreatedAt: at,
			}
			m.pairs[key] = row.ID
		}
		row.LinkID = linkID
		row.Confidence = req.Confidence
		row.Metadata = cloneMetadata(req.Metadata)
		m.relationships[row.ID] = row

		source := m.records[sourceID]
		source.DerivedMemories.Add(req.DerivedID)
		m.records[sourceID] = source
		derived.SourceMemories.Add(sourceID)
	}
	m.records[req.DerivedID] = derived

	log.DebugContext(ctx, "Linked memory records", "link_id", linkID, "derived_id", req.DerivedID, "sources", len(req.SourceIDs))
	return linkID, nil
}

// RelationshipsFor implements the Store interface.
func (m *MockStore) RelationshipsFor(ctx context.Context, id string) ([]ltm.RelationshipDetail, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if _, ok := m.records[id]; !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}

	links := make(map[string]bool)
	for _, row := range m.relationships {
		if row.SourceID == id || row.DerivedID == id {
			links[row.LinkID] = true
		}
	}
	var rows []ltm.RelationshipRow
	for _, row := range m.relationships {
		if links[row.LinkID] {
			row.Metadata = cloneMetadata(row.Metadata)
			rows = append(rows, row)
		}
	}
	return ltm.GroupRelationships(rows, id), nil
}

// Close implements the Store interface.
func (m *MockStore) Close() error {
	return nil
}

func cloneMetadata(md map[string]any) map[string]any {
	c := make(map[string]any, len(md))
	for k, v := range md {
		c[k] = v
	}
	return c
}
