package ltm

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
)

// RelationshipType labels how a derived record was produced from its sources.
type RelationshipType string

// Relationship types
const (
	RelationshipReflection    RelationshipType = "reflection"
	RelationshipSummary       RelationshipType = "summary"
	RelationshipConsolidation RelationshipType = "consolidation"
	RelationshipDistillation  RelationshipType = "distillation"
)

// DefaultRelationshipType is used when a link request does not name one.
const DefaultRelationshipType = RelationshipReflection

// LinkRequest asks for derived to be recorded as distilled from sources.
type LinkRequest struct {
	SourceIDs  []string
	DerivedID  string
	Type       RelationshipType
	Confidence float64
	Metadata   map[string]any
}

// Normalize validates the request in place: duplicate sources are dropped
// (keeping first occurrence order), the type defaults to reflection and
// metadata to an empty map.
func (r *LinkRequest) Normalize() error {
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: %v outside [0, 1]", errors.ErrInvalidConfidence, r.Confidence)
	}
	if strings.TrimSpace(r.DerivedID) == "" {
		return fmt.Errorf("%w: derived id is required", errors.ErrInvalidLink)
	}

	seen := NewIDSet()
	sources := make([]string, 0, len(r.SourceIDs))
	for _, id := range r.SourceIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty source id", errors.ErrInvalidLink)
		}
		if id == r.DerivedID {
			return fmt.Errorf("%w: record %s cannot be derived from itself", errors.ErrInvalidLink, id)
		}
		if seen.Add(id) {
			sources = append(sources, id)
		}
	}
	if len(sources) == 0 {
		return fmt.Errorf("%w: at least one source is required", errors.ErrInvalidLink)
	}
	r.SourceIDs = sources

	r.Type = RelationshipType(strings.ToLower(strings.TrimSpace(string(r.Type))))
	if r.Type == "" {
		r.Type = DefaultRelationshipType
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return nil
}

// RecordIDs returns the sources followed by the derived id.
func (r LinkRequest) RecordIDs() []string {
	ids := make([]string, 0, len(r.SourceIDs)+1)
	ids = append(ids, r.SourceIDs...)
	return append(ids, r.DerivedID)
}

// RelationshipRow is one stored (source, derived, type) edge. Rows written by
// the same link call share a LinkID.
type RelationshipRow struct {
	ID         string
	LinkID     string
	SourceID   string
	DerivedID  string
	Type       RelationshipType
	Confidence float64
	Metadata   map[string]any
	CreatedAt  time.Time
}

// RelationshipDetail describes one link: every source it joined to the derived record.
type RelationshipDetail struct {
	// ID is the link id returned by Link
	ID         string           `json:"id"`
	SourceIDs  []string         `json:"source_ids"`
	DerivedID  string           `json:"derived_id"`
	Type       RelationshipType `json:"type"`
	Confidence float64          `json:"confidence"`
	Metadata   map[string]any   `json:"metadata"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Involves reports whether the record is an endpoint of the link.
func (d RelationshipDetail) Involves(id string) bool {
	if d.DerivedID == id {
		return true
	}
	for _, s := range d.SourceIDs {
		if s == id {
			return true
		}
	}
	return false
}

// GroupRelationships folds rows into one detail per link id, keeping only
// links that involve recordID. Details are ordered by creation time, then id.
func GroupRelationships(rows []RelationshipRow, recordID string) []RelationshipDetail {
	byLink := make(map[string]*RelationshipDetail)
	var order []string
	for _, row := range rows {
		d, ok := byLink[row.LinkID]
		if !ok {
			d = &RelationshipDetail{
				ID:         row.LinkID,
				DerivedID:  row.DerivedID,
				Type:       row.Type,
				Confidence: row.Confidence,
				Metadata:   row.Metadata,
				CreatedAt:  row.CreatedAt,
			}
			byLink[row.LinkID] = d
			order = append(order, row.LinkID)
		}
		d.SourceIDs = append(d.SourceIDs, row.SourceID)
		if row.CreatedAt.Before(d.CreatedAt) {
			d.CreatedAt = row.CreatedAt
		}
	}

	details := make([]RelationshipDetail, 0, len(order))
	for _, linkID := range order {
		d := byLink[linkID]
		if !d.Involves(recordID) {
			continue
		}
		sort.Strings(d.SourceIDs)
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		details = append(details, *d)
	}
	sort.SliceStable(details, func(i, j int) bool {
		if !details[i].CreatedAt.Equal(details[j].CreatedAt) {
			return details[i].CreatedAt.Before(details[j].CreatedAt)
		}
		return details[i].ID < details[j].ID
	})
	return details
}
