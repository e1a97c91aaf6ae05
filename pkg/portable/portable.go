// Package portable converts memory records to and from a flat string map
// that external systems, exports and the legacy single-table layout share.
package portable

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/mem/ltm"
)

// Map is the portable form of a record. Every value is a string.
type Map map[string]string

// Portable keys
const (
	KeyID              = "id"
	KeyContent         = "content"
	KeyCategory        = "category"
	KeyMemoryType      = "memory_type"
	KeyLegacyCategory  = "legacy_category"
	KeyCreatedAt       = "created_at"
	KeyLastAccessed    = "last_accessed"
	KeyAccessCount     = "access_count"
	KeyBaseImportance  = "base_importance"
	KeyImportanceDecay = "importance_decay"
	KeyDecayLambda     = "decay_lambda"
	KeyReflectionCount = "reflection_count"
	KeyLastReflection  = "last_reflection"
	KeySourceMemories  = "source_memories"
	KeyDerivedMemories = "derived_memories"

	// legacy layout keys accepted on input only
	keyLegacyText       = "text"
	keyLegacyImportance = "importance_score"
)

// TimeLayout is used for every timestamp in a portable map.
const TimeLayout = time.RFC3339Nano

// ToPortable flattens a record. memory_type carries the legacy tag the record
// was created with, or the approximate legacy tag of its category.
func ToPortable(r *ltm.MemoryRecord) Map {
	m := Map{
		KeyID:              r.ID,
		KeyContent:         r.Content,
		KeyCategory:        string(r.Category),
		KeyMemoryType:      string(r.Category.LegacyTag()),
		KeyLegacyCategory:  string(r.LegacyCategory),
		KeyCreatedAt:       formatTime(r.CreatedAt),
		KeyLastAccessed:    formatTime(r.LastAccessed),
		KeyAccessCount:     strconv.FormatInt(r.AccessCount, 10),
		KeyBaseImportance:  strconv.Itoa(r.BaseImportance),
		KeyImportanceDecay: formatFloat(r.ImportanceDecay),
		KeyDecayLambda:     formatFloat(r.DecayLambda),
		KeyReflectionCount: strconv.Itoa(r.ReflectionCount),
		KeyLastReflection:  "",
		KeySourceMemories:  formatIDs(r.SourceMemories),
		KeyDerivedMemories: formatIDs(r.DerivedMemories),
	}
	if r.LegacyCategory != "" {
		m[KeyMemoryType] = string(r.LegacyCategory)
	}
	if r.LastReflection != nil {
		m[KeyLastReflection] = formatTime(*r.LastReflection)
	}
	return m
}

// FromPortable rebuilds a record. The category may be canonical or legacy
// and is resolved here; a missing decay_lambda takes the category default.
// Missing counters default to zero, importance_decay to 1 and last_accessed
// to created_at. The id is kept byte for byte.
func FromPortable(m Map) (*ltm.MemoryRecord, error) {
	id := m[KeyID]
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: missing %s", errors.ErrInvalidInput, KeyID)
	}

	tag, err := resolveCategory(m)
	if err != nil {
		return nil, err
	}

	r := &ltm.MemoryRecord{
		ID:              id,
		Content:         first(m, KeyContent, keyLegacyText),
		Category:        tag.Canonical(),
		ImportanceDecay: 1.0,
		DecayLambda:     tag.DefaultDecayLambda(),
	}
	if tag.IsLegacy() {
		r.LegacyCategory = tag
	}

	p := parser{m: m}
	r.CreatedAt = p.time(KeyCreatedAt, true)
	r.LastAccessed = r.CreatedAt
	if v := p.time(KeyLastAccessed, false); !v.IsZero() {
		r.LastAccessed = v
	}
	r.BaseImportance = p.int(first(m, KeyBaseImportance, keyLegacyImportance), KeyBaseImportance, true)
	r.AccessCount = int64(p.int(m[KeyAccessCount], KeyAccessCount, false))
	r.ReflectionCount = p.int(m[KeyReflectionCount], KeyReflectionCount, false)
	if v, ok := p.float(KeyImportanceDecay); ok {
		r.ImportanceDecay = v
	}
	if v, ok := p.float(KeyDecayLambda); ok {
		r.DecayLambda = v
	}
	if v := p.time(KeyLastReflection, false); !v.IsZero() {
		r.LastReflection = &v
	}
	r.SourceMemories = p.ids(KeySourceMemories)
	r.DerivedMemories = p.ids(KeyDerivedMemories)
	if p.err != nil {
		return nil, p.err
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// resolveCategory prefers the category key and falls back to the legacy
// memory_type. legacy_category restores the tag a record was created with.
func resolveCategory(m Map) (ltm.Category, error) {
	raw := first(m, KeyCategory, KeyMemoryType)
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing %s", errors.ErrUnknownCategory, KeyCategory)
	}
	c, err := ltm.ParseCategory(raw)
	if err != nil {
		return "", err
	}
	if c.IsCanonical() && strings.TrimSpace(m[KeyLegacyCategory]) != "" {
		l, err := ltm.ParseCategory(m[KeyLegacyCategory])
		if err != nil {
			return "", err
		}
		if !l.IsLegacy() || l.Canonical() != c {
			return "", fmt.Errorf("%w: legacy tag %q does not map to %q", errors.ErrUnknownCategory, l, c)
		}
		return l, nil
	}
	return c, nil
}

func first(m Map, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func formatIDs(s ltm.IDSet) string {
	data, _ := json.Marshal(s.Sorted())
	return string(data)
}

// parser keeps the first error so FromPortable can decode every field in a row.
type parser struct {
	m   Map
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %v", errors.ErrInvalidInput, key, err)
	}
}

func (p *parser) time(key string, required bool) time.Time {
	v := strings.TrimSpace(p.m[key])
	if v == "" {
		if required {
			p.fail(key, fmt.Errorf("missing"))
		}
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, v)
	if err != nil {
		p.fail(key, err)
		return time.Time{}
	}
	return t.UTC()
}

func (p *parser) int(v, key string, required bool) int {
	v = strings.TrimSpace(v)
	if v == "" {
		if required {
			p.fail(key, fmt.Errorf("missing"))
		}
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// legacy importance scores were sometimes stored as floats
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || f != float64(int(f)) {
			p.fail(key, err)
			return 0
		}
		n = int(f)
	}
	return n
}

func (p *parser) float(key string) (float64, bool) {
	v := strings.TrimSpace(p.m[key])
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return 0, false
	}
	return f, true
}

func (p *parser) ids(key string) ltm.IDSet {
	v := strings.TrimSpace(p.m[key])
	if v == "" {
		return ltm.NewIDSet()
	}
	var ids []string
	if strings.HasPrefix(v, "[") {
		if err := json.Unmarshal([]byte(v), &ids); err != nil {
			p.fail(key, err)
			return ltm.NewIDSet()
		}
	} else {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ltm.NewIDSet(ids...)
}
