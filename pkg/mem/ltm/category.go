package ltm

import (
	"fmt"
	"strings"

	"github.com/lexlapax/engram/pkg/errors"
)

// Category is a memory category tag. Only the three canonical categories are
// ever stored; legacy tags are accepted on input and resolved immediately.
type Category string

// Canonical categories
const (
	CategoryEpisodic   Category = "episodic"
	CategorySemantic   Category = "semantic"
	CategoryProcedural Category = "procedural"
)

// Legacy tags from the single-table memory layout
const (
	LegacyGeneral      Category = "general"
	LegacyFact         Category = "fact"
	LegacyPreference   Category = "preference"
	LegacyContext      Category = "context"
	LegacyConversation Category = "conversation"
	LegacyInsight      Category = "insight"
)

// Default per-day decay rates
const (
	EpisodicDecayLambda   = 0.12
	SemanticDecayLambda   = 0.04
	ProceduralDecayLambda = 0.02
)

var legacyAliases = map[Category]Category{
	LegacyGeneral:      CategorySemantic,
	LegacyFact:         CategorySemantic,
	LegacyPreference:   CategorySemantic,
	LegacyInsight:      CategorySemantic,
	LegacyContext:      CategoryEpisodic,
	LegacyConversation: CategoryEpisodic,
}

// Categories returns the canonical categories in a stable order.
func Categories() []Category {
	return []Category{CategoryEpisodic, CategorySemantic, CategoryProcedural}
}

// ParseCategory accepts any of the nine known tags, case-insensitively.
// The returned value is the tag itself, not its canonical form.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.IsCanonical() || c.IsLegacy() {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", errors.ErrUnknownCategory, s)
}

// IsCanonical reports whether c is episodic, semantic or procedural.
func (c Category) IsCanonical() bool {
	switch c {
	case CategoryEpisodic, CategorySemantic, CategoryProcedural:
		return true
	}
	return false
}

// IsLegacy reports whether c is one of the legacy aliases.
func (c Category) IsLegacy() bool {
	_, ok := legacyAliases[c]
	return ok
}

// Canonical resolves c to its canonical category. Unknown tags resolve to "".
func (c Category) Canonical() Category {
	if c.IsCanonical() {
		return c
	}
	return legacyAliases[c]
}

// LegacyTag is the approximate legacy tag used when exporting to systems
// that only understand the old layout.
func (c Category) LegacyTag() Category {
	if c.IsLegacy() {
		return c
	}
	switch c {
	case CategoryEpisodic:
		return LegacyConversation
	case CategorySemantic:
		return LegacyFact
	case CategoryProcedural:
		return LegacyGeneral
	}
	return ""
}

// DefaultDecayLambda returns the default per-day decay rate of the category.
// Episodic memories fade fastest and procedural ones slowest.
func (c Category) DefaultDecayLambda() float64 {
	switch c.Canonical() {
	case CategoryEpisodic:
		return EpisodicDecayLambda
	case CategoryProcedural:
		return ProceduralDecayLambda
	default:
		return SemanticDecayLambda
	}
}

func (c Category) String() string {
	return string(c)
}
