package extract

import (
	"strings"

	"golang.org/x/text/cases"
)

// Quality scores returned by ValidateQuality.
const (
	QualityInRange    = 1.0
	QualityOutOfRange = 0.2
)

// DefaultCategory is the bounds table key used for unknown categories.
const DefaultCategory = "default"

var folder = cases.Fold()

// FoldCategory normalizes a category name for case-insensitive matching.
func FoldCategory(name string) string {
	return folder.String(strings.TrimSpace(name))
}

// Bounds is the plausible sales rank range for a category.
type Bounds struct {
	Min int `yaml:"min" mapstructure:"min" json:"min"`
	Max int `yaml:"max" mapstructure:"max" json:"max"`
}

// Contains reports whether rank lies within the bounds.
func (b Bounds) Contains(rank int) bool {
	return rank >= b.Min && rank <= b.Max
}

// BoundsTable maps folded category names to rank bounds.
type BoundsTable map[string]Bounds

// NewBoundsTable folds the keys of m.
func NewBoundsTable(m map[string]Bounds) BoundsTable {
	t := make(BoundsTable, len(m))
	for k, v := range m {
		t[FoldCategory(k)] = v
	}
	return t
}

// DefaultBounds returns the built-in per-category rank ranges.
func DefaultBounds() BoundsTable {
	return NewBoundsTable(map[string]Bounds{
		"Books":          {Min: 1, Max: 5_000_000},
		"Electronics":    {Min: 1, Max: 1_500_000},
		"Toys & Games":   {Min: 1, Max: 1_000_000},
		"Home & Kitchen": {Min: 1, Max: 3_000_000},
		DefaultCategory:  {Min: 1, Max: 2_000_000},
	})
}

// For returns the bounds for category, falling back to the default entry
// and then to the built-in default range.
func (t BoundsTable) For(category string) Bounds {
	if b, ok := t[FoldCategory(category)]; ok {
		return b
	}
	if b, ok := t[DefaultCategory]; ok {
		return b
	}
	return Bounds{Min: 1, Max: 2_000_000}
}

// With returns a copy of t with category set to b.
func (t BoundsTable) With(category string, b Bounds) BoundsTable {
	out := make(BoundsTable, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[FoldCategory(category)] = b
	return out
}

// ValidateQuality scores how plausible rank is for category. Out-of-range
// ranks are flagged with low confidence, not discarded.
func ValidateQuality(rank *int, category string, table BoundsTable) float64 {
	if rank == nil || *rank <= 0 {
		return 0
	}
	if table == nil {
		table = DefaultBounds()
	}
	if table.For(category).Contains(*rank) {
		return QualityInRange
	}
	return QualityOutOfRange
}
