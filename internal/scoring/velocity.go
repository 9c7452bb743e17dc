package scoring

import (
	"math"

	"github.com/sells-group/sourcing-cli/internal/extract"
)

const fallbackCeiling = 2_000_000

// Benchmarks maps folded category names to the rank at which velocity
// reaches zero.
type Benchmarks map[string]int

// NewBenchmarks folds the keys of m.
func NewBenchmarks(m map[string]int) Benchmarks {
	b := make(Benchmarks, len(m))
	for k, v := range m {
		b[extract.FoldCategory(k)] = v
	}
	return b
}

// DefaultBenchmarks returns the built-in velocity ceilings.
func DefaultBenchmarks() Benchmarks {
	return NewBenchmarks(map[string]int{
		"Books":                 5_000_000,
		"Electronics":           1_500_000,
		"Toys & Games":          1_000_000,
		"Home & Kitchen":        3_000_000,
		extract.DefaultCategory: fallbackCeiling,
	})
}

// Ceiling returns the ceiling for category, then the default entry, then
// the built-in fallback.
func (b Benchmarks) Ceiling(category string) int {
	if c, ok := b[extract.FoldCategory(category)]; ok {
		return c
	}
	if c, ok := b[extract.DefaultCategory]; ok {
		return c
	}
	return fallbackCeiling
}

// ComputeVelocity maps a sales rank to [0,100] on a log scale anchored at the
// category ceiling: rank 1 is 100 and the ceiling or beyond is 0. A missing
// rank is 0.
func ComputeVelocity(rank *int, category string, benchmarks Benchmarks) float64 {
	if rank == nil || *rank <= 0 {
		return 0
	}
	ceiling := benchmarks.Ceiling(category)
	if ceiling <= 1 || *rank >= ceiling {
		return 0
	}

	v := 100 * (1 - math.Log10(float64(*rank))/math.Log10(float64(ceiling)))
	v = math.Max(0, math.Min(100, v))
	return math.Round(v*100) / 100
}
