// Package extract turns raw product-data payloads into normalized fields.
// Every function here is total: missing keys, wrong types, sentinels and
// empty arrays degrade to a Missing field with zero confidence.
package extract

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Fallback tier names.
const (
	TierHistory    = "history"
	TierAvg90      = "avg90"
	TierLastUpdate = "last_update"
)

// Kind says how a field was produced.
type Kind int

const (
	// KindMissing means no tier produced a value.
	KindMissing Kind = iota
	// KindExact means the live field was present.
	KindExact
	// KindFallback means a lower tier produced the value.
	KindFallback
)

// Source is a tagged variant: Exact, Fallback(tier) or Missing.
type Source struct {
	Kind Kind
	Tier string
}

// Exact is the source for values read from the live field.
func Exact() Source { return Source{Kind: KindExact} }

// Fallback is the source for values produced by the named lower tier.
func Fallback(tier string) Source { return Source{Kind: KindFallback, Tier: tier} }

// Missing is the source for absent values.
func Missing() Source { return Source{Kind: KindMissing} }

func (s Source) String() string {
	switch s.Kind {
	case KindExact:
		return "exact"
	case KindFallback:
		return "fallback:" + s.Tier
	default:
		return "missing"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	v := string(b)
	switch {
	case v == "exact":
		*s = Exact()
	case v == "missing" || v == "":
		*s = Missing()
	case strings.HasPrefix(v, "fallback:"):
		*s = Fallback(strings.TrimPrefix(v, "fallback:"))
	default:
		return eris.Errorf("extract: unknown source %q", v)
	}
	return nil
}

// Field is one extracted value with its confidence and provenance.
type Field[T any] struct {
	Value      *T      `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// Present reports whether the field carries a value.
func (f Field[T]) Present() bool { return f.Value != nil }

func exactField[T any](v T) Field[T] {
	return Field[T]{Value: &v, Confidence: 1.0, Source: Exact()}
}

func fallbackField[T any](v T, tier string, conf float64) Field[T] {
	return Field[T]{Value: &v, Confidence: conf, Source: Fallback(tier)}
}

func missingField[T any]() Field[T] {
	return Field[T]{Source: Missing()}
}
