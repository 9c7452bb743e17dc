package extract

import (
	"math"
	"time"

	"github.com/tidwall/gjson"
)

// Freshness tier confidences before age decay.
const (
	confFreshHistory    = 0.7
	confFreshLastUpdate = 0.3
)

// DecayConfig controls how confidence fades with the age of the data.
type DecayConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days" mapstructure:"half_life_days" json:"half_life_days"`
	Floor        float64 `yaml:"floor" mapstructure:"floor" json:"floor"`
}

// DefaultDecay halves confidence every 30 days down to a 0.05 floor.
func DefaultDecay() DecayConfig {
	return DecayConfig{HalfLifeDays: 30, Floor: 0.05}
}

// EffectiveConfidence computes the time-decayed confidence of a data point.
// Formula: effective = max(floor, raw * 2^(-ageDays / halfLifeDays))
func EffectiveConfidence(raw float64, asOf, now time.Time, decay DecayConfig) float64 {
	if raw <= 0 {
		return 0
	}
	if asOf.IsZero() {
		return raw
	}

	ageDays := now.Sub(asOf).Hours() / 24
	if ageDays <= 0 {
		return raw
	}

	halfLife := decay.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 30
	}

	decayed := raw * math.Pow(2, -ageDays/halfLife)
	if decayed < decay.Floor {
		return math.Min(decay.Floor, raw)
	}
	return decayed
}

// ExtractFreshness finds when the product data last meaningfully changed:
// the explicit change markers first, then the newest history point, then
// the generic last-update marker. The tier confidence is decayed by age.
func ExtractFreshness(payload []byte, now time.Time, decay DecayConfig) Field[time.Time] {
	doc := parse(payload)
	if !doc.Exists() {
		return missingField[time.Time]()
	}

	var f Field[time.Time]
	if t := latestMarker(doc, "last_price_change", "last_rank_change"); t != nil {
		f = exactField(*t)
	} else if t := newestHistory(doc); t != nil {
		f = fallbackField(*t, TierHistory, confFreshHistory)
	} else if t := latestMarker(doc, "last_update"); t != nil {
		f = fallbackField(*t, TierLastUpdate, confFreshLastUpdate)
	} else {
		return missingField[time.Time]()
	}

	f.Confidence = EffectiveConfidence(f.Confidence, *f.Value, now, decay)
	return f
}

func latestMarker(doc gjson.Result, keys ...string) *time.Time {
	var best *time.Time
	for _, k := range keys {
		if t, ok := timeValue(doc.Get(k)); ok && (best == nil || t.After(*best)) {
			best = &t
		}
	}
	return best
}

// newestHistory returns the newest valid time across every history series.
func newestHistory(doc gjson.Result) *time.Time {
	var best *time.Time
	visit := func(_, series gjson.Result) bool {
		if p, ok := latestPoint(series, false); ok && (best == nil || p.at.After(*best)) {
			at := p.at
			best = &at
		}
		return true
	}
	doc.Get("csv").ForEach(visit)
	doc.Get("sales_ranks").ForEach(visit)
	return best
}
