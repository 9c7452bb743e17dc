// Package scoring turns extracted product snapshots into ROI, velocity and a
// recommendation tier. Everything here is pure and deterministic.
package scoring

// Tier is a recommendation tier.
type Tier string

// Recommendation tiers, most attractive first.
const (
	TierStrongBuy Tier = "STRONG_BUY"
	TierBuy       Tier = "BUY"
	TierConsider  Tier = "CONSIDER"
	TierSkip      Tier = "SKIP"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierStrongBuy, TierBuy, TierConsider, TierSkip:
		return true
	}
	return false
}

// NoRule is the matched rule index for the catch-all tier.
const NoRule = -1

// TierRule assigns Tier when every threshold is met.
type TierRule struct {
	Tier          Tier     `yaml:"tier" json:"tier"`
	MinROI        float64  `yaml:"min_roi" json:"min_roi"`
	MinVelocity   float64  `yaml:"min_velocity" json:"min_velocity"`
	MinConfidence *float64 `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
}

func (r TierRule) matches(roi, velocity, confidence float64) bool {
	if roi < r.MinROI || velocity < r.MinVelocity {
		return false
	}
	return r.MinConfidence == nil || confidence >= *r.MinConfidence
}

// DefaultRules returns the built-in rules in priority order.
func DefaultRules() []TierRule {
	return []TierRule{
		{Tier: TierStrongBuy, MinROI: 50, MinVelocity: 60},
		{Tier: TierBuy, MinROI: 30, MinVelocity: 40},
		{Tier: TierConsider, MinROI: 15, MinVelocity: 20},
	}
}

// Classify returns the tier of the first rule whose thresholds are all met,
// with its index. An empty or exhausted list yields SKIP and NoRule.
func Classify(roi, velocity, confidence float64, rules []TierRule) (Tier, int) {
	for i, r := range rules {
		if r.matches(roi, velocity, confidence) {
			return r.Tier, i
		}
	}
	return TierSkip, NoRule
}

func (t Tier) rank() int {
	switch t {
	case TierStrongBuy:
		return 3
	case TierBuy:
		return 2
	case TierConsider:
		return 1
	}
	return 0
}

// AtLeast reports whether t is as attractive as min or more.
func (t Tier) AtLeast(min Tier) bool {
	return t.rank() >= min.rank()
}
