package scoring

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/sells-group/sourcing-cli/internal/extract"
)

// Result is the derived judgment for one snapshot. It is recomputed on
// demand and never stored as the source of truth.
type Result struct {
	ROI         ROI     `json:"roi"`
	Velocity    float64 `json:"velocity_score"`
	Confidence  float64 `json:"confidence"`
	Tier        Tier    `json:"recommendation_tier"`
	MatchedRule int     `json:"matched_rule"`
}

// Score combines ROI, velocity and confidence into a recommendation.
// Confidence is the weakest of the rank, chosen price and freshness
// confidences. Items without a usable ROI are always SKIP.
func Score(s extract.Snapshot, acquisitionCost decimal.Decimal, cfg ResolvedConfig) Result {
	roi := ComputeROI(s, acquisitionCost, cfg.Fees)
	velocity := ComputeVelocity(s.Rank.Value, categoryOf(s, cfg), cfg.Benchmarks)
	confidence := math.Min(s.Rank.Confidence, math.Min(roi.PriceConfidence, s.Freshness.Confidence))

	res := Result{
		ROI:         roi,
		Velocity:    velocity,
		Confidence:  math.Round(confidence*1000) / 1000,
		Tier:        TierSkip,
		MatchedRule: NoRule,
	}
	if roi.Status != ROIOK {
		return res
	}
	res.Tier, res.MatchedRule = Classify(roi.Percent, velocity, res.Confidence, cfg.Rules)
	return res
}

func categoryOf(s extract.Snapshot, cfg ResolvedConfig) string {
	if s.Category != "" {
		return s.Category
	}
	return cfg.Category
}
