package scoring

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/sourcing-cli/internal/extract"
)

// Acquisition is the resolved buy-cost policy.
type Acquisition struct {
	Mode           string          `json:"mode"`
	FixedCost      decimal.Decimal `json:"fixed_cost"`
	PercentOfPrice decimal.Decimal `json:"percent_of_price"`
}

// Cost returns the acquisition cost for snapshot s under the policy. The
// percent mode prices off the same market price ComputeROI uses; with no
// price it yields zero, which scores as zero_cost or no_price.
func (a Acquisition) Cost(s extract.Snapshot) decimal.Decimal {
	if a.Mode == AcquisitionFixed {
		return a.FixedCost
	}
	price, _, ok := marketPrice(s.Prices)
	if !ok {
		return decimal.Zero
	}
	return price.Value.Mul(a.PercentOfPrice).Div(hundred).Round(2)
}

// ResolvedConfig is the flattened configuration for one domain and category.
// It is never mutated after Resolve returns.
type ResolvedConfig struct {
	Domain          string              `json:"domain"`
	Category        string              `json:"category"`
	Fees            Fees                `json:"fees"`
	Benchmarks      Benchmarks          `json:"benchmarks"`
	RankBounds      extract.Bounds      `json:"rank_bounds"`
	FreshnessWindow time.Duration       `json:"freshness_window"`
	Decay           extract.DecayConfig `json:"decay"`
	Rules           []TierRule          `json:"rules"`
	Acquisition     Acquisition         `json:"acquisition"`
}

// VelocityCeiling returns the ceiling for the resolved category.
func (r ResolvedConfig) VelocityCeiling() int {
	return r.Benchmarks.Ceiling(r.Category)
}

// ExtractOptions returns snapshot options consistent with the resolved config.
func (r ResolvedConfig) ExtractOptions(now time.Time) extract.Options {
	return extract.Options{
		Domain:          r.Domain,
		Now:             now,
		FreshnessWindow: r.FreshnessWindow,
		Decay:           r.Decay,
		Bounds:          extract.DefaultBounds().With(r.Category, r.RankBounds),
	}
}

// Resolve flattens cfg for domain and category. Scopes apply in order:
// built-in defaults, global, domain, category, domain category. Each scope
// replaces only the fields it sets; benchmarks merge per key and rule lists
// are replaced whole.
func Resolve(cfg Config, domain, category string) ResolvedConfig {
	scopes := []Scope{DefaultConfig().Global, cfg.Global}
	ds, hasDomain := lookupDomain(cfg.Domains, domain)
	if hasDomain {
		scopes = append(scopes, ds.Scope)
	}
	if s, ok := lookupCategory(cfg.Categories, category); ok {
		scopes = append(scopes, s)
	}
	if hasDomain {
		if s, ok := lookupCategory(ds.Categories, category); ok {
			scopes = append(scopes, s)
		}
	}

	var m Scope
	for _, s := range scopes {
		m = merge(m, s)
	}

	bounds := extract.DefaultBounds().For(category)
	if m.RankRange != nil {
		bounds = *m.RankRange
	}

	return ResolvedConfig{
		Domain:   domain,
		Category: category,
		Fees: Fees{
			ReferralPercent: decimal.NewFromFloat(*m.Fees.ReferralPercent),
			ClosingFee:      decimal.NewFromFloat(*m.Fees.ClosingFee),
			FulfillmentFee:  decimal.NewFromFloat(*m.Fees.FulfillmentFee),
			ShippingCost:    decimal.NewFromFloat(*m.Fees.ShippingCost),
		},
		Benchmarks:      NewBenchmarks(m.Benchmarks),
		RankBounds:      bounds,
		FreshnessWindow: time.Duration(*m.FreshnessWindowHours) * time.Hour,
		Decay: extract.DecayConfig{
			HalfLifeDays: *m.HalfLifeDays,
			Floor:        *m.ConfidenceFloor,
		},
		Rules: append([]TierRule(nil), m.Rules...),
		Acquisition: Acquisition{
			Mode:           *m.Acquisition.Mode,
			FixedCost:      decimal.NewFromFloat(*m.Acquisition.FixedCost),
			PercentOfPrice: decimal.NewFromFloat(*m.Acquisition.PercentOfPrice),
		},
	}
}

// merge overlays over onto base field by field. Neither argument is modified.
func merge(base, over Scope) Scope {
	out := base
	out.Fees.ReferralPercent = pick(base.Fees.ReferralPercent, over.Fees.ReferralPercent)
	out.Fees.ClosingFee = pick(base.Fees.ClosingFee, over.Fees.ClosingFee)
	out.Fees.FulfillmentFee = pick(base.Fees.FulfillmentFee, over.Fees.FulfillmentFee)
	out.Fees.ShippingCost = pick(base.Fees.ShippingCost, over.Fees.ShippingCost)
	out.RankRange = pick(base.RankRange, over.RankRange)
	out.FreshnessWindowHours = pick(base.FreshnessWindowHours, over.FreshnessWindowHours)
	out.HalfLifeDays = pick(base.HalfLifeDays, over.HalfLifeDays)
	out.ConfidenceFloor = pick(base.ConfidenceFloor, over.ConfidenceFloor)
	out.Acquisition.Mode = pick(base.Acquisition.Mode, over.Acquisition.Mode)
	out.Acquisition.FixedCost = pick(base.Acquisition.FixedCost, over.Acquisition.FixedCost)
	out.Acquisition.PercentOfPrice = pick(base.Acquisition.PercentOfPrice, over.Acquisition.PercentOfPrice)

	if len(base.Benchmarks)+len(over.Benchmarks) > 0 {
		out.Benchmarks = make(map[string]int, len(base.Benchmarks)+len(over.Benchmarks))
		for k, v := range base.Benchmarks {
			out.Benchmarks[extract.FoldCategory(k)] = v
		}
		for k, v := range over.Benchmarks {
			out.Benchmarks[extract.FoldCategory(k)] = v
		}
	}
	if over.Rules != nil {
		out.Rules = over.Rules
	}
	return out
}

func pick[T any](base, over *T) *T {
	if over != nil {
		return over
	}
	return base
}

func lookupDomain(m map[string]DomainScope, domain string) (DomainScope, bool) {
	if ds, ok := m[domain]; ok {
		return ds, true
	}
	for k, ds := range m {
		if strings.EqualFold(k, domain) {
			return ds, true
		}
	}
	return DomainScope{}, false
}

func lookupCategory(m map[string]Scope, category string) (Scope, bool) {
	if category == "" {
		return Scope{}, false
	}
	want := extract.FoldCategory(category)
	for k, s := range m {
		if extract.FoldCategory(k) == want {
			return s, true
		}
	}
	return Scope{}, false
}
