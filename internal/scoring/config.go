package scoring

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sourcing-cli/internal/extract"
)

// Acquisition modes.
const (
	AcquisitionFixed   = "fixed"
	AcquisitionPercent = "percent_of_price"
)

// FeeOverrides are the optional fee fields of a scope.
type FeeOverrides struct {
	ReferralPercent *float64 `yaml:"referral_percent,omitempty" json:"referral_percent,omitempty"`
	ClosingFee      *float64 `yaml:"closing_fee,omitempty" json:"closing_fee,omitempty"`
	FulfillmentFee  *float64 `yaml:"fulfillment_fee,omitempty" json:"fulfillment_fee,omitempty"`
	ShippingCost    *float64 `yaml:"shipping_cost,omitempty" json:"shipping_cost,omitempty"`
}

// AcquisitionOverrides describe how the buy cost of an item is derived when
// the caller does not supply one.
type AcquisitionOverrides struct {
	Mode           *string  `yaml:"mode,omitempty" json:"mode,omitempty"`
	FixedCost      *float64 `yaml:"fixed_cost,omitempty" json:"fixed_cost,omitempty"`
	PercentOfPrice *float64 `yaml:"percent_of_price,omitempty" json:"percent_of_price,omitempty"`
}

// Scope is one level of the scoring configuration. Nil fields inherit from
// the enclosing scope.
type Scope struct {
	Fees                 FeeOverrides         `yaml:"fees,omitempty" json:"fees,omitzero"`
	Benchmarks           map[string]int       `yaml:"benchmarks,omitempty" json:"benchmarks,omitempty"`
	RankRange            *extract.Bounds      `yaml:"rank_range,omitempty" json:"rank_range,omitempty"`
	FreshnessWindowHours *int                 `yaml:"freshness_window_hours,omitempty" json:"freshness_window_hours,omitempty"`
	HalfLifeDays         *float64             `yaml:"half_life_days,omitempty" json:"half_life_days,omitempty"`
	ConfidenceFloor      *float64             `yaml:"confidence_floor,omitempty" json:"confidence_floor,omitempty"`
	Rules                []TierRule           `yaml:"rules,omitempty" json:"rules,omitempty"`
	Acquisition          AcquisitionOverrides `yaml:"acquisition,omitempty" json:"acquisition,omitzero"`
}

// DomainScope is a marketplace domain override with its own category overrides.
type DomainScope struct {
	Scope      `yaml:",inline"`
	Categories map[string]Scope `yaml:"categories,omitempty" json:"categories,omitempty"`
}

// Config is the scoring.yaml document.
type Config struct {
	Global     Scope                  `yaml:"global" json:"global"`
	Categories map[string]Scope       `yaml:"categories,omitempty" json:"categories,omitempty"`
	Domains    map[string]DomainScope `yaml:"domains,omitempty" json:"domains,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// DefaultConfig returns the built-in global scope.
func DefaultConfig() Config {
	bench := make(map[string]int)
	for k, v := range DefaultBenchmarks() {
		bench[k] = v
	}
	return Config{
		Global: Scope{
			Fees: FeeOverrides{
				ReferralPercent: ptr(15.0),
				ClosingFee:      ptr(1.80),
				FulfillmentFee:  ptr(3.22),
				ShippingCost:    ptr(0.0),
			},
			Benchmarks:           bench,
			FreshnessWindowHours: ptr(7 * 24),
			HalfLifeDays:         ptr(30.0),
			ConfidenceFloor:      ptr(0.05),
			Rules:                DefaultRules(),
			Acquisition: AcquisitionOverrides{
				Mode:           ptr(AcquisitionPercent),
				FixedCost:      ptr(0.0),
				PercentOfPrice: ptr(25.0),
			},
		},
	}
}

// LoadConfig reads a scoring.yaml file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scoring: read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a scoring document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, eris.Wrap(err, "scoring: parse config")
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every scope for out-of-range values.
func Validate(c Config) error {
	var errs []string
	check := func(name string, s Scope) {
		errs = append(errs, validateScope(name, s)...)
	}

	check("global", c.Global)
	for k, s := range c.Categories {
		check("categories."+k, s)
	}
	for d, ds := range c.Domains {
		check("domains."+d, ds.Scope)
		for k, s := range ds.Categories {
			check("domains."+d+".categories."+k, s)
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scoring: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateScope(name string, s Scope) []string {
	var errs []string
	bad := func(format string, args ...any) {
		errs = append(errs, name+": "+fmt.Sprintf(format, args...))
	}

	if v := s.Fees.ReferralPercent; v != nil && (*v < 0 || *v > 100) {
		bad("referral_percent must be between 0 and 100")
	}
	for field, v := range map[string]*float64{
		"closing_fee":     s.Fees.ClosingFee,
		"fulfillment_fee": s.Fees.FulfillmentFee,
		"shipping_cost":   s.Fees.ShippingCost,
	} {
		if v != nil && *v < 0 {
			bad("%s must be >= 0", field)
		}
	}
	for cat, ceiling := range s.Benchmarks {
		if ceiling <= 1 {
			bad("benchmark %q must be > 1", cat)
		}
	}
	if r := s.RankRange; r != nil && (r.Min < 1 || r.Max < r.Min) {
		bad("rank_range must satisfy 1 <= min <= max")
	}
	if v := s.FreshnessWindowHours; v != nil && *v <= 0 {
		bad("freshness_window_hours must be > 0")
	}
	if v := s.HalfLifeDays; v != nil && *v <= 0 {
		bad("half_life_days must be > 0")
	}
	if v := s.ConfidenceFloor; v != nil && (*v < 0 || *v > 1) {
		bad("confidence_floor must be between 0 and 1")
	}
	for i, r := range s.Rules {
		if !r.Tier.Valid() {
			bad("rules[%d]: unknown tier %q", i, r.Tier)
		}
		if r.MinConfidence != nil && (*r.MinConfidence < 0 || *r.MinConfidence > 1) {
			bad("rules[%d]: min_confidence must be between 0 and 1", i)
		}
	}
	if m := s.Acquisition.Mode; m != nil && *m != AcquisitionFixed && *m != AcquisitionPercent {
		bad("acquisition.mode must be %q or %q", AcquisitionFixed, AcquisitionPercent)
	}
	if v := s.Acquisition.FixedCost; v != nil && *v < 0 {
		bad("acquisition.fixed_cost must be >= 0")
	}
	if v := s.Acquisition.PercentOfPrice; v != nil && (*v < 0 || *v > 100) {
		bad("acquisition.percent_of_price must be between 0 and 100")
	}
	return errs
}
