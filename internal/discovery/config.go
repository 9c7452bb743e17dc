package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/scoring"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultDomain      = "US"
	DefaultPerPage     = 50
	DefaultMaxPages    = 1
	DefaultMaxItems    = 100
	DefaultMaxDuration = 10 * time.Minute
	DefaultConcurrency = 4
	DefaultBatchSize   = 25
	DefaultMinTier     = scoring.TierBuy
)

// Config describes one discovery run. Identifiers come from finder pages
// built from Selection, from the explicit seed list, or both.
type Config struct {
	Domain          string           `json:"domain" mapstructure:"domain"`
	Selection       map[string]any   `json:"selection,omitempty" mapstructure:"selection"`
	Identifiers     []string         `json:"identifiers,omitempty" mapstructure:"identifiers"`
	MaxPages        int              `json:"max_pages" mapstructure:"max_pages"`
	PerPage         int              `json:"per_page" mapstructure:"per_page"`
	MaxItems        int              `json:"max_items" mapstructure:"max_items"`
	MaxDuration     time.Duration    `json:"max_duration" mapstructure:"max_duration"`
	Concurrency     int              `json:"concurrency" mapstructure:"concurrency"`
	BatchSize       int              `json:"batch_size" mapstructure:"batch_size"`
	MinTier         scoring.Tier     `json:"min_tier" mapstructure:"min_tier"`
	AcquisitionCost *decimal.Decimal `json:"acquisition_cost,omitempty" mapstructure:"-"`
}

// WithDefaults returns a copy with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.PerPage <= 0 {
		c.PerPage = DefaultPerPage
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MinTier == "" {
		c.MinTier = DefaultMinTier
	}
	return c
}

// Validate checks a config after defaults have been applied.
func (c Config) Validate() error {
	var errs []error
	if len(c.Selection) == 0 && len(c.Identifiers) == 0 {
		errs = append(errs, errors.New("either selection or identifiers is required"))
	}
	if !c.MinTier.Valid() {
		errs = append(errs, fmt.Errorf("unknown min_tier %q", c.MinTier))
	}
	if c.AcquisitionCost != nil && c.AcquisitionCost.IsNegative() {
		errs = append(errs, errors.New("acquisition_cost must not be negative"))
	}
	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "discovery: invalid config")
	}
	return nil
}

// finderPages is the number of paid finder pages the run may request.
func (c Config) finderPages() int {
	if len(c.Selection) == 0 {
		return 0
	}
	return c.MaxPages
}

// plannedItems is the most identifiers the run can test.
func (c Config) plannedItems() int {
	return min(c.MaxItems, len(c.Identifiers)+c.finderPages()*c.PerPage)
}

// EstimateCost projects the tokens a run would spend at most: every finder
// page plus a lookup per planned item. Retries are not included.
func EstimateCost(cfg Config, registry *cost.Registry) (int, error) {
	cfg = cfg.WithDefaults()
	finder, err := registry.Cost(cost.ActionProductFinder)
	if err != nil {
		return 0, err
	}
	lookup, err := registry.Cost(cost.ActionProductLookup)
	if err != nil {
		return 0, err
	}
	return cfg.finderPages()*finder + cfg.plannedItems()*lookup, nil
}
