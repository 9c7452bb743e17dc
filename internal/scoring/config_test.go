package scoring

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/extract"
)

const layeredYAML = `
global:
  fees:
    referral_percent: 15
    closing_fee: 1.80
  benchmarks:
    Books: 4000000
  rules:
    - {tier: STRONG_BUY, min_roi: 50, min_velocity: 60}
    - {tier: BUY, min_roi: 30, min_velocity: 40}
categories:
  Books:
    fees:
      closing_fee: 2.50
domains:
  UK:
    fees:
      referral_percent: 12
    benchmarks:
      Electronics: 900000
    categories:
      books:
        freshness_window_hours: 48
        rules:
          - {tier: BUY, min_roi: 20, min_velocity: 10}
`

func TestParseConfig_Layered(t *testing.T) {
	cfg, err := ParseConfig([]byte(layeredYAML))
	require.NoError(t, err)

	t.Run("global only", func(t *testing.T) {
		r := Resolve(*cfg, "US", "Electronics")
		assert.Equal(t, "15", r.Fees.ReferralPercent.String())
		assert.Equal(t, "1.8", r.Fees.ClosingFee.String())
		assert.Equal(t, "3.22", r.Fees.FulfillmentFee.String(), "unset fields fall back to built-in defaults")
		assert.Equal(t, 1_500_000, r.VelocityCeiling())
		assert.Len(t, r.Rules, 2)
		assert.Equal(t, 7*24*time.Hour, r.FreshnessWindow)
	})

	t.Run("domain and category merge per field", func(t *testing.T) {
		r := Resolve(*cfg, "uk", "BOOKS")
		assert.Equal(t, "12", r.Fees.ReferralPercent.String(), "domain overrides global")
		assert.Equal(t, "2.5", r.Fees.ClosingFee.String(), "category overrides global for the field it sets")
		assert.Equal(t, 48*time.Hour, r.FreshnessWindow)
		assert.Equal(t, 4_000_000, r.VelocityCeiling())
		assert.Equal(t, 900_000, r.Benchmarks.Ceiling("electronics"), "benchmarks merge per key")
		require.Len(t, r.Rules, 1, "rule lists replace wholesale")
		assert.Equal(t, TierBuy, r.Rules[0].Tier)
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, Resolve(*cfg, "UK", "Books"), Resolve(*cfg, "UK", "Books"))
	})
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	cfg, err := ParseConfig([]byte(layeredYAML))
	require.NoError(t, err)

	r := Resolve(*cfg, "UK", "Books")
	r.Rules[0].MinROI = 999
	r.Benchmarks["books"] = 1

	again := Resolve(*cfg, "UK", "Books")
	assert.InDelta(t, 20.0, again.Rules[0].MinROI, 1e-9)
	assert.Equal(t, 4_000_000, again.VelocityCeiling())
}

func TestResolve_Defaults(t *testing.T) {
	r := Resolve(Config{}, "", "")
	assert.Equal(t, DefaultRules(), r.Rules)
	assert.Equal(t, extract.Bounds{Min: 1, Max: 2_000_000}, r.RankBounds)
	assert.Equal(t, AcquisitionPercent, r.Acquisition.Mode)
	assert.InDelta(t, 30.0, r.Decay.HalfLifeDays, 1e-9)
}

func TestResolve_RankRangeOverride(t *testing.T) {
	cfg := Config{Categories: map[string]Scope{
		"Books": {RankRange: &extract.Bounds{Min: 1, Max: 1000}},
	}}
	r := Resolve(cfg, "US", "books")
	assert.Equal(t, 1000, r.RankBounds.Max)

	opts := r.ExtractOptions(time.Now())
	assert.Equal(t, 1000, opts.Bounds.For("Books").Max)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown key", "global:\n  bogus: 1\n", "parse config"},
		{"bad referral", "global:\n  fees:\n    referral_percent: 120\n", "referral_percent must be between 0 and 100"},
		{"bad tier", "global:\n  rules:\n    - {tier: MAYBE, min_roi: 1, min_velocity: 1}\n", `unknown tier "MAYBE"`},
		{"bad ceiling", "domains:\n  US:\n    benchmarks:\n      Books: 1\n", "domains.US"},
		{"bad range", "categories:\n  Books:\n    rank_range: {min: 10, max: 5}\n", "rank_range"},
		{"bad mode", "global:\n  acquisition:\n    mode: free\n", "acquisition.mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoring.yaml")
	require.NoError(t, os.WriteFile(path, []byte(layeredYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Contains(t, cfg.Domains, "UK")

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg, err = LoadConfig(empty)
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), Resolve(*cfg, "US", "Books").Rules)
}

func TestDefaultConfig_Valid(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}
