package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/discovery"
	"github.com/sells-group/sourcing-cli/internal/scoring"
)

func withTestConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	cfg = &config.Config{
		Discovery: config.DiscoveryConfig{
			Domain:          "US",
			PerPage:         50,
			MaxPages:        1,
			MaxItems:        100,
			MaxDurationSecs: 600,
			Concurrency:     4,
			BatchSize:       25,
			MinTier:         "BUY",
		},
	}
	t.Cleanup(func() { cfg = prev })
}

func parseJobFlags(t *testing.T, args ...string) (discovery.Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addJobFlags(fs)
	require.NoError(t, fs.Parse(args))
	return jobConfigFromFlags(fs)
}

func TestJobConfigFromFlags_Defaults(t *testing.T) {
	withTestConfig(t)

	dcfg, err := parseJobFlags(t)
	require.NoError(t, err)
	assert.Equal(t, "US", dcfg.Domain)
	assert.Equal(t, 100, dcfg.MaxItems)
	assert.Equal(t, 10*time.Minute, dcfg.MaxDuration)
	assert.Equal(t, scoring.TierBuy, dcfg.MinTier)
	assert.Nil(t, dcfg.AcquisitionCost)
	assert.Empty(t, dcfg.Selection)
}

func TestJobConfigFromFlags_Overrides(t *testing.T) {
	withTestConfig(t)

	dcfg, err := parseJobFlags(t,
		"--selection", `{"rootCategory": 283155, "current_SALES_lte": 50000}`,
		"--ids", "A1, A2,,A3",
		"--domain", "DE",
		"--max-pages", "3",
		"--max-items", "20",
		"--max-duration", "90s",
		"--concurrency", "2",
		"--min-tier", "strong_buy",
		"--acquisition-cost", "4.50",
	)
	require.NoError(t, err)

	assert.Equal(t, "DE", dcfg.Domain)
	assert.Equal(t, []string{"A1", "A2", "A3"}, dcfg.Identifiers)
	assert.InDelta(t, 283155.0, dcfg.Selection["rootCategory"], 0.1)
	assert.Equal(t, 3, dcfg.MaxPages)
	assert.Equal(t, 20, dcfg.MaxItems)
	assert.Equal(t, 90*time.Second, dcfg.MaxDuration)
	assert.Equal(t, 2, dcfg.Concurrency)
	assert.Equal(t, scoring.TierStrongBuy, dcfg.MinTier)
	require.NotNil(t, dcfg.AcquisitionCost)
	assert.Equal(t, "4.5", dcfg.AcquisitionCost.String())
	// Unchanged flags keep the configured defaults.
	assert.Equal(t, 50, dcfg.PerPage)
}

func TestJobConfigFromFlags_Files(t *testing.T) {
	withTestConfig(t)
	dir := t.TempDir()

	selPath := filepath.Join(dir, "selection.json")
	require.NoError(t, os.WriteFile(selPath, []byte(`{"productType": [0]}`), 0644))
	idsPath := filepath.Join(dir, "ids.txt")
	require.NoError(t, os.WriteFile(idsPath, []byte("# seeds\nB1\n\n  B2  \n"), 0644))

	dcfg, err := parseJobFlags(t, "--selection-file", selPath, "--ids-file", idsPath, "--ids", "B0")
	require.NoError(t, err)
	assert.Contains(t, dcfg.Selection, "productType")
	assert.Equal(t, []string{"B0", "B1", "B2"}, dcfg.Identifiers)
}

func TestJobConfigFromFlags_Errors(t *testing.T) {
	withTestConfig(t)

	_, err := parseJobFlags(t, "--selection", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse selection")

	_, err = parseJobFlags(t, "--acquisition-cost", "cheap")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse acquisition cost")

	_, err = parseJobFlags(t, "--ids-file", filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open ids file")
}

func TestFormatJobs(t *testing.T) {
	var buf bytes.Buffer
	formatJobs(&buf, []discovery.Job{{
		ID:            "0f8fad5b-d9cb-469f-a165-70867728950e",
		Status:        discovery.StatusSuccess,
		StopReason:    discovery.StopBudgetDenied,
		TotalTested:   12,
		TotalSelected: 3,
		TokensUsed:    12,
		CreatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}})

	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "0f8fad5b")
	assert.NotContains(t, out, "d9cb")
	assert.Contains(t, out, "budget_denied")
	assert.Contains(t, out, "2024-03-01 12:00")
}

func TestFormatJobAndResults(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	var buf bytes.Buffer
	formatJob(&buf, &discovery.Job{
		ID:              "job-1",
		Status:          discovery.StatusError,
		StopReason:      discovery.StopTimeout,
		TokensUsed:      4,
		TokensEstimated: 10,
		StartedAt:       &start,
		FinishedAt:      &end,
		Error:           "max duration reached",
	})
	formatResults(&buf, []discovery.ItemResult{
		{Identifier: "A1", Score: &scoring.Result{
			Tier:       scoring.TierStrongBuy,
			ROI:        scoring.ROI{Status: scoring.ROIOK, Percent: 189.84},
			Velocity:   68.97,
			Confidence: 0.9,
		}},
		{Identifier: "A2", Error: "upstream unavailable"},
	})

	out := buf.String()
	assert.Contains(t, out, "4 used / 10 estimated")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "max duration reached")
	assert.Contains(t, out, "STRONG_BUY")
	assert.Contains(t, out, "189.8%")
	assert.Contains(t, out, "upstream unavailable")
}

func TestFormatROI(t *testing.T) {
	assert.Equal(t, "no_price", formatROI(scoring.ROI{Status: scoring.ROINoPrice}))
	assert.Equal(t, "-12.5%", formatROI(scoring.ROI{Status: scoring.ROIOK, Percent: -12.5}))
}
