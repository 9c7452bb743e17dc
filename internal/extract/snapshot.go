package extract

import "time"

// Options tune snapshot building. Zero values fall back to defaults.
type Options struct {
	Domain          string
	Now             time.Time
	FreshnessWindow time.Duration
	Decay           DecayConfig
	Bounds          BoundsTable
}

// Snapshot is the normalized view of one product fetch. Each fetch builds a
// new one.
type Snapshot struct {
	Identifier       string           `json:"identifier"`
	Domain           string           `json:"domain"`
	Category         string           `json:"category"`
	Rank             Field[int]       `json:"rank"`
	Prices           Prices           `json:"prices"`
	Freshness        Field[time.Time] `json:"freshness"`
	Quality          float64          `json:"quality"`
	ExtractionSource Source           `json:"extraction_source"`
	FetchedAt        time.Time        `json:"fetched_at"`
}

// Build extracts every field of payload into a Snapshot. The rank confidence
// is scaled by the category quality score.
func Build(identifier string, payload []byte, opts Options) Snapshot {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	decay := opts.Decay
	if decay.HalfLifeDays <= 0 {
		decay = DefaultDecay()
	}

	doc := parse(payload)
	if identifier == "" {
		identifier = doc.Get("identifier").String()
	}
	domain := opts.Domain
	if domain == "" {
		domain = doc.Get("domain").String()
	}
	category := doc.Get("root_category").String()

	rank := ExtractRank(payload, now, opts.FreshnessWindow)
	quality := ValidateQuality(rank.Value, category, opts.Bounds)
	rank.Confidence *= quality

	return Snapshot{
		Identifier:       identifier,
		Domain:           domain,
		Category:         category,
		Rank:             rank,
		Prices:           ExtractPrices(payload),
		Freshness:        ExtractFreshness(payload, now, decay),
		Quality:          quality,
		ExtractionSource: rank.Source,
		FetchedAt:        now,
	}
}
