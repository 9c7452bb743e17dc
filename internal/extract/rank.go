package extract

import (
	"time"

	"github.com/tidwall/gjson"
)

// Rank tier confidences.
const (
	confRankHistory = 0.75
	confRankAvg90   = 0.4
)

// DefaultFreshnessWindow bounds how old a history point may be before the
// rank falls through to the rolling average.
const DefaultFreshnessWindow = 7 * 24 * time.Hour

// ExtractRank reads the sales rank, trying the live value, then the newest
// history point inside window, then the 90-day average.
func ExtractRank(payload []byte, now time.Time, window time.Duration) Field[int] {
	doc := parse(payload)
	if !doc.Exists() {
		return missingField[int]()
	}
	if window <= 0 {
		window = DefaultFreshnessWindow
	}

	if v, ok := intValue(doc.Get("stats.current.sales_rank")); ok {
		return exactField(int(v))
	}

	if p, ok := latestPoint(rankSeries(doc), true); ok && now.Sub(p.at) <= window {
		return fallbackField(int(p.value), TierHistory, confRankHistory)
	}

	if v, ok := intValue(doc.Get("stats.avg90.sales_rank")); ok {
		return fallbackField(int(v), TierAvg90, confRankAvg90)
	}

	return missingField[int]()
}

// rankSeries returns the category-keyed rank history for the payload's root
// category, or the generic sales rank series when there is none.
func rankSeries(doc gjson.Result) gjson.Result {
	category := doc.Get("root_category").String()
	if category != "" {
		var series gjson.Result
		want := FoldCategory(category)
		doc.Get("sales_ranks").ForEach(func(k, v gjson.Result) bool {
			if FoldCategory(k.String()) == want {
				series = v
				return false
			}
			return true
		})
		if series.IsArray() {
			return series
		}
	}
	return doc.Get("csv.sales_rank")
}

// Category returns the payload's root category, or "" when absent.
func Category(payload []byte) string {
	return parse(payload).Get("root_category").String()
}

// Identifier returns the payload's product identifier, or "" when absent.
func Identifier(payload []byte) string {
	return parse(payload).Get("identifier").String()
}
