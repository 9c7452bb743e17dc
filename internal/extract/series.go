package extract

import (
	"math"
	"time"

	"github.com/tidwall/gjson"
)

// Sentinel is the upstream "no data" value for both values and times.
const Sentinel = -1

// Epoch is the upstream time origin. Times are minutes since Epoch.
var Epoch = time.Date(2011, time.January, 1, 0, 0, 0, 0, time.UTC)

// maxMinutes keeps the conversion clear of time.Duration overflow.
const maxMinutes = 50_000_000

// FromMinutes converts an upstream minute timestamp. Negative values are sentinels.
func FromMinutes(m int64) (time.Time, bool) {
	if m < 0 || m > maxMinutes {
		return time.Time{}, false
	}
	return Epoch.Add(time.Duration(m) * time.Minute), true
}

// ToMinutes is the inverse of FromMinutes.
func ToMinutes(t time.Time) int64 {
	return int64(t.Sub(Epoch) / time.Minute)
}

func parse(payload []byte) gjson.Result {
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}
	}
	return gjson.ParseBytes(payload)
}

// intValue returns a positive integral number. Sentinels, zero, fractions
// and non-numbers are rejected.
func intValue(r gjson.Result) (int64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	if r.Num != math.Trunc(r.Num) || r.Num <= 0 || r.Num > 1<<53 {
		return 0, false
	}
	return int64(r.Num), true
}

func timeValue(r gjson.Result) (time.Time, bool) {
	m, ok := intValue(r)
	if !ok {
		return time.Time{}, false
	}
	return FromMinutes(m)
}

type point struct {
	at    time.Time
	value int64
}

// latestPoint scans a flat [t0, v0, t1, v1, ...] series for the newest point
// whose time is valid. When needValue is set the value must also be valid.
func latestPoint(series gjson.Result, needValue bool) (point, bool) {
	if !series.IsArray() {
		return point{}, false
	}
	arr := series.Array()

	var best point
	found := false
	for i := 0; i+1 < len(arr); i += 2 {
		at, ok := timeValue(arr[i])
		if !ok {
			continue
		}
		v, vok := intValue(arr[i+1])
		if needValue && !vok {
			continue
		}
		if !found || at.After(best.at) {
			best = point{at: at, value: v}
			found = true
		}
	}
	return best, found
}
