package extract

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const confPriceAvg90 = 0.5

// Prices holds the three independently nullable price components in
// currency units.
type Prices struct {
	Primary     Field[decimal.Decimal] `json:"primary"`
	Alternate   Field[decimal.Decimal] `json:"alternate"`
	Marketplace Field[decimal.Decimal] `json:"marketplace"`
}

// ExtractPrices reads the buy box, lowest new and lowest used prices.
// Upstream sends integer cents; this is the only place they become currency.
func ExtractPrices(payload []byte) Prices {
	doc := parse(payload)
	return Prices{
		Primary:     priceField(doc, "buy_box"),
		Alternate:   priceField(doc, "new"),
		Marketplace: priceField(doc, "used"),
	}
}

func priceField(doc gjson.Result, key string) Field[decimal.Decimal] {
	if !doc.Exists() {
		return missingField[decimal.Decimal]()
	}
	if cents, ok := intValue(doc.Get("stats.current." + key)); ok {
		return exactField(fromCents(cents))
	}
	if cents, ok := intValue(doc.Get("stats.avg90." + key)); ok {
		return fallbackField(fromCents(cents), TierAvg90, confPriceAvg90)
	}
	return missingField[decimal.Decimal]()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
