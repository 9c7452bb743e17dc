package scoring

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/sourcing-cli/internal/extract"
)

// ROIStatus says whether an ROI percentage is meaningful.
type ROIStatus string

// ROI statuses.
const (
	ROIOK       ROIStatus = "ok"
	ROIZeroCost ROIStatus = "zero_cost"
	ROINoPrice  ROIStatus = "no_price"
)

var hundred = decimal.NewFromInt(100)

// Fees are the resolved selling costs applied to a market price.
type Fees struct {
	ReferralPercent decimal.Decimal `json:"referral_percent"`
	ClosingFee      decimal.Decimal `json:"closing_fee"`
	FulfillmentFee  decimal.Decimal `json:"fulfillment_fee"`
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
}

// PlatformFees returns the marketplace fees charged on a sale at price.
func (f Fees) PlatformFees(price decimal.Decimal) decimal.Decimal {
	return price.Mul(f.ReferralPercent).Div(hundred).Add(f.ClosingFee).Add(f.FulfillmentFee)
}

// ROI is the outcome of ComputeROI. Percent is zero unless Status is ok.
type ROI struct {
	Percent         float64         `json:"percent"`
	NetRevenue      decimal.Decimal `json:"net_revenue"`
	MarketPrice     decimal.Decimal `json:"market_price"`
	PriceSource     string          `json:"price_source,omitempty"`
	PriceConfidence float64         `json:"price_confidence"`
	Status          ROIStatus       `json:"status"`
}

// ComputeROI prices the snapshot at its first present price component
// (primary, alternate, marketplace) and returns the return on acquisitionCost.
func ComputeROI(s extract.Snapshot, acquisitionCost decimal.Decimal, fees Fees) ROI {
	price, source, ok := marketPrice(s.Prices)
	if !ok {
		return ROI{Status: ROINoPrice}
	}

	net := price.Value.Sub(fees.PlatformFees(*price.Value)).Sub(fees.ShippingCost)
	out := ROI{
		NetRevenue:      net.Round(2),
		MarketPrice:     *price.Value,
		PriceSource:     source,
		PriceConfidence: price.Confidence,
		Status:          ROIOK,
	}
	if acquisitionCost.Sign() <= 0 {
		out.Status = ROIZeroCost
		return out
	}

	pct := net.Sub(acquisitionCost).Div(acquisitionCost).Mul(hundred).Round(2)
	out.Percent = pct.InexactFloat64()
	return out
}

func marketPrice(p extract.Prices) (extract.Field[decimal.Decimal], string, bool) {
	switch {
	case p.Primary.Present():
		return p.Primary, "primary", true
	case p.Alternate.Present():
		return p.Alternate, "alternate", true
	case p.Marketplace.Present():
		return p.Marketplace, "marketplace", true
	}
	return extract.Field[decimal.Decimal]{}, "", false
}
