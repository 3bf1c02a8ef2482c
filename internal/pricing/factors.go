package pricing

import (
	"github.com/shopspring/decimal"
)

// Factor weights of the composite score
const (
	WeightDemandSupply = 0.40
	WeightROI          = 0.25
	WeightSentiment    = 0.15
	WeightLiquidity    = 0.10
	WeightMarketIndex  = 0.10
)

var (
	hundred = decimal.NewFromInt(100)
	fifty   = decimal.NewFromInt(50)

	liquidityHigh = decimal.RequireFromString("0.05")
	liquidityMid  = decimal.RequireFromString("0.01")
	liquidityLow  = decimal.RequireFromString("0.001")
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DemandSupplyScore compares open buy and sell notional. An empty book scores
// 0; a one-sided book scores +100 (bids only) or -100 (asks only).
func DemandSupplyScore(buyVolume, sellVolume decimal.Decimal) float64 {
	total := buyVolume.Add(sellVolume)
	if !total.IsPositive() {
		return 0
	}
	return buyVolume.Sub(sellVolume).Div(total).Mul(hundred).InexactFloat64()
}

// DemandIndex maps a demand/supply score onto 0..100
func DemandIndex(demandSupply float64) float64 {
	return 50 + demandSupply/2
}

// ROIScore measures realized against expected return
func ROIScore(actual, expected float64) float64 {
	if expected == 0 {
		return 0
	}
	return clamp((actual/expected-1)*100, -100, 100)
}

// SentimentScore shifts a 0..100 sentiment reading to -50..50
func SentimentScore(sentiment float64) float64 {
	return clamp(sentiment, 0, 100) - 50
}

// LiquidityScore maps trailing volume over market cap onto -50..50:
// 5% and above is +50, 1% is 0, 0.1% and below is -50, linear in between.
func LiquidityScore(volume, marketCap decimal.Decimal) float64 {
	if !marketCap.IsPositive() {
		return 0
	}
	r := volume.Div(marketCap)
	switch {
	case r.GreaterThanOrEqual(liquidityHigh):
		return 50
	case r.GreaterThanOrEqual(liquidityMid):
		return r.Sub(liquidityMid).Div(liquidityHigh.Sub(liquidityMid)).Mul(fifty).InexactFloat64()
	case r.GreaterThanOrEqual(liquidityLow):
		return r.Sub(liquidityLow).Div(liquidityMid.Sub(liquidityLow)).Mul(fifty).Sub(fifty).InexactFloat64()
	default:
		return -50
	}
}

// MarketIndexScore rescales the mean 24h change (percent) of peer assets from
// -5..5 to -100..100.
func MarketIndexScore(peerChanges []float64) float64 {
	if len(peerChanges) == 0 {
		return 0
	}
	var sum float64
	for _, c := range peerChanges {
		sum += c
	}
	avg := sum / float64(len(peerChanges))
	return clamp(avg/5*100, -100, 100)
}

// Factors are the five normalized inputs of the composite score
type Factors struct {
	DemandSupply float64 `json:"demand_supply"`
	ROI          float64 `json:"roi"`
	Sentiment    float64 `json:"sentiment"`
	Liquidity    float64 `json:"liquidity"`
	MarketIndex  float64 `json:"market_index"`
}

// Composite is the weighted sum of the factors, within -100..100
func (f Factors) Composite() float64 {
	c := WeightDemandSupply*f.DemandSupply +
		WeightROI*f.ROI +
		WeightSentiment*f.Sentiment +
		WeightLiquidity*f.Liquidity +
		WeightMarketIndex*f.MarketIndex
	return clamp(c, -100, 100)
}
