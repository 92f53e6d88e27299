// Package stats turns a finished run's trade log and equity curve into
// summary metrics. Everything is computed once from the complete curve.
package stats

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// PercentScale is the number of decimal places kept for percentage metrics.
var PercentScale int32 = 8

var hundred = decimal.NewFromInt(100)

// varianceEpsilon treats float noise around a constant return series as zero variance.
const varianceEpsilon = 1e-12

// Options controls the conventions that the raw data does not pin down.
type Options struct {
	// PeriodsPerYear annualizes the Sharpe ratio by sqrt(PeriodsPerYear).
	// Zero leaves the ratio per-period.
	PeriodsPerYear int
}

// Calculate builds a BacktestResult from the run's outputs.
func Calculate(trades []model.Trade, curve []model.EquityPoint, initialCash decimal.Decimal, opts Options) *model.BacktestResult {
	res := model.EmptyResult()
	if trades != nil {
		res.Trades = trades
	}
	if curve != nil {
		res.EquityCurve = curve
	}
	res.TotalTrades = len(trades)

	if len(curve) > 0 {
		res.NetPnL = curve[len(curve)-1].Value.Sub(initialCash)
	}
	if initialCash.IsPositive() {
		res.NetPnLPercentage = res.NetPnL.Div(initialCash).Mul(hundred).Round(PercentScale)
	}

	res.WinRate = WinRate(trades)
	res.MaxDrawdown = MaxDrawdown(curve)
	res.SharpeRatio = SharpeRatio(curve, opts.PeriodsPerYear)
	return res
}

// WinRate is the percentage of SELL trades with positive P&L.
// Zero when there are no SELL trades.
func WinRate(trades []model.Trade) decimal.Decimal {
	var sells, wins int64
	for _, t := range trades {
		if t.Type != model.Sell {
			continue
		}
		sells++
		if t.PnL.IsPositive() {
			wins++
		}
	}
	if sells == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(wins).Mul(hundred).Div(decimal.NewFromInt(sells)).Round(PercentScale)
}

// MaxDrawdown is the largest peak-to-trough decline of the curve, in percent.
func MaxDrawdown(curve []model.EquityPoint) decimal.Decimal {
	if len(curve) < 2 {
		return decimal.Zero
	}

	peak := curve[0].Value
	maxDD := decimal.Zero
	for _, p := range curve[1:] {
		if p.Value.GreaterThan(peak) {
			peak = p.Value
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(p.Value).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD.Mul(hundred).Round(PercentScale)
}

// Returns computes per-step returns r_i = (e_i - e_{i-1}) / e_{i-1}.
// Steps whose previous equity is zero are skipped.
func Returns(curve []model.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Value
		if prev.IsZero() {
			continue
		}
		r, _ := curve[i].Value.Sub(prev).Div(prev).Float64()
		out = append(out, r)
	}
	return out
}

// SharpeRatio is mean(r)/stddev(r) over per-step returns using the sample
// standard deviation, scaled by sqrt(periodsPerYear) when that is positive.
// Zero when there are fewer than two returns or no variance.
func SharpeRatio(curve []model.EquityPoint, periodsPerYear int) float64 {
	rets := Returns(curve)
	if len(rets) < 2 {
		return 0
	}

	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))

	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(len(rets)-1))
	if std < varianceEpsilon || math.IsNaN(std) {
		return 0
	}

	sharpe := mean / std
	if periodsPerYear > 0 {
		sharpe *= math.Sqrt(float64(periodsPerYear))
	}
	return sharpe
}
