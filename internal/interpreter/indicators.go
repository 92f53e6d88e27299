package interpreter

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// SMA is the simple moving average of the last period values.
// ok is false when fewer than period points are available.
func SMA(points []model.PricePoint, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(points) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, p := range points[len(points)-period:] {
		sum = sum.Add(p.Value)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// EMA is the exponential moving average seeded with the SMA of the first
// period values, smoothing 2/(period+1).
func EMA(points []model.PricePoint, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(points) < period {
		return decimal.Zero, false
	}
	seed, _ := SMA(points[:period], period)
	alpha := two.Div(decimal.NewFromInt(int64(period + 1)))
	keep := decimal.NewFromInt(1).Sub(alpha)

	ema := seed
	for _, p := range points[period:] {
		ema = p.Value.Mul(alpha).Add(ema.Mul(keep))
	}
	return ema, true
}

// RSI is Wilder's relative strength index over period changes.
// It needs period+1 points.
func RSI(points []model.PricePoint, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(points) <= period {
		return decimal.Zero, false
	}
	p := decimal.NewFromInt(int64(period))
	pm1 := decimal.NewFromInt(int64(period - 1))

	gain, loss := decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		delta := points[i].Value.Sub(points[i-1].Value)
		if delta.IsPositive() {
			gain = gain.Add(delta)
		} else {
			loss = loss.Sub(delta)
		}
	}
	avgGain, avgLoss := gain.Div(p), loss.Div(p)

	for i := period + 1; i < len(points); i++ {
		delta := points[i].Value.Sub(points[i-1].Value)
		g, l := decimal.Zero, decimal.Zero
		if delta.IsPositive() {
			g = delta
		} else {
			l = delta.Neg()
		}
		avgGain = avgGain.Mul(pm1).Add(g).Div(p)
		avgLoss = avgLoss.Mul(pm1).Add(l).Div(p)
	}

	switch {
	case avgGain.IsZero() && avgLoss.IsZero():
		return decimal.NewFromInt(50), true
	case avgLoss.IsZero():
		return hundred, true
	}
	rs := avgGain.Div(avgLoss)
	return hundred.Sub(hundred.Div(rs.Add(decimal.NewFromInt(1)))), true
}
