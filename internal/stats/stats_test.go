package stats

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func curveOf(values ...float64) []model.EquityPoint {
	curve := make([]model.EquityPoint, len(values))
	for i, v := range values {
		curve[i] = model.EquityPoint{Time: t0.AddDate(0, 0, i), Value: d(v)}
	}
	return curve
}

func sell(pnl float64) model.Trade {
	return model.Trade{Type: model.Sell, Asset: "BTC", Price: d(1), Quantity: d(1), PnL: d(pnl)}
}

func buy() model.Trade {
	return model.Trade{Type: model.Buy, Asset: "BTC", Price: d(1), Quantity: d(1)}
}

func TestWinRate(t *testing.T) {
	tests := []struct {
		name   string
		trades []model.Trade
		want   decimal.Decimal
	}{
		{"no trades", nil, decimal.Zero},
		{"only buys", []model.Trade{buy(), buy()}, decimal.Zero},
		{"one winning sell", []model.Trade{buy(), sell(30)}, d(100)},
		{"break-even is not a win", []model.Trade{sell(0), sell(5)}, d(50)},
		{"buys excluded from denominator", []model.Trade{buy(), buy(), sell(-1), sell(2), sell(3), sell(4)}, d(75)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WinRate(tt.trades); !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		name  string
		curve []model.EquityPoint
		want  decimal.Decimal
	}{
		{"empty", nil, decimal.Zero},
		{"single point", curveOf(100), decimal.Zero},
		{"strictly increasing", curveOf(100, 110, 120, 130), decimal.Zero},
		{"flat", curveOf(100, 100, 100), decimal.Zero},
		{"peak 100 trough 50", curveOf(100, 50, 120), d(50)},
		{"later deeper drawdown wins", curveOf(100, 90, 200, 100, 150), d(50)},
		{"drawdown measured from running peak", curveOf(100, 120, 90), d(25)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaxDrawdown(tt.curve); !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSharpeRatio_ZeroVariance(t *testing.T) {
	if got := SharpeRatio(curveOf(100, 100, 100, 100), 0); got != 0 {
		t.Errorf("expected 0 for flat curve, got %v", got)
	}
	if got := SharpeRatio(curveOf(100, 110), 0); got != 0 {
		t.Errorf("expected 0 for a single return, got %v", got)
	}
	if got := SharpeRatio(nil, 365); got != 0 {
		t.Errorf("expected 0 for empty curve, got %v", got)
	}
}

func TestSharpeRatio_SampleStdDev(t *testing.T) {
	// Returns: +10%, -10%, +10%.
	curve := curveOf(100, 110, 99, 108.9)
	rets := []float64{0.1, -0.1, 0.1}

	mean := (rets[0] + rets[1] + rets[2]) / 3
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	want := mean / math.Sqrt(ss/2)

	got := SharpeRatio(curve, 0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}

	annual := SharpeRatio(curve, 365)
	if math.Abs(annual-want*math.Sqrt(365)) > 1e-9 {
		t.Errorf("expected annualized %v, got %v", want*math.Sqrt(365), annual)
	}
}

func TestCalculate_NetPnLIdentity(t *testing.T) {
	initial := d(100000)
	curve := curveOf(100000, 99990, 100030)
	trades := []model.Trade{buy(), sell(30)}

	res := Calculate(trades, curve, initial, Options{})

	if !res.NetPnL.Equal(curve[len(curve)-1].Value.Sub(initial)) {
		t.Errorf("netPnl identity violated: %s", res.NetPnL)
	}
	if !res.NetPnLPercentage.Equal(d(0.03)) {
		t.Errorf("expected netPnlPercentage=0.03, got %s", res.NetPnLPercentage)
	}
	if res.TotalTrades != 2 {
		t.Errorf("expected totalTrades=2, got %d", res.TotalTrades)
	}
	if !res.WinRate.Equal(d(100)) {
		t.Errorf("expected winRate=100, got %s", res.WinRate)
	}
}

func TestCalculate_Empty(t *testing.T) {
	res := Calculate(nil, nil, d(100000), Options{PeriodsPerYear: 365})

	if !res.NetPnL.IsZero() || res.TotalTrades != 0 || !res.WinRate.IsZero() || !res.MaxDrawdown.IsZero() {
		t.Errorf("expected zero-valued result, got %+v", res)
	}
	if res.Trades == nil || res.EquityCurve == nil {
		t.Error("expected non-nil slices for JSON encoding")
	}
}
