package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/interpreter"
	"github.com/atmx/backtest-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(values ...float64) []model.PricePoint {
	out := make([]model.PricePoint, len(values))
	for i, v := range values {
		out[i] = model.PricePoint{Time: t0.AddDate(0, 0, i), Value: d(v)}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InterpreterTimeout = time.Second
	return cfg
}

func TestRun_FiltersWrittenBeforeTheAction(t *testing.T) {
	tests := []string{
		"If price < 95, buy 1 unit",
		"When the price is below 95 buy 1 unit",
		"On day 1 buy 1 unit",
	}
	history := series(100, 90, 120)
	for _, strategy := range tests {
		t.Run(strategy, func(t *testing.T) {
			res, err := New(interpreter.NewRules(), testConfig()).Run(context.Background(), strategy, history)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.Trades) != 1 {
				t.Fatalf("expected 1 trade, got %d: %+v", len(res.Trades), res.Trades)
			}
			tr := res.Trades[0]
			if tr.Type != model.Buy || !tr.Date.Equal(history[1].Time) || !tr.Price.Equal(d(90)) || !tr.Quantity.Equal(d(1)) {
				t.Errorf("unexpected trade: %+v", tr)
			}
		})
	}
}

func TestRun_DayFilteredScenario(t *testing.T) {
	history := series(100, 90, 120)
	e := New(interpreter.NewRules(), testConfig())

	res, err := e.Run(context.Background(), "BUY 1 unit on day 1 if price < 95, SELL all on day 2 if price > 110", history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	buy, sell := res.Trades[0], res.Trades[1]
	if buy.Type != model.Buy || !buy.Date.Equal(history[1].Time) || !buy.Price.Equal(d(90)) || !buy.Quantity.Equal(d(1)) || !buy.PnL.IsZero() {
		t.Errorf("unexpected buy trade: %+v", buy)
	}
	if sell.Type != model.Sell || !sell.Date.Equal(history[2].Time) || !sell.Price.Equal(d(120)) || !sell.Quantity.Equal(d(1)) || !sell.PnL.Equal(d(30)) {
		t.Errorf("unexpected sell trade: %+v", sell)
	}
	if !res.NetPnL.Equal(d(30)) {
		t.Errorf("expected netPnl=30, got %s", res.NetPnL)
	}
	if res.TotalTrades != 2 {
		t.Errorf("expected totalTrades=2, got %d", res.TotalTrades)
	}
	if !res.WinRate.Equal(d(100)) {
		t.Errorf("expected winRate=100, got %s", res.WinRate)
	}

	wantCurve := []float64{100000, 100000, 100030}
	if len(res.EquityCurve) != len(wantCurve) {
		t.Fatalf("expected %d equity points, got %d", len(wantCurve), len(res.EquityCurve))
	}
	for i, want := range wantCurve {
		if !res.EquityCurve[i].Value.Equal(d(want)) || !res.EquityCurve[i].Time.Equal(history[i].Time) {
			t.Errorf("equity[%d]: expected %v at %s, got %+v", i, want, history[i].Time, res.EquityCurve[i])
		}
	}
	if e.State() != Completed {
		t.Errorf("expected state completed, got %s", e.State())
	}
}

func TestRun_InterpreterNeverSeesFuturePoints(t *testing.T) {
	history := series(10, 11, 12, 13, 14)
	var seen []int

	rec := interpreter.Func(func(_ context.Context, req interpreter.Request) (model.TradeIntent, error) {
		if len(req.History) != req.Step+1 || cap(req.History) != req.Step+1 {
			t.Errorf("step %d: history len=%d cap=%d", req.Step, len(req.History), cap(req.History))
		}
		if !req.Current().Time.Equal(history[req.Step].Time) {
			t.Errorf("step %d: last visible point is %s", req.Step, req.Current().Time)
		}
		seen = append(seen, len(req.History))
		return model.Hold(""), nil
	})

	if _, err := New(rec, testConfig()).Run(context.Background(), "watch", history); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, n := range seen {
		if n != i+1 {
			t.Errorf("call %d saw %d points", i, n)
		}
	}
	if len(seen) != len(history) {
		t.Errorf("expected %d calls, got %d", len(history), len(seen))
	}
}

func TestRun_InterpreterCannotMutateLedgerState(t *testing.T) {
	history := series(10, 10)
	bad := interpreter.Func(func(_ context.Context, req interpreter.Request) (model.TradeIntent, error) {
		req.Portfolio.Positions["BTC"] = model.Position{Asset: "BTC", Quantity: d(1000)}
		return model.TradeIntent{Action: model.ActionSell, Quantity: d(1000)}, nil
	})

	res, err := New(bad, testConfig()).Run(context.Background(), "cheat", history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalTrades != 0 {
		t.Errorf("expected phantom holdings to be rejected, got %d trades", res.TotalTrades)
	}
}

func TestRun_ReplayIsIdempotent(t *testing.T) {
	history := series(100, 97, 95, 99, 104, 101, 98, 110, 107, 115)
	const strategy = "buy 50% when price crosses above sma(3); sell half when price crosses below sma(3)"

	encode := func() ([]byte, []byte) {
		res, err := New(interpreter.NewRules(), testConfig()).Run(context.Background(), strategy, history)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		trades, _ := json.Marshal(res.Trades)
		curve, _ := json.Marshal(res.EquityCurve)
		return trades, curve
	}

	trades1, curve1 := encode()
	trades2, curve2 := encode()
	if string(trades1) != string(trades2) {
		t.Errorf("trades differ between runs:\n%s\n%s", trades1, trades2)
	}
	if string(curve1) != string(curve2) {
		t.Errorf("equity curves differ between runs:\n%s\n%s", curve1, curve2)
	}
}

func TestRun_EmptyHistory(t *testing.T) {
	res, err := New(interpreter.NewRules(), testConfig()).Run(context.Background(), "buy if price < 10", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NetPnL.IsZero() || res.TotalTrades != 0 || !res.WinRate.IsZero() || !res.MaxDrawdown.IsZero() {
		t.Errorf("expected zero result, got %+v", res)
	}
	if res.Trades == nil || res.EquityCurve == nil {
		t.Error("expected empty, non-nil slices")
	}
}

func TestRun_ValidationErrors(t *testing.T) {
	valid := series(1, 2)
	tests := []struct {
		name     string
		strategy string
		history  []model.PricePoint
		want     error
	}{
		{"blank strategy", "  \n", valid, ErrEmptyStrategy},
		{"zero price", "buy", []model.PricePoint{{Time: t0, Value: d(0)}}, ErrInvalidHistory},
		{"negative price", "buy", []model.PricePoint{{Time: t0, Value: d(-1)}}, ErrInvalidHistory},
		{"missing time", "buy", []model.PricePoint{{Value: d(1)}}, ErrInvalidHistory},
		{"duplicate time", "buy", []model.PricePoint{{Time: t0, Value: d(1)}, {Time: t0, Value: d(2)}}, ErrInvalidHistory},
		{"descending time", "buy", []model.PricePoint{{Time: t0.Add(time.Hour), Value: d(1)}, {Time: t0, Value: d(2)}}, ErrInvalidHistory},
		{"unparseable", "to the moon", valid, interpreter.ErrUnparseableStrategy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(interpreter.NewRules(), testConfig())
			res, err := e.Run(context.Background(), tt.strategy, tt.history)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if res != nil {
				t.Errorf("expected no result, got %+v", res)
			}
			if e.State() != Failed {
				t.Errorf("expected state failed, got %s", e.State())
			}
		})
	}
}

func TestRun_SecondRunIsRejected(t *testing.T) {
	e := New(interpreter.NewRules(), testConfig())
	if e.State() != Initialized {
		t.Fatalf("expected initialized, got %s", e.State())
	}
	if _, err := e.Run(context.Background(), "hold", series(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Run(context.Background(), "hold", series(1)); !errors.Is(err, ErrEngineUsed) {
		t.Errorf("expected ErrEngineUsed, got %v", err)
	}
	if e.State() != Completed {
		t.Errorf("state changed by rejected run: %s", e.State())
	}
}

func TestRun_FailuresAreHoldsUntilThreshold(t *testing.T) {
	failing := errors.New("backend unavailable")

	t.Run("below threshold completes", func(t *testing.T) {
		calls := 0
		flaky := interpreter.Func(func(_ context.Context, req interpreter.Request) (model.TradeIntent, error) {
			calls++
			if req.Step%2 == 0 {
				return model.TradeIntent{}, failing
			}
			return model.TradeIntent{Action: model.ActionBuy, Quantity: d(1)}, nil
		})
		cfg := testConfig()
		cfg.MaxConsecutiveFailures = 1
		res, err := New(flaky, cfg).Run(context.Background(), "flaky", series(10, 10, 10, 10, 10))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.TotalTrades != 2 {
			t.Errorf("expected 2 trades on the odd steps, got %d", res.TotalTrades)
		}
	})

	t.Run("consecutive limit aborts", func(t *testing.T) {
		down := interpreter.Func(func(context.Context, interpreter.Request) (model.TradeIntent, error) {
			return model.TradeIntent{}, failing
		})
		cfg := testConfig()
		cfg.MaxConsecutiveFailures = 2
		res, err := New(down, cfg).Run(context.Background(), "down", series(1, 2, 3, 4, 5))
		if !errors.Is(err, ErrRunAborted) {
			t.Fatalf("expected ErrRunAborted, got %v", err)
		}
		if res != nil {
			t.Errorf("expected no partial result, got %+v", res)
		}
	})

	t.Run("total limit aborts", func(t *testing.T) {
		flaky := interpreter.Func(func(_ context.Context, req interpreter.Request) (model.TradeIntent, error) {
			if req.Step%2 == 0 {
				return model.TradeIntent{}, failing
			}
			return model.Hold(""), nil
		})
		cfg := testConfig()
		cfg.MaxConsecutiveFailures = 0
		cfg.MaxTotalFailures = 2
		_, err := New(flaky, cfg).Run(context.Background(), "flaky", series(1, 2, 3, 4, 5, 6))
		if !errors.Is(err, ErrRunAborted) {
			t.Fatalf("expected ErrRunAborted, got %v", err)
		}
	})

	t.Run("limits disabled", func(t *testing.T) {
		down := interpreter.Func(func(context.Context, interpreter.Request) (model.TradeIntent, error) {
			return model.TradeIntent{}, failing
		})
		cfg := testConfig()
		cfg.MaxConsecutiveFailures = 0
		res, err := New(down, cfg).Run(context.Background(), "down", series(1, 2, 3))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(res.EquityCurve) != 3 || res.TotalTrades != 0 {
			t.Errorf("expected 3 holds, got %d points and %d trades", len(res.EquityCurve), res.TotalTrades)
		}
	})
}

func TestRun_PanickingInterpreterCountsAsFailure(t *testing.T) {
	boom := interpreter.Func(func(context.Context, interpreter.Request) (model.TradeIntent, error) {
		panic("boom")
	})
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 1
	_, err := New(boom, cfg).Run(context.Background(), "boom", series(1, 2, 3))
	if !errors.Is(err, ErrRunAborted) {
		t.Fatalf("expected ErrRunAborted, got %v", err)
	}
}

func TestRun_PerCallTimeoutIsAFailureNotACancellation(t *testing.T) {
	slow := interpreter.Func(func(ctx context.Context, _ interpreter.Request) (model.TradeIntent, error) {
		<-ctx.Done()
		return model.TradeIntent{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.InterpreterTimeout = 5 * time.Millisecond
	cfg.MaxConsecutiveFailures = 0

	res, err := New(slow, cfg).Run(context.Background(), "slow", series(1, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalTrades != 0 {
		t.Errorf("expected holds, got %d trades", res.TotalTrades)
	}
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	stopper := interpreter.Func(func(_ context.Context, req interpreter.Request) (model.TradeIntent, error) {
		calls++
		if req.Step == 1 {
			cancel()
		}
		return model.Hold(""), nil
	})

	e := New(stopper, testConfig())
	res, err := e.Run(ctx, "stop", series(1, 2, 3, 4))
	if !errors.Is(err, ErrRunCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrRunCancelled wrapping context.Canceled, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no partial result, got %+v", res)
	}
	if calls != 2 {
		t.Errorf("expected the run to stop after step 1, interpreter called %d times", calls)
	}
	if e.State() != Failed {
		t.Errorf("expected state failed, got %s", e.State())
	}
}

func TestRun_RandomIntentsKeepPortfolioSolvent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	prices := make([]float64, 200)
	p := 100.0
	for i := range prices {
		p *= 1 + (rng.Float64()-0.5)/10
		prices[i] = float64(int(p*100)) / 100
	}

	initial := d(1000)
	chaos := interpreter.Func(func(_ context.Context, req interpreter.Request) (model.TradeIntent, error) {
		if req.Portfolio.Cash.IsNegative() || req.Portfolio.Holding("BTC").IsNegative() {
			t.Errorf("step %d: portfolio went negative: %+v", req.Step, req.Portfolio)
		}
		qty := d(float64(rng.Intn(30)))
		switch rng.Intn(3) {
		case 0:
			return model.TradeIntent{Action: model.ActionBuy, Quantity: qty}, nil
		case 1:
			return model.TradeIntent{Action: model.ActionSell, Quantity: qty}, nil
		}
		return model.Hold(""), nil
	})

	var observed int
	cfg := testConfig()
	cfg.InitialCash = initial
	cfg.OnTrade = func(int, model.Trade) { observed++ }

	res, err := New(chaos, cfg).Run(context.Background(), "chaos", series(prices...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed != res.TotalTrades {
		t.Errorf("observer saw %d trades, result has %d", observed, res.TotalTrades)
	}

	last := res.EquityCurve[len(res.EquityCurve)-1].Value
	if !res.NetPnL.Equal(last.Sub(initial)) {
		t.Errorf("netPnl %s != last equity %s - initial %s", res.NetPnL, last, initial)
	}
	for _, tr := range res.Trades {
		if !tr.Price.IsPositive() || !tr.Quantity.IsPositive() {
			t.Errorf("trade with non-positive price or quantity: %+v", tr)
		}
		if tr.Type == model.Buy && !tr.PnL.IsZero() {
			t.Errorf("buy trade with pnl: %+v", tr)
		}
	}
}

func TestValidateHistory_EmptyIsValid(t *testing.T) {
	if err := ValidateHistory(nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
