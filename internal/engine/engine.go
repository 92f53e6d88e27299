// Package engine replays a price history through a strategy interpreter and
// the portfolio ledger, one step at a time, and summarizes the run.
//
// An Engine is single-use: Initialized → Running → Completed or Failed.
// Decisions come from the interpreter; every accounting rule is enforced by
// the ledger, so a misbehaving interpreter can never break solvency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/interpreter"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/stats"
)

var (
	// ErrEmptyStrategy is returned when the strategy text is blank.
	ErrEmptyStrategy = errors.New("engine: strategy is empty")

	// ErrInvalidHistory is returned for a missing timestamp, a non-positive
	// price, or timestamps that are not strictly ascending.
	ErrInvalidHistory = errors.New("engine: invalid price history")

	// ErrRunAborted is returned when interpreter failures exceed the configured limits.
	ErrRunAborted = errors.New("engine: run aborted after repeated interpreter failures")

	// ErrRunCancelled is returned when the run's context ends before the last step.
	ErrRunCancelled = errors.New("engine: run cancelled")

	// ErrEngineUsed is returned by a second call to Run.
	ErrEngineUsed = errors.New("engine: engine already used")
)

// State is the lifecycle position of an Engine.
type State int

const (
	Initialized State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config holds the per-run settings.
type Config struct {
	Asset       string
	InitialCash decimal.Decimal // zero means model.DefaultInitialCash

	// InterpreterTimeout bounds each Decide call. Zero means no per-call limit.
	InterpreterTimeout time.Duration

	// A run aborts when consecutive failures exceed MaxConsecutiveFailures or
	// total failures exceed MaxTotalFailures. Zero disables a limit.
	MaxConsecutiveFailures int
	MaxTotalFailures       int

	PeriodsPerYear int

	// InterpreterName labels metrics; empty means "custom".
	InterpreterName string

	// OnTrade, when set, is called synchronously for every executed trade.
	OnTrade func(step int, trade model.Trade)
}

// DefaultConfig returns the settings used when the caller has no preference.
func DefaultConfig() Config {
	return Config{
		Asset:                  "BTC",
		InitialCash:            model.DefaultInitialCash,
		InterpreterTimeout:     30 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

// Engine runs one backtest.
type Engine struct {
	interp interpreter.Interpreter
	cfg    Config

	mu    sync.Mutex
	state State
}

// New creates an engine around interp.
func New(interp interpreter.Interpreter, cfg Config) *Engine {
	if !cfg.InitialCash.IsPositive() {
		cfg.InitialCash = model.DefaultInitialCash
	}
	if cfg.InterpreterName == "" {
		cfg.InterpreterName = "custom"
	}
	return &Engine{interp: interp, cfg: cfg}
}

// State reports where the engine is in its lifecycle.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Validate checks the run inputs without executing anything.
func Validate(strategy string, history []model.PricePoint) error {
	if strings.TrimSpace(strategy) == "" {
		return ErrEmptyStrategy
	}
	return ValidateHistory(history)
}

// ValidateHistory checks timestamps and prices. An empty history is valid.
func ValidateHistory(history []model.PricePoint) error {
	for i, p := range history {
		if p.Time.IsZero() {
			return fmt.Errorf("%w: point %d has no timestamp", ErrInvalidHistory, i)
		}
		if !p.Value.IsPositive() {
			return fmt.Errorf("%w: point %d has non-positive price %s", ErrInvalidHistory, i, p.Value)
		}
		if i > 0 && !p.Time.After(history[i-1].Time) {
			return fmt.Errorf("%w: point %d at %s is not after %s",
				ErrInvalidHistory, i, p.Time.Format(time.RFC3339), history[i-1].Time.Format(time.RFC3339))
		}
	}
	return nil
}

// Run replays history against strategy and returns the summarized result.
// On error no partial result is returned.
func (e *Engine) Run(ctx context.Context, strategy string, history []model.PricePoint) (*model.BacktestResult, error) {
	e.mu.Lock()
	if e.state != Initialized {
		e.mu.Unlock()
		return nil, ErrEngineUsed
	}
	e.state = Running
	e.mu.Unlock()

	start := time.Now()
	result, err := e.run(ctx, strategy, history)

	e.mu.Lock()
	if err != nil {
		e.state = Failed
	} else {
		e.state = Completed
	}
	e.mu.Unlock()

	metrics.RunsTotal.WithLabelValues(outcome(err)).Inc()
	metrics.RunDuration.WithLabelValues(e.cfg.InterpreterName).Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("backtest failed", "asset", e.cfg.Asset, "steps", len(history), "err", err)
		return nil, err
	}

	metrics.RunSteps.Observe(float64(len(history)))
	slog.Info("backtest completed",
		"asset", e.cfg.Asset,
		"steps", len(history),
		"trades", result.TotalTrades,
		"net_pnl", result.NetPnL.String(),
		"duration", time.Since(start).String(),
	)
	return result, nil
}

func (e *Engine) run(ctx context.Context, strategy string, history []model.PricePoint) (*model.BacktestResult, error) {
	if err := Validate(strategy, history); err != nil {
		return nil, err
	}
	if p, ok := e.interp.(interpreter.Preparer); ok {
		if err := p.Prepare(strategy); err != nil {
			return nil, err
		}
	}

	asset := e.cfg.Asset
	portfolio := model.NewPortfolio(e.cfg.InitialCash)
	trades := make([]model.Trade, 0)
	curve := make([]model.EquityPoint, 0, len(history))
	var consecutive, total int

	for i, point := range history {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w at step %d: %w", ErrRunCancelled, i, err)
		}

		intent, err := e.decide(ctx, interpreter.Request{
			Strategy: strategy,
			Asset:    asset,
			Step:     i,
			// Capacity is capped so later points are unreachable.
			History:   history[: i+1 : i+1],
			Portfolio: portfolio.Clone(),
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w at step %d: %w", ErrRunCancelled, i, ctxErr)
			}
			consecutive++
			total++
			metrics.InterpreterFailures.WithLabelValues(e.cfg.InterpreterName).Inc()
			slog.Warn("interpreter failed, holding", "step", i, "consecutive", consecutive, "err", err)

			if exceeds(consecutive, e.cfg.MaxConsecutiveFailures) || exceeds(total, e.cfg.MaxTotalFailures) {
				return nil, fmt.Errorf("%w: %d consecutive, %d total at step %d: %v",
					ErrRunAborted, consecutive, total, i, err)
			}
			intent = model.Hold("interpreter failure")
		} else {
			consecutive = 0
		}

		switch intent.Action {
		case model.ActionBuy:
			next, err := ledger.ApplyBuy(portfolio, asset, point.Value, intent.Quantity)
			if err != nil {
				drop(i, intent, err)
				break
			}
			portfolio = next
			trades = e.record(trades, i, model.Trade{
				Date: point.Time, Type: model.Buy, Asset: asset,
				Price: point.Value, Quantity: intent.Quantity, PnL: decimal.Zero,
			})
		case model.ActionSell:
			next, pnl, err := ledger.ApplySell(portfolio, asset, point.Value, intent.Quantity)
			if err != nil {
				drop(i, intent, err)
				break
			}
			portfolio = next
			trades = e.record(trades, i, model.Trade{
				Date: point.Time, Type: model.Sell, Asset: asset,
				Price: point.Value, Quantity: intent.Quantity, PnL: pnl,
			})
		case model.ActionHold:
		default:
			drop(i, intent, fmt.Errorf("unknown action %q", intent.Action))
		}

		curve = append(curve, model.EquityPoint{
			Time:  point.Time,
			Value: ledger.Equity(portfolio, map[string]decimal.Decimal{asset: point.Value}),
		})
	}

	return stats.Calculate(trades, curve, e.cfg.InitialCash, stats.Options{PeriodsPerYear: e.cfg.PeriodsPerYear}), nil
}

// decide calls the interpreter under the per-call timeout. A panic inside the
// interpreter counts as a failure.
func (e *Engine) decide(ctx context.Context, req interpreter.Request) (intent model.TradeIntent, err error) {
	if e.cfg.InterpreterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.InterpreterTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: interpreter panic: %v", r)
		}
	}()

	start := time.Now()
	intent, err = e.interp.Decide(ctx, req)
	metrics.InterpreterLatency.WithLabelValues(e.cfg.InterpreterName).Observe(time.Since(start).Seconds())
	return intent, err
}

func (e *Engine) record(trades []model.Trade, step int, t model.Trade) []model.Trade {
	metrics.TradesTotal.WithLabelValues(string(t.Type)).Inc()
	if e.cfg.OnTrade != nil {
		e.cfg.OnTrade(step, t)
	}
	return append(trades, t)
}

// drop discards an intent the ledger would not fill.
func drop(step int, intent model.TradeIntent, err error) {
	metrics.DroppedIntents.WithLabelValues(dropReason(err)).Inc()
	slog.Debug("trade intent dropped",
		"step", step,
		"action", string(intent.Action),
		"quantity", intent.Quantity.String(),
		"reason", intent.Reason,
		"err", err,
	)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ledger.ErrInvalidPrice):
		return "invalid_price"
	}
	return "unknown_action"
}

func exceeds(n, limit int) bool {
	return limit > 0 && n > limit
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrRunAborted):
		return "aborted"
	case errors.Is(err, ErrRunCancelled):
		return "cancelled"
	}
	return "invalid"
}
