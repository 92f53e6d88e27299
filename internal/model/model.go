// Package model defines the core domain types shared across the backtest engine.
// All monetary values use shopspring/decimal. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultInitialCash is the cash balance every backtest starts with.
var DefaultInitialCash = decimal.NewFromInt(100000)

// Side is the direction of an executed trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Action is what a strategy wants to do at one step.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// PricePoint is one sample of a price series. Series are ordered ascending by
// time with no duplicate timestamps.
type PricePoint struct {
	Time  time.Time       `json:"time" db:"time"`
	Value decimal.Decimal `json:"value" db:"value"`
}

// Trade is an immutable record of an executed BUY or SELL.
// PnL is always zero for BUY; for SELL it is realized against average cost.
type Trade struct {
	Date     time.Time       `json:"date"`
	Type     Side            `json:"type"`
	Asset    string          `json:"asset"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	PnL      decimal.Decimal `json:"pnl"`
}

// Position is the holding in one asset.
type Position struct {
	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// PortfolioState is the cash balance plus positions of one run.
type PortfolioState struct {
	Cash      decimal.Decimal     `json:"cash"`
	Positions map[string]Position `json:"positions"`
}

// NewPortfolio returns a portfolio holding only cash.
func NewPortfolio(cash decimal.Decimal) PortfolioState {
	return PortfolioState{
		Cash:      cash,
		Positions: make(map[string]Position),
	}
}

// Clone returns a deep copy so callers can never alias the positions map.
func (p PortfolioState) Clone() PortfolioState {
	positions := make(map[string]Position, len(p.Positions))
	for asset, pos := range p.Positions {
		positions[asset] = pos
	}
	return PortfolioState{Cash: p.Cash, Positions: positions}
}

// Holding returns the quantity held of asset (zero when absent).
func (p PortfolioState) Holding(asset string) decimal.Decimal {
	return p.Positions[asset].Quantity
}

// EquityPoint is total portfolio value at one step.
type EquityPoint struct {
	Time  time.Time       `json:"time"`
	Value decimal.Decimal `json:"value"`
}

// TradeIntent is a strategy decision for one step.
type TradeIntent struct {
	Action   Action          `json:"action"`
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason,omitempty"`
}

// Hold is the no-op intent.
func Hold(reason string) TradeIntent {
	return TradeIntent{Action: ActionHold, Reason: reason}
}

// BacktestResult is the immutable outcome of a completed run.
type BacktestResult struct {
	NetPnL           decimal.Decimal `json:"netPnl"`
	NetPnLPercentage decimal.Decimal `json:"netPnlPercentage"`
	TotalTrades      int             `json:"totalTrades"`
	WinRate          decimal.Decimal `json:"winRate"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	SharpeRatio      float64         `json:"sharpeRatio"`
	Trades           []Trade         `json:"trades"`
	EquityCurve      []EquityPoint   `json:"portfolioHistory"`
}

// EmptyResult is the zero-valued result substituted when a run fails outright.
func EmptyResult() *BacktestResult {
	return &BacktestResult{
		Trades:      []Trade{},
		EquityCurve: []EquityPoint{},
	}
}
