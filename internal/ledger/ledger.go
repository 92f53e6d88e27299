// Package ledger applies BUY and SELL operations to a portfolio.
//
// The ledger is stateless: portfolio state is passed in and a new state is
// returned, the input is never mutated. This keeps replay deterministic and
// lets the engine thread state explicitly from step to step.
//
// Invariants held by every successful operation:
//   - cash never goes negative
//   - position quantity never goes negative
//   - average cost changes only on BUY and resets to 0 when a position is flat
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	// ErrInvalidPrice is returned when price <= 0.
	ErrInvalidPrice = errors.New("ledger: price must be positive")

	// ErrInvalidQuantity is returned when quantity <= 0.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

	// ErrInsufficientFunds is returned when a BUY costs more than the cash balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientHoldings is returned when a SELL exceeds the held quantity.
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")
)

// ApplyBuy buys quantity units of asset at price.
// New average cost = (oldQty*oldAvg + qty*price) / (oldQty+qty).
func ApplyBuy(state model.PortfolioState, asset string, price, quantity decimal.Decimal) (model.PortfolioState, error) {
	if !price.IsPositive() {
		return state, ErrInvalidPrice
	}
	if !quantity.IsPositive() {
		return state, ErrInvalidQuantity
	}

	cost := price.Mul(quantity)
	if state.Cash.LessThan(cost) {
		return state, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, state.Cash)
	}

	next := state.Clone()
	pos := next.Positions[asset]
	newQty := pos.Quantity.Add(quantity)

	next.Cash = next.Cash.Sub(cost)
	next.Positions[asset] = model.Position{
		Asset:       asset,
		Quantity:    newQty,
		AverageCost: pos.Quantity.Mul(pos.AverageCost).Add(cost).Div(newQty),
	}
	return next, nil
}

// ApplySell sells quantity units of asset at price and returns the realized
// P&L against the position's average cost.
func ApplySell(state model.PortfolioState, asset string, price, quantity decimal.Decimal) (model.PortfolioState, decimal.Decimal, error) {
	if !price.IsPositive() {
		return state, decimal.Zero, ErrInvalidPrice
	}
	if !quantity.IsPositive() {
		return state, decimal.Zero, ErrInvalidQuantity
	}

	pos, ok := state.Positions[asset]
	if !ok || pos.Quantity.LessThan(quantity) {
		return state, decimal.Zero, fmt.Errorf("%w: want %s, hold %s", ErrInsufficientHoldings, quantity, pos.Quantity)
	}

	pnl := price.Sub(pos.AverageCost).Mul(quantity)

	next := state.Clone()
	next.Cash = next.Cash.Add(price.Mul(quantity))

	remaining := pos.Quantity.Sub(quantity)
	if remaining.IsZero() {
		delete(next.Positions, asset)
	} else {
		next.Positions[asset] = model.Position{
			Asset:       asset,
			Quantity:    remaining,
			AverageCost: pos.AverageCost,
		}
	}
	return next, pnl, nil
}

// Equity marks every position to the given prices and adds cash.
// Positions without a mark are valued at their average cost.
func Equity(state model.PortfolioState, marks map[string]decimal.Decimal) decimal.Decimal {
	total := state.Cash
	for asset, pos := range state.Positions {
		mark, ok := marks[asset]
		if !ok {
			mark = pos.AverageCost
		}
		total = total.Add(pos.Quantity.Mul(mark))
	}
	return total
}
