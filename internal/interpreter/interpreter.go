// Package interpreter maps a strategy description plus the simulation state
// at one step onto a trade intent.
//
// The engine depends only on the Interpreter contract. Two implementations
// ship here: a deterministic rule matcher (the default) and an adapter for a
// language-model backend reached over HTTP.
package interpreter

import (
	"context"
	"errors"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	// ErrUnparseableStrategy is returned when a strategy yields no usable rules.
	ErrUnparseableStrategy = errors.New("interpreter: strategy could not be parsed")

	// ErrMalformedResponse is returned when a backend answer cannot be decoded
	// into a trade intent.
	ErrMalformedResponse = errors.New("interpreter: malformed backend response")
)

// Request is everything an interpreter may look at for one step.
// History holds points [0..Step] only; later points are never included.
type Request struct {
	Strategy  string
	Asset     string
	Step      int
	History   []model.PricePoint
	Portfolio model.PortfolioState
}

// Current returns the latest visible price point.
func (r Request) Current() model.PricePoint {
	return r.History[len(r.History)-1]
}

// Interpreter decides what a strategy does at one step.
// Implementations may be slow or fallible; errors are treated as HOLD by the engine.
type Interpreter interface {
	Decide(ctx context.Context, req Request) (model.TradeIntent, error)
}

// Preparer is implemented by interpreters that can reject a strategy before
// a run starts.
type Preparer interface {
	Prepare(strategy string) error
}

// Func adapts a plain function to the Interpreter interface.
type Func func(ctx context.Context, req Request) (model.TradeIntent, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, req Request) (model.TradeIntent, error) {
	return f(ctx, req)
}
