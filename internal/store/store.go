// Package store defines the market-data feed that backtests read price
// histories from. Implementations include PostgreSQL and SQLite (sources of
// truth), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	// ErrUnknownAsset is returned when no points exist for an asset.
	ErrUnknownAsset = errors.New("store: unknown asset")

	// ErrInvalidPoints is returned when appended points are unusable or do not
	// extend the stored series.
	ErrInvalidPoints = errors.New("store: invalid price points")
)

// PriceFeed is the market-data interface. Series are append-only and kept in
// strictly ascending time order.
type PriceFeed interface {
	// History returns the points of asset with from <= time <= to, ascending.
	// A zero from or to leaves that side open.
	History(ctx context.Context, asset string, from, to time.Time) ([]model.PricePoint, error)

	// Append adds points to the end of asset's series.
	Append(ctx context.Context, asset string, points []model.PricePoint) error

	// Assets lists every asset with at least one point, sorted.
	Assets(ctx context.Context) ([]string, error)
}

// checkAppend validates points against the latest stored timestamp.
// A zero last means the series is empty.
func checkAppend(last time.Time, points []model.PricePoint) error {
	if len(points) == 0 {
		return fmt.Errorf("%w: nothing to append", ErrInvalidPoints)
	}
	prev := last
	for i, p := range points {
		if p.Time.IsZero() {
			return fmt.Errorf("%w: point %d has no timestamp", ErrInvalidPoints, i)
		}
		if !p.Value.IsPositive() {
			return fmt.Errorf("%w: point %d has non-positive price %s", ErrInvalidPoints, i, p.Value)
		}
		if !prev.IsZero() && !p.Time.After(prev) {
			return fmt.Errorf("%w: point %d at %s is not after %s",
				ErrInvalidPoints, i, p.Time.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
		prev = p.Time
	}
	return nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
