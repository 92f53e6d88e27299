package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

// MemoryFeed implements PriceFeed with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryFeed struct {
	mu     sync.RWMutex
	series map[string][]model.PricePoint
}

// NewMemoryFeed creates a new in-memory feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		series: make(map[string][]model.PricePoint),
	}
}

func (f *MemoryFeed) History(_ context.Context, asset string, from, to time.Time) ([]model.PricePoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	points, ok := f.series[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	lo := 0
	if !from.IsZero() {
		lo = sort.Search(len(points), func(i int) bool { return !points[i].Time.Before(from) })
	}
	hi := len(points)
	if !to.IsZero() {
		hi = sort.Search(len(points), func(i int) bool { return points[i].Time.After(to) })
	}
	if lo >= hi {
		return []model.PricePoint{}, nil
	}

	// Return a copy to avoid external mutation.
	out := make([]model.PricePoint, hi-lo)
	copy(out, points[lo:hi])
	return out, nil
}

func (f *MemoryFeed) Append(_ context.Context, asset string, points []model.PricePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing := f.series[asset]
	var last time.Time
	if n := len(existing); n > 0 {
		last = existing[n-1].Time
	}
	if err := checkAppend(last, points); err != nil {
		return err
	}
	f.series[asset] = append(existing, points...)
	return nil
}

func (f *MemoryFeed) Assets(_ context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	assets := make([]string, 0, len(f.series))
	for asset := range f.series {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets, nil
}
