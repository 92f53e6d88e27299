package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/model"
)

// CachedFeed wraps a primary PriceFeed with a Redis read-through cache.
// Each asset's full series is cached under one key; range queries are cut
// from it. Appends go to the primary and invalidate the asset's key.
// Redis failures degrade to primary reads.
type CachedFeed struct {
	primary PriceFeed
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedFeed creates a cached wrapper around a primary feed.
func NewCachedFeed(primary PriceFeed, rdb *redis.Client, ttl time.Duration) *CachedFeed {
	return &CachedFeed{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (f *CachedFeed) Append(ctx context.Context, asset string, points []model.PricePoint) error {
	if err := f.primary.Append(ctx, asset, points); err != nil {
		return err
	}
	// Next read will re-populate.
	if err := f.rdb.Del(ctx, seriesKey(asset)).Err(); err != nil {
		slog.Warn("price cache invalidation failed", "asset", asset, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (f *CachedFeed) History(ctx context.Context, asset string, from, to time.Time) ([]model.PricePoint, error) {
	series, err := f.cachedSeries(ctx, asset)
	if err != nil {
		return nil, err
	}

	out := []model.PricePoint{}
	for _, p := range series {
		if inRange(p.Time, from, to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *CachedFeed) cachedSeries(ctx context.Context, asset string) ([]model.PricePoint, error) {
	data, err := f.rdb.Get(ctx, seriesKey(asset)).Bytes()
	switch {
	case err == nil:
		var series []model.PricePoint
		if json.Unmarshal(data, &series) == nil {
			metrics.FeedCacheRequests.WithLabelValues("hit").Inc()
			return series, nil
		}
		metrics.FeedCacheRequests.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		metrics.FeedCacheRequests.WithLabelValues("miss").Inc()
	default:
		metrics.FeedCacheRequests.WithLabelValues("error").Inc()
		slog.Debug("price cache read failed", "asset", asset, "err", err)
	}

	// Cache miss: read the whole series from the primary.
	series, err := f.primary.History(ctx, asset, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(series); err == nil {
		f.rdb.Set(ctx, seriesKey(asset), data, f.ttl)
	}
	return series, nil
}

// --- Passthrough (not cached) ---

func (f *CachedFeed) Assets(ctx context.Context) ([]string, error) {
	return f.primary.Assets(ctx)
}

func seriesKey(asset string) string { return fmt.Sprintf("prices:%s", asset) }
