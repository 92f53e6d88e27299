package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/backtest-engine/internal/model"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func points(values ...string) []model.PricePoint {
	out := make([]model.PricePoint, len(values))
	for i, v := range values {
		out[i] = model.PricePoint{Time: day0.AddDate(0, 0, i), Value: decimal.RequireFromString(v)}
	}
	return out
}

// feeds returns every PriceFeed implementation that runs without external services.
func feeds(t *testing.T) map[string]PriceFeed {
	t.Helper()
	sq, err := OpenSQLiteFeed(context.Background(), filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]PriceFeed{
		"memory": NewMemoryFeed(),
		"sqlite": sq,
	}
}

func TestPriceFeed_AppendAndHistory(t *testing.T) {
	for name, feed := range feeds(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, feed.Append(ctx, "BTC", points("100", "90.5", "120.123456789")))

			all, err := feed.History(ctx, "BTC", time.Time{}, time.Time{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			for i, want := range points("100", "90.5", "120.123456789") {
				assert.True(t, all[i].Time.Equal(want.Time), "time[%d]=%s", i, all[i].Time)
				assert.True(t, all[i].Value.Equal(want.Value), "value[%d]=%s", i, all[i].Value)
			}

			window, err := feed.History(ctx, "BTC", day0.AddDate(0, 0, 1), day0.AddDate(0, 0, 1))
			require.NoError(t, err)
			require.Len(t, window, 1)
			assert.True(t, window[0].Value.Equal(decimal.RequireFromString("90.5")))

			from, err := feed.History(ctx, "BTC", day0.AddDate(0, 0, 1), time.Time{})
			require.NoError(t, err)
			assert.Len(t, from, 2)

			none, err := feed.History(ctx, "BTC", day0.AddDate(1, 0, 0), time.Time{})
			require.NoError(t, err)
			assert.Empty(t, none)
			assert.NotNil(t, none)
		})
	}
}

func TestPriceFeed_AppendExtendsSeries(t *testing.T) {
	for name, feed := range feeds(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := points("1", "2")
			require.NoError(t, feed.Append(ctx, "ETH", first))

			next := []model.PricePoint{{Time: day0.AddDate(0, 0, 5), Value: decimal.NewFromInt(3)}}
			require.NoError(t, feed.Append(ctx, "ETH", next))

			// Overlapping or stale points are rejected and leave the series intact.
			err := feed.Append(ctx, "ETH", []model.PricePoint{{Time: day0.AddDate(0, 0, 5), Value: decimal.NewFromInt(4)}})
			require.ErrorIs(t, err, ErrInvalidPoints)

			got, err := feed.History(ctx, "ETH", time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Len(t, got, 3)
		})
	}
}

func TestPriceFeed_AppendRejectsBadPoints(t *testing.T) {
	tests := []struct {
		name   string
		points []model.PricePoint
	}{
		{"empty", nil},
		{"zero price", []model.PricePoint{{Time: day0, Value: decimal.Zero}}},
		{"missing time", []model.PricePoint{{Value: decimal.NewFromInt(1)}}},
		{"descending", []model.PricePoint{
			{Time: day0.AddDate(0, 0, 1), Value: decimal.NewFromInt(1)},
			{Time: day0, Value: decimal.NewFromInt(1)},
		}},
	}
	for name, feed := range feeds(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				err := feed.Append(context.Background(), "SOL", tt.points)
				require.ErrorIs(t, err, ErrInvalidPoints)
			})
		}
	}
}

func TestPriceFeed_UnknownAssetAndListing(t *testing.T) {
	for name, feed := range feeds(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := feed.History(ctx, "DOGE", time.Time{}, time.Time{})
			require.ErrorIs(t, err, ErrUnknownAsset)

			require.NoError(t, feed.Append(ctx, "ETH", points("1")))
			require.NoError(t, feed.Append(ctx, "BTC", points("1")))

			assets, err := feed.Assets(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"BTC", "ETH"}, assets)
		})
	}
}

func TestMemoryFeed_HistoryReturnsCopy(t *testing.T) {
	feed := NewMemoryFeed()
	ctx := context.Background()
	require.NoError(t, feed.Append(ctx, "BTC", points("10", "11")))

	got, err := feed.History(ctx, "BTC", time.Time{}, time.Time{})
	require.NoError(t, err)
	got[0].Value = decimal.NewFromInt(999)

	again, err := feed.History(ctx, "BTC", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, again[0].Value.Equal(decimal.NewFromInt(10)))
}

func TestCachedFeed_FallsBackToPrimaryWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })

	primary := NewMemoryFeed()
	feed := NewCachedFeed(primary, rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, feed.Append(ctx, "BTC", points("100", "101", "102")))

	got, err := feed.History(ctx, "BTC", day0.AddDate(0, 0, 1), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Value.Equal(decimal.NewFromInt(101)))

	_, err = feed.History(ctx, "XRP", time.Time{}, time.Time{})
	require.ErrorIs(t, err, ErrUnknownAsset)

	assets, err := feed.Assets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC"}, assets)
}

func TestReadCSV(t *testing.T) {
	in := strings.Join([]string{
		"time,value,volume",
		"# comment",
		"2024-01-01,100.5,7",
		"2024-01-02T12:00:00Z, 99",
		"2024-01-03 09:30:00,101.25",
	}, "\n")

	got, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.True(t, got[0].Time.Equal(day0))
	assert.True(t, got[0].Value.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, got[1].Time.Equal(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)))
	assert.True(t, got[1].Value.Equal(decimal.NewFromInt(99)))
	assert.True(t, got[2].Time.Equal(time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC)))
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bad value after header", "time,value\n2024-01-01,abc"},
		{"bad time", "yesterday,100"},
		{"single column", "2024-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.in))
			require.ErrorIs(t, err, ErrBadCSV)
		})
	}
}

func TestTruncateMicros(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []model.PricePoint{
		{Time: base.Add(1500 * time.Nanosecond), Value: decimal.NewFromInt(10)},
		{Time: base.Add(1900 * time.Nanosecond), Value: decimal.NewFromInt(11)},
	}

	// Sub-microsecond spacing is valid at nanosecond precision...
	require.NoError(t, checkAppend(time.Time{}, points))

	// ...but collides once stored as TIMESTAMPTZ, so it must be rejected.
	truncated := truncateMicros(points)
	assert.Equal(t, base.Add(time.Microsecond), truncated[0].Time)
	assert.Equal(t, base.Add(1900*time.Nanosecond), points[1].Time, "input must not be modified")
	require.ErrorIs(t, checkAppend(time.Time{}, truncated), ErrInvalidPoints)

	// Against a stored point in the same microsecond.
	err := checkAppend(base.Add(time.Microsecond), truncateMicros(points[:1]))
	require.ErrorIs(t, err, ErrInvalidPoints)
}
