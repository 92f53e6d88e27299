package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS price_points (
	asset TEXT        NOT NULL,
	ts    TIMESTAMPTZ NOT NULL,
	value NUMERIC     NOT NULL CHECK (value > 0),
	PRIMARY KEY (asset, ts)
)`

// PostgresFeed implements PriceFeed using PostgreSQL as the source of truth.
// Prices are stored as NUMERIC for exact decimal precision.
type PostgresFeed struct {
	pool *pgxpool.Pool
}

// NewPostgresFeed creates a new PostgreSQL-backed feed.
func NewPostgresFeed(pool *pgxpool.Pool) *PostgresFeed {
	return &PostgresFeed{pool: pool}
}

// Migrate creates the price table if it does not exist.
func (f *PostgresFeed) Migrate(ctx context.Context) error {
	_, err := f.pool.Exec(ctx, postgresSchema)
	return err
}

func (f *PostgresFeed) History(ctx context.Context, asset string, from, to time.Time) ([]model.PricePoint, error) {
	rows, err := f.pool.Query(ctx,
		`SELECT ts, value::TEXT
		 FROM price_points
		 WHERE asset = $1
		   AND ($2::TIMESTAMPTZ IS NULL OR ts >= $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR ts <= $3)
		 ORDER BY ts`,
		asset, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", asset, err)
	}
	defer rows.Close()

	points := []model.PricePoint{}
	for rows.Next() {
		var p model.PricePoint
		var value string
		if err := rows.Scan(&p.Time, &value); err != nil {
			return nil, err
		}
		if p.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("history %s: bad price %q: %w", asset, value, err)
		}
		p.Time = p.Time.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(points) == 0 {
		var exists bool
		if err := f.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM price_points WHERE asset = $1)`, asset).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
		}
	}
	return points, nil
}

// Append inserts points in one transaction after checking them against the
// latest stored timestamp. Timestamps are truncated to the microsecond
// TIMESTAMPTZ keeps before they are checked.
func (f *PostgresFeed) Append(ctx context.Context, asset string, points []model.PricePoint) error {
	points = truncateMicros(points)

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serialize appends per asset.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, asset); err != nil {
		return err
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(ts) FROM price_points WHERE asset = $1`, asset).Scan(&last); err != nil {
		return fmt.Errorf("append %s: %w", asset, err)
	}
	var lastTime time.Time
	if last != nil {
		lastTime = *last
	}
	if err := checkAppend(lastTime, points); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(
			`INSERT INTO price_points (asset, ts, value) VALUES ($1, $2, $3::NUMERIC)`,
			asset, p.Time, p.Value.String(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append %s: %w", asset, err)
	}
	return tx.Commit(ctx)
}

func (f *PostgresFeed) Assets(ctx context.Context) ([]string, error) {
	rows, err := f.pool.Query(ctx, `SELECT DISTINCT asset FROM price_points ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assets := []string{}
	for rows.Next() {
		var asset string
		if err := rows.Scan(&asset); err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// truncateMicros returns a copy of points at TIMESTAMPTZ precision.
func truncateMicros(points []model.PricePoint) []model.PricePoint {
	out := make([]model.PricePoint, len(points))
	for i, p := range points {
		out[i] = model.PricePoint{Time: p.Time.Truncate(time.Microsecond), Value: p.Value}
	}
	return out
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
