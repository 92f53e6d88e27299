package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS price_points (
	asset TEXT    NOT NULL,
	ts    INTEGER NOT NULL,
	value TEXT    NOT NULL,
	PRIMARY KEY (asset, ts)
)`

// Compile-time interface checks.
var (
	_ PriceFeed = (*SQLiteFeed)(nil)
	_ PriceFeed = (*PostgresFeed)(nil)
	_ PriceFeed = (*MemoryFeed)(nil)
	_ PriceFeed = (*CachedFeed)(nil)
)

// SQLiteFeed implements PriceFeed on a local SQLite file. Timestamps are
// stored as Unix nanoseconds and prices as decimal text.
type SQLiteFeed struct {
	db *sql.DB
}

// OpenSQLiteFeed opens (or creates) a SQLite database at path and ensures the
// schema exists. Use ":memory:" for a throwaway database.
func OpenSQLiteFeed(ctx context.Context, path string) (*SQLiteFeed, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// ":memory:" databases live and die with a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteFeed{db: db}, nil
}

// Close closes the underlying database connection.
func (f *SQLiteFeed) Close() error {
	return f.db.Close()
}

func (f *SQLiteFeed) History(ctx context.Context, asset string, from, to time.Time) ([]model.PricePoint, error) {
	lo, hi := int64(-1<<63), int64(1<<63-1)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	if !to.IsZero() {
		hi = to.UnixNano()
	}

	rows, err := f.db.QueryContext(ctx,
		`SELECT ts, value FROM price_points
		 WHERE asset = ? AND ts >= ? AND ts <= ?
		 ORDER BY ts`, asset, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", asset, err)
	}
	defer rows.Close()

	points := []model.PricePoint{}
	for rows.Next() {
		var ts int64
		var value string
		if err := rows.Scan(&ts, &value); err != nil {
			return nil, err
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("history %s: bad price %q: %w", asset, value, err)
		}
		points = append(points, model.PricePoint{Time: time.Unix(0, ts).UTC(), Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(points) == 0 {
		var n int
		if err := f.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM price_points WHERE asset = ?`, asset).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
		}
	}
	return points, nil
}

func (f *SQLiteFeed) Append(ctx context.Context, asset string, points []model.PricePoint) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM price_points WHERE asset = ?`, asset).Scan(&last); err != nil {
		return fmt.Errorf("append %s: %w", asset, err)
	}
	var lastTime time.Time
	if last.Valid {
		lastTime = time.Unix(0, last.Int64).UTC()
	}
	if err := checkAppend(lastTime, points); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO price_points (asset, ts, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, asset, p.Time.UnixNano(), p.Value.String()); err != nil {
			return fmt.Errorf("append %s: %w", asset, err)
		}
	}
	return tx.Commit()
}

func (f *SQLiteFeed) Assets(ctx context.Context) ([]string, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT DISTINCT asset FROM price_points ORDER BY asset`)
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
