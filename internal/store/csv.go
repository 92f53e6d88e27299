package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrBadCSV is returned for rows that cannot be read as a price point.
var ErrBadCSV = errors.New("store: malformed price csv")

// dateLayouts are tried in order for the time column.
var dateLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

// ReadCSV reads "time,value" rows. A header row is skipped when its value
// column is not a number. Extra columns are ignored. Rows are returned in
// file order; ordering is checked by the caller.
func ReadCSV(r io.Reader) ([]model.PricePoint, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	points := []model.PricePoint{}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return points, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadCSV, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: line %d: want time,value", ErrBadCSV, line)
		}

		value, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%w: line %d: bad value %q", ErrBadCSV, line, rec[1])
		}
		ts, err := parseTime(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadCSV, line, err)
		}
		points = append(points, model.PricePoint{Time: ts, Value: value})
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad time %q", s)
}
