// Package symbol parses and validates asset symbols used to key price series.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: {BASE}[-/_]{QUOTE}?
// Examples: BTC, btc-usd, ETH/USDT, SPY
var symbolRegex = regexp.MustCompile(
	`^([A-Z0-9]{1,12})(?:[-/_]([A-Z0-9]{2,12}))?$`,
)

var ErrInvalidSymbol = errors.New("symbol: invalid asset symbol")

// Symbol is a parsed asset symbol.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote,omitempty"`
}

// Parse validates s and returns its canonical form. Case is ignored and
// "/" or "_" separators are treated like "-".
func Parse(s string) (Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE or BASE-QUOTE)", ErrInvalidSymbol, s)
	}
	if matches[1] == matches[2] {
		return Symbol{}, fmt.Errorf("%w: %q quotes itself", ErrInvalidSymbol, s)
	}
	return Symbol{Base: matches[1], Quote: matches[2]}, nil
}

// Normalize returns the canonical string for s.
func Normalize(s string) (string, error) {
	sym, err := Parse(s)
	if err != nil {
		return "", err
	}
	return sym.String(), nil
}

// String renders the canonical BASE or BASE-QUOTE form.
func (s Symbol) String() string {
	if s.Quote == "" {
		return s.Base
	}
	return s.Base + "-" + s.Quote
}
