// Package symbol handles ticker normalization and validation, and splits
// currency-pair tickers into their base and quote legs.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches equity, option-root and future-root tickers: 1-10
// upper-case letters or digits, optionally with a single class suffix
// (BRK.B, BF-B).
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}([.\-][A-Z0-9]{1,4})?$`)

// pairRegex matches BASE.QUOTE, BASE/QUOTE and BASE-QUOTE currency pairs.
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})[./\-]([A-Z]{3,5})$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid ticker format")
	ErrNotAPair      = errors.New("symbol: not a currency pair")
)

// Pair is a parsed currency-pair ticker.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Join renders the pair with sep between the legs.
func (p Pair) Join(sep string) string {
	return p.Base + sep + p.Quote
}

// Normalize trims and upper-cases a ticker.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Validate checks that s (after normalization) is a well-formed ticker or
// currency pair and returns the normalized form.
func Validate(s string) (string, error) {
	n := Normalize(s)
	if n == "" {
		return "", fmt.Errorf("%w: empty symbol", ErrInvalidSymbol)
	}
	if tickerRegex.MatchString(n) || pairRegex.MatchString(n) {
		return n, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidSymbol, s)
}

// ParsePair splits a BASE.QUOTE style ticker. Six-letter forex tickers
// without a separator (EURUSD) are split 3/3.
func ParsePair(s string) (Pair, error) {
	n := Normalize(s)
	if m := pairRegex.FindStringSubmatch(n); m != nil {
		return Pair{Base: m[1], Quote: m[2]}, nil
	}
	if len(n) == 6 && isAlpha(n) {
		return Pair{Base: n[:3], Quote: n[3:]}, nil
	}
	return Pair{}, fmt.Errorf("%w: %s", ErrNotAPair, s)
}

// IsPair reports whether s parses as a currency pair.
func IsPair(s string) bool {
	_, err := ParsePair(s)
	return err == nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
