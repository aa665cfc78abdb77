package symbols

import (
	"errors"
	"strings"
)

// ErrInvalidSymbol is returned for symbols containing anything other than
// uppercase Latin letters, digits and hyphens.
var ErrInvalidSymbol = errors.New("invalid symbol: only uppercase Latin letters, digits, hyphen")

const defaultQuote = "USDT"

// Normalize upper-cases sym and turns a bare ticker into a USDT pair.
// Examples:
//
//	zil      -> ZILUSDT
//	BTCUSDT  -> BTCUSDT
//	BTC-USD  -> BTC-USD
//
// The result is validated; ErrInvalidSymbol is returned when it contains
// characters outside A-Z, 0-9 and '-'.
func Normalize(sym string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(sym))
	if s != "" && !strings.Contains(s, "-") && !strings.HasSuffix(s, defaultQuote) {
		s += defaultQuote
	}
	if !Valid(s) {
		return "", ErrInvalidSymbol
	}
	return s, nil
}

// Valid reports whether s is non-empty and made of A-Z, 0-9 and '-' only.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// ToOKX converts a normalized symbol to an OKX perpetual swap instrument id.
// A hyphenated symbol is assumed to be BASE-QUOTE already.
//
//	BTCUSDT  -> BTC-USDT-SWAP
//	ETH-USDT -> ETH-USDT-SWAP
func ToOKX(sym string) string {
	if base, quote, ok := strings.Cut(sym, "-"); ok {
		return base + "-" + quote + "-SWAP"
	}
	if len(sym) > len(defaultQuote) && strings.HasSuffix(sym, defaultQuote) {
		return strings.TrimSuffix(sym, defaultQuote) + "-" + defaultQuote + "-SWAP"
	}
	return sym + "-SWAP"
}
