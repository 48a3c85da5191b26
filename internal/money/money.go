// Package money provides shared amount parsing, formatting, and fee math.
//
// Escrow records account in a single unit with 6 decimal places. All
// amounts are stored as decimal strings and computed as big.Int in the
// smallest unit (1.000000 = 1,000,000 units).
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// BpsDenominator is the divisor for basis-point fee rates (10000 bps = 100%).
const BpsDenominator = 10000

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Fee computes a basis-point fee on an amount, truncating toward zero.
// A 250 bps fee on "100" is "2.500000". Returns ("", false) on invalid
// input or a rate outside [0, 10000].
func Fee(amount string, rateBps int) (string, bool) {
	if rateBps < 0 || rateBps > BpsDenominator {
		return "", false
	}
	amt, ok := Parse(amount)
	if !ok {
		return "", false
	}
	fee := new(big.Int).Mul(amt, big.NewInt(int64(rateBps)))
	fee.Div(fee, big.NewInt(BpsDenominator))
	return Format(fee), true
}

// Sub subtracts b from a and returns the formatted result.
// Returns ("", false) if either input is invalid or the result is negative.
func Sub(a, b string) (string, bool) {
	ai, ok := Parse(a)
	if !ok {
		return "", false
	}
	bi, ok := Parse(b)
	if !ok {
		return "", false
	}
	diff := new(big.Int).Sub(ai, bi)
	if diff.Sign() < 0 {
		return "", false
	}
	return Format(diff), true
}

// Add sums two amounts. Returns ("", false) if either input is invalid.
func Add(a, b string) (string, bool) {
	ai, ok := Parse(a)
	if !ok {
		return "", false
	}
	bi, ok := Parse(b)
	if !ok {
		return "", false
	}
	return Format(new(big.Int).Add(ai, bi)), true
}

// Cmp compares two amounts, returning -1, 0, or 1 like big.Int.Cmp.
// Returns (0, false) if either input is invalid.
func Cmp(a, b string) (int, bool) {
	ai, ok := Parse(a)
	if !ok {
		return 0, false
	}
	bi, ok := Parse(b)
	if !ok {
		return 0, false
	}
	return ai.Cmp(bi), true
}

// IsPositive reports whether s parses to an amount strictly greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}
