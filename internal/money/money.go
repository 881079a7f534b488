// Package money implements fixed-point arithmetic on decimal amount strings.
//
// The engine carries monetary amounts as major-currency decimal strings
// ("200.00"). The payment gateway boundary uses integer minor units; ToMinor
// and FromMinor are the only sanctioned conversions. Two decimal places,
// rounding to the nearest minor unit.
package money

import (
	"strconv"
	"strings"
)

// decimals is the number of minor-unit digits (cents).
const decimals = 2

// ToMinor parses a decimal amount string into minor units.
// "1.5" → 150, "-0.05" → -5. Empty string parses as zero.
func ToMinor(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}

	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	// Pad or trim to 2 decimals; a third digit is not representable.
	for len(frac) < decimals {
		frac += "0"
	}
	if len(frac) > decimals {
		return 0, false
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

// FromMinor formats minor units as a decimal amount string.
// 150 → "1.50", -5 → "-0.05".
func FromMinor(m int64) string {
	neg := m < 0
	if neg {
		m = -m
	}
	s := strconv.FormatInt(m, 10)
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// IsValid reports whether s parses as a non-negative amount.
func IsValid(s string) bool {
	m, ok := ToMinor(s)
	return ok && m >= 0
}

// IsPositive reports whether s parses as a strictly positive amount.
func IsPositive(s string) bool {
	m, ok := ToMinor(s)
	return ok && m > 0
}

// Add returns a+b. Both operands must parse; callers validate first.
func Add(a, b string) string {
	am, _ := ToMinor(a)
	bm, _ := ToMinor(b)
	return FromMinor(am + bm)
}

// Sub returns a-b.
func Sub(a, b string) string {
	am, _ := ToMinor(a)
	bm, _ := ToMinor(b)
	return FromMinor(am - bm)
}

// Cmp compares two amounts: -1 if a<b, 0 if equal, 1 if a>b.
func Cmp(a, b string) int {
	am, _ := ToMinor(a)
	bm, _ := ToMinor(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	default:
		return 0
	}
}

// ShareBPS returns the given basis-point share of an amount, rounded to the
// nearest minor unit. ShareBPS("60.00", 5000) → "30.00".
func ShareBPS(amount string, bps int) string {
	m, _ := ToMinor(amount)
	// Round half away from zero.
	num := m*int64(bps) + 5000
	if m < 0 {
		num = m*int64(bps) - 5000
	}
	return FromMinor(num / 10000)
}

// PercentOf returns pct percent of amount, rounded to the nearest minor unit.
func PercentOf(amount string, pct int) string {
	return ShareBPS(amount, pct*100)
}
