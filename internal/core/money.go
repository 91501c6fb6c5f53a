// Package core provides money parsing and handling utilities.
//
// Amounts are kept as integer cents. Parsing accepts both dot and comma
// decimal separators so administrators can type caps the way their locale
// writes them.
package core

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

type Money struct {
	Cents int64
}

var ErrInvalidAmount = errors.New("invalid amount")

// ParseDecimalToCents converts a decimal string to cents with proper rounding.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and performs
// half-up rounding on the third decimal place. Zero is accepted (a heading may
// have an empty cap); negative values and malformed input are rejected.
//
// Examples:
//
//	ParseDecimalToCents("12.34") -> 1234, nil
//	ParseDecimalToCents("12,34") -> 1234, nil
//	ParseDecimalToCents("12.345") -> 1235, nil (rounds up)
//	ParseDecimalToCents("0") -> 0, nil
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart + fracPart {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	// iv*100 plus up to 99 cents must stay within int64.
	if iv > (math.MaxInt64-99)/100 {
		return 0, ErrInvalidAmount
	}
	var fracCents int64
	if len(fracPart) > 0 {
		fracCents = int64(fracPart[0]-'0') * 10
		if len(fracPart) > 1 {
			fracCents += int64(fracPart[1] - '0')
			if len(fracPart) > 2 && fracPart[2] >= '5' {
				fracCents++
			}
		}
	}
	return iv*100 + fracCents, nil
}

// Validate requires a strictly positive amount, the rule for investment costs.
func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Add returns m + o.
func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// Sub returns m - o.
func (m Money) Sub(o Money) Money {
	return Money{Cents: m.Cents - o.Cents}
}

// Format renders the amount with the given currency symbol, e.g. "€1.234,50".
// Thousands use dots and decimals a comma, matching how budgets are published.
func (m Money) Format(symbol string) string {
	cents := m.Cents
	neg := cents < 0
	if neg {
		cents = -cents
	}
	whole := strconv.FormatInt(cents/100, 10)
	var grouped strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(r)
	}
	frac := strconv.FormatInt(cents%100, 10)
	if len(frac) == 1 {
		frac = "0" + frac
	}
	s := symbol + grouped.String() + "," + frac
	if neg {
		return "-" + s
	}
	return s
}
