// Package amount provides checked arithmetic for token amounts.
//
// Amounts are int64 counts of the asset's smallest unit. Every operation
// reports overflow instead of wrapping.
package amount

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	ErrOverflow    = errors.New("amount overflow")
	ErrNegative    = errors.New("amount must not be negative")
	ErrNotPositive = errors.New("amount must be positive")
	ErrMalformed   = errors.New("malformed amount")
)

// Add returns a+b, or ErrOverflow if the result does not fit in int64.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, or ErrOverflow if the result does not fit in int64.
func Sub(a, b int64) (int64, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// Sum adds all values with overflow detection. Negative values are rejected.
func Sum(values ...int64) (int64, error) {
	var total int64
	for _, v := range values {
		if v < 0 {
			return 0, ErrNegative
		}
		next, err := Add(total, v)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

// Positive returns ErrNotPositive unless v > 0.
func Positive(v int64) error {
	if v <= 0 {
		return ErrNotPositive
	}
	return nil
}

// Parse converts a base-10 integer string (e.g. "1500") into an amount.
// Leading "+" and surrounding whitespace are accepted; fractions are not.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, ".eE") {
		return 0, ErrMalformed
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, ErrOverflow
		}
		return 0, ErrMalformed
	}
	if v < 0 {
		return 0, ErrNegative
	}
	return v, nil
}
