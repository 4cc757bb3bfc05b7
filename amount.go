package x402

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CompareAmounts compares two atomic-unit amounts. It returns -1, 0 or 1.
func CompareAmounts(a, b string) (int, error) {
	da, err := parseAtomic(a)
	if err != nil {
		return 0, err
	}
	db, err := parseAtomic(b)
	if err != nil {
		return 0, err
	}
	return da.Cmp(db), nil
}

// ToCents converts an atomic-unit amount of a token with the given decimals into
// cents of its reference currency, rounding up so the provider never under-charges.
func ToCents(amount string, decimals int) (int64, error) {
	d, err := parseAtomic(amount)
	if err != nil {
		return 0, err
	}
	cents := d.Shift(int32(2 - decimals)).Ceil()
	if !cents.IsPositive() {
		return 0, fmt.Errorf("amount %s is below one cent", amount)
	}
	return cents.IntPart(), nil
}

func parseAtomic(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsInteger() || d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: must be a non-negative integer", s)
	}
	return d, nil
}
