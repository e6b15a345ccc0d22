// Package usdc converts between on-chain token base units and USD amounts.
//
// Token values arrive as uint256 integers in the token's smallest unit
// (USDC: 6 decimals, 1 USDC = 1,000,000 units). Dollar amounts are handled
// as shopspring decimals so bounds checks never go through float64.
package usdc

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// ToUSD converts a base-unit amount to dollars for a token with the given
// decimals. A stablecoin is assumed to be pegged 1:1.
func ToUSD(value *big.Int, decimals int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, int32(-decimals))
}

// FromUSD converts dollars to base units, truncating below the token's
// smallest unit.
func FromUSD(usd decimal.Decimal, decimals int) *big.Int {
	return usd.Shift(int32(decimals)).Truncate(0).BigInt()
}

// Parse converts a decimal string (e.g. "1.50") to its 6-decimal base-unit
// representation (1500000). Returns (nil, false) on invalid or negative
// input. Digits beyond the sixth decimal place are truncated.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return nil, false
	}
	return FromUSD(d, Decimals), true
}

// Format renders a 6-decimal base-unit amount with exactly six decimal
// places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	return ToUSD(amount, Decimals).StringFixed(Decimals)
}

// Bounds is an inclusive dollar range.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// ParseBounds builds Bounds from decimal strings such as "0.01" and "10000".
func ParseBounds(minUSD, maxUSD string) (Bounds, error) {
	lo, err := decimal.NewFromString(minUSD)
	if err != nil {
		return Bounds{}, fmt.Errorf("usdc: invalid minimum %q: %w", minUSD, err)
	}
	hi, err := decimal.NewFromString(maxUSD)
	if err != nil {
		return Bounds{}, fmt.Errorf("usdc: invalid maximum %q: %w", maxUSD, err)
	}
	if lo.GreaterThan(hi) {
		return Bounds{}, fmt.Errorf("usdc: minimum %s exceeds maximum %s", lo, hi)
	}
	return Bounds{Min: lo, Max: hi}, nil
}

// Contains reports whether lo <= usd <= hi.
func (b Bounds) Contains(usd decimal.Decimal) bool {
	return !usd.LessThan(b.Min) && !usd.GreaterThan(b.Max)
}
