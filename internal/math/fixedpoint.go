package math

import (
	"math/big"
	"sync"
)

// PriceScale is the fixed-point value of a price of exactly 1 collateral unit per token.
const PriceScale int64 = 1_000_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 returns floor(numerator / denominator).
// numerator and denominator must be non-negative.
func DivideInt128(numerator *big.Int, denominator int64) int64 {
	quotient := getInt128()
	quotient.Quo(numerator, big.NewInt(denominator))
	result := quotient.Int64()
	putInt128(quotient)
	return result
}

// ComputeCost returns the collateral owed for quantity tokens at price,
// floor(quantity * price / PriceScale). Rounding down means a fill can never
// charge more than its limit price.
func ComputeCost(quantity, price int64) int64 {
	raw := MultiplyInt128(quantity, price)
	result := DivideInt128(raw, PriceScale)
	putInt128(raw)
	return result
}

// ValidPrice reports whether price is inside (0, PriceScale].
func ValidPrice(price int64) bool {
	return price > 0 && price <= PriceScale
}
