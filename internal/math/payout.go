package math

import (
	"errors"
	"math/big"
)

var (
	ErrPayoutLength  = errors.New("payout vector length does not match slot count")
	ErrPayoutAllZero = errors.New("payout vector has no non-zero weight")
)

// ValidatePayoutVector checks a vector of per-slot weights against slotCount.
func ValidatePayoutVector(weights []uint64, slotCount int) error {
	if len(weights) != slotCount {
		return ErrPayoutLength
	}
	if PayoutDenominator(weights).Sign() == 0 {
		return ErrPayoutAllZero
	}
	return nil
}

// PayoutDenominator returns Σ weights as an exact integer.
func PayoutDenominator(weights []uint64) *big.Int {
	total := new(big.Int)
	for _, w := range weights {
		total.Add(total, new(big.Int).SetUint64(w))
	}
	return total
}

// WeightedClaim returns Σ balances[i] * weights[i]. balances and weights must
// have the same length and balances must be non-negative.
func WeightedClaim(balances []int64, weights []uint64) *big.Int {
	claim := new(big.Int)
	term := new(big.Int)
	for i, b := range balances {
		if b == 0 || weights[i] == 0 {
			continue
		}
		term.SetUint64(weights[i])
		term.Mul(term, big.NewInt(b))
		claim.Add(claim, term)
	}
	return claim
}

// RedemptionAccumulator pays out weighted claims against a fixed denominator
// so that the running total paid is always floor(Σclaims / denominator).
// Once every outstanding token has been burned the total paid equals the
// collateral escrowed for the condition exactly, with no dust left behind.
type RedemptionAccumulator struct {
	numerator   *big.Int
	denominator *big.Int
}

// NewRedemptionAccumulator starts an accumulator for a resolved payout vector.
func NewRedemptionAccumulator(weights []uint64) *RedemptionAccumulator {
	return &RedemptionAccumulator{
		numerator:   new(big.Int),
		denominator: PayoutDenominator(weights),
	}
}

// RestoreRedemptionAccumulator rebuilds an accumulator from a persisted numerator.
func RestoreRedemptionAccumulator(weights []uint64, numerator *big.Int) *RedemptionAccumulator {
	acc := NewRedemptionAccumulator(weights)
	if numerator != nil {
		acc.numerator.Set(numerator)
	}
	return acc
}

// Quote returns the collateral owed for burning a claim without recording it.
func (a *RedemptionAccumulator) Quote(claim *big.Int) int64 {
	before := new(big.Int).Quo(a.numerator, a.denominator)
	after := new(big.Int).Add(a.numerator, claim)
	after.Quo(after, a.denominator)
	return after.Sub(after, before).Int64()
}

// Record adds a burned claim to the running numerator.
func (a *RedemptionAccumulator) Record(claim *big.Int) {
	a.numerator.Add(a.numerator, claim)
}

// Numerator returns a copy of the cumulative burned claim.
func (a *RedemptionAccumulator) Numerator() *big.Int {
	return new(big.Int).Set(a.numerator)
}

// Paid returns the total collateral paid so far.
func (a *RedemptionAccumulator) Paid() int64 {
	return new(big.Int).Quo(a.numerator, a.denominator).Int64()
}

// Reconciles reports whether the escrow left for a resolved condition is
// exactly what the outstanding tokens and the rounding carried by the
// accumulator account for: escrow*W - outstandingClaim == N mod W.
// Split and merge leave both sides unchanged, and each redemption moves the
// left side by exactly the change in N mod W.
func (a *RedemptionAccumulator) Reconciles(escrow int64, outstandingClaim *big.Int) bool {
	lhs := new(big.Int).Mul(big.NewInt(escrow), a.denominator)
	lhs.Sub(lhs, outstandingClaim)
	residual := new(big.Int).Mod(a.numerator, a.denominator)
	return lhs.Cmp(residual) == 0
}
