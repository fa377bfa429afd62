package auction

import (
	"errors"
	"fmt"
	"math/big"

	"blockclear/native/curve"
)

var (
	// ErrCurveWithoutAnchor rejects a non-empty price curve whose
	// adjustment carries no target block: time-indexed pricing is
	// meaningless without a temporal anchor.
	ErrCurveWithoutAnchor = errors.New("auction: price curve requires a target block")

	// ErrTargetBlockInFuture rejects fills landing before the adjuster's
	// start block.
	ErrTargetBlockInFuture = errors.New("auction: target block after fill block")

	// ErrGasBelowBaseFee rejects a gas price below the base fee; the fee
	// environment is malformed and must never be treated as a zero
	// priority fee.
	ErrGasBelowBaseFee = errors.New("auction: gas price below base fee")

	// ErrNegativeMultiplier rejects an exact-out derivation whose
	// priority-fee reduction would drive the multiplier below zero.
	ErrNegativeMultiplier = errors.New("auction: scaling multiplier underflow")
)

// DerivedAmounts is the outcome of one amount derivation: the per-component
// fill amounts, the per-commitment claim amounts and the multiplier that
// produced them.
type DerivedAmounts struct {
	FillAmounts  []*big.Int
	ClaimAmounts []*big.Int
	Multiplier   *big.Int
	ExactOut     bool
}

// ReductionFactor returns the multiplier when it reduces claims below
// neutral, or nil when the derivation settled at or above neutral. The
// returned value is what the disposition ledger persists.
func (d *DerivedAmounts) ReductionFactor() *big.Int {
	if d == nil || !d.ExactOut {
		return nil
	}
	if d.Multiplier.Cmp(curve.ScaleOne()) >= 0 {
		return nil
	}
	return new(big.Int).Set(d.Multiplier)
}

// DeriveAmounts combines the price-curve factor at the elapsed block offset
// with priority-fee scaling to produce fill and claim amounts. Exact-in fills
// scale the filler's outputs up from the minimums; exact-out fills scale the
// claimed inputs down from the maximums. It is a pure function of its
// arguments.
func DeriveAmounts(
	maxClaimAmounts []*big.Int,
	priceCurve curve.Curve,
	targetBlock uint64,
	block BlockContext,
	components []FillComponent,
	baselinePriorityFee *big.Int,
	scalingFactor *big.Int,
) (*DerivedAmounts, error) {
	if len(components) == 0 {
		return nil, errComponentCount
	}
	if len(maxClaimAmounts) == 0 {
		return nil, errCommitmentCount
	}
	for _, amount := range maxClaimAmounts {
		if err := checkAmount(amount); err != nil {
			return nil, err
		}
	}
	for _, comp := range components {
		if err := checkAmount(comp.MinimumAmount); err != nil {
			return nil, err
		}
	}
	scale := curve.ScaleOne()
	if scalingFactor == nil {
		scalingFactor = scale
	}

	var currentScalingFactor *big.Int
	if targetBlock == 0 {
		if len(priceCurve) != 0 {
			return nil, ErrCurveWithoutAnchor
		}
		currentScalingFactor = curve.ScaleOne()
	} else {
		if targetBlock > block.Number {
			return nil, fmt.Errorf("%w: target %d, fill %d", ErrTargetBlockInFuture, targetBlock, block.Number)
		}
		evaluated, err := priceCurve.Evaluate(block.Number - targetBlock)
		if err != nil {
			return nil, err
		}
		currentScalingFactor = evaluated
	}

	if !curve.SharesScalingDirection(scalingFactor, currentScalingFactor) {
		return nil, fmt.Errorf("%w: fill factor %s vs curve factor %s",
			curve.ErrDirectionMismatch, scalingFactor, currentScalingFactor)
	}

	priorityFeeAboveBaseline, err := priorityFeeAbove(block, baselinePriorityFee)
	if err != nil {
		return nil, err
	}

	exactIn := scalingFactor.Cmp(scale) > 0 ||
		(scalingFactor.Cmp(scale) == 0 && currentScalingFactor.Cmp(scale) >= 0)

	out := &DerivedAmounts{
		FillAmounts:  make([]*big.Int, len(components)),
		ClaimAmounts: make([]*big.Int, len(maxClaimAmounts)),
	}

	if exactIn {
		// multiplier = current + (scalingFactor - 1e18) * priorityFeeAboveBaseline
		bump := new(big.Int).Sub(scalingFactor, scale)
		bump.Mul(bump, priorityFeeAboveBaseline)
		out.Multiplier = new(big.Int).Add(currentScalingFactor, bump)
		for i, comp := range components {
			if comp.ApplyScaling {
				out.FillAmounts[i] = mulDivUp(comp.MinimumAmount, out.Multiplier)
			} else {
				out.FillAmounts[i] = new(big.Int).Set(comp.MinimumAmount)
			}
		}
		for i, max := range maxClaimAmounts {
			out.ClaimAmounts[i] = new(big.Int).Set(max)
		}
		return out, nil
	}

	// multiplier = current - (1e18 - scalingFactor) * priorityFeeAboveBaseline
	out.ExactOut = true
	cut := new(big.Int).Sub(scale, scalingFactor)
	cut.Mul(cut, priorityFeeAboveBaseline)
	out.Multiplier = new(big.Int).Sub(currentScalingFactor, cut)
	if out.Multiplier.Sign() < 0 {
		return nil, fmt.Errorf("%w: curve factor %s reduced by %s",
			ErrNegativeMultiplier, currentScalingFactor, cut)
	}
	for i, comp := range components {
		out.FillAmounts[i] = new(big.Int).Set(comp.MinimumAmount)
	}
	for i, max := range maxClaimAmounts {
		out.ClaimAmounts[i] = mulDivDown(max, out.Multiplier)
	}
	return out, nil
}

func priorityFeeAbove(block BlockContext, baseline *big.Int) (*big.Int, error) {
	gasPrice := orZero(block.GasPrice)
	baseFee := orZero(block.BaseFee)
	if gasPrice.Cmp(baseFee) < 0 {
		return nil, fmt.Errorf("%w: gas %s, base %s", ErrGasBelowBaseFee, gasPrice, baseFee)
	}
	above := new(big.Int).Sub(gasPrice, baseFee)
	above.Sub(above, orZero(baseline))
	if above.Sign() < 0 {
		return new(big.Int), nil
	}
	return above, nil
}

// mulDivUp computes amount*multiplier/1e18 rounding up, used on the exact-in
// side so truncation never under-delivers to a recipient.
func mulDivUp(amount, multiplier *big.Int) *big.Int {
	num := new(big.Int).Mul(amount, multiplier)
	den := curve.ScaleOne()
	num.Add(num, new(big.Int).Sub(den, big.NewInt(1)))
	return num.Quo(num, den)
}

// mulDivDown computes amount*multiplier/1e18 rounding down, used on the
// exact-out side so truncation never over-pays a claim.
func mulDivDown(amount, multiplier *big.Int) *big.Int {
	num := new(big.Int).Mul(amount, multiplier)
	return num.Quo(num, curve.ScaleOne())
}
