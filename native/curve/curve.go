package curve

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrCurveExhausted indicates an evaluation beyond the curve's total
	// duration. Callers must treat this as fatal rather than assuming the
	// neutral factor.
	ErrCurveExhausted = errors.New("curve engine: blocks elapsed beyond curve duration")

	// ErrDirectionMismatch indicates two scaling factors on strictly
	// opposite sides of neutral participating in one evaluation.
	ErrDirectionMismatch = errors.New("curve engine: scaling direction mismatch")

	// ErrSupplementalTooLong indicates a supplemental curve with more
	// elements than the base it adjusts.
	ErrSupplementalTooLong = errors.New("curve engine: supplemental curve longer than base")
)

// Curve is an ordered sequence of elements. The total duration is the sum of
// all non-zero element durations; zero-duration elements are waypoints that
// re-anchor the factor at their offset without consuming blocks.
type Curve []Element

// TotalDuration sums the block spans of all elements.
func (c Curve) TotalDuration() uint64 {
	var total uint64
	for _, el := range c {
		total += uint64(el.Duration())
	}
	return total
}

// Evaluate resolves the scaling factor in force after blocksPassed blocks.
// The empty curve is neutral for every offset. For non-empty curves
// blocksPassed must be strictly below the total duration; anything at or past
// the end returns ErrCurveExhausted.
func (c Curve) Evaluate(blocksPassed uint64) (*big.Int, error) {
	if len(c) == 0 {
		return ScaleOne(), nil
	}

	var blocksCounted uint64
	var waypoint *big.Int
	for i, el := range c {
		duration := uint64(el.Duration())
		if duration == 0 {
			if blocksPassed < blocksCounted {
				continue
			}
			if waypoint != nil {
				// Only the first waypoint at a given offset is honored.
				continue
			}
			if blocksPassed == blocksCounted {
				return el.ScalingFactor(), nil
			}
			waypoint = el.ScalingFactor()
			continue
		}

		if blocksPassed < blocksCounted+duration {
			start := el.ScalingFactor()
			if waypoint != nil {
				start = waypoint
			}
			end := ScaleOne()
			if i+1 < len(c) {
				end = c[i+1].ScalingFactor()
			}
			if !SharesScalingDirection(start, end) {
				return nil, fmt.Errorf("%w: segment %d interpolates %s toward %s", ErrDirectionMismatch, i, start, end)
			}
			return interpolate(start, end, blocksPassed-blocksCounted, duration), nil
		}

		blocksCounted += duration
		waypoint = nil
	}

	return nil, fmt.Errorf("%w: %d elapsed, curve covers %d", ErrCurveExhausted, blocksPassed, blocksCounted)
}

// interpolate computes start + (end-start)*elapsed/duration with the rounding
// direction that never under-delivers a fill (round up above neutral) nor
// over-pays a claim (round down below neutral).
func interpolate(start, end *big.Int, elapsed, duration uint64) *big.Int {
	num := new(big.Int).Sub(end, start)
	num.Mul(num, new(big.Int).SetUint64(elapsed))
	quo, rem := new(big.Int).QuoRem(num, new(big.Int).SetUint64(duration), new(big.Int))
	result := new(big.Int).Add(start, quo)
	if rem.Sign() == 0 {
		return result
	}
	scale := ScaleOne()
	exactIn := start.Cmp(scale) > 0 || end.Cmp(scale) > 0
	if exactIn {
		// Quo truncates toward zero, so a negative numerator has already
		// been rounded up.
		if num.Sign() > 0 {
			result.Add(result, big.NewInt(1))
		}
	} else if num.Sign() < 0 {
		result.Sub(result, big.NewInt(1))
	}
	return result
}

// ApplySupplemental merges an adjuster-issued supplemental curve into a base
// curve. Factors combine as base + supplemental - Scale so a neutral
// supplemental element leaves the base untouched; durations always come from
// the base. Elements beyond the supplemental length are copied unchanged.
func ApplySupplemental(base, supplemental Curve) (Curve, error) {
	if len(supplemental) > len(base) {
		return nil, fmt.Errorf("%w: %d supplemental vs %d base", ErrSupplementalTooLong, len(supplemental), len(base))
	}
	combined := make(Curve, len(base))
	for i, el := range base {
		if i >= len(supplemental) {
			combined[i] = el
			continue
		}
		baseFactor := el.ScalingFactor()
		suppFactor := supplemental[i].ScalingFactor()
		if !SharesScalingDirection(baseFactor, suppFactor) {
			return nil, fmt.Errorf("%w: element %d combines %s with %s", ErrDirectionMismatch, i, baseFactor, suppFactor)
		}
		sum := baseFactor.Add(baseFactor, suppFactor)
		sum.Sub(sum, ScaleOne())
		merged, err := NewElement(el.Duration(), sum)
		if err != nil {
			return nil, fmt.Errorf("curve engine: element %d: %w", i, err)
		}
		combined[i] = merged
	}
	return combined, nil
}

// SharesScalingDirection reports whether two factors can participate in one
// evaluation: true unless one is strictly above neutral and the other
// strictly below.
func SharesScalingDirection(a, b *big.Int) bool {
	scale := ScaleOne()
	cmpA, cmpB := a.Cmp(scale), b.Cmp(scale)
	if cmpA == 0 || cmpB == 0 {
		return true
	}
	return (cmpA > 0) == (cmpB > 0)
}
