package curve

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Scale is the fixed-point denominator for scaling factors. A factor equal to
// Scale is neutral, above it scales fill amounts up (exact-in), below it
// scales claim amounts down (exact-out).
const Scale = 1e18

var (
	errNegativeFactor = errors.New("curve engine: scaling factor must be non-negative")

	// ErrFactorOverflow indicates a scaling factor outside the 240-bit
	// field of a packed curve element.
	ErrFactorOverflow = errors.New("curve engine: scaling factor exceeds 240 bits")
)

// Packed element word layout, most significant bits first:
//
//	bits 255..240  duration (uint16, block count)
//	bits 239..0    scaling factor (uint240, Scale-denominated fixed point)
const (
	durationShift = 240
	factorBits    = 240
)

// factorMask covers the low 240 bits of a packed word.
var factorMask = func() *uint256.Int {
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), factorBits)
	return mask.Sub(mask, uint256.NewInt(1))
}()

// ScaleOne returns Scale as a fresh big.Int.
func ScaleOne() *big.Int { return big.NewInt(Scale) }

// Element is one entry of a price curve: a block duration paired with the
// scaling factor in force at the start of that span. A zero duration marks a
// waypoint rather than an interval.
type Element struct {
	duration uint16
	factor   *big.Int
}

// NewElement validates the factor against the packed 240-bit field and
// returns the element.
func NewElement(duration uint16, factor *big.Int) (Element, error) {
	if factor == nil || factor.Sign() < 0 {
		return Element{}, errNegativeFactor
	}
	if factor.BitLen() > factorBits {
		return Element{}, fmt.Errorf("%w: %s", ErrFactorOverflow, factor)
	}
	return Element{duration: duration, factor: new(big.Int).Set(factor)}, nil
}

// MustElement is NewElement panicking on error. Reserved for tests and
// compile-time constant curves.
func MustElement(duration uint16, factor *big.Int) Element {
	el, err := NewElement(duration, factor)
	if err != nil {
		panic(err)
	}
	return el
}

// Duration returns the block span covered by the element.
func (e Element) Duration() uint16 { return e.duration }

// ScalingFactor returns a copy of the element's scaling factor.
func (e Element) ScalingFactor() *big.Int {
	if e.factor == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(e.factor)
}

// Pack encodes the element into its single-word wire form.
func (e Element) Pack() *uint256.Int {
	word := new(uint256.Int).Lsh(uint256.NewInt(uint64(e.duration)), durationShift)
	factor, _ := uint256.FromBig(e.factor)
	return word.Or(word, factor)
}

// Unpack decodes a packed curve element word.
func Unpack(word *uint256.Int) Element {
	if word == nil {
		return Element{factor: new(big.Int)}
	}
	duration := uint16(new(uint256.Int).Rsh(word, durationShift).Uint64())
	factor := new(uint256.Int).And(word, factorMask)
	return Element{duration: duration, factor: factor.ToBig()}
}
