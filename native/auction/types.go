package auction

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"blockclear/crypto"
	"blockclear/native/curve"
)

var (
	errNilMandate      = errors.New("auction: nil mandate")
	errNoFills         = errors.New("auction: mandate carries no fills")
	errFillIndexRange  = errors.New("auction: fill index out of range")
	errWindowOverflow  = errors.New("auction: validity block window exceeds 64 bits")
	errNilAmount       = errors.New("auction: nil amount")
	errNegativeAmount  = errors.New("auction: negative amount")
	errComponentCount  = errors.New("auction: fill requires at least one component")
	errCommitmentCount = errors.New("auction: at least one commitment required")
)

// FillComponent is one output leg of a fill: a token owed to a recipient,
// with the minimum amount acting as the floor for competitive scaling.
// Components that opt out of scaling always settle at the minimum.
type FillComponent struct {
	Token         crypto.Address
	MinimumAmount *big.Int
	Recipient     crypto.Address
	ApplyScaling  bool
}

// Fill is one concrete settlement option within a mandate. The price curve
// shapes the scaling factor over elapsed blocks from the adjuster's target
// block; ScalingFactor is the per-priority-fee-wei multiplier slope.
type Fill struct {
	Expires             uint64
	Components          []FillComponent
	PriceCurve          curve.Curve
	BaselinePriorityFee *big.Int
	ScalingFactor       *big.Int
	Salt                [32]byte
}

// Mandate is the sponsor-signed auction: the candidate fills and the adjuster
// empowered to activate one of them.
type Mandate struct {
	ChainID  uint64
	Sponsor  crypto.Address
	Nonce    *big.Int
	Expires  uint64
	Adjuster crypto.Address
	Fills    []Fill
}

// Fill returns the fill at index, guarding the bound.
func (m *Mandate) Fill(index uint64) (*Fill, error) {
	if m == nil {
		return nil, errNilMandate
	}
	if len(m.Fills) == 0 {
		return nil, errNoFills
	}
	if index >= uint64(len(m.Fills)) {
		return nil, fmt.Errorf("%w: %d of %d", errFillIndexRange, index, len(m.Fills))
	}
	return &m.Fills[index], nil
}

// Commitment is one escrowed lock backing the auction, as reported by the
// external lock-custody system.
type Commitment struct {
	LockID    [32]byte
	Token     crypto.Address
	MaxAmount *big.Int
}

// Adjustment is the adjuster-signed activation of a fill: its start block, an
// optional supplemental curve and packed validity conditions.
type Adjustment struct {
	FillIndex          uint64
	TargetBlock        uint64
	SupplementalCurve  curve.Curve
	ValidityConditions *uint256.Int
	Signature          []byte
}

// ValidityConditions is the unpacked form of the adjustment's packed
// restriction word.
type ValidityConditions struct {
	// ExclusiveFiller restricts who may fill; the zero address permits any
	// caller.
	ExclusiveFiller crypto.Address
	// ValidBlockWindow bounds when the fill may land: 0 is unrestricted,
	// 1 demands the target block exactly, N>1 allows a window of N blocks
	// starting at the target block.
	ValidBlockWindow uint64
}

// Packed validity word layout: low 160 bits exclusive filler, bits 255..160
// the 96-bit block window.
const validityWindowShift = 160

// PackValidityConditions encodes the restriction word.
func PackValidityConditions(v ValidityConditions) *uint256.Int {
	word := new(uint256.Int).Lsh(uint256.NewInt(v.ValidBlockWindow), validityWindowShift)
	var addr uint256.Int
	addr.SetBytes(v.ExclusiveFiller.Bytes())
	return word.Or(word, &addr)
}

// DecodeValidityConditions unpacks the restriction word. A window that does
// not fit 64 bits is rejected as malformed rather than truncated.
func DecodeValidityConditions(word *uint256.Int) (ValidityConditions, error) {
	if word == nil {
		return ValidityConditions{}, nil
	}
	window := new(uint256.Int).Rsh(word, validityWindowShift)
	if !window.IsUint64() {
		return ValidityConditions{}, errWindowOverflow
	}
	fillerWord := new(uint256.Int).And(word, fillerMask)
	filler := crypto.MustAddress(fillerWord.PaddedBytes(20))
	return ValidityConditions{
		ExclusiveFiller:  filler,
		ValidBlockWindow: window.Uint64(),
	}, nil
}

var fillerMask = func() *uint256.Int {
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), validityWindowShift)
	return mask.Sub(mask, uint256.NewInt(1))
}()

// BlockContext carries the per-call chain observations every derivation needs:
// the landing block plus the fee environment of the triggering transaction.
type BlockContext struct {
	Number    uint64
	Timestamp uint64
	BaseFee   *big.Int
	GasPrice  *big.Int
}

func checkAmount(amount *big.Int) error {
	if amount == nil {
		return errNilAmount
	}
	if amount.Sign() < 0 {
		return errNegativeAmount
	}
	return nil
}
