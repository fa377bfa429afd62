package auction

import (
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"blockclear/crypto"
	"blockclear/native/curve"
)

// Canonical hashing uses keccak256 over RLP of fixed mirror structures so the
// identifiers are stable across releases regardless of in-memory layout.

type componentPreimage struct {
	Token        []byte
	Minimum      *big.Int
	Recipient    []byte
	ApplyScaling bool
}

type fillPreimage struct {
	Expires    uint64
	Components []componentPreimage
	PriceCurve [][]byte
	Baseline   *big.Int
	Scaling    *big.Int
	Salt       [32]byte
}

type mandatePreimage struct {
	ChainID  uint64
	Sponsor  []byte
	Nonce    *big.Int
	Expires  uint64
	Adjuster []byte
	Fills    []fillPreimage
}

type commitmentPreimage struct {
	LockID [32]byte
	Token  []byte
	Max    *big.Int
}

type claimPreimage struct {
	ChainID     uint64
	Sponsor     []byte
	Nonce       *big.Int
	Expires     uint64
	Commitments []commitmentPreimage
	MandateHash [32]byte
}

type adjustmentPreimage struct {
	ClaimHash    [32]byte
	FillIndex    uint64
	TargetBlock  uint64
	Supplemental [][]byte
	Validity     [32]byte
}

func packCurve(c curve.Curve) [][]byte {
	out := make([][]byte, len(c))
	for i, el := range c {
		word := el.Pack().Bytes32()
		out[i] = word[:]
	}
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func keccakRLP(v interface{}) ([32]byte, error) {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return [32]byte{}, err
	}
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(encoded))
	return digest, nil
}

// Hash returns the mandate hash binding the sponsor's fills and adjuster.
func (m *Mandate) Hash() ([32]byte, error) {
	if m == nil {
		return [32]byte{}, errNilMandate
	}
	pre := mandatePreimage{
		ChainID:  m.ChainID,
		Sponsor:  m.Sponsor.Bytes(),
		Nonce:    orZero(m.Nonce),
		Expires:  m.Expires,
		Adjuster: m.Adjuster.Bytes(),
		Fills:    make([]fillPreimage, len(m.Fills)),
	}
	for i, fill := range m.Fills {
		components := make([]componentPreimage, len(fill.Components))
		for j, comp := range fill.Components {
			components[j] = componentPreimage{
				Token:        comp.Token.Bytes(),
				Minimum:      orZero(comp.MinimumAmount),
				Recipient:    comp.Recipient.Bytes(),
				ApplyScaling: comp.ApplyScaling,
			}
		}
		pre.Fills[i] = fillPreimage{
			Expires:    fill.Expires,
			Components: components,
			PriceCurve: packCurve(fill.PriceCurve),
			Baseline:   orZero(fill.BaselinePriorityFee),
			Scaling:    orZero(fill.ScalingFactor),
			Salt:       fill.Salt,
		}
	}
	return keccakRLP(pre)
}

// ClaimHash derives the deterministic identifier binding the escrowed
// commitments to this auction instance.
func ClaimHash(m *Mandate, commitments []Commitment) ([32]byte, error) {
	if m == nil {
		return [32]byte{}, errNilMandate
	}
	mandateHash, err := m.Hash()
	if err != nil {
		return [32]byte{}, err
	}
	return ClaimDigest(m.ChainID, m.Sponsor, m.Nonce, m.Expires, commitments, mandateHash)
}

// ClaimDigest computes the claim hash from its raw parts. Custodians use it
// to derive the identifier independently of the engine.
func ClaimDigest(chainID uint64, sponsor crypto.Address, nonce *big.Int, expires uint64, commitments []Commitment, mandateHash [32]byte) ([32]byte, error) {
	if len(commitments) == 0 {
		return [32]byte{}, errCommitmentCount
	}
	pre := claimPreimage{
		ChainID:     chainID,
		Sponsor:     sponsor.Bytes(),
		Nonce:       orZero(nonce),
		Expires:     expires,
		Commitments: make([]commitmentPreimage, len(commitments)),
		MandateHash: mandateHash,
	}
	for i, c := range commitments {
		pre.Commitments[i] = commitmentPreimage{
			LockID: c.LockID,
			Token:  c.Token.Bytes(),
			Max:    orZero(c.MaxAmount),
		}
	}
	return keccakRLP(pre)
}

// Digest returns the hash the adjuster signs, binding the adjustment to a
// specific claim hash.
func (a *Adjustment) Digest(claimHash [32]byte) ([32]byte, error) {
	if a == nil {
		return [32]byte{}, errNilAdjustment
	}
	var validity [32]byte
	if a.ValidityConditions != nil {
		validity = a.ValidityConditions.Bytes32()
	}
	return keccakRLP(adjustmentPreimage{
		ClaimHash:    claimHash,
		FillIndex:    a.FillIndex,
		TargetBlock:  a.TargetBlock,
		Supplemental: packCurve(a.SupplementalCurve),
		Validity:     validity,
	})
}
