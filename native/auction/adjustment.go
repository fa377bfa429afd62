package auction

import (
	"bytes"
	"errors"
	"fmt"

	"blockclear/crypto"
)

var (
	errNilAdjustment = errors.New("auction: nil adjustment")

	// ErrNotExclusiveFiller rejects a caller other than the adjustment's
	// designated filler.
	ErrNotExclusiveFiller = errors.New("auction: caller is not the exclusive filler")

	// ErrOutsideValidWindow rejects a fill landing outside the
	// adjuster-issued block window.
	ErrOutsideValidWindow = errors.New("auction: fill block outside validity window")

	// ErrBadAdjustmentSignature rejects an adjustment whose signature does
	// not resolve to the mandate's adjuster.
	ErrBadAdjustmentSignature = errors.New("auction: adjustment signature invalid")
)

// SignatureVerifier authenticates an adjuster's signature over a digest.
// The default implementation performs ECDSA recovery; deployments fronting
// smart-account adjusters substitute a contract-aware verifier.
type SignatureVerifier interface {
	Verify(signer crypto.Address, digest [32]byte, sig []byte) error
}

// ECDSAVerifier verifies plain secp256k1 signatures by public key recovery.
type ECDSAVerifier struct{}

func (ECDSAVerifier) Verify(signer crypto.Address, digest [32]byte, sig []byte) error {
	recovered, err := crypto.RecoverSigner(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadAdjustmentSignature, err)
	}
	if !bytes.Equal(recovered.Bytes(), signer.Bytes()) {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrBadAdjustmentSignature, recovered, signer)
	}
	return nil
}

// CheckValidityConditions gates who may fill and when. The zero filler admits
// any caller; window semantics follow the packed encoding: 0 unrestricted,
// 1 the target block exactly, N a window of N blocks from the target block.
func (a *Adjustment) CheckValidityConditions(caller crypto.Address, fillBlock uint64) error {
	if a == nil {
		return errNilAdjustment
	}
	conditions, err := DecodeValidityConditions(a.ValidityConditions)
	if err != nil {
		return err
	}
	if !conditions.ExclusiveFiller.IsZero() && conditions.ExclusiveFiller != caller {
		return fmt.Errorf("%w: reserved for %s", ErrNotExclusiveFiller, conditions.ExclusiveFiller)
	}
	window := conditions.ValidBlockWindow
	if window == 0 {
		return nil
	}
	if fillBlock < a.TargetBlock || fillBlock >= a.TargetBlock+window {
		return fmt.Errorf("%w: block %d, window [%d, %d)",
			ErrOutsideValidWindow, fillBlock, a.TargetBlock, a.TargetBlock+window)
	}
	return nil
}

// VerifySignature authenticates the adjustment against the mandate's adjuster
// for the given claim hash. Engines call this after amounts are derived but
// strictly before any token movement.
func (a *Adjustment) VerifySignature(adjuster crypto.Address, claimHash [32]byte, verifier SignatureVerifier) error {
	if a == nil {
		return errNilAdjustment
	}
	if verifier == nil {
		verifier = ECDSAVerifier{}
	}
	digest, err := a.Digest(claimHash)
	if err != nil {
		return err
	}
	return verifier.Verify(adjuster, digest, a.Signature)
}
