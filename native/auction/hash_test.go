package auction

import (
	"math/big"
	"testing"

	"blockclear/native/curve"
)

func testMandate() *Mandate {
	return &Mandate{
		ChainID:  7,
		Sponsor:  testAddress(0x11),
		Nonce:    big.NewInt(42),
		Expires:  5000,
		Adjuster: testAddress(0x22),
		Fills: []Fill{{
			Expires: 4000,
			Components: []FillComponent{{
				Token:         testAddress(0x33),
				MinimumAmount: big.NewInt(1000),
				Recipient:     testAddress(0x44),
				ApplyScaling:  true,
			}},
			PriceCurve:          curve.Curve{curve.MustElement(30, factor(1500))},
			BaselinePriorityFee: big.NewInt(2),
			ScalingFactor:       factor(1000),
			Salt:                [32]byte{0x01},
		}},
	}
}

func testCommitments() []Commitment {
	return []Commitment{{
		LockID:    [32]byte{0xAA},
		Token:     testAddress(0x33),
		MaxAmount: big.NewInt(5000),
	}}
}

func TestMandateHashDeterministic(t *testing.T) {
	a, err := testMandate().Hash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := testMandate().Hash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatal("identical mandates hash differently")
	}
	if a == ([32]byte{}) {
		t.Fatal("zero hash")
	}
}

func TestMandateHashBindsSalt(t *testing.T) {
	base, err := testMandate().Hash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	salted := testMandate()
	salted.Fills[0].Salt = [32]byte{0x02}
	changed, err := salted.Hash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base == changed {
		t.Fatal("salt change did not alter the mandate hash")
	}
}

func TestClaimHashMatchesClaimDigest(t *testing.T) {
	mandate := testMandate()
	commitments := testCommitments()

	viaMandate, err := ClaimHash(mandate, commitments)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mandateHash, err := mandate.Hash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	viaParts, err := ClaimDigest(mandate.ChainID, mandate.Sponsor, mandate.Nonce, mandate.Expires, commitments, mandateHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if viaMandate != viaParts {
		t.Fatal("ClaimDigest disagrees with ClaimHash")
	}
}

func TestClaimHashBindsCommitments(t *testing.T) {
	mandate := testMandate()
	base, err := ClaimHash(mandate, testCommitments())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	altered := testCommitments()
	altered[0].MaxAmount = big.NewInt(5001)
	changed, err := ClaimHash(mandate, altered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base == changed {
		t.Fatal("commitment change did not alter the claim hash")
	}
}

func TestClaimHashRequiresCommitments(t *testing.T) {
	if _, err := ClaimHash(testMandate(), nil); err == nil {
		t.Fatal("empty commitment set accepted")
	}
}

func TestAdjustmentDigestBindsClaimHash(t *testing.T) {
	adjustment := &Adjustment{FillIndex: 0, TargetBlock: 90}
	a, err := adjustment.Digest([32]byte{0x01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := adjustment.Digest([32]byte{0x02})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatal("digest ignores the claim hash")
	}
}
