package auction

import (
	"errors"
	"math/big"
	"testing"

	"blockclear/crypto"
	"blockclear/native/curve"
)

// factor builds a Scale-denominated fixed-point value from thousandths.
func factor(milli int64) *big.Int {
	out := big.NewInt(milli)
	return out.Mul(out, big.NewInt(curve.Scale/1000))
}

func testAddress(fill byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.MustAddress(raw)
}

func feeBlock(number uint64, gasPrice, baseFee int64) BlockContext {
	return BlockContext{
		Number:   number,
		BaseFee:  big.NewInt(baseFee),
		GasPrice: big.NewInt(gasPrice),
	}
}

func TestDeriveExactInPriorityFeeScaling(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02), ApplyScaling: true},
		{Token: testAddress(0x03), MinimumAmount: big.NewInt(700), Recipient: testAddress(0x02)},
	}
	maxClaims := []*big.Int{big.NewInt(5000)}
	scaling := new(big.Int).Add(factor(1000), big.NewInt(2))

	derived, err := DeriveAmounts(maxClaims, nil, 0, feeBlock(100, 10, 3), components, big.NewInt(2), scaling)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if derived.ExactOut {
		t.Fatal("expected exact-in")
	}
	// fee above baseline = (10-3)-2 = 5, multiplier = 1e18 + 2*5.
	wantMultiplier := new(big.Int).Add(factor(1000), big.NewInt(10))
	if derived.Multiplier.Cmp(wantMultiplier) != 0 {
		t.Fatalf("multiplier: got %s, want %s", derived.Multiplier, wantMultiplier)
	}
	// 1000 * (1e18+10) / 1e18 rounds up to 1001.
	if got := derived.FillAmounts[0]; got.Cmp(big.NewInt(1001)) != 0 {
		t.Fatalf("scaled component: got %s, want 1001", got)
	}
	if got := derived.FillAmounts[1]; got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("unscaled component: got %s, want the minimum", got)
	}
	if got := derived.ClaimAmounts[0]; got.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("claim: got %s, want full maximum", got)
	}
	if derived.ReductionFactor() != nil {
		t.Fatal("exact-in must not record a reduction factor")
	}
}

func TestDeriveExactOutReducesClaims(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02), ApplyScaling: true},
	}
	maxClaims := []*big.Int{factor(1000)}
	scaling := new(big.Int).Sub(factor(1000), big.NewInt(2))

	derived, err := DeriveAmounts(maxClaims, nil, 0, feeBlock(100, 10, 3), components, big.NewInt(2), scaling)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !derived.ExactOut {
		t.Fatal("expected exact-out")
	}
	wantMultiplier := new(big.Int).Sub(factor(1000), big.NewInt(10))
	if derived.Multiplier.Cmp(wantMultiplier) != 0 {
		t.Fatalf("multiplier: got %s, want %s", derived.Multiplier, wantMultiplier)
	}
	if got := derived.FillAmounts[0]; got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("fill: got %s, want the minimum", got)
	}
	if got := derived.ClaimAmounts[0]; got.Cmp(wantMultiplier) != 0 {
		t.Fatalf("claim: got %s, want %s", got, wantMultiplier)
	}
	reduction := derived.ReductionFactor()
	if reduction == nil || reduction.Cmp(wantMultiplier) != 0 {
		t.Fatalf("reduction factor: got %v, want %s", reduction, wantMultiplier)
	}
}

func TestDeriveCurveAnchoredAtTargetBlock(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02), ApplyScaling: true},
	}
	priceCurve := curve.Curve{curve.MustElement(30, factor(1500))}

	derived, err := DeriveAmounts([]*big.Int{big.NewInt(5000)}, priceCurve, 90,
		feeBlock(105, 3, 3), components, nil, factor(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if derived.Multiplier.Cmp(factor(1250)) != 0 {
		t.Fatalf("multiplier: got %s, want %s", derived.Multiplier, factor(1250))
	}
	if got := derived.FillAmounts[0]; got.Cmp(big.NewInt(1250)) != 0 {
		t.Fatalf("fill: got %s, want 1250", got)
	}
}

func TestDeriveCurveWithoutAnchor(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02)},
	}
	priceCurve := curve.Curve{curve.MustElement(30, factor(1500))}

	_, err := DeriveAmounts([]*big.Int{big.NewInt(1)}, priceCurve, 0,
		feeBlock(100, 3, 3), components, nil, factor(1000))
	if !errors.Is(err, ErrCurveWithoutAnchor) {
		t.Fatalf("got %v, want ErrCurveWithoutAnchor", err)
	}
}

func TestDeriveTargetBlockInFuture(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02)},
	}
	_, err := DeriveAmounts([]*big.Int{big.NewInt(1)}, nil, 200,
		feeBlock(100, 3, 3), components, nil, factor(1000))
	if !errors.Is(err, ErrTargetBlockInFuture) {
		t.Fatalf("got %v, want ErrTargetBlockInFuture", err)
	}
}

func TestDeriveGasBelowBaseFee(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02)},
	}
	_, err := DeriveAmounts([]*big.Int{big.NewInt(1)}, nil, 0,
		feeBlock(100, 2, 3), components, nil, factor(1000))
	if !errors.Is(err, ErrGasBelowBaseFee) {
		t.Fatalf("got %v, want ErrGasBelowBaseFee", err)
	}
}

func TestDeriveBaselineAbsorbsFee(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02), ApplyScaling: true},
	}
	scaling := new(big.Int).Add(factor(1000), big.NewInt(7))

	// Baseline above the actual priority fee clamps the surplus to zero.
	derived, err := DeriveAmounts([]*big.Int{big.NewInt(1)}, nil, 0,
		feeBlock(100, 5, 3), components, big.NewInt(10), scaling)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if derived.Multiplier.Cmp(factor(1000)) != 0 {
		t.Fatalf("multiplier: got %s, want neutral", derived.Multiplier)
	}
}

func TestDeriveNegativeMultiplier(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02)},
	}
	_, err := DeriveAmounts([]*big.Int{big.NewInt(1)}, nil, 0,
		feeBlock(100, 5, 3), components, nil, new(big.Int))
	if !errors.Is(err, ErrNegativeMultiplier) {
		t.Fatalf("got %v, want ErrNegativeMultiplier", err)
	}
}

func TestDeriveDirectionMismatch(t *testing.T) {
	components := []FillComponent{
		{Token: testAddress(0x01), MinimumAmount: big.NewInt(1000), Recipient: testAddress(0x02)},
	}
	priceCurve := curve.Curve{curve.MustElement(30, factor(500))}

	_, err := DeriveAmounts([]*big.Int{big.NewInt(1)}, priceCurve, 100,
		feeBlock(105, 3, 3), components, nil, factor(1500))
	if !errors.Is(err, curve.ErrDirectionMismatch) {
		t.Fatalf("got %v, want ErrDirectionMismatch", err)
	}
}

func TestDeriveRejectsBadInputs(t *testing.T) {
	component := FillComponent{Token: testAddress(0x01), MinimumAmount: big.NewInt(1), Recipient: testAddress(0x02)}
	block := feeBlock(100, 3, 3)

	if _, err := DeriveAmounts([]*big.Int{big.NewInt(1)}, nil, 0, block, nil, nil, factor(1000)); err == nil {
		t.Fatal("empty components accepted")
	}
	if _, err := DeriveAmounts(nil, nil, 0, block, []FillComponent{component}, nil, factor(1000)); err == nil {
		t.Fatal("empty commitments accepted")
	}
	if _, err := DeriveAmounts([]*big.Int{nil}, nil, 0, block, []FillComponent{component}, nil, factor(1000)); err == nil {
		t.Fatal("nil claim amount accepted")
	}
	if _, err := DeriveAmounts([]*big.Int{big.NewInt(-1)}, nil, 0, block, []FillComponent{component}, nil, factor(1000)); err == nil {
		t.Fatal("negative claim amount accepted")
	}
}
