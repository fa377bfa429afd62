package curve

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestPackLayout(t *testing.T) {
	el := MustElement(30, factor(1500))
	word := el.Pack()

	duration := new(uint256.Int).Rsh(word, 240)
	if got := duration.Uint64(); got != 30 {
		t.Fatalf("duration bits: got %d, want 30", got)
	}
	low := new(uint256.Int).And(word, factorMask)
	if got := low.ToBig(); got.Cmp(factor(1500)) != 0 {
		t.Fatalf("factor bits: got %s, want %s", got, factor(1500))
	}
}

func TestUnpackRoundTrip(t *testing.T) {
	original := MustElement(65535, factor(2750))
	decoded := Unpack(original.Pack())
	if decoded.Duration() != original.Duration() {
		t.Fatalf("duration: got %d, want %d", decoded.Duration(), original.Duration())
	}
	if decoded.ScalingFactor().Cmp(original.ScalingFactor()) != 0 {
		t.Fatalf("factor: got %s, want %s", decoded.ScalingFactor(), original.ScalingFactor())
	}
}

func TestUnpackNilWord(t *testing.T) {
	el := Unpack(nil)
	if el.Duration() != 0 || el.ScalingFactor().Sign() != 0 {
		t.Fatalf("got (%d, %s), want zero element", el.Duration(), el.ScalingFactor())
	}
}

func TestNewElementRejectsOverflow(t *testing.T) {
	over := new(big.Int).Lsh(big.NewInt(1), 240)
	if _, err := NewElement(1, over); !errors.Is(err, ErrFactorOverflow) {
		t.Fatalf("got %v, want ErrFactorOverflow", err)
	}
	max := new(big.Int).Sub(over, big.NewInt(1))
	if _, err := NewElement(1, max); err != nil {
		t.Fatalf("240-bit maximum rejected: %v", err)
	}
}

func TestNewElementRejectsBadFactors(t *testing.T) {
	if _, err := NewElement(1, nil); err == nil {
		t.Fatal("nil factor accepted")
	}
	if _, err := NewElement(1, big.NewInt(-1)); err == nil {
		t.Fatal("negative factor accepted")
	}
}

func TestNewElementCopiesFactor(t *testing.T) {
	input := factor(1500)
	el := MustElement(1, input)
	input.SetInt64(7)
	if el.ScalingFactor().Cmp(factor(1500)) != 0 {
		t.Fatalf("element aliased caller's factor: %s", el.ScalingFactor())
	}
}
