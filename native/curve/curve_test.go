package curve

import (
	"errors"
	"math/big"
	"testing"
)

// factor builds a Scale-denominated fixed-point value from thousandths, so
// factor(1500) is 1.5x.
func factor(milli int64) *big.Int {
	out := big.NewInt(milli)
	return out.Mul(out, big.NewInt(Scale/1000))
}

func TestEvaluateEmptyCurveIsNeutral(t *testing.T) {
	var c Curve
	for _, offset := range []uint64{0, 1, 1 << 40} {
		got, err := c.Evaluate(offset)
		if err != nil {
			t.Fatalf("offset %d: unexpected error: %v", offset, err)
		}
		if got.Cmp(ScaleOne()) != 0 {
			t.Fatalf("offset %d: got %s, want neutral", offset, got)
		}
	}
}

func TestEvaluateInterpolatesTowardImplicitNeutral(t *testing.T) {
	c := Curve{MustElement(30, factor(1500))}

	got, err := c.Evaluate(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(factor(1500)) != 0 {
		t.Fatalf("at 0: got %s, want %s", got, factor(1500))
	}

	got, err = c.Evaluate(15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := factor(1250); got.Cmp(want) != 0 {
		t.Fatalf("at 15: got %s, want %s", got, want)
	}
}

func TestEvaluateRoundsUpAboveNeutral(t *testing.T) {
	c := Curve{MustElement(3, factor(2000))}
	got, err := c.Evaluate(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := new(big.Int).SetString("1666666666666666667", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestEvaluateRoundsDownBelowNeutral(t *testing.T) {
	c := Curve{MustElement(3, factor(500))}
	got, err := c.Evaluate(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := new(big.Int).SetString("666666666666666666", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("got %s, want %s", got, want)
	}

	c = Curve{MustElement(7, factor(700)), MustElement(1, factor(100))}
	got, err = c.Evaluate(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ = new(big.Int).SetString("614285714285714285", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("descending segment: got %s, want %s", got, want)
	}
}

func TestEvaluateMultiSegment(t *testing.T) {
	c := Curve{MustElement(10, factor(1800)), MustElement(10, factor(1400))}

	got, err := c.Evaluate(5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := factor(1600); got.Cmp(want) != 0 {
		t.Fatalf("segment 0 midpoint: got %s, want %s", got, want)
	}

	got, err = c.Evaluate(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := factor(1400); got.Cmp(want) != 0 {
		t.Fatalf("segment boundary: got %s, want %s", got, want)
	}

	got, err = c.Evaluate(15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := factor(1200); got.Cmp(want) != 0 {
		t.Fatalf("segment 1 midpoint: got %s, want %s", got, want)
	}
}

func TestEvaluateWaypointAtExactOffset(t *testing.T) {
	c := Curve{
		MustElement(10, factor(1100)),
		MustElement(0, factor(1300)),
		MustElement(10, factor(1200)),
	}

	got, err := c.Evaluate(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := factor(1300); got.Cmp(want) != 0 {
		t.Fatalf("got %s, want waypoint %s", got, want)
	}
}

func TestEvaluateWaypointReanchorsNextSegment(t *testing.T) {
	c := Curve{
		MustElement(10, factor(1100)),
		MustElement(0, factor(1300)),
		MustElement(10, factor(1200)),
	}

	got, err := c.Evaluate(15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Interpolates from the waypoint's 1.3x toward implicit neutral, not
	// from the shadowed 1.2x segment start.
	if want := factor(1150); got.Cmp(want) != 0 {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestEvaluateSecondConsecutiveWaypointIgnored(t *testing.T) {
	c := Curve{
		MustElement(0, factor(1200)),
		MustElement(0, factor(1400)),
		MustElement(10, factor(1600)),
	}

	got, err := c.Evaluate(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := factor(1200); got.Cmp(want) != 0 {
		t.Fatalf("at 0: got %s, want first waypoint %s", got, want)
	}

	got, err = c.Evaluate(5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := factor(1100); got.Cmp(want) != 0 {
		t.Fatalf("at 5: got %s, want %s", got, want)
	}
}

func TestEvaluateExhausted(t *testing.T) {
	c := Curve{MustElement(10, factor(1500))}
	for _, offset := range []uint64{10, 11, 100} {
		if _, err := c.Evaluate(offset); !errors.Is(err, ErrCurveExhausted) {
			t.Fatalf("offset %d: got %v, want ErrCurveExhausted", offset, err)
		}
	}
}

func TestEvaluateDirectionMismatch(t *testing.T) {
	c := Curve{MustElement(10, factor(1500)), MustElement(10, factor(500))}
	if _, err := c.Evaluate(5); !errors.Is(err, ErrDirectionMismatch) {
		t.Fatalf("got %v, want ErrDirectionMismatch", err)
	}
}

func TestTotalDuration(t *testing.T) {
	c := Curve{
		MustElement(10, factor(1100)),
		MustElement(0, factor(1300)),
		MustElement(20, factor(1200)),
	}
	if got := c.TotalDuration(); got != 30 {
		t.Fatalf("got %d, want 30", got)
	}
}

func TestApplySupplementalNeutralIsIdentity(t *testing.T) {
	base := Curve{MustElement(10, factor(1200)), MustElement(20, factor(1400))}
	supp := Curve{MustElement(0, factor(1000))}

	combined, err := ApplySupplemental(base, supp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(combined) != 2 {
		t.Fatalf("got %d elements, want 2", len(combined))
	}
	if got := combined[0].ScalingFactor(); got.Cmp(factor(1200)) != 0 {
		t.Fatalf("element 0: got %s, want untouched base", got)
	}
	if got := combined[1].ScalingFactor(); got.Cmp(factor(1400)) != 0 {
		t.Fatalf("element 1: got %s, want copied base", got)
	}
}

func TestApplySupplementalCombines(t *testing.T) {
	base := Curve{MustElement(10, factor(1200)), MustElement(20, factor(1400))}
	supp := Curve{MustElement(99, factor(1100)), MustElement(0, factor(1050))}

	combined, err := ApplySupplemental(base, supp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := combined[0].ScalingFactor(); got.Cmp(factor(1300)) != 0 {
		t.Fatalf("element 0: got %s, want %s", got, factor(1300))
	}
	if got := combined[0].Duration(); got != 10 {
		t.Fatalf("element 0 duration: got %d, want base duration 10", got)
	}
	if got := combined[1].ScalingFactor(); got.Cmp(factor(1450)) != 0 {
		t.Fatalf("element 1: got %s, want %s", got, factor(1450))
	}
}

func TestApplySupplementalDoesNotMutateBase(t *testing.T) {
	base := Curve{MustElement(10, factor(1200))}
	supp := Curve{MustElement(0, factor(1100))}

	if _, err := ApplySupplemental(base, supp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := base[0].ScalingFactor(); got.Cmp(factor(1200)) != 0 {
		t.Fatalf("base mutated: got %s", got)
	}
}

func TestApplySupplementalTooLong(t *testing.T) {
	base := Curve{MustElement(10, factor(1200))}
	supp := Curve{MustElement(0, factor(1100)), MustElement(0, factor(1100))}
	if _, err := ApplySupplemental(base, supp); !errors.Is(err, ErrSupplementalTooLong) {
		t.Fatalf("got %v, want ErrSupplementalTooLong", err)
	}
}

func TestApplySupplementalDirectionMismatch(t *testing.T) {
	base := Curve{MustElement(10, factor(1200))}
	supp := Curve{MustElement(0, factor(900))}
	if _, err := ApplySupplemental(base, supp); !errors.Is(err, ErrDirectionMismatch) {
		t.Fatalf("got %v, want ErrDirectionMismatch", err)
	}
}

func TestApplySupplementalNegativeSumRejected(t *testing.T) {
	base := Curve{MustElement(10, factor(400))}
	supp := Curve{MustElement(0, factor(300))}
	if _, err := ApplySupplemental(base, supp); err == nil {
		t.Fatal("expected error for factor sum below zero")
	}
}

func TestSharesScalingDirection(t *testing.T) {
	cases := []struct {
		name string
		a, b *big.Int
		want bool
	}{
		{"both above", factor(1200), factor(1500), true},
		{"both below", factor(800), factor(500), true},
		{"opposite", factor(1200), factor(800), false},
		{"neutral left", factor(1000), factor(400), true},
		{"neutral right", factor(1700), factor(1000), true},
		{"both neutral", factor(1000), factor(1000), true},
	}
	for _, tc := range cases {
		if got := SharesScalingDirection(tc.a, tc.b); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
