package detector

import (
	"math"
	"testing"
	"time"
)

func TestScore(t *testing.T) {
	s := Stats{Mean: 10, Std: 2}
	tests := []struct {
		sum       float64
		want      float64
		fires     bool
		threshold float64
	}{
		{15, 2.5, false, 3},
		{17, 3.5, true, 3},
		{16, 3.0, true, 3},
		{8, -1, false, 3},
	}
	for _, tt := range tests {
		got, ok := Score(tt.sum, s)
		if !ok {
			t.Fatalf("Score(%v) not ok", tt.sum)
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Score(%v) = %v, want %v", tt.sum, got, tt.want)
		}
		if (got >= tt.threshold) != tt.fires {
			t.Errorf("Score(%v) fires = %v, want %v", tt.sum, got >= tt.threshold, tt.fires)
		}
	}
}

func TestScoreZeroStd(t *testing.T) {
	if _, ok := Score(100, Stats{Mean: 10, Std: 0}); ok {
		t.Error("zero std must not produce a score")
	}
}

func TestBaselineWelford(t *testing.T) {
	b := NewBaseline(time.Hour, 0, AbsorbAll)
	for i, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		b.Update(x, at(float64(i)), false)
	}
	s := b.Stats()
	if s.Count != 8 || math.Abs(s.Mean-5) > 1e-9 {
		t.Errorf("mean/count = %v/%d, want 5/8", s.Mean, s.Count)
	}
	// sample stddev of the classic example: sqrt(32/7)
	if math.Abs(s.Std-math.Sqrt(32.0/7.0)) > 1e-9 {
		t.Errorf("std = %v, want %v", s.Std, math.Sqrt(32.0/7.0))
	}
}

func TestBaselineWarmup(t *testing.T) {
	b := NewBaseline(300*time.Second, 0, AbsorbAll)
	for i := 0; i <= 299; i++ {
		b.Update(10, at(float64(i)), false)
		if b.Ready() {
			t.Fatalf("ready after %d seconds of samples", i)
		}
	}
	b.Update(10, at(300), false)
	if !b.Ready() {
		t.Fatal("not ready after warm-up duration elapsed")
	}
}

func readyBaseline(t *testing.T, alpha float64, policy Policy) *Baseline {
	t.Helper()
	b := NewBaseline(10*time.Second, alpha, policy)
	for i := 0; i <= 10; i++ {
		x := 8.0
		if i%2 == 1 {
			x = 12
		}
		b.Update(x, at(float64(i)), false)
	}
	if !b.Ready() {
		t.Fatal("baseline not ready")
	}
	return b
}

func TestBaselinePolicies(t *testing.T) {
	t.Run("absorb_all", func(t *testing.T) {
		b := readyBaseline(t, 0, AbsorbAll)
		before := b.Stats()
		b.Update(100, at(11), true)
		if after := b.Stats(); after.Mean <= before.Mean || after.Count != before.Count+1 {
			t.Errorf("spike not absorbed: before %+v after %+v", before, after)
		}
	})
	t.Run("absorb_below_threshold", func(t *testing.T) {
		b := readyBaseline(t, 0, AbsorbBelowThreshold)
		before := b.Stats()
		b.Update(100, at(11), true)
		if after := b.Stats(); after != before {
			t.Errorf("anomalous sample folded: before %+v after %+v", before, after)
		}
		b.Update(10, at(12), false)
		if after := b.Stats(); after.Count != before.Count+1 {
			t.Errorf("normal sample not folded: %+v", after)
		}
	})
}

func TestBaselineExponentialDrift(t *testing.T) {
	b := readyBaseline(t, 0.2, AbsorbAll)
	seed := b.Stats()
	for i := 0; i < 50; i++ {
		b.Update(20, at(float64(11+i)), false)
	}
	s := b.Stats()
	if math.Abs(s.Mean-20) > 0.1 {
		t.Errorf("EW mean = %v, want close to 20 (seed %v)", s.Mean, seed.Mean)
	}
	if s.Std >= seed.Std {
		t.Errorf("EW std should shrink on constant input: %v >= %v", s.Std, seed.Std)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("absorb_below_threshold"); err != nil || p != AbsorbBelowThreshold {
		t.Errorf("ParsePolicy = %v, %v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != AbsorbAll {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
	if AbsorbAll.String() != "absorb_all" || Policy(9).String() != "unknown" {
		t.Error("unexpected Policy.String()")
	}
}
