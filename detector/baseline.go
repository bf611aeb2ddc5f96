package detector

import (
	"fmt"
	"math"
	"time"
)

// Policy decides which post-warm-up samples are folded into the baseline.
type Policy int

const (
	// AbsorbAll folds every sample, so the baseline follows recent behaviour.
	// A sustained spike raises the baseline and eventually stops firing.
	AbsorbAll Policy = iota
	// AbsorbBelowThreshold skips samples scoring at or above the threshold.
	// The baseline cannot be dragged up by spikes but can go stale.
	AbsorbBelowThreshold
)

func (p Policy) String() string {
	switch p {
	case AbsorbAll:
		return "absorb_all"
	case AbsorbBelowThreshold:
		return "absorb_below_threshold"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "absorb_all":
		return AbsorbAll, nil
	case "absorb_below_threshold":
		return AbsorbBelowThreshold, nil
	}
	return AbsorbAll, fmt.Errorf("unknown baseline policy %q", s)
}

// Stats is a point-in-time view of a baseline.
type Stats struct {
	Mean  float64
	Std   float64
	Count int64
}

// Score returns the z-score of sum against s. ok is false when the standard
// deviation is zero, in which case no anomaly may be derived from it.
func Score(sum float64, s Stats) (intensity float64, ok bool) {
	if s.Std <= 0 || math.IsNaN(s.Std) {
		return 0, false
	}
	return (sum - s.Mean) / s.Std, true
}

// Baseline keeps running mean and variance of window sums for one broadcaster.
// During warm-up it uses Welford's algorithm over every sample. Once ready it
// either keeps the cumulative Welford estimate (alpha == 0) or switches to an
// exponentially weighted mean/variance seeded from the warm-up estimate.
type Baseline struct {
	warmup time.Duration
	alpha  float64
	policy Policy

	count int64
	mean  float64
	m2    float64
	ewVar float64

	first time.Time
	ready bool
}

// NewBaseline returns an empty, warming-up baseline.
func NewBaseline(warmup time.Duration, alpha float64, policy Policy) *Baseline {
	return &Baseline{warmup: warmup, alpha: alpha, policy: policy}
}

// Ready reports whether warm-up has completed.
func (b *Baseline) Ready() bool { return b.ready }

// Stats returns the current estimate.
func (b *Baseline) Stats() Stats {
	s := Stats{Mean: b.mean, Count: b.count}
	switch {
	case b.ready && b.alpha > 0:
		s.Std = math.Sqrt(b.ewVar)
	case b.count >= 2:
		s.Std = math.Sqrt(b.m2 / float64(b.count-1))
	}
	return s
}

// Update folds sample x observed at `at` into the baseline. anomalous tells a
// ready baseline whether x scored at or above the threshold against the stats
// that were in force before this call; the policy decides whether to skip it.
func (b *Baseline) Update(x float64, at time.Time, anomalous bool) {
	if b.ready && anomalous && b.policy == AbsorbBelowThreshold {
		return
	}
	if b.count == 0 {
		b.first = at
	}
	if b.ready && b.alpha > 0 {
		diff := x - b.mean
		incr := b.alpha * diff
		b.mean += incr
		b.ewVar = (1 - b.alpha) * (b.ewVar + diff*incr)
		b.count++
		return
	}
	b.count++
	delta := x - b.mean
	b.mean += delta / float64(b.count)
	b.m2 += delta * (x - b.mean)

	if !b.ready && b.count >= 2 && at.Sub(b.first) >= b.warmup {
		b.ready = true
		b.ewVar = b.m2 / float64(b.count-1)
	}
}
