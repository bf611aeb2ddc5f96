// Package detector turns per-broadcaster chat activity into anomaly events.
//
// Each broadcaster gets its own Detector composed of:
//   - Window: event-time sliding window emitting a sum at every slide boundary.
//   - Baseline: running mean/stddev of those sums, gated by a warm-up period.
//   - Cooldown: refractory period between successive firings.
//
// A Router partitions broadcasters over a fixed set of workers so that each
// Detector is only ever touched by one goroutine.
package detector

import (
	"time"
)

// Phase is the lifecycle state of a broadcaster's detector.
type Phase int

const (
	WarmingUp Phase = iota
	Ready
)

func (p Phase) String() string {
	if p == Ready {
		return "ready"
	}
	return "warming_up"
}

// Params configures every Detector built by a Router.
type Params struct {
	WindowSize  time.Duration
	Slide       time.Duration
	Warmup      time.Duration
	Threshold   float64
	Cooldown    time.Duration
	IdleTimeout time.Duration
	Policy      Policy
	Alpha       float64
}

// AnomalyEvent is emitted when a window sum is Threshold standard deviations
// or more above the broadcaster's baseline and the cooldown permits firing.
type AnomalyEvent struct {
	BroadcasterID int64
	DetectedAt    time.Time
	WindowSum     int
	BaselineMean  float64
	BaselineStd   float64
	Intensity     float64
}

// Detector is the per-broadcaster state machine WARMING_UP -> READY.
type Detector struct {
	id       int64
	params   Params
	window   *Window
	baseline *Baseline
	cooldown *Cooldown
	last     time.Time // event time of the newest accepted event
}

// NewDetector returns a fresh detector in WarmingUp.
func NewDetector(id int64, p Params) *Detector {
	return &Detector{
		id:       id,
		params:   p,
		window:   NewWindow(p.WindowSize, p.Slide),
		baseline: NewBaseline(p.Warmup, p.Alpha, p.Policy),
		cooldown: NewCooldown(p.Cooldown),
	}
}

// Phase reports the detector's lifecycle state.
func (d *Detector) Phase() Phase {
	if d.baseline.Ready() {
		return Ready
	}
	return WarmingUp
}

// Baseline exposes the current baseline estimate.
func (d *Detector) Baseline() Stats { return d.baseline.Stats() }

// Observe feeds one qualifying chat event. It returns the anomalies fired by
// any window boundaries the event closed, and false if the event was too late
// to count. A jump of more than IdleTimeout in either direction starts a fresh
// session, so a single skewed timestamp cannot leave the window parked in the
// future with every later event counted as late.
func (d *Detector) Observe(ts time.Time) ([]AnomalyEvent, bool) {
	if !d.last.IsZero() && d.params.IdleTimeout > 0 {
		if gap := ts.Sub(d.last); gap > d.params.IdleTimeout || gap < -d.params.IdleTimeout {
			d.reset()
		}
	}
	sums, ok := d.window.Add(ts)
	if !ok {
		return nil, false
	}
	if ts.After(d.last) {
		d.last = ts
	}
	var out []AnomalyEvent
	for _, s := range sums {
		if ev, fired := d.evaluate(s); fired {
			out = append(out, ev)
		}
	}
	return out, true
}

func (d *Detector) evaluate(ws WindowSum) (AnomalyEvent, bool) {
	x := float64(ws.Sum)
	prior := d.baseline.Stats()
	wasReady := d.baseline.Ready()

	var ev AnomalyEvent
	anomalous, fired := false, false
	if wasReady {
		if intensity, ok := Score(x, prior); ok && intensity >= d.params.Threshold {
			anomalous = true
			if d.cooldown.Allow(ws.End) {
				d.cooldown.Fire(ws.End)
				fired = true
				ev = AnomalyEvent{
					BroadcasterID: d.id,
					DetectedAt:    ws.End,
					WindowSum:     ws.Sum,
					BaselineMean:  prior.Mean,
					BaselineStd:   prior.Std,
					Intensity:     intensity,
				}
			}
		}
	}
	// Fold after scoring so the spike is compared against the baseline that
	// preceded it.
	d.baseline.Update(x, ws.End, anomalous)
	return ev, fired
}

func (d *Detector) reset() {
	d.window.Reset()
	d.baseline = NewBaseline(d.params.Warmup, d.params.Alpha, d.params.Policy)
	d.cooldown = NewCooldown(d.params.Cooldown)
	d.last = time.Time{}
}
