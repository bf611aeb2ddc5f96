package detector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/clip-tender/chat"
	"github.com/onnwee/clip-tender/stream"
	"github.com/onnwee/clip-tender/telemetry"
)

// AnomalyHandler receives fired anomalies. It is called from a partition
// worker and must not block on downstream work.
type AnomalyHandler func(stream.Envelope[AnomalyEvent])

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("detector: router closed")

// Router owns one Detector per broadcaster, spread over a fixed number of
// partition workers. A broadcaster always lands on the same worker, so its
// state is mutated by one goroutine and needs no lock.
type Router struct {
	params    Params
	onAnomaly AnomalyHandler
	now       func() time.Time
	sweep     time.Duration

	parts []chan stream.Envelope[chat.Event]
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	tracked atomic.Int64
	late    atomic.Int64
	fired   atomic.Int64
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithClock overrides the wall clock used for idle eviction.
func WithClock(now func() time.Time) RouterOption { return func(r *Router) { r.now = now } }

// WithSweepInterval overrides how often idle broadcasters are evicted.
func WithSweepInterval(d time.Duration) RouterOption { return func(r *Router) { r.sweep = d } }

// WithQueueSize sets the per-partition buffer.
func WithQueueSize(n int) RouterOption {
	return func(r *Router) {
		for i := range r.parts {
			r.parts[i] = make(chan stream.Envelope[chat.Event], n)
		}
	}
}

// NewRouter builds a router with n partitions. Call Start before Submit.
func NewRouter(n int, p Params, onAnomaly AnomalyHandler, opts ...RouterOption) *Router {
	if n <= 0 {
		n = 1
	}
	r := &Router{
		params:    p,
		onAnomaly: onAnomaly,
		now:       time.Now,
		sweep:     p.IdleTimeout / 2,
		parts:     make([]chan stream.Envelope[chat.Event], n),
	}
	for i := range r.parts {
		r.parts[i] = make(chan stream.Envelope[chat.Event], 1024)
	}
	for _, o := range opts {
		o(r)
	}
	if r.sweep <= 0 {
		r.sweep = time.Minute
	}
	return r
}

// Start launches the partition workers. They exit when Close is called.
func (r *Router) Start() {
	for i, ch := range r.parts {
		r.wg.Add(1)
		go r.work(i, ch)
	}
	slog.Info("detector router started", slog.Int("partitions", len(r.parts)), slog.String("component", "detector"))
}

// Submit routes one event to the worker owning its broadcaster. It blocks
// while that worker's queue is full, which pushes back on the consumer.
func (r *Router) Submit(ctx context.Context, env stream.Envelope[chat.Event]) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	ch := r.parts[stream.Partition(env.BroadcasterID, len(r.parts))]
	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains queued ones and waits for the workers.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, ch := range r.parts {
		close(ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// RouterStats is a snapshot of router counters.
type RouterStats struct {
	Partitions int   `json:"partitions"`
	Tracked    int64 `json:"tracked_broadcasters"`
	Late       int64 `json:"late_events"`
	Fired      int64 `json:"anomalies_fired"`
}

// Stats returns current counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{Partitions: len(r.parts), Tracked: r.tracked.Load(), Late: r.late.Load(), Fired: r.fired.Load()}
}

type entry struct {
	det  *Detector
	seen time.Time // wall clock
}

func (r *Router) work(part int, in <-chan stream.Envelope[chat.Event]) {
	defer r.wg.Done()
	logger := slog.Default().With(slog.Int("partition", part), slog.String("component", "detector"))
	states := make(map[int64]*entry)
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	defer func() { r.tracked.Add(-int64(len(states))) }()

	for {
		select {
		case env, ok := <-in:
			if !ok {
				return
			}
			e := states[env.BroadcasterID]
			if e == nil {
				e = &entry{det: NewDetector(env.BroadcasterID, r.params)}
				states[env.BroadcasterID] = e
				r.tracked.Add(1)
				logger.Debug("tracking broadcaster", slog.Int64("broadcaster_id", env.BroadcasterID))
			}
			wasReady := e.det.Phase() == Ready
			anomalies, accepted := e.det.Observe(env.Payload.Timestamp)
			if !accepted {
				r.late.Add(1)
				continue
			}
			// Only counted events keep a broadcaster alive; a stream of late ones
			// still lets the janitor drop the state.
			e.seen = r.now()
			if !wasReady && e.det.Phase() == Ready {
				b := e.det.Baseline()
				logger.Info("baseline ready", slog.Int64("broadcaster_id", env.BroadcasterID), slog.Float64("mean", b.Mean), slog.Float64("std", b.Std), slog.Int64("samples", b.Count))
			}
			for _, a := range anomalies {
				r.fired.Add(1)
				telemetry.RecordAnomaly(a.BroadcasterID)
				logger.Info("anomaly detected",
					slog.Int64("broadcaster_id", a.BroadcasterID),
					slog.Int("window_sum", a.WindowSum),
					slog.Float64("baseline_mean", a.BaselineMean),
					slog.Float64("baseline_std", a.BaselineStd),
					slog.Float64("intensity", a.Intensity),
					slog.Time("detected_at", a.DetectedAt))
				if r.onAnomaly != nil {
					r.onAnomaly(stream.Wrap(a.BroadcasterID, a))
				}
			}
		case <-ticker.C:
			cutoff := r.now().Add(-r.params.IdleTimeout)
			for id, e := range states {
				if e.seen.Before(cutoff) {
					delete(states, id)
					r.tracked.Add(-1)
					logger.Debug("evicted idle broadcaster", slog.Int64("broadcaster_id", id))
				}
			}
		}
	}
}
