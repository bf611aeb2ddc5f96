package clip

import (
	"context"
	"log/slog"
	"time"
)

// Clock drives workflow delays. Tests substitute a clock whose Sleep advances
// virtual time and returns immediately.
type Clock interface {
	Now() time.Time
	// Sleep waits d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// limiter caps concurrent Helix calls across all workflows. A nil limiter
// admits everything.
type limiter struct {
	slots chan struct{}
}

func newLimiter(n int) *limiter {
	if n <= 0 {
		return nil
	}
	slog.Info("clip api concurrency limit initialized", slog.Int("max_concurrent", n), slog.String("component", "clip"))
	return &limiter{slots: make(chan struct{}, n)}
}

// do runs fn while holding a slot. It returns ctx.Err() if no slot frees up
// before ctx is done.
func (l *limiter) do(ctx context.Context, fn func() error) error {
	if l == nil {
		return fn()
	}
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slots }()
	return fn()
}

// active returns the number of calls currently holding a slot.
func (l *limiter) active() int {
	if l == nil {
		return 0
	}
	return len(l.slots)
}
