package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically re-reads the shared
// credential and refreshes it ahead of expiry, so workflows rarely meet a 401.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, m *Manager, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			refreshIfDue(ctx, m, window)

			// Add per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// refreshIfDue refreshes when the credential expires within window. It
// reports whether a refresh was attempted.
func refreshIfDue(ctx context.Context, m *Manager, window time.Duration) bool {
	c, err := m.load(ctx)
	if err != nil {
		slog.Warn("credential check failed", slog.String("component", "oauth"), slog.Any("err", err))
		return false
	}
	if c.ExpiresAt.IsZero() || c.ExpiresAt.Sub(m.now()) > window {
		return false
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := m.Refresh(ctx2, c.AccessToken); err != nil {
		slog.Warn("token refresh failed", slog.String("component", "oauth"), slog.Any("err", err))
	}
	return true
}
