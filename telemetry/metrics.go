// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	AnomaliesDetected   *prometheus.CounterVec // broadcaster_id
	ClipsCreatedSuccess *prometheus.CounterVec // broadcaster_id
	ClipsCreatedFailed  *prometheus.CounterVec // broadcaster_id, reason
	SinkWrites          *prometheus.CounterVec // result
	CredentialRefreshes *prometheus.CounterVec // result
	ChatEvents          *prometheus.CounterVec // result

	// Histograms (seconds)
	ClipCreationDuration *prometheus.HistogramVec // broadcaster_id
	SinkWriteDuration    prometheus.Histogram

	// Gauges
	ClipsInFlight prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "anomalies_detected", Help: "Number of chat activity anomalies detected"}, []string{"broadcaster_id"})
		ClipsCreatedSuccess = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clips_created_success", Help: "Number of clips created and recorded"}, []string{"broadcaster_id"})
		ClipsCreatedFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clips_created_failed", Help: "Number of clip workflows ending in a terminal failure"}, []string{"broadcaster_id", "reason"})
		SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_sink_writes_total", Help: "Clip record writes by result (inserted, duplicate, error)"}, []string{"result"})
		CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "credential_refreshes_total", Help: "OAuth refresh attempts by result (ok, adopted, error)"}, []string{"result"})
		ChatEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_events_total", Help: "Inbound chat events by result (accepted, filtered, invalid)"}, []string{"result"})
		ClipCreationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "clip_creation_duration_seconds", Help: "Anomaly-to-outcome duration of clip workflows", Buckets: []float64{5, 10, 15, 20, 25, 30, 40, 60, 120}}, []string{"broadcaster_id"})
		SinkWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_sink_write_duration_seconds", Help: "Latency of clip record inserts", Buckets: prometheus.DefBuckets})
		ClipsInFlight = promauto.NewGauge(prometheus.GaugeOpts{Name: "clips_in_flight", Help: "Clip workflows currently in progress"})
	})
}

func bid(id int64) string { return strconv.FormatInt(id, 10) }

// RecordAnomaly counts one detected anomaly.
func RecordAnomaly(broadcasterID int64) {
	if AnomaliesDetected != nil {
		AnomaliesDetected.WithLabelValues(bid(broadcasterID)).Inc()
	}
}

// RecordClipSuccess counts a recorded clip and its workflow duration.
func RecordClipSuccess(broadcasterID int64, d time.Duration) {
	if ClipsCreatedSuccess != nil {
		ClipsCreatedSuccess.WithLabelValues(bid(broadcasterID)).Inc()
	}
	if ClipCreationDuration != nil {
		ClipCreationDuration.WithLabelValues(bid(broadcasterID)).Observe(d.Seconds())
	}
}

// RecordClipFailure counts a terminal workflow failure labelled by reason.
func RecordClipFailure(broadcasterID int64, reason string, d time.Duration) {
	if ClipsCreatedFailed != nil {
		ClipsCreatedFailed.WithLabelValues(bid(broadcasterID), reason).Inc()
	}
	if ClipCreationDuration != nil {
		ClipCreationDuration.WithLabelValues(bid(broadcasterID)).Observe(d.Seconds())
	}
}

// RecordSinkWrite counts a clip record write by result.
func RecordSinkWrite(result string) {
	if SinkWrites != nil {
		SinkWrites.WithLabelValues(result).Inc()
	}
}

// RecordRefresh counts a credential refresh attempt by result.
func RecordRefresh(result string) {
	if CredentialRefreshes != nil {
		CredentialRefreshes.WithLabelValues(result).Inc()
	}
}

// RecordChatEvent counts an inbound chat event by result.
func RecordChatEvent(result string) {
	if ChatEvents != nil {
		ChatEvents.WithLabelValues(result).Inc()
	}
}

// AddInFlight adjusts the in-flight workflow gauge.
func AddInFlight(delta float64) {
	if ClipsInFlight != nil {
		ClipsInFlight.Add(delta)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
