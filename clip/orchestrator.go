// Package clip turns anomaly events into recorded Twitch clips.
//
// Each anomaly gets its own workflow goroutine: wait the trigger delay, create
// the clip (retrying transient failures and refreshing the token once on 401),
// wait for the clip to settle, fetch its metadata and hand the record to the
// Sink. Workflows never fail outward; every terminal outcome is logged and
// counted with a FailureReason.
package clip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/detector"
	"github.com/onnwee/clip-tender/stream"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
)

const tracerName = "clip-tender/clip"

// ErrInFlight is returned by Start when the broadcaster already has a workflow
// in progress.
var ErrInFlight = errors.New("clip: workflow already in flight for broadcaster")

// API is the subset of the Helix client the orchestrator calls.
type API interface {
	CreateClip(ctx context.Context, broadcasterID int64, token string) (clipID string, status int, err error)
	GetClip(ctx context.Context, clipID, token string) (*twitchapi.ClipMeta, error)
}

// Credentials hands out the shared user access token. oauth.Manager
// implements it.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

// Record is a completed clip ready to persist.
type Record struct {
	BroadcasterID int64
	ClipID        string
	EmbedURL      string
	ThumbnailURL  string
	Intensity     float64
	DetectedAt    time.Time
	CreatedAt     time.Time
}

// Sink persists records. Persist reports whether a new row was written; a
// duplicate clip id is not an error.
type Sink interface {
	Persist(ctx context.Context, r Record) (inserted bool, err error)
}

// Settings are the timing and classification knobs of a workflow.
type Settings struct {
	TriggerDelay time.Duration
	// RetryDelays[i] is the wait before create attempt i; len is the attempt budget.
	RetryDelays []time.Duration
	// RetryWindow bounds the time from the first attempt to the last one.
	RetryWindow       time.Duration
	SettleDelay       time.Duration
	RetryableStatuses []int
	MaxConcurrent     int
}

// SettingsFromConfig copies the CLIP_* settings out of cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		TriggerDelay:      cfg.ClipTriggerDelay,
		RetryDelays:       cfg.ClipRetryDelays,
		RetryWindow:       cfg.ClipRetryWindow,
		SettleDelay:       cfg.ClipSettleDelay,
		RetryableStatuses: cfg.ClipRetryableStatuses,
		MaxConcurrent:     cfg.ClipMaxConcurrent,
	}
}

// AttemptState is the in-flight state of one workflow. It is created when an
// anomaly is accepted and discarded at the terminal outcome.
type AttemptState struct {
	BroadcasterID int64
	DetectedAt    time.Time
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     error
	// Refreshed is set once the current attempt has spent its token refresh.
	Refreshed bool
}

// Outcome describes how a workflow ended. Reason is empty on success.
type Outcome struct {
	BroadcasterID int64
	ClipID        string
	Reason        FailureReason
	Attempts      int
	Duration      time.Duration
	Err           error
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock used for delays.
func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithBaseContext sets the parent context of every workflow. Cancellation of
// parent is ignored; values such as loggers or trace state are kept.
func WithBaseContext(parent context.Context) Option {
	return func(o *Orchestrator) { o.base = context.WithoutCancel(parent) }
}

// WithOutcomeHook registers fn to be called once per finished workflow.
func WithOutcomeHook(fn func(Outcome)) Option { return func(o *Orchestrator) { o.onOutcome = fn } }

// Orchestrator runs clip workflows, at most one per broadcaster.
type Orchestrator struct {
	settings  Settings
	api       API
	creds     Credentials
	sink      Sink
	clock     Clock
	classify  Classifier
	limit     *limiter
	base      context.Context
	onOutcome func(Outcome)

	mu       sync.Mutex
	inflight map[int64]*AttemptState
	wg       sync.WaitGroup
}

// NewOrchestrator wires an orchestrator. Handle may be used as the Router's
// anomaly handler.
func NewOrchestrator(s Settings, api API, creds Credentials, sink Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		settings: s,
		api:      api,
		creds:    creds,
		sink:     sink,
		clock:    realClock{},
		classify: NewClassifier(s.RetryableStatuses),
		limit:    newLimiter(s.MaxConcurrent),
		base:     context.Background(),
		inflight: make(map[int64]*AttemptState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle starts a workflow for env and logs when it is rejected. It never
// blocks.
func (o *Orchestrator) Handle(env stream.Envelope[detector.AnomalyEvent]) {
	if err := o.Start(env); err != nil {
		slog.Warn("anomaly not clipped",
			slog.String("component", "clip"),
			slog.Int64("broadcaster_id", env.BroadcasterID),
			slog.Any("err", err))
	}
}

// Start launches a workflow goroutine for env, or returns ErrInFlight.
func (o *Orchestrator) Start(env stream.Envelope[detector.AnomalyEvent]) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[env.BroadcasterID]; busy {
		return fmt.Errorf("%w: %d", ErrInFlight, env.BroadcasterID)
	}
	st := &AttemptState{BroadcasterID: env.BroadcasterID, DetectedAt: env.Payload.DetectedAt}
	o.inflight[env.BroadcasterID] = st
	o.wg.Add(1)
	telemetry.AddInFlight(1)
	go o.run(st, env.Payload)
	return nil
}

// InFlight returns the number of running workflows.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Stats is a snapshot for the status endpoint.
type Stats struct {
	InFlight    int `json:"in_flight"`
	ActiveCalls int `json:"active_api_calls"`
}

// Stats returns current workflow counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{InFlight: o.InFlight(), ActiveCalls: o.limit.active()}
}

// Wait blocks until every running workflow has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("clip workflows still running (%d): %w", o.InFlight(), ctx.Err())
	}
}

func (o *Orchestrator) finish(id int64) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
	telemetry.AddInFlight(-1)
	o.wg.Done()
}

func (o *Orchestrator) run(st *AttemptState, ev detector.AnomalyEvent) {
	defer o.finish(st.BroadcasterID)
	start := o.clock.Now()

	ctx := telemetry.WithCorrelation(o.base, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, tracerName, "clip.orchestrate",
		attribute.Int64("broadcaster_id", ev.BroadcasterID),
		attribute.Float64("intensity", ev.Intensity),
		attribute.Int("window_sum", ev.WindowSum))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "clip"), slog.Int64("broadcaster_id", ev.BroadcasterID))
	logger.Info("clip workflow started", slog.Float64("intensity", ev.Intensity), slog.Duration("trigger_delay", o.settings.TriggerDelay))

	rec, reason, err := o.execute(ctx, st, ev, logger)
	out := Outcome{
		BroadcasterID: ev.BroadcasterID,
		ClipID:        rec.ClipID,
		Reason:        reason,
		Attempts:      st.AttemptCount,
		Duration:      o.clock.Now().Sub(start),
		Err:           err,
	}
	if reason != "" {
		telemetry.RecordClipFailure(ev.BroadcasterID, string(reason), out.Duration)
		telemetry.RecordError(span, err)
		span.SetAttributes(attribute.String("failure_reason", string(reason)))
		logger.Warn("clip workflow failed",
			slog.String("reason", string(reason)),
			slog.Int("attempts", out.Attempts),
			slog.String("clip_id", rec.ClipID),
			slog.Any("err", err))
	} else {
		telemetry.RecordClipSuccess(ev.BroadcasterID, out.Duration)
		telemetry.SetSpanSuccess(span)
		logger.Info("clip recorded",
			slog.String("clip_id", rec.ClipID),
			slog.Int("attempts", out.Attempts),
			slog.Duration("took", out.Duration))
	}
	if o.onOutcome != nil {
		o.onOutcome(out)
	}
}

func (o *Orchestrator) execute(ctx context.Context, st *AttemptState, ev detector.AnomalyEvent, logger *slog.Logger) (Record, FailureReason, error) {
	// Centre the spike in the clip: Helix captures a fixed look-back from the call.
	o.clock.Sleep(ctx, o.settings.TriggerDelay)

	clipID, reason, err := o.create(ctx, st, logger)
	if reason != "" {
		return Record{}, reason, err
	}
	rec := Record{BroadcasterID: ev.BroadcasterID, ClipID: clipID, Intensity: ev.Intensity, DetectedAt: ev.DetectedAt}

	o.clock.Sleep(ctx, o.settings.SettleDelay)
	meta, err := o.metadata(ctx, clipID)
	if err != nil {
		return rec, ReasonMetadataFetch, err
	}
	rec.EmbedURL = meta.EmbedURL
	rec.ThumbnailURL = meta.ThumbnailURL
	rec.CreatedAt = o.clock.Now().UTC()

	inserted, err := o.sink.Persist(ctx, rec)
	if err != nil {
		return rec, ReasonSink, fmt.Errorf("persist clip %s: %w", clipID, err)
	}
	if !inserted {
		logger.Info("clip already recorded", slog.String("clip_id", clipID))
	}
	return rec, "", nil
}

// create runs the attempt schedule. A 401 inside an attempt spends that
// attempt's refresh and repeats the call without using a budget slot.
func (o *Orchestrator) create(ctx context.Context, st *AttemptState, logger *slog.Logger) (string, FailureReason, error) {
	first := o.clock.Now()
	for i, delay := range o.settings.RetryDelays {
		if delay > 0 {
			next := o.clock.Now().Add(delay)
			if o.settings.RetryWindow > 0 && next.Sub(first) > o.settings.RetryWindow {
				logger.Debug("retry window exhausted", slog.Int("attempt", i+1))
				break
			}
			st.NextAttemptAt = next
			o.clock.Sleep(ctx, delay)
		}
		st.AttemptCount = i + 1
		st.Refreshed = false

		clipID, class, err := o.attempt(ctx, st)
		switch class {
		case Success:
			logger.Info("clip created", slog.String("clip_id", clipID), slog.Int("attempt", st.AttemptCount))
			return clipID, "", nil
		case Retryable:
			st.LastError = err
			logger.Warn("create clip attempt failed", slog.Int("attempt", st.AttemptCount), slog.Any("err", err))
		case AuthExpired:
			return "", ReasonAuth, err
		default:
			return "", ReasonAPI, err
		}
	}
	return "", ReasonMaxRetries, fmt.Errorf("create clip failed after %d attempts: %w", st.AttemptCount, st.LastError)
}

func (o *Orchestrator) attempt(ctx context.Context, st *AttemptState) (string, Class, error) {
	token, err := o.creds.Token(ctx)
	if err != nil {
		return "", AuthExpired, fmt.Errorf("credentials: %w", err)
	}
	for {
		var (
			clipID string
			status int
		)
		err = o.limit.do(ctx, func() error {
			var callErr error
			clipID, status, callErr = o.api.CreateClip(ctx, st.BroadcasterID, token)
			return callErr
		})
		class := o.classify.Classify(status, err)
		if class != AuthExpired {
			return clipID, class, err
		}
		if st.Refreshed {
			return "", AuthExpired, fmt.Errorf("token rejected again after refresh: %w", err)
		}
		st.Refreshed = true
		if token, err = o.creds.Refresh(ctx, token); err != nil {
			return "", AuthExpired, fmt.Errorf("refresh after 401: %w", err)
		}
	}
}

// metadata fetches the settled clip, refreshing the token once on 401.
func (o *Orchestrator) metadata(ctx context.Context, clipID string) (*twitchapi.ClipMeta, error) {
	token, err := o.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	var meta *twitchapi.ClipMeta
	get := func() error {
		var callErr error
		meta, callErr = o.api.GetClip(ctx, clipID, token)
		return callErr
	}
	err = o.limit.do(ctx, get)
	if errors.Is(err, twitchapi.ErrUnauthorized) {
		if token, err = o.creds.Refresh(ctx, token); err != nil {
			return nil, fmt.Errorf("refresh after 401: %w", err)
		}
		err = o.limit.do(ctx, get)
	}
	if err != nil {
		return nil, fmt.Errorf("get clip %s: %w", clipID, err)
	}
	return meta, nil
}
