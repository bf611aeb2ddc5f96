package chat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/clip-tender/stream"
	"github.com/onnwee/clip-tender/telemetry"
)

// TokenFunc supplies the current user access token for chat login.
type TokenFunc func(ctx context.Context) (string, error)

// IRCSource reads chat straight from Twitch IRC. Broadcaster ids come from the
// room-id tag and timestamps from the server-sent tmi-sent-ts.
type IRCSource struct {
	username string
	channels []string
	token    TokenFunc
	sink     Sink
	now      func() time.Time
	ready    atomic.Bool
}

// NewIRCSource returns a source joining channels. With an empty username it
// connects anonymously, which is enough to read chat.
func NewIRCSource(username string, channels []string, token TokenFunc, sink Sink) *IRCSource {
	return &IRCSource{username: username, channels: channels, token: token, sink: sink, now: time.Now}
}

// Ready reports whether the IRC connection is currently up.
func (s *IRCSource) Ready() bool { return s.ready.Load() }

// Run connects and reconnects with backoff until ctx is cancelled.
func (s *IRCSource) Run(ctx context.Context) error {
	logger := slog.Default().With(slog.String("component", "chat_irc"))
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute
	for {
		err := s.connect(ctx)
		if s.ready.Swap(false) {
			b.Reset()
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		logger.Warn("twitch chat disconnected, reconnecting", slog.Any("err", err), slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *IRCSource) connect(ctx context.Context) error {
	var client *twitch.Client
	if s.username == "" {
		client = twitch.NewAnonymousClient()
	} else {
		tok, err := s.token(ctx)
		if err != nil {
			return err
		}
		client = twitch.NewClient(s.username, "oauth:"+strings.TrimPrefix(tok, "oauth:"))
	}
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) { s.handle(ctx, msg) })
	client.OnConnect(func() {
		s.ready.Store(true)
		slog.Info("twitch chat connected", slog.String("component", "chat_irc"), slog.Any("channels", s.channels))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	client.Join(s.channels...)
	err := client.Connect()
	if errors.Is(err, twitch.ErrClientDisconnected) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *IRCSource) handle(ctx context.Context, msg twitch.PrivateMessage) {
	id, err := strconv.ParseInt(msg.RoomID, 10, 64)
	if err != nil {
		telemetry.RecordChatEvent("invalid")
		return
	}
	if IsCommand(msg.Message) {
		telemetry.RecordChatEvent("filtered")
		return
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = s.now()
	}
	ev := Event{BroadcasterID: id, Timestamp: ts.UTC(), Text: msg.Message}
	if err := s.sink.Submit(ctx, stream.Wrap(id, ev)); err != nil {
		slog.Warn("chat event not submitted", slog.String("component", "chat_irc"), slog.Int64("broadcaster_id", id), slog.Any("err", err))
		return
	}
	telemetry.RecordChatEvent("accepted")
}
