// Package chat decodes inbound chat events and feeds them into the detection
// pipeline.
//
// Two sources are provided:
//   - KafkaSource: consumer group on the topic the ingestion service publishes
//     to. At-least-once: offsets are marked only after the event has been handed
//     to the pipeline.
//   - IRCSource: joins Twitch chat directly for single-host deployments that run
//     without Kafka.
//
// Both drop command messages (a leading "!" followed by alphanumerics) before
// they reach any window.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/onnwee/clip-tender/stream"
)

// Event is one chat message reduced to what detection needs. The text is kept
// only long enough to filter commands; it is never persisted.
type Event struct {
	BroadcasterID int64
	Timestamp     time.Time
	Text          string
}

// Sink receives filtered events. The detector Router implements it.
type Sink interface {
	Submit(ctx context.Context, env stream.Envelope[Event]) error
}

var commandPattern = regexp.MustCompile(`^![a-zA-Z0-9]+`)

// IsCommand reports whether text is a bot command that must not count toward
// activity.
func IsCommand(text string) bool { return commandPattern.MatchString(text) }

// ErrFiltered marks a well-formed message that was intentionally discarded.
var ErrFiltered = errors.New("chat: message filtered")

// wireMessage is the queue record. timestamp (ms) is what the ingestion service
// writes; timestamp_ms is accepted as an alias.
type wireMessage struct {
	BroadcasterID *int64 `json:"broadcaster_id"`
	Timestamp     *int64 `json:"timestamp"`
	TimestampMS   *int64 `json:"timestamp_ms"`
	Text          string `json:"text"`
}

// Decode parses a queue record into an Event. Commands return ErrFiltered.
func Decode(raw []byte) (Event, error) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Event{}, fmt.Errorf("decode chat event: %w", err)
	}
	if m.BroadcasterID == nil {
		return Event{}, errors.New("decode chat event: missing broadcaster_id")
	}
	ms := m.Timestamp
	if ms == nil {
		ms = m.TimestampMS
	}
	if ms == nil {
		return Event{}, errors.New("decode chat event: missing timestamp")
	}
	ev := Event{BroadcasterID: *m.BroadcasterID, Timestamp: time.UnixMilli(*ms).UTC(), Text: m.Text}
	if IsCommand(ev.Text) {
		return ev, ErrFiltered
	}
	return ev, nil
}
