package chat

import (
	"context"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

func TestIRCSourceHandle(t *testing.T) {
	sink := &recordingSink{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := NewIRCSource("", []string{"somechannel"}, nil, sink)
	src.now = func() time.Time { return fixed }

	sent := time.Date(2024, 5, 1, 11, 59, 59, 0, time.UTC)
	src.handle(context.Background(), twitch.PrivateMessage{RoomID: "1234", Message: "LUL", Time: sent})
	src.handle(context.Background(), twitch.PrivateMessage{RoomID: "1234", Message: "!discord"})
	src.handle(context.Background(), twitch.PrivateMessage{RoomID: "not-a-number", Message: "hi"})
	src.handle(context.Background(), twitch.PrivateMessage{RoomID: "1234", Message: "no timestamp"})

	if len(sink.got) != 2 {
		t.Fatalf("submitted %d events, want 2", len(sink.got))
	}
	if got := sink.got[0]; got.BroadcasterID != 1234 || !got.Payload.Timestamp.Equal(sent) {
		t.Errorf("first event = %+v", got)
	}
	if got := sink.got[1]; !got.Payload.Timestamp.Equal(fixed) {
		t.Errorf("missing server time should fall back to now, got %s", got.Payload.Timestamp)
	}
}
