package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestMessageRoundtrip(t *testing.T) {
	sent := NewState(VehicleState{
		PeerID:   "veh-1",
		Position: Vec3{X: 12.5, Y: -3, Z: 0.1},
		Velocity: Vec3{X: 8, Y: 0.5, Z: 0},
		Heading:  0.25,
		Seq:      42,
		SentAt:   time.Unix(1700000000, 0).UTC(),
	})

	var buf bytes.Buffer
	if err := WriteMessage(&buf, sent); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindState || got.State == nil {
		t.Fatalf("kind = %q, state = %v", got.Kind, got.State)
	}
	if *got.State != *sent.State {
		t.Fatalf("state mismatch: got %+v want %+v", *got.State, *sent.State)
	}
}

func TestFramesPreserveOrder(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		NewJoin("a", time.Unix(1, 0).UTC()),
		NewState(VehicleState{PeerID: "a", Seq: 1}),
		NewState(VehicleState{PeerID: "a", Seq: 2}),
		NewLeave("a"),
	}
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range msgs {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.Kind != want.Kind || got.Sender() != want.Sender() {
			t.Fatalf("frame %d: got %q/%q want %q/%q", i, got.Kind, got.Sender(), want.Kind, want.Sender())
		}
		if want.Kind == KindState && got.State.Seq != want.State.Seq {
			t.Fatalf("frame %d: seq %d want %d", i, got.State.Seq, want.State.Seq)
		}
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFrame+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("write: expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"PING"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDecodeMissingPayload(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"STATE"}`))
	if !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestSender(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"state", NewState(VehicleState{PeerID: "s"}), "s"},
		{"join", NewJoin("j", time.Now()), "j"},
		{"leave", NewLeave("l"), "l"},
		{"empty", Message{Kind: KindState}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.Sender(); got != tc.want {
				t.Fatalf("Sender() = %q, want %q", got, tc.want)
			}
		})
	}
}
