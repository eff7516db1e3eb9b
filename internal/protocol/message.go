// Package protocol defines the platoon network wire format.
//
// Every message is a JSON envelope tagged with a Kind (STATE, JOIN or LEAVE)
// and framed on the wire with a 2-byte big-endian length prefix. The relay
// forwards raw frames without decoding them, so the frame layer
// (ReadFrame/WriteFrame) is separate from the typed envelope codec
// (Message.Encode/Decode) used by peers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind is the wire-level message tag.
type Kind string

const (
	KindState Kind = "STATE"
	KindJoin  Kind = "JOIN"
	KindLeave Kind = "LEAVE"
)

var (
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	ErrBadEnvelope = errors.New("protocol: envelope missing payload for kind")
)

// Vec3 is a position or velocity vector in simulator coordinates (meters,
// meters per second).
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Length returns the Euclidean magnitude of v.
func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// VehicleState is the periodic self-report every platoon member broadcasts.
// Seq increases monotonically per sender; receivers drop anything that
// arrives with a seq at or below the last one they applied.
type VehicleState struct {
	PeerID   string    `json:"peerId"`
	Position Vec3      `json:"position"`
	Velocity Vec3      `json:"velocity"`
	Heading  float64   `json:"heading"` // radians, simulator yaw
	Seq      uint64    `json:"seq"`
	SentAt   time.Time `json:"sentAt"`
}

// Speed returns the scalar ground speed in m/s.
func (s VehicleState) Speed() float64 {
	return s.Velocity.Length()
}

// JoinRequest asks the platoon to append the requester to the tail of the
// membership chain. Re-joining while already a member is a no-op.
type JoinRequest struct {
	PeerID string    `json:"peerId"`
	SentAt time.Time `json:"sentAt"`
}

// LeaveNotice announces that a peer is departing the platoon.
type LeaveNotice struct {
	PeerID string `json:"peerId"`
}

// Message is the envelope carried in every frame. Exactly one payload field
// is set, matching Kind.
type Message struct {
	Kind  Kind          `json:"kind"`
	State *VehicleState `json:"state,omitempty"`
	Join  *JoinRequest  `json:"join,omitempty"`
	Leave *LeaveNotice  `json:"leave,omitempty"`
}

// NewState wraps a VehicleState in an envelope.
func NewState(s VehicleState) Message {
	return Message{Kind: KindState, State: &s}
}

// NewJoin builds a JOIN envelope for the given peer.
func NewJoin(peerID string, at time.Time) Message {
	return Message{Kind: KindJoin, Join: &JoinRequest{PeerID: peerID, SentAt: at}}
}

// NewLeave builds a LEAVE envelope for the given peer.
func NewLeave(peerID string) Message {
	return Message{Kind: KindLeave, Leave: &LeaveNotice{PeerID: peerID}}
}

// Sender returns the peer id that originated the message.
func (m Message) Sender() string {
	switch m.Kind {
	case KindState:
		if m.State != nil {
			return m.State.PeerID
		}
	case KindJoin:
		if m.Join != nil {
			return m.Join.PeerID
		}
	case KindLeave:
		if m.Leave != nil {
			return m.Leave.PeerID
		}
	}
	return ""
}

// Encode serialises the envelope to its frame payload.
func (m Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a frame payload into an envelope.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Kind {
	case KindState:
		if m.State == nil {
			return ErrBadEnvelope
		}
	case KindJoin:
		if m.Join == nil {
			return ErrBadEnvelope
		}
	case KindLeave:
		if m.Leave == nil {
			return ErrBadEnvelope
		}
	default:
		return ErrUnknownKind
	}
	return nil
}
