// Package platoon implements the protocol engine: the local view of the
// platoon chain and the predecessor track that feeds gap control.
//
// Design:
//   - There is no central arbiter of membership. Every engine applies
//     Join/Leave events in the order it observes them from the relay and
//     treats that order as authoritative for itself only. Convergence is
//     eventual; the controller only needs correctness relative to the
//     locally known predecessor.
//   - The engine is single-writer: the owning session drains inbound
//     messages into it once per control tick. No internal locking.
//   - Only the current predecessor's state is tracked, bounding memory to
//     one VehicleState regardless of platoon size.
package platoon

import (
	"time"

	"go.uber.org/zap"

	"github.com/Ringman3640/carla-platoon-system/internal/protocol"
)

// DefaultStaleAfter is three missed broadcast periods at the default
// 20 Hz tick.
const DefaultStaleAfter = 150 * time.Millisecond

// Role is the position-derived behavior of a vehicle.
type Role int

const (
	// RoleNone means the vehicle is not (yet) a platoon member.
	RoleNone Role = iota
	// RoleLeader is index 0: no gap control, operator speed only.
	RoleLeader
	// RoleFollower tracks the member immediately ahead.
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "none"
	}
}

// Track is the most recent predecessor state plus its local receipt time,
// used for staleness detection.
type Track struct {
	State      protocol.VehicleState
	ReceivedAt time.Time
}

// Config configures an Engine.
type Config struct {
	SelfID     string
	StaleAfter time.Duration    // defaults to DefaultStaleAfter
	Now        func() time.Time // injectable clock; defaults to time.Now
	Log        *zap.Logger
}

// Engine holds one vehicle's platoon state.
type Engine struct {
	self       string
	staleAfter time.Duration
	now        func() time.Time
	log        *zap.Logger

	members     Membership
	predecessor string
	track       *Track
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Engine{
		self:       cfg.SelfID,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		log:        cfg.Log,
	}
}

// HandleInbound applies one message to the local view. The session also
// feeds its own JOIN/LEAVE through here at send time, since the relay never
// echoes a message back to its sender.
//
// The returned bool reports whether this vehicle's predecessor changed, so
// the caller can reset controller state.
func (e *Engine) HandleInbound(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindState:
		e.applyState(*msg.State)
		return false
	case protocol.KindJoin:
		if !e.members.Join(msg.Join.PeerID) {
			return false // already a member: idempotent no-op
		}
		e.log.Debug("peer joined",
			zap.String("peer", msg.Join.PeerID),
			zap.Int("members", e.members.Len()))
		return e.refreshPredecessor()
	case protocol.KindLeave:
		if !e.members.Leave(msg.Leave.PeerID) {
			return false // unknown peer: idempotent no-op
		}
		e.log.Debug("peer left",
			zap.String("peer", msg.Leave.PeerID),
			zap.Int("members", e.members.Len()))
		return e.refreshPredecessor()
	}
	return false
}

// applyState updates the predecessor track. States from anyone other than
// the current predecessor are ignored; states at or below the last applied
// sequence number are reordered duplicates and dropped.
func (e *Engine) applyState(s protocol.VehicleState) {
	if s.PeerID != e.predecessor || e.predecessor == "" {
		return
	}
	if e.track != nil && s.Seq <= e.track.State.Seq {
		return
	}
	e.track = &Track{State: s, ReceivedAt: e.now()}
}

// refreshPredecessor recomputes the predecessor from the chain. On change
// the old track is discarded so no spurious staleness fires against it and
// no stale data from the old chain feeds the controller.
func (e *Engine) refreshPredecessor() bool {
	pred, _ := e.members.PredecessorOf(e.self)
	if pred == e.predecessor {
		return false
	}
	e.log.Info("predecessor changed",
		zap.String("from", e.predecessor),
		zap.String("to", pred))
	e.predecessor = pred
	e.track = nil
	return true
}

// Role derives this vehicle's role from its chain position.
func (e *Engine) Role() Role {
	switch e.members.IndexOf(e.self) {
	case -1:
		return RoleNone
	case 0:
		return RoleLeader
	default:
		return RoleFollower
	}
}

// Predecessor returns the id of the member immediately ahead, if any.
func (e *Engine) Predecessor() (string, bool) {
	if e.predecessor == "" {
		return "", false
	}
	return e.predecessor, true
}

// PredecessorState returns the latest tracked predecessor state.
func (e *Engine) PredecessorState() (protocol.VehicleState, bool) {
	if e.track == nil {
		return protocol.VehicleState{}, false
	}
	return e.track.State, true
}

// Stale reports whether a follower must fall back to fail-safe control:
// either no predecessor state has ever arrived, or the newest one is older
// than the staleness window.
func (e *Engine) Stale() bool {
	if e.track == nil {
		return true
	}
	return e.now().Sub(e.track.ReceivedAt) > e.staleAfter
}

// Members returns a copy of the local membership view, leader first.
func (e *Engine) Members() []string {
	return e.members.Peers()
}
