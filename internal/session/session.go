// Package session composes the peer link, the protocol engine and the
// gap-keeping controller around one vehicle handle.
//
// Design:
//   - The control loop is the single writer of all protocol and controller
//     state. Operator commands and inbound messages are queued and drained
//     once per tick, so membership and the predecessor track never see
//     concurrent mutation.
//   - Ticks are serialized on one ticker; a tick that runs long delays but
//     never overlaps the next.
//   - The session feeds its own JOIN/LEAVE through the engine at send time,
//     because the relay does not echo messages back to their sender.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ringman3640/carla-platoon-system/internal/control"
	"github.com/Ringman3640/carla-platoon-system/internal/peer"
	"github.com/Ringman3640/carla-platoon-system/internal/platoon"
	"github.com/Ringman3640/carla-platoon-system/internal/protocol"
	"github.com/Ringman3640/carla-platoon-system/internal/vehicle"
)

const defaultTick = 50 * time.Millisecond // 20 Hz

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdLeave
	cmdSetGap
	cmdSetSpeed
)

type command struct {
	kind  cmdKind
	value float64
}

// Config configures a Session.
type Config struct {
	ID         string         // defaults to a random UUID
	Link       peer.Link
	Vehicle    vehicle.Handle
	Tick       time.Duration  // control period, default 50ms
	StaleAfter time.Duration  // default three ticks
	Control    control.Config // controller gains
	Log        *zap.Logger
}

// Status is a point-in-time snapshot for the operator console.
type Status struct {
	ID          string
	Role        platoon.Role
	Members     []string
	TargetGap   float64
	TargetSpeed float64
}

// Session runs one vehicle's control loop.
type Session struct {
	id   string
	link peer.Link
	veh  vehicle.Handle
	eng  *platoon.Engine
	ctrl *control.Controller
	log  *zap.Logger

	tick time.Duration
	cmds chan command
	seq  uint64

	statusMu sync.Mutex
	statusAt Status
}

// New creates a Session.
func New(cfg Config) (*Session, error) {
	if cfg.Link == nil {
		return nil, fmt.Errorf("session: Link is required")
	}
	if cfg.Vehicle == nil {
		return nil, fmt.Errorf("session: Vehicle is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Tick == 0 {
		cfg.Tick = defaultTick
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 3 * cfg.Tick
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	s := &Session{
		id:   cfg.ID,
		link: cfg.Link,
		veh:  cfg.Vehicle,
		log:  cfg.Log.With(zap.String("vehicle", cfg.ID)),
		tick: cfg.Tick,
		cmds: make(chan command, 16),
		eng: platoon.New(platoon.Config{
			SelfID:     cfg.ID,
			StaleAfter: cfg.StaleAfter,
			Log:        cfg.Log,
		}),
		ctrl: control.New(cfg.Control),
	}
	s.statusAt = Status{ID: s.id, Role: platoon.RoleNone}
	return s, nil
}

// ID returns the session's peer id.
func (s *Session) ID() string { return s.id }

// Join queues a join request for the next tick.
func (s *Session) Join() error { return s.enqueue(command{kind: cmdJoin}) }

// Leave queues a departure; the session emits its LeaveNotice, drains the
// link and stops, and Run returns nil.
func (s *Session) Leave() error { return s.enqueue(command{kind: cmdLeave}) }

// SetTargetGap queues a new following distance in meters.
func (s *Session) SetTargetGap(d float64) error {
	return s.enqueue(command{kind: cmdSetGap, value: d})
}

// SetTargetSpeed queues a new leader cruise speed in m/s.
func (s *Session) SetTargetSpeed(v float64) error {
	return s.enqueue(command{kind: cmdSetSpeed, value: v})
}

func (s *Session) enqueue(c command) error {
	select {
	case s.cmds <- c:
		return nil
	default:
		return fmt.Errorf("session: command queue full")
	}
}

// Status returns the latest end-of-tick snapshot. Safe to call from the
// operator console goroutine.
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.statusAt
}

// Run drives the control loop until leave, cancellation, terminal link
// failure, or a fatal vehicle error.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()

		case err := <-s.link.Done():
			// Terminal link failure: no fresh predecessor data can ever
			// arrive, so leave the vehicle braking and bail out.
			s.applyControl(s.ctrl.Failsafe()) //nolint:errcheck
			if err != nil {
				return fmt.Errorf("session: %w", err)
			}
			return nil

		case <-ticker.C:
			leaving, err := s.tickOnce()
			if err != nil {
				return err
			}
			if leaving {
				s.shutdown()
				return nil
			}
		}
	}
}

// tickOnce is one serialized pass: inbound messages, operator commands,
// state publish, control computation, actuation. Inbound events apply
// before commands so a local join lands after everything already observed
// from the relay.
func (s *Session) tickOnce() (leaving bool, err error) {
	s.drainInbound()
	if s.drainCommands() {
		return true, nil
	}

	own, err := s.veh.State()
	if err != nil {
		return false, fmt.Errorf("session: vehicle state: %w", err)
	}
	s.publishState(own)

	var cmd vehicle.Control
	switch s.eng.Role() {
	case platoon.RoleLeader:
		cmd = s.ctrl.Leader(own)
	case platoon.RoleFollower:
		if pred, ok := s.eng.PredecessorState(); ok && !s.eng.Stale() {
			cmd = s.ctrl.Follower(own, pred)
		} else {
			// Covers silence from the predecessor and mid-outage
			// reconnect windows alike: no fresh data, fixed braking.
			cmd = s.ctrl.Failsafe()
		}
	default:
		// Not a member: the operator has the wheel.
		s.publishStatus()
		return false, nil
	}

	if err := s.applyControl(cmd); err != nil {
		return false, fmt.Errorf("session: apply control: %w", err)
	}
	s.publishStatus()
	return false, nil
}

// drainCommands consumes all queued operator commands. Returns true if a
// leave was requested.
func (s *Session) drainCommands() bool {
	for {
		select {
		case c := <-s.cmds:
			switch c.kind {
			case cmdJoin:
				msg := protocol.NewJoin(s.id, time.Now())
				if err := s.link.Send(msg); err != nil {
					s.log.Warn("join not sent", zap.Error(err))
					continue
				}
				if s.eng.HandleInbound(msg) {
					s.ctrl.Reset()
				}
				s.log.Info("joined platoon", zap.Strings("members", s.eng.Members()))
			case cmdLeave:
				return true
			case cmdSetGap:
				s.ctrl.SetTargetGap(c.value)
				s.log.Info("target gap updated", zap.Float64("meters", c.value))
			case cmdSetSpeed:
				s.ctrl.SetTargetSpeed(c.value)
				s.log.Info("target speed updated", zap.Float64("mps", c.value))
			}
		default:
			return false
		}
	}
}

// drainInbound applies every pending inbound message to the engine.
func (s *Session) drainInbound() {
	for {
		select {
		case msg, ok := <-s.link.Receive():
			if !ok {
				return // terminal failure surfaces via Done
			}
			if s.eng.HandleInbound(msg) {
				// New predecessor: no transient carried over from the
				// old one.
				s.ctrl.Reset()
			}
		default:
			return
		}
	}
}

// publishState broadcasts this vehicle's state with the next sequence
// number. A full send queue drops the sample; the next tick supersedes it.
func (s *Session) publishState(own vehicle.State) {
	s.seq++
	err := s.link.Send(protocol.NewState(protocol.VehicleState{
		PeerID:   s.id,
		Position: own.Position,
		Velocity: own.Velocity,
		Heading:  own.Heading,
		Seq:      s.seq,
		SentAt:   time.Now(),
	}))
	if err != nil {
		s.log.Debug("state broadcast dropped", zap.Error(err))
	}
}

func (s *Session) applyControl(cmd vehicle.Control) error {
	return s.veh.ApplyControl(cmd)
}

func (s *Session) publishStatus() {
	st := Status{
		ID:          s.id,
		Role:        s.eng.Role(),
		Members:     s.eng.Members(),
		TargetGap:   s.ctrl.TargetGap(),
		TargetSpeed: s.ctrl.TargetSpeed(),
	}
	s.statusMu.Lock()
	s.statusAt = st
	s.statusMu.Unlock()
}

// shutdown emits the leave notice (if this vehicle ever joined), lets the
// link drain it, and closes the connection. Nothing of this session stays
// registered with the relay afterwards.
func (s *Session) shutdown() {
	if s.eng.Role() != platoon.RoleNone {
		msg := protocol.NewLeave(s.id)
		if err := s.link.Send(msg); err != nil {
			s.log.Warn("leave notice not sent", zap.Error(err))
		}
		s.eng.HandleInbound(msg)
	}
	if err := s.link.Close(); err != nil {
		s.log.Warn("link close", zap.Error(err))
	}
	s.log.Info("session stopped")
}
