// Package vehicle defines the handle surface the platoon core consumes from
// the simulation environment. The core never talks to the simulator
// directly; it reads state and applies control through a Handle, so any
// backend (the built-in kinematic sim, or an external 3-D simulator bridge)
// can sit behind it.
package vehicle

import (
	"errors"
	"time"

	"github.com/Ringman3640/carla-platoon-system/internal/protocol"
)

// ErrDestroyed is returned by a Handle whose underlying actor no longer
// exists. It is the one fatal vehicle condition: the owning session
// terminates when it sees it.
var ErrDestroyed = errors.New("vehicle: actor destroyed")

// State is a snapshot of a vehicle as reported by the simulator.
type State struct {
	Position protocol.Vec3
	Velocity protocol.Vec3
	Heading  float64 // radians
	At       time.Time
}

// Speed returns the scalar ground speed in m/s.
func (s State) Speed() float64 {
	return s.Velocity.Length()
}

// Control is one actuation command. Throttle and Brake are in [0,1], Steer
// in [-1,1]. Throttle and Brake are never both non-zero.
type Control struct {
	Throttle float64
	Brake    float64
	Steer    float64
}

// Handle is one simulated vehicle.
type Handle interface {
	// State reads the current vehicle state. Returns ErrDestroyed if the
	// actor has been removed from the world.
	State() (State, error)

	// ApplyControl sets the actuator inputs until the next call.
	ApplyControl(Control) error
}
