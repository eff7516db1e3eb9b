// Package control implements the gap-keeping controller.
//
// Followers run a proportional-derivative law on the gap error to their
// predecessor; the leader regulates to the operator's target speed with the
// same longitudinal mapping and no gap term. Desired acceleration is clamped
// to a plausible range, slew-limited between ticks, and mapped to throttle or
// brake, never both. When predecessor data is stale or missing the
// controller is bypassed entirely with a fixed fail-safe brake profile.
package control

import (
	"math"

	"github.com/Ringman3640/carla-platoon-system/internal/protocol"
	"github.com/Ringman3640/carla-platoon-system/internal/vehicle"
)

// Config holds controller gains and limits. Zero values are replaced with
// the defaults below.
type Config struct {
	GapKp     float64 // gap error gain, 1/s^2
	GapKd     float64 // relative speed gain, 1/s
	SpeedKp   float64 // leader speed regulation gain, 1/s
	HeadingKp float64 // steering gain per radian of heading error

	MaxAccel float64 // m/s^2, caps positive commands
	MaxDecel float64 // m/s^2, caps braking commands

	FailsafeBrake float64 // fixed brake fraction applied on stale data
	SlewRate      float64 // max accel change per tick, m/s^2

	TargetGap   float64 // initial following distance, meters
	TargetSpeed float64 // initial leader cruise speed, m/s
}

// DefaultConfig returns gains tuned for the built-in kinematic sim at a
// 20 Hz tick.
func DefaultConfig() Config {
	return Config{
		GapKp:         0.5,
		GapKd:         0.8,
		SpeedKp:       0.6,
		HeadingKp:     1.2,
		MaxAccel:      3.0,
		MaxDecel:      6.0,
		FailsafeBrake: 0.4,
		SlewRate:      1.5,
		TargetGap:     10.0,
		TargetSpeed:   15.0,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.GapKp == 0 {
		c.GapKp = d.GapKp
	}
	if c.GapKd == 0 {
		c.GapKd = d.GapKd
	}
	if c.SpeedKp == 0 {
		c.SpeedKp = d.SpeedKp
	}
	if c.HeadingKp == 0 {
		c.HeadingKp = d.HeadingKp
	}
	if c.MaxAccel == 0 {
		c.MaxAccel = d.MaxAccel
	}
	if c.MaxDecel == 0 {
		c.MaxDecel = d.MaxDecel
	}
	if c.FailsafeBrake == 0 {
		c.FailsafeBrake = d.FailsafeBrake
	}
	if c.SlewRate == 0 {
		c.SlewRate = d.SlewRate
	}
	if c.TargetGap == 0 {
		c.TargetGap = d.TargetGap
	}
	if c.TargetSpeed == 0 {
		c.TargetSpeed = d.TargetSpeed
	}
}

// Controller computes one vehicle.Control per tick. It is not safe for
// concurrent use; the owning session is its single caller.
type Controller struct {
	cfg         Config
	targetGap   float64
	targetSpeed float64

	// lastAccel carries the slew limiter between ticks. It is the only
	// state, and it is cleared on Reset so a predecessor change does not
	// bleed a transient from the old chain into the new one.
	lastAccel float64
}

// New creates a Controller.
func New(cfg Config) *Controller {
	cfg.fillDefaults()
	return &Controller{
		cfg:         cfg,
		targetGap:   cfg.TargetGap,
		targetSpeed: cfg.TargetSpeed,
	}
}

// SetTargetGap updates the desired following distance in meters.
func (c *Controller) SetTargetGap(d float64) {
	if d > 0 {
		c.targetGap = d
	}
}

// TargetGap returns the current desired following distance.
func (c *Controller) TargetGap() float64 { return c.targetGap }

// SetTargetSpeed updates the leader cruise speed in m/s.
func (c *Controller) SetTargetSpeed(v float64) {
	if v >= 0 {
		c.targetSpeed = v
	}
}

// TargetSpeed returns the current leader cruise speed.
func (c *Controller) TargetSpeed() float64 { return c.targetSpeed }

// Reset clears carried state. Called after a membership change reassigns
// the predecessor, so the first tick against the new track starts clean.
func (c *Controller) Reset() {
	c.lastAccel = 0
}

// Follower computes the gap-keeping command for a follower given its own
// state and the latest predecessor state.
func (c *Controller) Follower(own vehicle.State, pred protocol.VehicleState) vehicle.Control {
	offset := pred.Position.Sub(own.Position)
	// Signed longitudinal distance: projection of the offset onto our own
	// heading. Goes negative if the track says the predecessor is beside or
	// behind us (overlap).
	dist := offset.X*math.Cos(own.Heading) + offset.Y*math.Sin(own.Heading)

	e := dist - c.targetGap
	// Overlap clamp: a deeply negative error would demand unbounded braking
	// and then oscillate once the gap reopens. Bound it by one target gap.
	if e < -c.targetGap {
		e = -c.targetGap
	}
	dv := pred.Speed() - own.Speed()

	accel := c.cfg.GapKp*e + c.cfg.GapKd*dv
	cmd := c.longitudinal(accel)
	cmd.Steer = c.steerToward(own, offset)
	return cmd
}

// Leader regulates to the target speed only; gap terms do not apply.
func (c *Controller) Leader(own vehicle.State) vehicle.Control {
	accel := c.cfg.SpeedKp * (c.targetSpeed - own.Speed())
	return c.longitudinal(accel)
}

// Failsafe returns the fixed deceleration command used whenever predecessor
// data is stale or the network is down. It is independent of any prior
// command; the slew state is re-seeded so recovery ramps from the brake
// level rather than from a stale accel.
func (c *Controller) Failsafe() vehicle.Control {
	c.lastAccel = -c.cfg.FailsafeBrake * c.cfg.MaxDecel
	return vehicle.Control{Brake: c.cfg.FailsafeBrake}
}

// longitudinal clamps and slew-limits the desired acceleration, then maps
// it to throttle or brake. The single accel value guarantees throttle and
// brake are never both non-zero.
func (c *Controller) longitudinal(accel float64) vehicle.Control {
	accel = clamp(accel, -c.cfg.MaxDecel, c.cfg.MaxAccel)
	accel = clamp(accel, c.lastAccel-c.cfg.SlewRate, c.lastAccel+c.cfg.SlewRate)
	c.lastAccel = accel

	var cmd vehicle.Control
	if accel >= 0 {
		cmd.Throttle = clamp(accel/c.cfg.MaxAccel, 0, 1)
	} else {
		cmd.Brake = clamp(-accel/c.cfg.MaxDecel, 0, 1)
	}
	return cmd
}

// steerToward points the vehicle at the predecessor's position with a
// proportional heading-error law.
func (c *Controller) steerToward(own vehicle.State, offset protocol.Vec3) float64 {
	if offset.X == 0 && offset.Y == 0 {
		return 0
	}
	desired := math.Atan2(offset.Y, offset.X)
	err := wrapAngle(desired - own.Heading)
	return clamp(c.cfg.HeadingKp*err, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// wrapAngle normalizes an angle to (-pi, pi].
func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
