// Package sim is a minimal kinematic stand-in for the external 3-D
// simulator. It implements vehicle.Handle with point-mass physics: enough
// for the platoon core to run end-to-end and for tests to exercise real
// control feedback without a simulator process.
package sim

import (
	"math"
	"sync"
	"time"

	"github.com/Ringman3640/carla-platoon-system/internal/protocol"
	"github.com/Ringman3640/carla-platoon-system/internal/vehicle"
)

// Config holds the point-mass model parameters.
type Config struct {
	MaxAccel   float64 // m/s^2 at full throttle
	MaxBrake   float64 // m/s^2 at full brake
	Drag       float64 // 1/s, speed-proportional deceleration
	MaxYawRate float64 // rad/s at full steer
	Tick       time.Duration
}

// DefaultConfig approximates a mid-size passenger car.
func DefaultConfig() Config {
	return Config{
		MaxAccel:   3.5,
		MaxBrake:   8.0,
		Drag:       0.05,
		MaxYawRate: 0.6,
		Tick:       10 * time.Millisecond,
	}
}

// World owns the simulated vehicles and advances them in lockstep.
type World struct {
	cfg Config

	mu       sync.Mutex
	vehicles []*Vehicle

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Spawn formation: vehicles line up nose to tail along +X, each spawned a
// fixed offset behind the previous one.
const (
	spawnX      = -20.0
	spawnY      = -15.0
	spawnOffset = 7.0
)

// NewWorld creates a stopped World; call Start for real-time stepping or
// Step to advance manually.
func NewWorld(cfg Config) *World {
	if cfg.Tick == 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.MaxAccel == 0 {
		cfg = DefaultConfig()
	}
	return &World{cfg: cfg, stopCh: make(chan struct{})}
}

// Spawn adds a vehicle at the next platoon formation slot and returns its
// handle along with its formation rank (0 = front).
func (w *World) Spawn() (*Vehicle, int) {
	w.mu.Lock()
	rank := len(w.vehicles)
	w.mu.Unlock()
	return w.SpawnAt(rank), rank
}

// SpawnAt adds a vehicle at an explicit formation slot. Processes that each
// own a private World share the platoon coordinate frame through the slot
// number.
func (w *World) SpawnAt(slot int) *Vehicle {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := &Vehicle{
		world: w,
		pos:   protocol.Vec3{X: spawnX - spawnOffset*float64(slot), Y: spawnY, Z: 0.1},
	}
	w.vehicles = append(w.vehicles, v)
	return v
}

// Start advances the world in real time until Close.
func (w *World) Start() {
	go func() {
		ticker := time.NewTicker(w.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.Step(w.cfg.Tick)
			}
		}
	}()
}

// Step advances every vehicle by dt.
func (w *World) Step(dt time.Duration) {
	w.mu.Lock()
	vehicles := make([]*Vehicle, len(w.vehicles))
	copy(vehicles, w.vehicles)
	w.mu.Unlock()
	for _, v := range vehicles {
		v.step(w.cfg, dt.Seconds())
	}
}

// Close stops the stepping loop.
func (w *World) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Vehicle is one simulated point-mass car.
type Vehicle struct {
	world *World

	mu        sync.Mutex
	pos       protocol.Vec3
	speed     float64
	heading   float64
	ctrl      vehicle.Control
	destroyed bool
}

// State implements vehicle.Handle.
func (v *Vehicle) State() (vehicle.State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return vehicle.State{}, vehicle.ErrDestroyed
	}
	return vehicle.State{
		Position: v.pos,
		Velocity: protocol.Vec3{
			X: v.speed * math.Cos(v.heading),
			Y: v.speed * math.Sin(v.heading),
		},
		Heading: v.heading,
		At:      time.Now(),
	}, nil
}

// ApplyControl implements vehicle.Handle.
func (v *Vehicle) ApplyControl(c vehicle.Control) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return vehicle.ErrDestroyed
	}
	v.ctrl = c
	return nil
}

// Destroy removes the vehicle from the world; further handle calls return
// vehicle.ErrDestroyed.
func (v *Vehicle) Destroy() {
	v.mu.Lock()
	v.destroyed = true
	v.mu.Unlock()
}

func (v *Vehicle) step(cfg Config, dt float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return
	}
	accel := v.ctrl.Throttle*cfg.MaxAccel - v.ctrl.Brake*cfg.MaxBrake - cfg.Drag*v.speed
	v.speed += accel * dt
	if v.speed < 0 {
		v.speed = 0
	}
	// Yaw authority scales with speed so a parked car cannot pivot.
	authority := math.Min(v.speed/5.0, 1.0)
	v.heading += v.ctrl.Steer * cfg.MaxYawRate * authority * dt
	v.pos.X += v.speed * math.Cos(v.heading) * dt
	v.pos.Y += v.speed * math.Sin(v.heading) * dt
}
