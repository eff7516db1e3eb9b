// Package relay implements the platoon network hub.
//
// Design:
//   - One goroutine per connection reads frames; every frame is fanned out
//     byte-identical to all other connections, in the order it was read.
//   - Each connection owns an outbound queue drained by its own writer
//     goroutine, so per-destination order is preserved and a slow or failed
//     peer never blocks delivery to the rest.
//   - The relay never decodes payloads. A write failure or queue overflow
//     tears down only the affected connection.
//   - Peer departure is not announced by the relay; peers detect loss
//     through the protocol's own staleness timeouts.
package relay

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/Ringman3640/carla-platoon-system/internal/protocol"
	"github.com/Ringman3640/carla-platoon-system/internal/telemetry"
)

// outboundDepth bounds each connection's fan-out queue. At the 20 Hz
// broadcast rate this is over a second of backlog; a peer that falls
// further behind is treated as failed.
const outboundDepth = 256

// Config configures a Relay.
type Config struct {
	Listen string // TCP listen address
	Log    *zap.Logger
}

// Relay is the broadcast hub.
type Relay struct {
	listen string
	log    *zap.Logger
	ln     net.Listener

	mu     sync.Mutex
	conns  map[uint64]*conn
	nextID uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

type conn struct {
	id   uint64
	c    net.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// New creates a Relay.
func New(cfg Config) *Relay {
	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:52384"
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Relay{
		listen: cfg.Listen,
		log:    cfg.Log,
		conns:  make(map[uint64]*conn),
		stopCh: make(chan struct{}),
	}
}

// Start begins accepting peer connections.
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", r.listen)
	if err != nil {
		return err
	}
	r.ln = ln
	r.log.Info("relay listening", zap.String("addr", ln.Addr().String()))
	go r.acceptLoop()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (r *Relay) Addr() net.Addr {
	return r.ln.Addr()
}

// PeerCount returns the number of connected peers.
func (r *Relay) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close shuts down the listener and all peer connections.
func (r *Relay) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.ln != nil {
			r.ln.Close()
		}
		r.mu.Lock()
		conns := make([]*conn, 0, len(r.conns))
		for _, pc := range r.conns {
			conns = append(conns, pc)
		}
		r.mu.Unlock()
		for _, pc := range conns {
			r.teardown(pc, errors.New("relay shutting down"))
		}
	})
	return nil
}

func (r *Relay) acceptLoop() {
	for {
		c, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
			default:
				r.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		pc := &conn{
			c:    c,
			out:  make(chan []byte, outboundDepth),
			done: make(chan struct{}),
		}
		r.mu.Lock()
		r.nextID++
		pc.id = r.nextID
		r.conns[pc.id] = pc
		r.mu.Unlock()
		telemetry.ConnectedPeers.Inc()
		r.log.Info("peer connected",
			zap.Uint64("conn", pc.id),
			zap.String("remote", c.RemoteAddr().String()))
		go r.writeLoop(pc)
		go r.readLoop(pc)
	}
}

// readLoop reads frames from one peer and fans each out before reading the
// next, preserving the sender's order.
func (r *Relay) readLoop(pc *conn) {
	for {
		frame, err := protocol.ReadFrame(pc.c)
		if err != nil {
			r.teardown(pc, err)
			return
		}
		telemetry.FramesReceived.Inc()
		r.fanout(pc, frame)
	}
}

// fanout enqueues frame on every connection except the sender's. A full
// queue means the peer has stopped draining; it is torn down rather than
// allowed to stall or reorder the rest.
func (r *Relay) fanout(from *conn, frame []byte) {
	r.mu.Lock()
	targets := make([]*conn, 0, len(r.conns))
	for id, pc := range r.conns {
		if id != from.id {
			targets = append(targets, pc)
		}
	}
	r.mu.Unlock()

	for _, pc := range targets {
		select {
		case pc.out <- frame:
			telemetry.FramesForwarded.Inc()
		default:
			telemetry.FanoutFailures.Inc()
			r.teardown(pc, errors.New("outbound queue overflow"))
		}
	}
}

func (r *Relay) writeLoop(pc *conn) {
	for {
		select {
		case <-pc.done:
			return
		case frame := <-pc.out:
			if err := protocol.WriteFrame(pc.c, frame); err != nil {
				telemetry.FanoutFailures.Inc()
				r.teardown(pc, err)
				return
			}
		}
	}
}

func (r *Relay) teardown(pc *conn, cause error) {
	pc.once.Do(func() {
		close(pc.done)
		pc.c.Close()
		r.mu.Lock()
		delete(r.conns, pc.id)
		r.mu.Unlock()
		telemetry.ConnectedPeers.Dec()
		r.log.Info("peer disconnected",
			zap.Uint64("conn", pc.id),
			zap.String("cause", cause.Error()))
	})
}
