// Package peer implements the per-vehicle network client.
//
// Design:
//   - The send path and receive path are independent goroutines; enqueueing
//     an outbound message never waits on inbound traffic or on the socket.
//   - Send is non-blocking: messages go into a FIFO queue drained by the
//     writer, so relay-observed order matches call order per client.
//   - On transport failure the client reconnects with bounded exponential
//     backoff. After the retry limit it reports a terminal ErrDisconnected
//     on Done() and stops; a fresh Client is needed after that.
//   - Close drains queued sends before closing the connection, so an
//     explicit leave notice is not lost at shutdown.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Ringman3640/carla-platoon-system/internal/protocol"
)

var (
	ErrConnectFailed = errors.New("peer: relay unreachable")
	ErrDisconnected  = errors.New("peer: connection lost, retries exhausted")
	ErrSendQueueFull = errors.New("peer: send queue full")
	ErrClosed        = errors.New("peer: client closed")
)

// Link is the network surface a vehicle session consumes. Tests substitute
// an in-memory implementation.
type Link interface {
	// Send enqueues a message for transmission and returns immediately.
	Send(protocol.Message) error

	// Receive yields inbound messages in relay-forwarded order for the
	// life of the link. The channel closes when the link terminates.
	Receive() <-chan protocol.Message

	// Done yields the terminal error once the link gives up:
	// ErrDisconnected after retry exhaustion, or nil after a clean Close.
	Done() <-chan error

	// Close drains pending sends and closes the connection.
	Close() error
}

// Config configures a Client.
type Config struct {
	Addr        string
	DialTimeout time.Duration // default 3s
	BackoffBase time.Duration // first reconnect delay, default 500ms
	BackoffCap  time.Duration // delay ceiling, default 8s
	MaxRetries  int           // reconnect attempts per outage, default 5
	QueueDepth  int           // send/receive buffer depth, default 256
	Log         *zap.Logger
}

func (c *Config) fillDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 8 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 256
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
}

// Client connects one vehicle to the relay. Implements Link.
type Client struct {
	cfg Config
	log *zap.Logger

	sendQ   chan []byte
	recvQ   chan protocol.Message
	done    chan error
	closing chan struct{}
	stopped chan struct{}
}

// NewClient creates a Client; call Connect before use.
func NewClient(cfg Config) *Client {
	cfg.fillDefaults()
	return &Client{
		cfg:     cfg,
		log:     cfg.Log,
		sendQ:   make(chan []byte, cfg.QueueDepth),
		recvQ:   make(chan protocol.Message, cfg.QueueDepth),
		done:    make(chan error, 1),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Connect establishes the initial session. Fails with ErrConnectFailed if
// the relay is unreachable within the dial timeout.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, c.cfg.Addr, err)
	}
	c.log.Info("connected to relay", zap.String("addr", c.cfg.Addr))
	go c.run(conn)
	return nil
}

// Send encodes and enqueues a message. Never blocks; returns
// ErrSendQueueFull if the writer has fallen behind.
func (c *Client) Send(msg protocol.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.sendQ <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Receive returns the inbound message stream.
func (c *Client) Receive() <-chan protocol.Message {
	return c.recvQ
}

// Done reports the terminal state of the link.
func (c *Client) Done() <-chan error {
	return c.done
}

// Close drains pending sends, closes the connection and stops the client.
func (c *Client) Close() error {
	select {
	case <-c.closing:
	default:
		close(c.closing)
	}
	select {
	case <-c.stopped:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// run owns the connection lifecycle: one reader and one writer per
// established connection, reconnect in between.
func (c *Client) run(conn net.Conn) {
	defer close(c.stopped)
	defer close(c.recvQ)

	for {
		readErr := make(chan error, 1)
		go c.readLoop(conn, readErr)

		err := c.writeLoop(conn, readErr)
		conn.Close()
		// Wait for the reader to finish with this connection before the
		// receive queue can be reused or closed.
		<-readErr
		if err == nil {
			// Clean shutdown via Close.
			c.done <- nil
			return
		}

		c.log.Warn("connection lost", zap.Error(err))
		conn = c.reconnect()
		if conn == nil {
			c.done <- ErrDisconnected
			return
		}
	}
}

// writeLoop drains sendQ onto the connection. Returns nil on clean close,
// or the transport error that ended the connection.
func (c *Client) writeLoop(conn net.Conn, readErr <-chan error) error {
	for {
		select {
		case <-c.closing:
			c.drain(conn)
			return nil
		case err := <-readErr:
			return err
		case frame := <-c.sendQ:
			if err := protocol.WriteFrame(conn, frame); err != nil {
				// Put nothing back: the frame is lost with the
				// connection, same as any in-flight message.
				return err
			}
		}
	}
}

// drain flushes whatever is queued, best effort, before shutdown.
func (c *Client) drain(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	for {
		select {
		case frame := <-c.sendQ:
			if err := protocol.WriteFrame(conn, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) readLoop(conn net.Conn, readErr chan error) {
	defer close(readErr)
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case c.recvQ <- msg:
		default:
			// Consumer has fallen a full queue behind; dropping the
			// oldest data would reorder, so drop the newest.
			c.log.Debug("receive queue full, dropping message",
				zap.String("kind", string(msg.Kind)))
		}
	}
}

// reconnect retries the relay with exponential backoff. Returns nil when
// the retry budget is exhausted or the client is closing.
func (c *Client) reconnect() net.Conn {
	delay := c.cfg.BackoffBase
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-c.closing:
			return nil
		case <-time.After(delay):
		}
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.Dial("tcp", c.cfg.Addr)
		if err == nil {
			c.log.Info("reconnected to relay",
				zap.String("addr", c.cfg.Addr),
				zap.Int("attempt", attempt))
			return conn
		}
		c.log.Warn("reconnect failed",
			zap.Int("attempt", attempt),
			zap.Duration("nextDelay", nextDelay(delay, c.cfg.BackoffCap)),
			zap.Error(err))
		delay = nextDelay(delay, c.cfg.BackoffCap)
	}
	return nil
}

// nextDelay doubles the backoff up to the ceiling.
func nextDelay(d, ceil time.Duration) time.Duration {
	d *= 2
	if d > ceil {
		return ceil
	}
	return d
}
