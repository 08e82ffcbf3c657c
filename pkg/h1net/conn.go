// Package h1net runs h1 connection state machines over net.Conn
// transports. It adapts Go's blocking I/O to the engine's readiness
// model: a reader goroutine pumps bytes into a per-connection inbox the
// engine drains via TryRead, writes go straight to the socket, and
// deadlines are backed by time.AfterFunc. All machine entry points are
// serialized by a per-connection mutex, which is the single-goroutine
// ownership the engine requires.
package h1net

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shapestone/shape-h1/pkg/h1"
)

// machine is the event surface shared by server and client connection
// state machines.
type machine interface {
	OnReadable()
	OnTimer(gen uint64)
	Wakeup()
	Close()
}

// Conn binds one state machine to one net.Conn.
type Conn struct {
	id  string
	log *zap.Logger
	nc  net.Conn

	mu   sync.Mutex
	cond *sync.Cond
	m    machine

	inbox    []byte
	readErr  error
	wantRead bool
	closed   bool

	timer *time.Timer
}

func newConn(id string, nc net.Conn, log *zap.Logger) *Conn {
	c := &Conn{id: id, log: log, nc: nc}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// The h1.Stream and h1.Interest methods below are invoked by the state
// machine, which only ever runs with c.mu held.

func (c *Conn) TryRead(p []byte) (int, error) {
	if len(c.inbox) > 0 {
		n := copy(p, c.inbox)
		c.inbox = c.inbox[n:]
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	return 0, h1.ErrWouldBlock
}

func (c *Conn) TryWrite(p []byte) (int, error) {
	// The socket is blocking; a full write satisfies the non-blocking
	// contract trivially because it never reports would-block.
	return c.nc.Write(p)
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	if c.timer != nil {
		c.timer.Stop()
	}
	return c.nc.Close()
}

func (c *Conn) WantRead(v bool) {
	c.wantRead = v
	if v {
		c.cond.Broadcast()
	}
}

func (c *Conn) WantWrite(v bool) {
	// Writes are synchronous; write readiness never needs tracking.
}

func (c *Conn) Arm(d time.Duration, gen uint64) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.m != nil && !c.closed {
			c.m.OnTimer(gen)
		}
	})
}

func (c *Conn) Cancel() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Wakeup re-enters the state machine from outside the reactor, letting
// handlers that completed work on another goroutine resume their
// response. Safe for concurrent use.
func (c *Conn) Wakeup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m != nil && !c.closed {
		c.m.Wakeup()
	}
}

// Shutdown tears the connection down from outside the reactor. Safe for
// concurrent use and idempotent.
func (c *Conn) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m != nil {
		c.m.Close()
	}
	_ = c.Close()
}

// readLoop pumps the socket into the inbox and drives the machine. It
// blocks while the engine has read interest dropped (backpressure) and
// exits when the peer or the engine closes the connection.
func (c *Conn) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		c.mu.Lock()
		for !c.wantRead && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		n, err := c.nc.Read(buf)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if n > 0 {
			c.inbox = append(c.inbox, buf[:n]...)
			c.m.OnReadable()
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug("socket read failed",
					zap.String("conn", c.id), zap.Error(err))
				err = io.EOF // surface as end of stream to the engine
			}
			c.readErr = err
			c.m.OnReadable()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}
