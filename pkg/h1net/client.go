package h1net

import (
	"context"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shapestone/shape-h1/pkg/h1"
)

// AttachClient binds a client state machine to nc and starts pumping it.
// The returned h1.ClientConn starts exchanges via BeginRequest; the Conn
// wraps lifecycle and Wakeup.
func AttachClient(engine *h1.Client, nc net.Conn, log *zap.Logger) (*Conn, *h1.ClientConn) {
	if log == nil {
		log = zap.NewNop()
	}
	c := newConn(uuid.NewString(), nc, log)
	c.mu.Lock()
	cc := engine.NewConn(c, c, c)
	c.m = cc
	c.mu.Unlock()
	go c.readLoop()
	return c, cc
}

// Dial connects to addr and attaches a client state machine to the
// resulting connection.
func Dial(ctx context.Context, engine *h1.Client, network, addr string, log *zap.Logger) (*Conn, *h1.ClientConn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, nil, err
	}
	c, cc := AttachClient(engine, nc, log)
	return c, cc, nil
}

// BeginRequest starts the next exchange on a client connection attached
// via AttachClient or Dial. Safe for concurrent use with the pump.
func (c *Conn) BeginRequest(cc *h1.ClientConn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cc.BeginRequest()
}
