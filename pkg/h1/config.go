package h1

import (
	"time"

	"go.uber.org/zap"

	"github.com/shapestone/shape-h1/internal/bufpool"
	"github.com/shapestone/shape-h1/internal/headparser"
)

// Phase is the protocol phase a connection is in. Each phase carries its
// own deadline; the timeout manager rearms the connection timer on every
// phase transition.
type Phase int

const (
	// PhaseIdle: waiting for the first byte of a (possibly pipelined)
	// message head.
	PhaseIdle Phase = iota
	// PhaseHead: a head is mid-parse.
	PhaseHead
	// PhaseBody: streaming a message body.
	PhaseBody
	// PhaseWrite: input is done, draining buffered output.
	PhaseWrite
	// PhaseClosing: a fatal error or close directive was seen; any
	// remaining buffered input is discarded while output drains.
	PhaseClosing
	// PhaseClosed: terminal. All resources have been released.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHead:
		return "head"
	case PhaseBody:
		return "body"
	case PhaseWrite:
		return "write"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Config carries the engine knobs shared by all connections of one
// server or client. The zero value is usable; defaults are applied by
// withDefaults.
type Config struct {
	// MaxHeadBytes bounds a message head. Exceeding it is fatal (431
	// server-side). Default 16384.
	MaxHeadBytes int

	// MaxPipeline bounds how many server-side requests may be parsed
	// ahead of their responses being fully written. At the bound the
	// connection drops read interest until the queue drains. Default 8.
	MaxPipeline int

	// BufferSize is the capacity of pooled read/write buffers.
	// Default 8192.
	BufferSize int

	// IdleTimeout guards PhaseIdle, HeadTimeout PhaseHead, BodyTimeout
	// PhaseBody, WriteTimeout PhaseWrite and PhaseClosing drains.
	IdleTimeout  time.Duration
	HeadTimeout  time.Duration
	BodyTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger receives connection lifecycle and error events. Defaults
	// to a nop logger.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxHeadBytes <= 0 {
		c.MaxHeadBytes = headparser.DefaultMaxHeadBytes
	}
	if c.MaxPipeline <= 0 {
		c.MaxPipeline = 8
	}
	if c.BufferSize <= 0 {
		c.BufferSize = bufpool.DefaultBufferSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.HeadTimeout <= 0 {
		c.HeadTimeout = 10 * time.Second
	}
	if c.BodyTimeout <= 0 {
		c.BodyTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) timeoutFor(p Phase) time.Duration {
	switch p {
	case PhaseIdle:
		return c.IdleTimeout
	case PhaseHead:
		return c.HeadTimeout
	case PhaseBody:
		return c.BodyTimeout
	default:
		return c.WriteTimeout
	}
}
