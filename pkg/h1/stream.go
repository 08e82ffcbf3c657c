package h1

import (
	"errors"
	"time"
)

// ErrWouldBlock is returned by Stream implementations when an operation
// cannot make progress right now. The engine reacts by registering
// interest in the relevant readiness condition and returning to the
// reactor; it never spins or blocks.
var ErrWouldBlock = errors.New("h1: operation would block")

// Stream is the non-blocking byte-stream capability the reactor supplies
// for one connection.
//
// TryRead fills p with available bytes and returns how many were read.
// It returns (0, ErrWouldBlock) when no bytes are available and
// (0, io.EOF) once the peer has closed its end.
//
// TryWrite writes as much of p as the transport will take and returns
// how many bytes were written; (0, ErrWouldBlock) when the transport
// cannot take any.
type Stream interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	Close() error
}

// Interest lets the engine tell the reactor which readiness events it
// currently wants for this connection. Dropping read interest is the
// engine's backpressure mechanism.
type Interest interface {
	WantRead(bool)
	WantWrite(bool)
}

// Timer is the deadline capability for one connection. Arm schedules a
// single deadline d from now, replacing any previous one, and must
// deliver the given generation back through the connection's OnTimer.
// The generation lets the engine treat a stale fire - one racing a
// cancel or a rearm - as a no-op instead of undefined behavior.
type Timer interface {
	Arm(d time.Duration, gen uint64)
	Cancel()
}
