// Package h1test provides deterministic in-memory implementations of the
// reactor capabilities (h1.Stream, h1.Interest, h1.Timer) for driving
// connection state machines in tests. Input arrives in exactly the
// fragments a test scripts, writes can be rationed or blocked, and timer
// fires are explicit, so every readiness interleaving is reproducible.
package h1test

import (
	"io"
	"time"

	"github.com/shapestone/shape-h1/pkg/h1"
)

// Stream is a scripted h1.Stream. Each TryRead returns at most one
// scripted fragment; when the script is exhausted it returns
// h1.ErrWouldBlock, or io.EOF once FeedEOF was called.
type Stream struct {
	input   [][]byte
	eof     bool
	closed  bool
	written []byte

	// WriteLimit caps bytes accepted per TryWrite. Zero means
	// unlimited.
	WriteLimit int
	// WritesBlocked makes TryWrite return h1.ErrWouldBlock.
	WritesBlocked bool
}

func NewStream() *Stream { return &Stream{} }

// Feed appends one input fragment. Fragment boundaries are preserved:
// the engine sees exactly these reads.
func (s *Stream) Feed(p []byte) {
	s.input = append(s.input, append([]byte(nil), p...))
}

// FeedString is Feed for string literals.
func (s *Stream) FeedString(str string) { s.Feed([]byte(str)) }

// FeedEOF makes reads report end of stream once the script is drained.
func (s *Stream) FeedEOF() { s.eof = true }

func (s *Stream) TryRead(p []byte) (int, error) {
	if s.closed {
		return 0, h1.ErrClosed
	}
	if len(s.input) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, h1.ErrWouldBlock
	}
	frag := s.input[0]
	n := copy(p, frag)
	if n < len(frag) {
		s.input[0] = frag[n:]
	} else {
		s.input = s.input[1:]
	}
	return n, nil
}

func (s *Stream) TryWrite(p []byte) (int, error) {
	if s.closed {
		return 0, h1.ErrClosed
	}
	if s.WritesBlocked {
		return 0, h1.ErrWouldBlock
	}
	n := len(p)
	if s.WriteLimit > 0 && n > s.WriteLimit {
		n = s.WriteLimit
	}
	s.written = append(s.written, p[:n]...)
	return n, nil
}

func (s *Stream) Close() error {
	s.closed = true
	return nil
}

// Written returns everything the engine has flushed to the transport.
func (s *Stream) Written() []byte { return s.written }

// WrittenString is Written as a string.
func (s *Stream) WrittenString() string { return string(s.written) }

// Closed reports whether the engine closed the stream.
func (s *Stream) Closed() bool { return s.closed }

// Interest records the engine's current readiness interest.
type Interest struct {
	ReadWanted  bool
	WriteWanted bool
}

func NewInterest() *Interest { return &Interest{} }

func (i *Interest) WantRead(v bool)  { i.ReadWanted = v }
func (i *Interest) WantWrite(v bool) { i.WriteWanted = v }

// Timer records the engine's most recent deadline. Tests fire it by
// passing Gen back into the connection's OnTimer; firing a stale
// generation must be a no-op, which tests exercise by saving Gen across
// a rearm.
type Timer struct {
	Armed    bool
	Duration time.Duration
	Gen      uint64
}

func NewTimer() *Timer { return &Timer{} }

func (t *Timer) Arm(d time.Duration, gen uint64) {
	t.Armed = true
	t.Duration = d
	t.Gen = gen
}

func (t *Timer) Cancel() { t.Armed = false }
