// Package body implements the HTTP/1.x body codecs: fixed-length,
// chunked, and close-delimited. Decoders are resumable: each instance
// carries all state needed to continue after a partial read, so input may
// be split at any byte boundary.
//
// The decoding contract is Push-based. Push consumes a prefix of its
// input and returns any decoded payload bytes. The caller loops:
//
//	for len(p) > 0 && !dec.Done() {
//		out, n, err := dec.Push(p)
//		// deliver out
//		p = p[n:]
//		if n == 0 { break } // need more input
//	}
//
// Returned payload slices alias the input and are only valid until the
// next Push.
package body

import "fmt"

// DecodeError reports malformed body framing. Like a malformed head, it
// is fatal for the connection.
type DecodeError struct {
	Msg string
}

func (e *DecodeError) Error() string { return "h1: malformed body: " + e.Msg }

func errorf(format string, args ...interface{}) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

// Decoder translates raw transport bytes into logical body bytes.
type Decoder interface {
	// Push consumes a prefix of p and returns decoded payload bytes.
	// n is the number of bytes of p consumed; n == 0 with a nil error
	// means more input is needed to make progress.
	Push(p []byte) (out []byte, n int, err error)
	// Done reports whether the body is complete. A close-delimited body
	// only becomes Done via FinishEOF.
	Done() bool
}

// FixedDecoder decodes a body of exactly N bytes. Bytes beyond N are
// never consumed; they belong to the next pipelined message.
type FixedDecoder struct {
	remaining int64
}

// NewFixedDecoder creates a decoder for a Content-Length body of n bytes.
func NewFixedDecoder(n int64) *FixedDecoder {
	return &FixedDecoder{remaining: n}
}

func (d *FixedDecoder) Push(p []byte) ([]byte, int, error) {
	if d.remaining == 0 {
		return nil, 0, nil
	}
	n := int64(len(p))
	if n > d.remaining {
		n = d.remaining
	}
	d.remaining -= n
	return p[:n], int(n), nil
}

func (d *FixedDecoder) Done() bool { return d.remaining == 0 }

// EOFDecoder decodes a close-delimited body: every byte is payload until
// the peer closes the connection. Only valid for responses on connections
// that will not be reused.
type EOFDecoder struct {
	done bool
}

// NewEOFDecoder creates a close-delimited decoder.
func NewEOFDecoder() *EOFDecoder {
	return &EOFDecoder{}
}

func (d *EOFDecoder) Push(p []byte) ([]byte, int, error) {
	if d.done {
		return nil, 0, nil
	}
	return p, len(p), nil
}

func (d *EOFDecoder) Done() bool { return d.done }

// FinishEOF marks the body complete; call it when the transport reports
// end of stream.
func (d *EOFDecoder) FinishEOF() { d.done = true }
