package h1

import (
	"errors"
	"fmt"

	"github.com/shapestone/shape-h1/internal/body"
	"github.com/shapestone/shape-h1/internal/headparser"
)

// The error taxonomy. Every error here is fatal for the connection it
// occurred on and never affects sibling connections. Nothing is retried
// by the engine; retry is an application concern.

// ErrClosed is returned when an operation is attempted on a connection
// that has already released its resources.
var ErrClosed = errors.New("h1: connection closed")

// ErrPayloadTooLarge reports a buffered-mode body that exceeded the bound
// the handler chose in Buffered(max).
var ErrPayloadTooLarge = errors.New("h1: payload exceeds buffered-mode limit")

// TimeoutError reports a phase deadline that expired. It is handled like
// a fatal protocol error: the connection transitions to closing, with a
// best-effort status response if nothing has been written yet.
type TimeoutError struct {
	Phase Phase
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("h1: %s deadline exceeded", e.Phase)
}

// HandlerError wraps a failure reported by the external handler after a
// head was accepted. If no response bytes have been written the engine
// produces a generic error response; otherwise the connection is closed
// immediately, since a response cannot be un-sent.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string { return "h1: handler: " + e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

// IoError wraps a transport failure. Always fatal, no response attempt.
type IoError struct {
	Err error
}

func (e *IoError) Error() string { return "h1: transport: " + e.Err.Error() }
func (e *IoError) Unwrap() error { return e.Err }

// StatusForError maps an engine error to the status code and reason of a
// best-effort error response. The mapping follows the taxonomy: malformed
// heads and framing conflicts are the peer's fault (4xx), handler
// failures are ours (5xx).
func StatusForError(err error) (int, string) {
	var (
		pe *headparser.ParseError
		fe *headparser.FramingError
		de *body.DecodeError
		te *TimeoutError
		he *HandlerError
	)
	switch {
	case errors.Is(err, headparser.ErrHeadTooLarge):
		return 431, "Request Header Fields Too Large"
	case errors.Is(err, ErrPayloadTooLarge):
		return 413, "Payload Too Large"
	case errors.As(err, &te):
		return 408, "Request Timeout"
	case errors.As(err, &pe), errors.As(err, &fe), errors.As(err, &de):
		return 400, "Bad Request"
	case errors.As(err, &he):
		return 500, "Internal Server Error"
	}
	return 500, "Internal Server Error"
}

// IsMalformed reports whether err is a parse, framing, or body-framing
// error - the class of errors for which the peer sent bytes the protocol
// grammar forbids.
func IsMalformed(err error) bool {
	var (
		pe *headparser.ParseError
		fe *headparser.FramingError
		de *body.DecodeError
	)
	return errors.As(err, &pe) || errors.As(err, &fe) || errors.As(err, &de)
}
