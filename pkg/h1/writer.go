package h1

import (
	"errors"
	"strconv"

	"github.com/shapestone/shape-h1/internal/body"
)

// Errors reported by the message writer FSM. Content-Length and
// Transfer-Encoding shape the framing of everything that follows, so they
// must be set through ContentLength/Chunked and are validated against
// each other; getting these headers wrong is how responses get smuggled.
var (
	ErrWriterState            = errors.New("h1: writer method called in wrong state")
	ErrReservedHeader         = errors.New("h1: Content-Length and Transfer-Encoding must be set via ContentLength/Chunked")
	ErrDuplicateContentLength = errors.New("h1: Content-Length set twice")
	ErrDuplicateChunked       = errors.New("h1: chunked transfer coding set twice")
	ErrChunkedAfterLength     = errors.New("h1: chunked set after Content-Length")
	ErrLengthAfterChunked     = errors.New("h1: Content-Length set after chunked")
	ErrCannotDetermineLength  = errors.New("h1: neither Content-Length nor chunked set on a keep-alive response")
	ErrBodyOverrun            = errors.New("h1: body bytes exceed declared Content-Length")
	ErrBodyOnBodylessMessage  = errors.New("h1: body write on a message that forbids a body")
)

// writer states
const (
	wsStart = iota
	wsHeaders
	wsFixedBody
	wsChunkedBody
	wsEOFBody
	wsNoBody
	wsIgnoredBody
	wsDone
)

// body disposition, decided from the message kind before framing headers
// are known: HEAD responses and 304s carry headers describing a body that
// is never sent; 1xx/204 must not have one at all.
const (
	bodyNormal = iota
	bodyIgnored
	bodyDenied
)

type writeKicker interface {
	kickWrite()
}

// writerCore is the shared request/response serialization state machine.
// Bytes are appended to buf immediately; the owning connection drains buf
// to the transport when the reactor reports writability.
type writerCore struct {
	state     int
	bodyMode  int
	isRequest bool
	close     bool
	chunked   bool
	hasLength bool
	remaining int64 // declared Content-Length minus body bytes written
	buf       []byte
	conn      writeKicker
}

func (w *writerCore) appendLine(parts ...string) {
	for _, p := range parts {
		w.buf = append(w.buf, p...)
	}
	w.buf = append(w.buf, '\r', '\n')
}

// IsStarted reports whether the first line has been written. Error pages
// can only be produced while this is false.
func (w *writerCore) IsStarted() bool { return w.state != wsStart }

// IsDone reports whether End has completed the message.
func (w *writerCore) IsDone() bool { return w.state == wsDone }

// header appends one framed header line; callers have already validated
// the state.
func (w *writerCore) header(key, value string) {
	w.buf = append(w.buf, key...)
	w.buf = append(w.buf, ':', ' ')
	w.buf = append(w.buf, value...)
	w.buf = append(w.buf, '\r', '\n')
}

// Header adds a header to the message. Content-Length and
// Transfer-Encoding are rejected; use ContentLength and Chunked.
func (w *writerCore) Header(key, value string) error {
	if eqFoldStr(key, "Content-Length") || eqFoldStr(key, "Transfer-Encoding") {
		return ErrReservedHeader
	}
	if w.state != wsHeaders {
		return ErrWriterState
	}
	w.header(key, value)
	return nil
}

// ContentLength declares a fixed-size body of n bytes and writes the
// Content-Length header.
func (w *writerCore) ContentLength(n int64) error {
	if w.state != wsHeaders {
		return ErrWriterState
	}
	if w.hasLength {
		return ErrDuplicateContentLength
	}
	if w.chunked {
		return ErrLengthAfterChunked
	}
	w.hasLength = true
	w.remaining = n
	w.header("Content-Length", strconv.FormatInt(n, 10))
	return nil
}

// Chunked declares a chunked body and writes the Transfer-Encoding header.
func (w *writerCore) Chunked() error {
	if w.state != wsHeaders {
		return ErrWriterState
	}
	if w.chunked {
		return ErrDuplicateChunked
	}
	if w.hasLength {
		return ErrChunkedAfterLength
	}
	w.chunked = true
	w.header("Transfer-Encoding", "chunked")
	return nil
}

// EndHeaders validates the accumulated framing headers, writes the blank
// line, and moves the writer into its body state. It returns whether a
// body is expected.
func (w *writerCore) EndHeaders() (bool, error) {
	if w.state != wsHeaders {
		return false, ErrWriterState
	}
	if w.close {
		w.header("Connection", "close")
	}

	var hasBody bool
	switch {
	case w.bodyMode == bodyIgnored:
		w.state = wsIgnoredBody
	case w.bodyMode == bodyDenied:
		w.state = wsNoBody
	case w.chunked:
		w.state = wsChunkedBody
		hasBody = true
	case w.hasLength:
		w.state = wsFixedBody
		hasBody = true
	case w.isRequest:
		// Requests without a length declaration have no body.
		w.state = wsNoBody
	case w.close:
		// Close-delimited response body; legal only because the
		// connection will not be reused.
		w.state = wsEOFBody
		hasBody = true
	default:
		return false, ErrCannotDetermineLength
	}
	w.buf = append(w.buf, '\r', '\n')
	w.kick()
	return hasBody, nil
}

// Write appends body bytes in the framing chosen by EndHeaders.
func (w *writerCore) Write(p []byte) (int, error) {
	switch w.state {
	case wsFixedBody:
		if int64(len(p)) > w.remaining {
			return 0, ErrBodyOverrun
		}
		w.remaining -= int64(len(p))
		w.buf = append(w.buf, p...)
	case wsChunkedBody:
		w.buf = body.AppendChunk(w.buf, p)
	case wsEOFBody:
		w.buf = append(w.buf, p...)
	case wsIgnoredBody:
		// HEAD/304: the handler may write the body it would have sent;
		// it is counted against the declared length but never framed.
		if w.hasLength {
			if int64(len(p)) > w.remaining {
				return 0, ErrBodyOverrun
			}
			w.remaining -= int64(len(p))
		}
	case wsNoBody:
		if len(p) > 0 {
			return 0, ErrBodyOnBodylessMessage
		}
	default:
		return 0, ErrWriterState
	}
	w.kick()
	return len(p), nil
}

// End finalizes the message: the chunked terminator is written, fixed
// lengths are validated. End is idempotent.
func (w *writerCore) End() error {
	switch w.state {
	case wsChunkedBody:
		w.buf = body.AppendEnd(w.buf, nil)
	case wsFixedBody:
		if w.remaining != 0 {
			return ErrWriterState
		}
	case wsEOFBody, wsNoBody, wsIgnoredBody:
	case wsDone:
		return nil
	default:
		return ErrWriterState
	}
	w.state = wsDone
	w.kick()
	return nil
}

func (w *writerCore) kick() {
	if w.conn != nil {
		w.conn.kickWrite()
	}
}

// ResponseWriter builds one server response. Bytes go into the response's
// pipeline slot immediately; the connection writes slots to the transport
// strictly in request-arrival order.
type ResponseWriter struct {
	writerCore
	version Version
	// flushed counts slot bytes already written to the transport. Once
	// nonzero the response cannot be replaced by an error page.
	flushed int
}

func newResponseWriter(version Version, isHead, close bool, conn writeKicker) *ResponseWriter {
	w := &ResponseWriter{version: version}
	w.close = close
	w.conn = conn
	if isHead {
		w.bodyMode = bodyIgnored
	}
	return w
}

// Status writes the status line. Interim 1xx statuses are not written
// here; the engine emits 100-continue itself.
func (w *ResponseWriter) Status(code int, reason string) error {
	if w.state != wsStart {
		return ErrWriterState
	}
	w.appendLine(w.version.String(), " ", strconv.Itoa(code), " ", reason)
	if code == 101 || code == 204 || code/100 == 1 {
		w.bodyMode = bodyDenied
	} else if w.bodyMode == bodyNormal && code == 304 {
		w.bodyMode = bodyIgnored
	}
	w.state = wsHeaders
	return nil
}

// EndHeaders finalizes the header section. An HTTP/1.0 response that
// keeps the connection alive must say so explicitly; the peer assumes
// close otherwise.
func (w *ResponseWriter) EndHeaders() (bool, error) {
	if w.version == VersionHTTP10 && !w.close && w.state == wsHeaders {
		w.header("Connection", "keep-alive")
	}
	return w.writerCore.EndHeaders()
}

// MarkClose forces a Connection: close directive on this response. Used
// by the engine when the exchange (or a fatal error) forbids reuse.
func (w *ResponseWriter) MarkClose() { w.close = true }

// WillClose reports whether this response carries a close directive.
func (w *ResponseWriter) WillClose() bool { return w.close }

// RequestWriter builds one client request.
type RequestWriter struct {
	writerCore
	method string
	// flushed counts buffered bytes already written to the transport.
	flushed int
}

func newRequestWriter(conn writeKicker) *RequestWriter {
	w := &RequestWriter{}
	w.isRequest = true
	w.conn = conn
	return w
}

// RequestLine writes "METHOD SP target SP version".
func (w *RequestWriter) RequestLine(method, target string, version Version) error {
	if w.state != wsStart {
		return ErrWriterState
	}
	w.appendLine(method, " ", target, " ", version.String())
	w.method = method
	w.state = wsHeaders
	return nil
}

// Method returns the request method written by RequestLine.
func (w *RequestWriter) Method() string { return w.method }

// MarkClose adds a Connection: close directive to this request, telling
// the peer the connection will not be reused.
func (w *RequestWriter) MarkClose() { w.close = true }

// WillClose reports whether this request carries a close directive.
func (w *RequestWriter) WillClose() bool { return w.close }

func eqFoldStr(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
