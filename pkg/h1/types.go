// Package h1 implements the HTTP/1.x protocol as explicit, interruptible
// state machines driven by an external readiness reactor.
//
// The engine never blocks: bytes arrive through OnReadable in whatever
// fragments the transport produces, outgoing bytes drain through
// OnWritable, and deadlines fire through OnTimer. Both the server role
// (ServerConn) and the client role (ClientConn) are supported, including
// keep-alive reuse and server-side request pipelining.
//
// The reactor itself is an external collaborator: the engine depends on
// it only through the narrow Stream, Interest and Timer capabilities, so
// it can be driven by epoll-style event loops in production and by fully
// deterministic in-memory doubles in tests (see the h1test subpackage).
package h1

import "strings"

// Version is an HTTP protocol version. Versions outside HTTP/1.x are
// rejected at parse time and never reach the engine.
type Version int

const (
	// VersionHTTP10 is HTTP/1.0: connections close by default.
	VersionHTTP10 Version = iota
	// VersionHTTP11 is HTTP/1.1: connections persist by default.
	VersionHTTP11
)

func (v Version) String() string {
	if v == VersionHTTP10 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// Header represents a single HTTP header key-value pair.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered, repeatable list of HTTP headers.
// HTTP headers are case-insensitive by spec but we preserve original case.
type Headers []Header

// Get returns the first header value for the given key (case-insensitive).
// Returns empty string if not found.
func (h Headers) Get(key string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, key) {
			return hdr.Value
		}
	}
	return ""
}

// Values returns all header values for the given key (case-insensitive).
func (h Headers) Values(key string) []string {
	var vals []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, key) {
			vals = append(vals, hdr.Value)
		}
	}
	return vals
}

// Has reports whether a header with the given key exists (case-insensitive).
func (h Headers) Has(key string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, key) {
			return true
		}
	}
	return false
}

// Add appends a header, preserving order and permitting duplicates.
func (h *Headers) Add(key, value string) {
	*h = append(*h, Header{Key: key, Value: value})
}

// RequestHead is a parsed request line plus headers. It is immutable once
// handed to the handler.
type RequestHead struct {
	Method  string
	Target  string
	Version Version
	Headers Headers
}

// ResponseHead is a parsed status line plus headers. It is immutable once
// surfaced to the caller.
type ResponseHead struct {
	Version Version
	Status  int
	Reason  string
	Headers Headers
}

// RecvMode tells the engine how to deliver a message body to the handler,
// chosen per message when headers are received.
type RecvMode struct {
	progressive bool
	n           int
}

// Buffered requests the whole body assembled in memory, bounded by max
// bytes. Bodies that exceed the bound fail the message with a
// payload-too-large error. Works for all framings, including bodies whose
// size is unknown in advance.
func Buffered(max int) RecvMode {
	return RecvMode{n: max}
}

// Progressive requests chunk-by-chunk delivery. hint is the preferred
// minimum bytes per delivery; the final chunk and chunked-coding
// boundaries may produce smaller deliveries. Mostly useful for proxies
// and handlers that can parse data without holding all of it.
func Progressive(hint int) RecvMode {
	if hint < 1 {
		hint = 1
	}
	return RecvMode{progressive: true, n: hint}
}

// IsProgressive reports whether the mode is chunk-by-chunk delivery.
func (m RecvMode) IsProgressive() bool { return m.progressive }

// Limit returns the buffered-mode byte bound, or the progressive-mode
// delivery hint.
func (m RecvMode) Limit() int { return m.n }
