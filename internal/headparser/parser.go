// Package headparser implements an incremental HTTP/1.x message-head parser.
// It consumes bytes as they arrive, in arbitrary-sized fragments, and
// produces a parsed request-line/status-line plus ordered header list
// without ever re-scanning bytes it has already examined.
//
// The grammar is deliberately strict: header lines terminate with CRLF
// only, bare LF and bare CR are rejected, and obs-fold continuation lines
// are rejected. Lenient line endings are a recurring source of request
// smuggling bugs, so tolerance stops at the framing-relevant minimum.
package headparser

import (
	"bytes"
	"fmt"
)

// DefaultMaxHeadBytes bounds the size of a message head (request/status
// line plus all header lines and the terminating blank line).
const DefaultMaxHeadBytes = 16384

// MaxHeaderCount bounds the number of header fields in one head.
const MaxHeaderCount = 256

// Header is a single field of a message head. Order is preserved and
// duplicate keys are permitted; merge policy belongs to the caller.
type Header struct {
	Key   string
	Value string
}

// RequestHead is a parsed request line plus headers.
type RequestHead struct {
	Method  string
	Target  string
	Version string // "HTTP/1.0" or "HTTP/1.1"
	Headers []Header
}

// ResponseHead is a parsed status line plus headers.
type ResponseHead struct {
	Version string
	Status  int
	Reason  string
	Headers []Header
}

// ParseError reports a malformed message head. It is fatal for the
// connection that produced it.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return "h1: malformed head: " + e.Msg }

// ErrHeadTooLarge is returned once the buffered head exceeds the
// configured maximum. It maps to 431 on the server side.
var ErrHeadTooLarge = &ParseError{Msg: "head exceeds configured maximum"}

func errorf(format string, args ...interface{}) error {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}

// parser holds the fragmentation state shared by both roles. Bytes are
// accumulated until the blank-line terminator is seen; scanned records how
// far the terminator search has progressed so earlier bytes are never
// re-examined.
type parser struct {
	max     int
	buf     []byte
	scanned int
}

func newParser(maxHeadBytes int) parser {
	if maxHeadBytes <= 0 {
		maxHeadBytes = DefaultMaxHeadBytes
	}
	return parser{max: maxHeadBytes}
}

// feed appends data and looks for the head terminator. It returns the
// complete head bytes (including the terminator) and the number of bytes
// of data consumed, or (nil, len(data), nil) when more input is needed.
func (p *parser) feed(data []byte) (head []byte, consumed int, err error) {
	before := len(p.buf)
	p.buf = append(p.buf, data...)

	// Resume the terminator scan. The terminator may straddle the feed
	// boundary, so back up by up to three bytes of already-seen input.
	from := p.scanned - 3
	if from < 0 {
		from = 0
	}
	idx := bytes.Index(p.buf[from:], []byte("\r\n\r\n"))
	if idx < 0 {
		p.scanned = len(p.buf)
		if len(p.buf) >= p.max {
			return nil, len(data), ErrHeadTooLarge
		}
		return nil, len(data), nil
	}

	end := from + idx + 4
	if end > p.max {
		return nil, len(data), ErrHeadTooLarge
	}
	head = p.buf[:end]
	consumed = end - before
	return head, consumed, nil
}

// reset prepares the parser for the next message on the same connection.
func (p *parser) reset() {
	p.buf = nil
	p.scanned = 0
}

// RequestParser incrementally parses request heads.
type RequestParser struct {
	p parser
}

// NewRequestParser creates a parser bounded by maxHeadBytes (or
// DefaultMaxHeadBytes if <= 0).
func NewRequestParser(maxHeadBytes int) *RequestParser {
	return &RequestParser{p: newParser(maxHeadBytes)}
}

// Feed consumes bytes of data until a complete head has been seen.
//
// It returns (nil, len(data), nil) when more input is needed. On
// completion it returns the parsed head and how many bytes of data were
// consumed; the remainder belongs to the message body or the next
// pipelined message and stays with the caller. A non-nil error is fatal
// and the parser must not be fed again.
func (rp *RequestParser) Feed(data []byte) (*RequestHead, int, error) {
	raw, consumed, err := rp.p.feed(data)
	if err != nil {
		return nil, consumed, err
	}
	if raw == nil {
		return nil, consumed, nil
	}
	head, err := parseRequestHead(raw)
	if err != nil {
		return nil, consumed, err
	}
	rp.p.reset()
	return head, consumed, nil
}

// BufferedBytes reports how many head bytes are currently buffered.
func (rp *RequestParser) BufferedBytes() int { return len(rp.p.buf) }

// ResponseParser incrementally parses response heads.
type ResponseParser struct {
	p parser
}

// NewResponseParser creates a parser bounded by maxHeadBytes (or
// DefaultMaxHeadBytes if <= 0).
func NewResponseParser(maxHeadBytes int) *ResponseParser {
	return &ResponseParser{p: newParser(maxHeadBytes)}
}

// Feed consumes bytes of data until a complete head has been seen.
// Semantics match RequestParser.Feed.
func (rp *ResponseParser) Feed(data []byte) (*ResponseHead, int, error) {
	raw, consumed, err := rp.p.feed(data)
	if err != nil {
		return nil, consumed, err
	}
	if raw == nil {
		return nil, consumed, nil
	}
	head, err := parseResponseHead(raw)
	if err != nil {
		return nil, consumed, err
	}
	rp.p.reset()
	return head, consumed, nil
}

// BufferedBytes reports how many head bytes are currently buffered.
func (rp *ResponseParser) BufferedBytes() int { return len(rp.p.buf) }

// parseRequestHead strictly parses a complete head terminated by CRLFCRLF.
func parseRequestHead(raw []byte) (*RequestHead, error) {
	lines, err := splitHeadLines(raw)
	if err != nil {
		return nil, err
	}
	method, target, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}
	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}
	return &RequestHead{
		Method:  method,
		Target:  target,
		Version: version,
		Headers: headers,
	}, nil
}

// parseResponseHead strictly parses a complete head terminated by CRLFCRLF.
func parseResponseHead(raw []byte) (*ResponseHead, error) {
	lines, err := splitHeadLines(raw)
	if err != nil {
		return nil, err
	}
	version, status, reason, err := parseStatusLine(lines[0])
	if err != nil {
		return nil, err
	}
	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}
	return &ResponseHead{
		Version: version,
		Status:  status,
		Reason:  reason,
		Headers: headers,
	}, nil
}

// splitHeadLines splits raw head bytes into lines on CRLF boundaries.
// raw includes the CRLFCRLF terminator. Bare CR and bare LF anywhere in a
// line are malformed.
func splitHeadLines(raw []byte) ([][]byte, error) {
	body := raw[:len(raw)-2] // drop the final blank line's CRLF
	var lines [][]byte
	for len(body) > 0 {
		i := bytes.Index(body, []byte("\r\n"))
		if i < 0 {
			return nil, errorf("line without CRLF terminator")
		}
		line := body[:i]
		if bytes.IndexByte(line, '\n') >= 0 || bytes.IndexByte(line, '\r') >= 0 {
			return nil, errorf("bare CR or LF in head line")
		}
		lines = append(lines, line)
		body = body[i+2:]
	}
	if len(lines) == 0 {
		return nil, errorf("empty head")
	}
	return lines, nil
}

// parseRequestLine parses "METHOD SP target SP version".
func parseRequestLine(line []byte) (method, target, version string, err error) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return "", "", "", errorf("request line: no method separator")
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return "", "", "", errorf("request line: no version separator")
	}

	methodBytes, targetBytes, versionBytes := line[:sp1], rest[:sp2], rest[sp2+1:]
	if len(methodBytes) == 0 {
		return "", "", "", errorf("empty request method")
	}
	if !isToken(methodBytes) {
		return "", "", "", errorf("invalid request method %q", methodBytes)
	}
	if len(targetBytes) == 0 {
		return "", "", "", errorf("empty request target")
	}
	if bytes.IndexByte(targetBytes, ' ') >= 0 {
		return "", "", "", errorf("whitespace in request target")
	}
	version = internVersion(versionBytes)
	if !isSupportedVersion(version) {
		return "", "", "", errorf("unsupported protocol version %q", versionBytes)
	}
	return internMethod(methodBytes), string(targetBytes), version, nil
}

// parseStatusLine parses "version SP 3DIGIT [SP reason]". A status line
// with no reason phrase ("HTTP/1.1 200") is accepted.
func parseStatusLine(line []byte) (version string, status int, reason string, err error) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return "", 0, "", errorf("status line: no version separator")
	}
	version = internVersion(line[:sp1])
	if !isSupportedVersion(version) {
		return "", 0, "", errorf("unsupported protocol version %q", line[:sp1])
	}

	rest := line[sp1+1:]
	codeBytes := rest
	if sp2 := bytes.IndexByte(rest, ' '); sp2 >= 0 {
		codeBytes = rest[:sp2]
		reason = internReason(rest[sp2+1:])
	}
	if len(codeBytes) != 3 {
		return "", 0, "", errorf("status code is not three digits: %q", codeBytes)
	}
	for _, c := range codeBytes {
		if c < '0' || c > '9' {
			return "", 0, "", errorf("invalid status code: %q", codeBytes)
		}
		status = status*10 + int(c-'0')
	}
	return version, status, reason, nil
}

// parseHeaderLines parses "Key: value" lines. Order is preserved and
// duplicates are kept. obs-fold continuations are rejected.
func parseHeaderLines(lines [][]byte) ([]Header, error) {
	headers := make([]Header, 0, 8)
	for _, line := range lines {
		if len(headers) >= MaxHeaderCount {
			return nil, errorf("more than %d header fields", MaxHeaderCount)
		}
		if len(line) == 0 {
			return nil, errorf("empty header line")
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, errorf("obs-fold header continuation")
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, errorf("header line without field name: %q", line)
		}
		keyBytes := line[:colon]
		// RFC 9112: no whitespace between field-name and colon.
		if keyBytes[colon-1] == ' ' || keyBytes[colon-1] == '\t' {
			return nil, errorf("whitespace before colon in header name: %q", keyBytes)
		}
		if !isToken(keyBytes) {
			return nil, errorf("invalid header field name: %q", keyBytes)
		}
		headers = append(headers, Header{
			Key:   internHeaderName(keyBytes),
			Value: string(trimOWS(line[colon+1:])),
		})
	}
	return headers, nil
}

// trimOWS trims optional whitespace (SP and HTAB) from both ends of b.
func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// isToken reports whether b is a non-empty RFC 9110 token.
func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func isSupportedVersion(v string) bool {
	return v == "HTTP/1.1" || v == "HTTP/1.0"
}
