package headparser

import (
	"fmt"
	"strconv"
)

// BodyKind is the framing decision for a message body, derived from the
// Content-Length and Transfer-Encoding headers plus role-specific rules.
type BodyKind int

const (
	// BodyFixed frames exactly Length bytes. Messages without a body are
	// BodyFixed with Length 0.
	BodyFixed BodyKind = iota
	// BodyChunked frames the body with chunked transfer coding.
	BodyChunked
	// BodyUntilClose frames the body as everything until the peer closes.
	// Legacy responses only; never valid for requests.
	BodyUntilClose
)

func (k BodyKind) String() string {
	switch k {
	case BodyFixed:
		return "fixed"
	case BodyChunked:
		return "chunked"
	case BodyUntilClose:
		return "until-close"
	}
	return "unknown"
}

// Framing is a BodyKind plus the fixed length when applicable.
type Framing struct {
	Kind   BodyKind
	Length int64 // valid for BodyFixed
}

// FramingError reports headers that imply an invalid or ambiguous body
// framing. It is fatal for the connection: acting on ambiguous framing is
// how request smuggling happens.
type FramingError struct {
	Msg string
}

func (e *FramingError) Error() string { return "h1: invalid framing: " + e.Msg }

func framingErrorf(format string, args ...interface{}) error {
	return &FramingError{Msg: fmt.Sprintf(format, args...)}
}

// DecideRequestBody determines body framing for a request head.
//
// Transfer-Encoding wins over Content-Length, but their combination is
// rejected outright. A request with neither header has no body.
func DecideRequestBody(headers []Header) (Framing, error) {
	return decideBody(headers, true)
}

// DecideResponseBody determines body framing for a response head.
// reqMethod is the method of the request this response answers: responses
// to HEAD, and 1xx/204/304 responses, have no body regardless of headers.
// A response with neither length header is read until close.
func DecideResponseBody(head *ResponseHead, reqMethod string) (Framing, error) {
	if reqMethod == "HEAD" || head.Status/100 == 1 || head.Status == 204 || head.Status == 304 {
		return Framing{Kind: BodyFixed, Length: 0}, nil
	}
	return decideBody(head.Headers, false)
}

func decideBody(headers []Header, isRequest bool) (Framing, error) {
	var (
		chunked      bool
		hasTE        bool
		contentLen   int64 = -1
		hasConflict  bool
		lastEncoding string
	)

	for _, h := range headers {
		switch {
		case eqFold(h.Key, "Transfer-Encoding"):
			if hasTE {
				return Framing{}, framingErrorf("duplicate Transfer-Encoding header")
			}
			hasTE = true
			for _, part := range splitComma(h.Value) {
				part = trimString(part)
				if part != "" {
					lastEncoding = part
				}
			}
			chunked = eqFold(lastEncoding, "chunked")
		case eqFold(h.Key, "Content-Length"):
			n, err := strconv.ParseInt(trimString(h.Value), 10, 64)
			if err != nil || n < 0 {
				return Framing{}, framingErrorf("invalid Content-Length %q", h.Value)
			}
			if contentLen >= 0 && contentLen != n {
				hasConflict = true
			}
			contentLen = n
		}
	}

	if hasConflict {
		return Framing{}, framingErrorf("conflicting Content-Length values")
	}
	if hasTE && contentLen >= 0 {
		return Framing{}, framingErrorf("both Transfer-Encoding and Content-Length present")
	}
	if hasTE {
		if !chunked {
			return Framing{}, framingErrorf("final transfer coding is %q, not chunked", lastEncoding)
		}
		return Framing{Kind: BodyChunked}, nil
	}
	if contentLen >= 0 {
		return Framing{Kind: BodyFixed, Length: contentLen}, nil
	}
	if isRequest {
		return Framing{Kind: BodyFixed, Length: 0}, nil
	}
	return Framing{Kind: BodyUntilClose}, nil
}

// HeaderValue returns the first value of the named header, or "".
func HeaderValue(headers []Header, key string) string {
	for _, h := range headers {
		if eqFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// ConnectionHas reports whether the Connection header (any occurrence)
// contains the given token, case-insensitively.
func ConnectionHas(headers []Header, token string) bool {
	for _, h := range headers {
		if !eqFold(h.Key, "Connection") {
			continue
		}
		for _, part := range splitComma(h.Value) {
			if eqFold(trimString(part), token) {
				return true
			}
		}
	}
	return false
}

// splitComma splits a comma-separated string into parts.
func splitComma(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// trimString trims leading and trailing SP/HTAB.
func trimString(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// eqFold is a fast ASCII case-insensitive string comparison.
func eqFold(a, b string) bool {
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
