package headparser

// String interning for common HTTP tokens.
//
// The Go compiler optimizes map lookups with string([]byte) keys
// to avoid allocating the temporary string (the mapaccess optimization).
// This means internMethod(someBytes) is zero-alloc for known methods.

var methods = map[string]string{
	"GET": "GET", "HEAD": "HEAD", "POST": "POST",
	"PUT": "PUT", "DELETE": "DELETE", "CONNECT": "CONNECT",
	"OPTIONS": "OPTIONS", "TRACE": "TRACE", "PATCH": "PATCH",
}

var versions = map[string]string{
	"HTTP/1.0": "HTTP/1.0", "HTTP/1.1": "HTTP/1.1",
}

var headerNames = map[string]string{
	"Accept":              "Accept",
	"Accept-Encoding":     "Accept-Encoding",
	"Accept-Language":     "Accept-Language",
	"Authorization":       "Authorization",
	"Cache-Control":       "Cache-Control",
	"Connection":          "Connection",
	"Content-Encoding":    "Content-Encoding",
	"Content-Length":      "Content-Length",
	"Content-Type":        "Content-Type",
	"Cookie":              "Cookie",
	"Date":                "Date",
	"ETag":                "ETag",
	"Expect":              "Expect",
	"Host":                "Host",
	"Keep-Alive":          "Keep-Alive",
	"Last-Modified":       "Last-Modified",
	"Location":            "Location",
	"Origin":              "Origin",
	"Referer":             "Referer",
	"Server":              "Server",
	"Set-Cookie":          "Set-Cookie",
	"TE":                  "TE",
	"Trailer":             "Trailer",
	"Transfer-Encoding":   "Transfer-Encoding",
	"Upgrade":             "Upgrade",
	"User-Agent":          "User-Agent",
	"Via":                 "Via",
	"X-Forwarded-For":     "X-Forwarded-For",
	"X-Forwarded-Proto":   "X-Forwarded-Proto",
	"X-Request-ID":        "X-Request-ID",
}

var reasons = map[string]string{
	"OK":                    "OK",
	"Created":               "Created",
	"Accepted":              "Accepted",
	"No Content":            "No Content",
	"Moved Permanently":     "Moved Permanently",
	"Found":                 "Found",
	"Not Modified":          "Not Modified",
	"Bad Request":           "Bad Request",
	"Unauthorized":          "Unauthorized",
	"Forbidden":             "Forbidden",
	"Not Found":             "Not Found",
	"Request Timeout":       "Request Timeout",
	"Internal Server Error": "Internal Server Error",
	"Not Implemented":       "Not Implemented",
	"Bad Gateway":           "Bad Gateway",
	"Service Unavailable":   "Service Unavailable",
	"Gateway Timeout":       "Gateway Timeout",
}

// internMethod returns an interned string for known HTTP methods, avoiding allocation.
func internMethod(b []byte) string {
	if s, ok := methods[string(b)]; ok {
		return s
	}
	return string(b)
}

// internVersion returns an interned string for known HTTP versions, avoiding allocation.
func internVersion(b []byte) string {
	if s, ok := versions[string(b)]; ok {
		return s
	}
	return string(b)
}

// internHeaderName returns an interned string for known header names, avoiding allocation.
func internHeaderName(b []byte) string {
	if s, ok := headerNames[string(b)]; ok {
		return s
	}
	return string(b)
}

// internReason returns an interned string for known reason phrases, avoiding allocation.
func internReason(b []byte) string {
	if s, ok := reasons[string(b)]; ok {
		return s
	}
	return string(b)
}
