package h1

import (
	"errors"
	"testing"
)

func TestRequestWriter_Minimal(t *testing.T) {
	w := newRequestWriter(nil)
	if err := w.RequestLine("GET", "/", VersionHTTP10); err != nil {
		t.Fatalf("RequestLine: %v", err)
	}
	hasBody, err := w.EndHeaders()
	if err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if hasBody {
		t.Error("request without length declaration should have no body")
	}
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	want := "GET / HTTP/1.0\r\n\r\n"
	if got := string(w.buf); got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}
}

func TestRequestWriter_FixedBody(t *testing.T) {
	w := newRequestWriter(nil)
	if err := w.RequestLine("POST", "/upload", VersionHTTP11); err != nil {
		t.Fatalf("RequestLine: %v", err)
	}
	if err := w.Header("Host", "example.com"); err != nil {
		t.Fatalf("Header: %v", err)
	}
	if err := w.ContentLength(5); err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if _, err := w.EndHeaders(); err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	want := "POST /upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	if got := string(w.buf); got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}
}

func TestResponseWriter_FixedBody(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.Header("Content-Type", "text/plain"); err != nil {
		t.Fatalf("Header: %v", err)
	}
	if err := w.ContentLength(5); err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	hasBody, err := w.EndHeaders()
	if err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if !hasBody {
		t.Error("fixed-length response should have a body")
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	want := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
	if got := string(w.buf); got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}
}

func TestResponseWriter_CloseDelimited(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, true, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	hasBody, err := w.EndHeaders()
	if err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if !hasBody {
		t.Error("close-delimited response should have a body")
	}
	if _, err := w.Write([]byte("stream")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	want := "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nstream"
	if got := string(w.buf); got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}
	if !w.WillClose() {
		t.Error("WillClose = false on close-marked response")
	}
}

func TestResponseWriter_Chunked(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.Chunked(); err != nil {
		t.Fatalf("Chunked: %v", err)
	}
	if _, err := w.EndHeaders(); err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if _, err := w.Write([]byte("test")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	want := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\ntest\r\n0\r\n\r\n"
	if got := string(w.buf); got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}
}

func TestResponseWriter_KeepAliveNeedsLength(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if _, err := w.EndHeaders(); !errors.Is(err, ErrCannotDetermineLength) {
		t.Errorf("EndHeaders err = %v, want ErrCannotDetermineLength", err)
	}
}

func TestResponseWriter_FramingConflicts(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.ContentLength(3); err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if err := w.ContentLength(3); !errors.Is(err, ErrDuplicateContentLength) {
		t.Errorf("second ContentLength err = %v", err)
	}
	if err := w.Chunked(); !errors.Is(err, ErrChunkedAfterLength) {
		t.Errorf("Chunked after ContentLength err = %v", err)
	}

	w = newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.Chunked(); err != nil {
		t.Fatalf("Chunked: %v", err)
	}
	if err := w.Chunked(); !errors.Is(err, ErrDuplicateChunked) {
		t.Errorf("second Chunked err = %v", err)
	}
	if err := w.ContentLength(3); !errors.Is(err, ErrLengthAfterChunked) {
		t.Errorf("ContentLength after Chunked err = %v", err)
	}
}

func TestResponseWriter_ReservedHeaders(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.Header("content-length", "5"); !errors.Is(err, ErrReservedHeader) {
		t.Errorf("Content-Length via Header err = %v", err)
	}
	if err := w.Header("Transfer-Encoding", "chunked"); !errors.Is(err, ErrReservedHeader) {
		t.Errorf("Transfer-Encoding via Header err = %v", err)
	}
}

func TestResponseWriter_HeadDiscardsBody(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, true, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.ContentLength(5); err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if _, err := w.EndHeaders(); err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	// Headers describe the body; the bytes themselves never appear.
	want := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"
	if got := string(w.buf); got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}
}

func TestResponseWriter_DeniedBody(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(204, "No Content"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if _, err := w.EndHeaders(); err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrBodyOnBodylessMessage) {
		t.Errorf("Write on 204 err = %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestResponseWriter_304IgnoresBody(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(304, "Not Modified"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.ContentLength(10); err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if _, err := w.EndHeaders(); err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if _, err := w.Write([]byte("not sent")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := "HTTP/1.1 304 Not Modified\r\nContent-Length: 10\r\n\r\n"
	if got := string(w.buf); got != want {
		t.Errorf("wire = %q, want %q", got, want)
	}
}

func TestResponseWriter_BodyOverrun(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.ContentLength(3); err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if _, err := w.EndHeaders(); err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if _, err := w.Write([]byte("toolong")); !errors.Is(err, ErrBodyOverrun) {
		t.Errorf("overrun Write err = %v", err)
	}
}

func TestResponseWriter_EndUnderrun(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.ContentLength(3); err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if _, err := w.EndHeaders(); err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if _, err := w.Write([]byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.End(); !errors.Is(err, ErrWriterState) {
		t.Errorf("End with 1 byte missing err = %v", err)
	}
}

func TestResponseWriter_EndIdempotent(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.ContentLength(0); err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if _, err := w.EndHeaders(); err != nil {
		t.Fatalf("EndHeaders: %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("first End: %v", err)
	}
	if err := w.End(); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if !w.IsDone() {
		t.Error("IsDone = false after End")
	}
}

func TestWriterStateErrors(t *testing.T) {
	w := newResponseWriter(VersionHTTP11, false, false, nil)
	if err := w.Header("X", "y"); !errors.Is(err, ErrWriterState) {
		t.Errorf("Header before Status err = %v", err)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrWriterState) {
		t.Errorf("Write before Status err = %v", err)
	}
	if err := w.Status(200, "OK"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := w.Status(200, "OK"); !errors.Is(err, ErrWriterState) {
		t.Errorf("second Status err = %v", err)
	}
}
