package body

import (
	"bytes"
	"strconv"

	"github.com/shapestone/shape-h1/internal/headparser"
)

// MaxChunkLine bounds the chunk-size line, including any chunk extension.
// A dozen hex digits would do, but extensions we skip still have to fit.
const MaxChunkLine = 128

// chunked decoder states. A chunk boundary may be split across reads at
// any byte, including inside the CRLF pairs.
const (
	chunkStateSize = iota
	chunkStateData
	chunkStateDataCR
	chunkStateDataLF
	chunkStateTrailer
	chunkStateDone
)

// ChunkedDecoder decodes a chunked transfer-coded body:
// size CRLF data CRLF ... 0 CRLF [trailer lines] CRLF.
// Chunk extensions after ';' are ignored. Trailer fields are collected
// and exposed via Trailers.
type ChunkedDecoder struct {
	state     int
	remaining int64  // payload bytes left in the current chunk
	line      []byte // partial size or trailer line, CRLF pending
	trailers  []headparser.Header
}

// NewChunkedDecoder creates a chunked body decoder.
func NewChunkedDecoder() *ChunkedDecoder {
	return &ChunkedDecoder{state: chunkStateSize}
}

func (d *ChunkedDecoder) Done() bool { return d.state == chunkStateDone }

// Trailers returns trailer fields seen after the terminal chunk. Only
// meaningful once Done reports true.
func (d *ChunkedDecoder) Trailers() []headparser.Header { return d.trailers }

func (d *ChunkedDecoder) Push(p []byte) ([]byte, int, error) {
	consumed := 0
	for consumed < len(p) {
		rest := p[consumed:]
		switch d.state {
		case chunkStateSize:
			n, line, err := d.takeLine(rest)
			consumed += n
			if err != nil {
				return nil, consumed, err
			}
			if line == nil {
				return nil, consumed, nil // need more input
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return nil, consumed, err
			}
			if size == 0 {
				d.state = chunkStateTrailer
				continue
			}
			d.remaining = size
			d.state = chunkStateData

		case chunkStateData:
			n := int64(len(rest))
			if n > d.remaining {
				n = d.remaining
			}
			d.remaining -= n
			if d.remaining == 0 {
				d.state = chunkStateDataCR
			}
			return rest[:n], consumed + int(n), nil

		case chunkStateDataCR:
			if rest[0] != '\r' {
				return nil, consumed, errorf("expected CR after chunk data, got %q", rest[0])
			}
			consumed++
			d.state = chunkStateDataLF

		case chunkStateDataLF:
			if rest[0] != '\n' {
				return nil, consumed, errorf("expected LF after chunk data, got %q", rest[0])
			}
			consumed++
			d.state = chunkStateSize

		case chunkStateTrailer:
			n, line, err := d.takeLine(rest)
			consumed += n
			if err != nil {
				return nil, consumed, err
			}
			if line == nil {
				return nil, consumed, nil // need more input
			}
			if len(line) == 0 {
				d.state = chunkStateDone
				return nil, consumed, nil
			}
			trailer, err := parseTrailerLine(line)
			if err != nil {
				return nil, consumed, err
			}
			d.trailers = append(d.trailers, trailer)

		case chunkStateDone:
			return nil, consumed, nil
		}
	}
	return nil, consumed, nil
}

// takeLine accumulates bytes of a CRLF-terminated line across Push calls.
// It returns the consumed count and the complete line without its CRLF,
// or a nil line when the terminator has not arrived yet. Bare LF is
// malformed, as in the head grammar.
func (d *ChunkedDecoder) takeLine(p []byte) (int, []byte, error) {
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '\n' {
			if len(d.line) == 0 || d.line[len(d.line)-1] != '\r' {
				return i + 1, nil, errorf("bare LF in chunk framing")
			}
			line := d.line[:len(d.line)-1]
			d.line = nil
			return i + 1, line, nil
		}
		d.line = append(d.line, c)
		if len(d.line) > MaxChunkLine {
			return i + 1, nil, errorf("chunk line exceeds %d bytes", MaxChunkLine)
		}
	}
	return len(p), nil, nil
}

// parseChunkSize parses a hex chunk size, ignoring any extension after ';'.
func parseChunkSize(line []byte) (int64, error) {
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 {
		return 0, errorf("empty chunk size")
	}
	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || size < 0 {
		return 0, errorf("invalid chunk size %q", line)
	}
	return size, nil
}

// parseTrailerLine parses a single "Key: value" trailer field.
func parseTrailerLine(line []byte) (headparser.Header, error) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return headparser.Header{}, errorf("malformed trailer line %q", line)
	}
	key := line[:colon]
	value := bytes.TrimLeft(line[colon+1:], " \t")
	value = bytes.TrimRight(value, " \t")
	return headparser.Header{Key: string(key), Value: string(value)}, nil
}

// AppendChunk appends one chunk of payload in chunked framing to dst.
// Zero-length payloads are skipped: an empty chunk would terminate the
// body on the wire.
func AppendChunk(dst, payload []byte) []byte {
	if len(payload) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(payload)), 16)
	dst = append(dst, '\r', '\n')
	dst = append(dst, payload...)
	dst = append(dst, '\r', '\n')
	return dst
}

// AppendEnd appends the terminal zero chunk and optional trailer fields.
func AppendEnd(dst []byte, trailers []headparser.Header) []byte {
	dst = append(dst, '0', '\r', '\n')
	for _, tr := range trailers {
		dst = append(dst, tr.Key...)
		dst = append(dst, ':', ' ')
		dst = append(dst, tr.Value...)
		dst = append(dst, '\r', '\n')
	}
	dst = append(dst, '\r', '\n')
	return dst
}
