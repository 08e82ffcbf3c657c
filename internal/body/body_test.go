package body

import (
	"bytes"
	"testing"

	"github.com/shapestone/shape-h1/internal/headparser"
)

// drain pushes all of p through dec, returning the concatenated payload
// and the total number of input bytes consumed.
func drain(t *testing.T, dec Decoder, p []byte) ([]byte, int) {
	t.Helper()
	var out []byte
	total := 0
	for len(p) > 0 && !dec.Done() {
		chunk, n, err := dec.Push(p)
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		out = append(out, chunk...)
		p = p[n:]
		total += n
		if n == 0 {
			break
		}
	}
	return out, total
}

func TestFixedDecoder(t *testing.T) {
	dec := NewFixedDecoder(5)
	out, n := drain(t, dec, []byte("helloEXTRA"))
	if string(out) != "hello" {
		t.Errorf("payload = %q, want hello", out)
	}
	if n != 5 {
		t.Errorf("consumed = %d, want 5 (excess bytes belong to the next message)", n)
	}
	if !dec.Done() {
		t.Error("decoder not done after N bytes")
	}
}

func TestFixedDecoder_ZeroLength(t *testing.T) {
	dec := NewFixedDecoder(0)
	if !dec.Done() {
		t.Error("zero-length body must be done immediately")
	}
	out, n, err := dec.Push([]byte("GET /next"))
	if err != nil || n != 0 || len(out) != 0 {
		t.Errorf("Push on done decoder = (%q, %d, %v), want (,0,nil)", out, n, err)
	}
}

func TestFixedDecoder_SplitInput(t *testing.T) {
	dec := NewFixedDecoder(8)
	var got []byte
	for _, piece := range []string{"ab", "", "cdef", "g", "h"} {
		out, n, err := dec.Push([]byte(piece))
		if err != nil {
			t.Fatalf("Push(%q) error = %v", piece, err)
		}
		if n != len(piece) {
			t.Fatalf("Push(%q) consumed %d, want %d", piece, n, len(piece))
		}
		got = append(got, out...)
	}
	if string(got) != "abcdefgh" || !dec.Done() {
		t.Errorf("got %q done=%v, want abcdefgh done=true", got, dec.Done())
	}
}

func TestEOFDecoder(t *testing.T) {
	dec := NewEOFDecoder()
	out, n, err := dec.Push([]byte("everything"))
	if err != nil || n != 10 || string(out) != "everything" {
		t.Fatalf("Push = (%q, %d, %v)", out, n, err)
	}
	if dec.Done() {
		t.Error("close-delimited body done before EOF")
	}
	dec.FinishEOF()
	if !dec.Done() {
		t.Error("not done after FinishEOF")
	}
}

func TestChunkedDecoder_SingleChunk(t *testing.T) {
	// 4\r\ntest\r\n0\r\n\r\n decodes to "test", consuming exactly the
	// given bytes.
	data := []byte("4\r\ntest\r\n0\r\n\r\n")
	dec := NewChunkedDecoder()
	out, n := drain(t, dec, data)
	if string(out) != "test" {
		t.Errorf("payload = %q, want test", out)
	}
	if n != len(data) {
		t.Errorf("consumed = %d, want %d", n, len(data))
	}
	if !dec.Done() {
		t.Error("decoder not done after terminal chunk")
	}
}

func TestChunkedDecoder_DoesNotConsumePipelinedBytes(t *testing.T) {
	data := []byte("3\r\nfoo\r\n0\r\n\r\nHTTP/1.1 200 OK\r\n")
	dec := NewChunkedDecoder()
	out, n := drain(t, dec, data)
	if string(out) != "foo" {
		t.Errorf("payload = %q, want foo", out)
	}
	if rest := data[n:]; string(rest) != "HTTP/1.1 200 OK\r\n" {
		t.Errorf("rest = %q, want the next message head", rest)
	}
}

func TestChunkedDecoder_SplitEverywhere(t *testing.T) {
	data := []byte("5\r\nhello\r\nA\r\n0123456789\r\n0\r\n\r\n")
	want := "hello0123456789"

	for cut := 1; cut < len(data); cut++ {
		dec := NewChunkedDecoder()
		var out []byte
		for _, part := range [][]byte{data[:cut], data[cut:]} {
			for len(part) > 0 && !dec.Done() {
				chunk, n, err := dec.Push(part)
				if err != nil {
					t.Fatalf("cut %d: Push error = %v", cut, err)
				}
				out = append(out, chunk...)
				part = part[n:]
				if n == 0 {
					break
				}
			}
		}
		if string(out) != want || !dec.Done() {
			t.Fatalf("cut %d: payload = %q done=%v, want %q done=true", cut, out, dec.Done(), want)
		}
	}
}

func TestChunkedDecoder_Extensions(t *testing.T) {
	data := []byte("4;name=value\r\ntest\r\n0\r\n\r\n")
	dec := NewChunkedDecoder()
	out, _ := drain(t, dec, data)
	if string(out) != "test" {
		t.Errorf("payload = %q, want test (extension ignored)", out)
	}
}

func TestChunkedDecoder_Trailers(t *testing.T) {
	data := []byte("3\r\nabc\r\n0\r\nX-Checksum: 99914b\r\n\r\n")
	dec := NewChunkedDecoder()
	out, _ := drain(t, dec, data)
	if string(out) != "abc" || !dec.Done() {
		t.Fatalf("payload = %q done=%v", out, dec.Done())
	}
	trs := dec.Trailers()
	if len(trs) != 1 || trs[0].Key != "X-Checksum" || trs[0].Value != "99914b" {
		t.Errorf("Trailers = %v, want [{X-Checksum 99914b}]", trs)
	}
}

func TestChunkedDecoder_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad hex size", "zz\r\nhi\r\n0\r\n\r\n"},
		{"empty size line", "\r\nhi\r\n0\r\n\r\n"},
		{"bare LF after size", "2\nhi\r\n0\r\n\r\n"},
		{"missing CRLF after data", "2\r\nhiX0\r\n\r\n"},
		{"bare LF after data", "2\r\nhi\n0\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewChunkedDecoder()
			p := []byte(tt.data)
			var err error
			for len(p) > 0 && !dec.Done() && err == nil {
				var n int
				_, n, err = dec.Push(p)
				p = p[n:]
				if n == 0 && err == nil {
					break
				}
			}
			if err == nil {
				t.Errorf("decoding %q succeeded, want error", tt.data)
			}
		})
	}
}

func TestChunkedDecoder_OversizedChunkLine(t *testing.T) {
	line := bytes.Repeat([]byte("f"), MaxChunkLine+10)
	dec := NewChunkedDecoder()
	_, _, err := dec.Push(line)
	if err == nil {
		t.Fatal("oversized chunk-size line accepted")
	}
}

// Decoding then re-encoding reproduces an equivalent logical byte stream,
// independent of where chunk boundaries fell in the input.
func TestChunkedRoundTrip(t *testing.T) {
	var wire []byte
	wire = AppendChunk(wire, []byte("alpha"))
	wire = AppendChunk(wire, []byte("beta"))
	wire = AppendChunk(wire, nil) // skipped: empty chunk would terminate
	wire = AppendChunk(wire, []byte("g"))
	wire = AppendEnd(wire, nil)

	dec := NewChunkedDecoder()
	out, n := drain(t, dec, wire)
	if string(out) != "alphabetag" {
		t.Errorf("decoded = %q, want alphabetag", out)
	}
	if n != len(wire) || !dec.Done() {
		t.Errorf("consumed %d of %d, done=%v", n, len(wire), dec.Done())
	}

	reenc := AppendChunk(nil, out)
	reenc = AppendEnd(reenc, nil)
	dec2 := NewChunkedDecoder()
	out2, _ := drain(t, dec2, reenc)
	if !bytes.Equal(out, out2) {
		t.Errorf("round trip diverged: %q vs %q", out, out2)
	}
}

func TestAppendEnd_WithTrailers(t *testing.T) {
	got := AppendEnd(nil, []headparser.Header{{Key: "X-Sum", Value: "1"}})
	want := "0\r\nX-Sum: 1\r\n\r\n"
	if string(got) != want {
		t.Errorf("AppendEnd = %q, want %q", got, want)
	}
}
