package h1net

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/shapestone/shape-h1/pkg/h1"
)

type echoHandler struct {
	h1.BaseHandler
}

func (echoHandler) HeadersReceived(head *h1.RequestHead) (h1.RecvMode, error) {
	return h1.Buffered(1 << 20), nil
}

func (echoHandler) RequestReceived(data []byte, w *h1.ResponseWriter) {
	body := "hello"
	_ = w.Status(200, "OK")
	_ = w.ContentLength(int64(len(body)))
	_, _ = w.EndHeaders()
	_, _ = w.Write([]byte(body))
	_ = w.End()
}

func TestAttachServer_ServesRequest(t *testing.T) {
	peer, local := net.Pipe()
	defer peer.Close()

	engine := h1.NewServer(func() h1.Handler { return echoHandler{} }, h1.Config{})
	AttachServer(engine, local, nil)

	go func() {
		peer.Write([]byte("GET /hi HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n"))
	}()

	resp, err := io.ReadAll(peer)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	got := string(resp)
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("response = %q", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\nhello") {
		t.Errorf("response = %q", got)
	}
	if !strings.Contains(got, "Connection: close\r\n") {
		t.Errorf("close directive missing: %q", got)
	}
}

type recordingClient struct {
	h1.BaseClientHandler
	got chan []byte
}

func (h *recordingClient) PrepareRequest(w *h1.RequestWriter) bool {
	if err := w.RequestLine("GET", "/", h1.VersionHTTP11); err != nil {
		return false
	}
	if err := w.Header("Host", "a"); err != nil {
		return false
	}
	if _, err := w.EndHeaders(); err != nil {
		return false
	}
	return w.End() == nil
}

func (h *recordingClient) HeadersReceived(head *h1.ResponseHead) (h1.RecvMode, error) {
	return h1.Buffered(1 << 20), nil
}

func (h *recordingClient) ResponseReceived(data []byte) {
	h.got <- append([]byte(nil), data...)
}

func TestAttachClient_Exchange(t *testing.T) {
	peer, local := net.Pipe()
	defer peer.Close()

	got := make(chan []byte, 1)
	engine := h1.NewClient(func() h1.ClientHandler {
		return &recordingClient{got: got}
	}, h1.Config{})

	go func() {
		buf := make([]byte, 4096)
		if _, err := peer.Read(buf); err != nil {
			return
		}
		peer.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	c, cc := AttachClient(engine, local, nil)
	if err := c.BeginRequest(cc); err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}

	select {
	case body := <-got:
		if string(body) != "ok" {
			t.Errorf("body = %q, want ok", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response delivered")
	}
}
