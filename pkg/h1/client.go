package h1

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/shapestone/shape-h1/internal/body"
	"github.com/shapestone/shape-h1/internal/bufpool"
	"github.com/shapestone/shape-h1/internal/headparser"
)

// ClientHandler is the client-side protocol handler for one connection.
// A connection carries at most one exchange at a time; BeginRequest
// starts the next one.
//
// Embed BaseClientHandler to get no-op defaults for the optional
// callbacks.
type ClientHandler interface {
	// PrepareRequest builds the outgoing request. Returning false
	// abandons the exchange and closes the connection. The request need
	// not be complete when PrepareRequest returns; an in-progress
	// request is finished later via Wakeup.
	PrepareRequest(w *RequestWriter) bool

	// HeadersReceived is called once per exchange when the response
	// head is parsed, before any body bytes. It decides how the body is
	// delivered. Returning an error abandons the exchange and closes
	// the connection.
	HeadersReceived(head *ResponseHead) (RecvMode, error)

	// ResponseReceived delivers the complete body in Buffered mode
	// (nil for bodyless responses).
	ResponseReceived(data []byte)

	// ResponseChunk delivers one chunk of body in Progressive mode. The
	// chunk is only valid for the duration of the call.
	ResponseChunk(chunk []byte)

	// ResponseEnd marks end of body in Progressive mode.
	ResponseEnd()

	// BadResponse is called when the response violated the protocol
	// grammar or framing rules. The connection closes after the
	// callback.
	BadResponse(err error)

	// TimedOut is called when a phase deadline expires. The connection
	// closes after the callback.
	TimedOut()

	// Wakeup is called when ClientConn.Wakeup is invoked, giving an
	// in-progress request writer a chance to make progress.
	Wakeup(w *RequestWriter)
}

// BaseClientHandler provides no-op implementations of the optional
// ClientHandler callbacks.
type BaseClientHandler struct{}

func (BaseClientHandler) ResponseChunk(chunk []byte) {}
func (BaseClientHandler) ResponseEnd()               {}
func (BaseClientHandler) BadResponse(err error)      {}
func (BaseClientHandler) TimedOut()                  {}
func (BaseClientHandler) Wakeup(w *RequestWriter)    {}

// Client holds configuration and pooled resources shared by all
// client-side connections.
type Client struct {
	cfg        Config
	pool       *bufpool.Pool
	newHandler func() ClientHandler
}

// NewClient creates a client role. factory is invoked once per
// connection to create its ClientHandler.
func NewClient(factory func() ClientHandler, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		pool:       bufpool.NewPool(cfg.BufferSize),
		newHandler: factory,
	}
}

// ErrResponseBeforeRequest reports response bytes that arrived before
// any request head was sent. Accepting such bytes would let a hostile
// or confused server poison the next exchange, so they are fatal.
var ErrResponseBeforeRequest = errors.New("h1: response bytes before request was sent")

// ErrExchangeInFlight is returned by BeginRequest while a previous
// exchange has not finished.
var ErrExchangeInFlight = errors.New("h1: exchange already in flight")

// ClientConn is the client-side connection state machine. One exchange
// at a time: a request is written, its response is read to completion,
// and only then may the connection be reused for the next request.
type ClientConn struct {
	cli      *Client
	log      *zap.Logger
	stream   Stream
	interest Interest
	timer    Timer
	handler  ClientHandler

	phase Phase
	gen   uint64

	req     *RequestWriter
	parser  *headparser.ResponseParser
	decoder body.Decoder
	mode    RecvMode
	bodyBuf []byte
	headOK  bool // response head received for the current exchange

	err error
}

// NewConn wires a ClientConn over the reactor-provided capabilities.
// The connection starts idle; call BeginRequest to start an exchange.
func (cl *Client) NewConn(stream Stream, interest Interest, timer Timer) *ClientConn {
	c := &ClientConn{
		cli:      cl,
		log:      cl.cfg.Logger,
		stream:   stream,
		interest: interest,
		timer:    timer,
		handler:  cl.newHandler(),
		parser:   headparser.NewResponseParser(cl.cfg.MaxHeadBytes),
	}
	c.armPhase(PhaseIdle)
	return c
}

// Phase returns the connection's current protocol phase.
func (c *ClientConn) Phase() Phase { return c.phase }

// Err returns the first fatal error seen on this connection, if any.
func (c *ClientConn) Err() error { return c.err }

func (c *ClientConn) armPhase(p Phase) {
	c.phase = p
	c.gen++
	c.timer.Arm(c.cli.cfg.timeoutFor(p), c.gen)
}

// BeginRequest starts the next exchange: the handler's PrepareRequest
// builds the outgoing request, and the connection starts listening for
// the response. Fails if an exchange is already in flight or the
// connection is closed.
func (c *ClientConn) BeginRequest() error {
	if c.phase == PhaseClosed {
		return ErrClosed
	}
	if c.req != nil {
		return ErrExchangeInFlight
	}
	w := newRequestWriter(c)
	w.buf = c.cli.pool.Get()
	c.req = w
	c.headOK = false
	if !c.handler.PrepareRequest(w) {
		c.closeNow()
		return ErrClosed
	}
	c.armPhase(PhaseHead)
	c.interest.WantRead(true)
	c.flush()
	return nil
}

// OnReadable drains available response bytes from the stream. Called by
// the reactor when the connection is readable.
func (c *ClientConn) OnReadable() {
	if c.phase == PhaseClosed {
		return
	}
	for {
		buf := c.cli.pool.Get()
		n, err := c.stream.TryRead(buf[:cap(buf)])
		switch {
		case errors.Is(err, ErrWouldBlock):
			c.cli.pool.Put(buf)
			if c.req != nil {
				c.interest.WantRead(true)
			}
			return
		case errors.Is(err, io.EOF):
			c.cli.pool.Put(buf)
			c.handleEOF()
			return
		case err != nil:
			c.cli.pool.Put(buf)
			c.fatalIO(err)
			return
		}
		c.process(buf[:n])
		c.cli.pool.Put(buf)
		if c.phase == PhaseClosed {
			return
		}
	}
}

func (c *ClientConn) process(p []byte) {
	for len(p) > 0 && c.phase != PhaseClosed {
		// Server bytes are only legal while a request is in flight and
		// its head has left this machine's buffer stage.
		if c.req == nil || !c.req.IsStarted() {
			c.fatal(ErrResponseBeforeRequest)
			return
		}
		if !c.headOK {
			head, consumed, err := c.parser.Feed(p)
			p = p[consumed:]
			if err != nil {
				c.fatal(err)
				return
			}
			if head == nil {
				continue
			}
			c.startResponse(head)
			if c.req == nil {
				// Bodyless response completed the exchange inside
				// startResponse; anything left over is illegal.
				if len(p) > 0 && c.phase != PhaseClosed {
					c.fatal(&headparser.ParseError{Msg: "bytes after response end"})
				}
				return
			}
			continue
		}
		out, n, err := c.decoder.Push(p)
		p = p[n:]
		if err != nil {
			c.fatal(err)
			return
		}
		if len(out) > 0 {
			if c.mode.IsProgressive() {
				c.handler.ResponseChunk(out)
			} else {
				if len(c.bodyBuf)+len(out) > c.mode.Limit() {
					c.fatal(ErrPayloadTooLarge)
					return
				}
				c.bodyBuf = append(c.bodyBuf, out...)
			}
		}
		if c.decoder.Done() {
			c.finishExchange(p)
			return
		}
		if n == 0 {
			return
		}
	}
}

func (c *ClientConn) startResponse(raw *headparser.ResponseHead) {
	head := convertResponseHead(raw)

	// 1xx interim responses are not the final response; skip them and
	// keep waiting for the real head.
	if head.Status/100 == 1 {
		c.parser = headparser.NewResponseParser(c.cli.cfg.MaxHeadBytes)
		return
	}

	framing, err := headparser.DecideResponseBody(raw, c.req.Method())
	if err != nil {
		c.fatal(err)
		return
	}

	mode, err := c.handler.HeadersReceived(head)
	if err != nil {
		c.fatal(&HandlerError{Err: err})
		return
	}
	if !mode.IsProgressive() && framing.Kind == headparser.BodyFixed && framing.Length > int64(mode.Limit()) {
		c.fatal(ErrPayloadTooLarge)
		return
	}

	c.headOK = true
	c.mode = mode
	if !responseKeepAlive(head) {
		c.req.close = true
	}

	switch framing.Kind {
	case headparser.BodyFixed:
		if framing.Length == 0 {
			c.deliverEnd(nil)
			c.finishExchange(nil)
			return
		}
		c.decoder = body.NewFixedDecoder(framing.Length)
	case headparser.BodyChunked:
		c.decoder = body.NewChunkedDecoder()
	case headparser.BodyUntilClose:
		c.decoder = body.NewEOFDecoder()
		// A close-delimited body forbids reuse regardless of headers.
		c.req.close = true
	}
	c.armPhase(PhaseBody)
}

func (c *ClientConn) deliverEnd(data []byte) {
	if c.mode.IsProgressive() {
		c.handler.ResponseEnd()
	} else {
		c.handler.ResponseReceived(data)
	}
}

// finishExchange completes the current exchange and decides reuse.
// excess bytes arrived after the response body ended; with a single
// exchange in flight nothing may follow, so they are fatal.
func (c *ClientConn) finishExchange(excess []byte) {
	if c.decoder != nil {
		c.deliverEnd(c.bodyBuf)
	}
	reuse := !c.req.close && c.req.IsDone()
	if c.req.buf != nil {
		c.cli.pool.Put(c.req.buf)
		c.req.buf = nil
	}
	c.req = nil
	c.decoder = nil
	c.bodyBuf = nil
	c.headOK = false
	if len(excess) > 0 {
		c.fatal(&headparser.ParseError{Msg: "bytes after response end"})
		return
	}
	if !reuse {
		c.closeNow()
		return
	}
	c.parser = headparser.NewResponseParser(c.cli.cfg.MaxHeadBytes)
	c.interest.WantRead(false)
	c.armPhase(PhaseIdle)
}

func (c *ClientConn) handleEOF() {
	switch {
	case c.headOK && c.decoder != nil:
		if d, ok := c.decoder.(*body.EOFDecoder); ok {
			// Close-delimited body: end of stream is the terminator.
			d.FinishEOF()
			c.finishExchange(nil)
			return
		}
		c.fatal(&body.DecodeError{Msg: "premature end of stream"})
	case c.req != nil:
		c.fatal(&headparser.ParseError{Msg: "premature end of stream"})
	default:
		c.closeNow()
	}
}

// OnWritable drains buffered request bytes to the stream.
func (c *ClientConn) OnWritable() {
	if c.phase == PhaseClosed {
		return
	}
	c.flush()
}

// kickWrite is invoked by the request writer whenever it buffers bytes.
func (c *ClientConn) kickWrite() {
	if c.phase == PhaseClosed {
		return
	}
	c.flush()
}

func (c *ClientConn) flush() {
	w := c.req
	if w == nil {
		c.interest.WantWrite(false)
		return
	}
	for w.flushed < len(w.buf) {
		n, err := c.stream.TryWrite(w.buf[w.flushed:])
		if errors.Is(err, ErrWouldBlock) {
			c.interest.WantWrite(true)
			return
		}
		if err != nil {
			c.fatalIO(err)
			return
		}
		w.flushed += n
	}
	c.interest.WantWrite(false)
}

// OnTimer delivers a deadline expiry. Stale generations are ignored.
func (c *ClientConn) OnTimer(gen uint64) {
	if c.phase == PhaseClosed || gen != c.gen {
		return
	}
	c.err = &TimeoutError{Phase: c.phase}
	c.log.Debug("connection deadline exceeded", zap.Stringer("phase", c.phase))
	c.handler.TimedOut()
	c.closeNow()
}

// Wakeup re-enters the handler for an in-progress request and then
// tries to make write progress. Call it from the reactor thread that
// owns this connection.
func (c *ClientConn) Wakeup() {
	if c.phase == PhaseClosed {
		return
	}
	if c.req != nil {
		c.handler.Wakeup(c.req)
	}
	c.flush()
}

// Close tears the connection down immediately. Idempotent.
func (c *ClientConn) Close() {
	c.closeNow()
}

func (c *ClientConn) fatal(err error) {
	c.err = err
	c.log.Debug("invalid response", zap.Error(err))
	c.handler.BadResponse(err)
	c.closeNow()
}

func (c *ClientConn) fatalIO(err error) {
	c.err = &IoError{Err: err}
	c.log.Debug("transport failure", zap.Error(err))
	c.closeNow()
}

func (c *ClientConn) closeNow() {
	if c.phase == PhaseClosed {
		return
	}
	c.phase = PhaseClosed
	c.gen++
	c.timer.Cancel()
	c.interest.WantRead(false)
	c.interest.WantWrite(false)
	_ = c.stream.Close()
	if c.req != nil && c.req.buf != nil {
		c.cli.pool.Put(c.req.buf)
		c.req.buf = nil
	}
	c.req = nil
	c.decoder = nil
	c.bodyBuf = nil
}

// convertResponseHead maps the wire-level head onto the public type.
func convertResponseHead(raw *headparser.ResponseHead) *ResponseHead {
	v := VersionHTTP11
	if raw.Version == "HTTP/1.0" {
		v = VersionHTTP10
	}
	headers := make(Headers, len(raw.Headers))
	for i, h := range raw.Headers {
		headers[i] = Header{Key: h.Key, Value: h.Value}
	}
	return &ResponseHead{
		Version: v,
		Status:  raw.Status,
		Reason:  raw.Reason,
		Headers: headers,
	}
}

// responseKeepAlive applies the reuse matrix to a response head.
func responseKeepAlive(head *ResponseHead) bool {
	raw := make([]headparser.Header, len(head.Headers))
	for i, h := range head.Headers {
		raw[i] = headparser.Header{Key: h.Key, Value: h.Value}
	}
	switch head.Version {
	case VersionHTTP11:
		return !headparser.ConnectionHas(raw, "close")
	case VersionHTTP10:
		return headparser.ConnectionHas(raw, "keep-alive")
	}
	return false
}
