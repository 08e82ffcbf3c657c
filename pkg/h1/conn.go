package h1

import (
	"errors"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/shapestone/shape-h1/internal/body"
	"github.com/shapestone/shape-h1/internal/bufpool"
	"github.com/shapestone/shape-h1/internal/headparser"
)

// Handler is the server-side protocol handler for one connection. The
// engine invokes it as requests arrive; it may complete a response
// synchronously inside a callback, or return with the response unfinished
// and finish it later, waking the connection with ServerConn.Wakeup.
//
// Embed BaseHandler to get no-op defaults for the optional callbacks.
type Handler interface {
	// HeadersReceived is called once per request as soon as the head is
	// parsed, before any body bytes. It decides how the body is
	// delivered. Returning an error rejects the request; if the error
	// is a *StatusError its code is used for the error response.
	HeadersReceived(head *RequestHead) (RecvMode, error)

	// RequestReceived delivers the complete body in Buffered mode
	// (nil for bodyless requests) together with the response writer.
	RequestReceived(data []byte, w *ResponseWriter)

	// RequestChunk delivers one chunk of body in Progressive mode. The
	// chunk is only valid for the duration of the call.
	RequestChunk(chunk []byte, w *ResponseWriter)

	// RequestEnd marks end of body in Progressive mode.
	RequestEnd(w *ResponseWriter)

	// BadRequest is called when the request became invalid after the
	// head was accepted (bad chunk framing, premature end of stream,
	// body over limit). The handler may produce its own error page if
	// the response is not started; otherwise the engine emits one.
	BadRequest(err error, w *ResponseWriter)

	// TimedOut is called when a phase deadline expires while this
	// request is in flight. The connection closes after the callback.
	TimedOut(w *ResponseWriter)

	// Wakeup is called when ServerConn.Wakeup is invoked, giving an
	// asynchronously-completing handler a chance to make progress.
	Wakeup(w *ResponseWriter)
}

// BaseHandler provides no-op implementations of the optional Handler
// callbacks.
type BaseHandler struct{}

func (BaseHandler) RequestChunk(chunk []byte, w *ResponseWriter) {}
func (BaseHandler) RequestEnd(w *ResponseWriter)                 {}
func (BaseHandler) BadRequest(err error, w *ResponseWriter)      {}
func (BaseHandler) TimedOut(w *ResponseWriter)                   {}
func (BaseHandler) Wakeup(w *ResponseWriter)                     {}

// StatusError rejects a request with a specific status code when returned
// from HeadersReceived.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return "h1: " + strconv.Itoa(e.Code) + " " + e.Reason
}

// Server holds configuration and pooled resources shared by all
// server-side connections. The buffer pool is the only state shared
// across connections and is safe for concurrent use.
type Server struct {
	cfg        Config
	pool       *bufpool.Pool
	newHandler func() Handler
}

// NewServer creates a server role. factory is invoked once per
// connection to create its Handler.
func NewServer(factory func() Handler, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:        cfg,
		pool:       bufpool.NewPool(cfg.BufferSize),
		newHandler: factory,
	}
}

// exchange is one request/response pair in flight. The response writer
// lives in the pipeline queue until fully flushed; the body-decoding
// fields are only used while this exchange is the one being read.
type exchange struct {
	w       *ResponseWriter
	decoder body.Decoder
	mode    RecvMode
	bodyBuf []byte // buffered-mode accumulation
}

// ServerConn is the server-side connection state machine. It owns the
// connection's buffers, parser, codec, pipeline queue and deadline, and
// must only be advanced by one goroutine at a time - the reactor's.
type ServerConn struct {
	srv      *Server
	log      *zap.Logger
	stream   Stream
	interest Interest
	timer    Timer
	handler  Handler

	phase Phase
	gen   uint64 // timer generation; bumped on every rearm/cancel

	parser  *headparser.RequestParser
	pending []byte // carried-over input not yet processed

	cur   *exchange   // exchange whose body is being read, nil between messages
	queue []*exchange // responses pending write, strictly in arrival order

	noMoreReads bool // close directive or fatal error: discard further input
	readPaused  bool // pipeline bound reached
	err         error
}

// NewConn wires a ServerConn over the reactor-provided capabilities and
// arms the idle deadline. The caller must route the connection's
// readiness events to OnReadable/OnWritable/OnTimer.
func (s *Server) NewConn(stream Stream, interest Interest, timer Timer) *ServerConn {
	c := &ServerConn{
		srv:      s,
		log:      s.cfg.Logger,
		stream:   stream,
		interest: interest,
		timer:    timer,
		handler:  s.newHandler(),
		parser:   headparser.NewRequestParser(s.cfg.MaxHeadBytes),
	}
	c.armPhase(PhaseIdle)
	interest.WantRead(true)
	return c
}

// Phase returns the connection's current protocol phase.
func (c *ServerConn) Phase() Phase { return c.phase }

// Err returns the first fatal error seen on this connection, if any.
func (c *ServerConn) Err() error { return c.err }

func (c *ServerConn) armPhase(p Phase) {
	c.phase = p
	c.gen++
	c.timer.Arm(c.srv.cfg.timeoutFor(p), c.gen)
}

// OnReadable drains available bytes from the stream and advances the
// parse/decode machinery. Called by the reactor when the connection is
// readable.
func (c *ServerConn) OnReadable() {
	if c.phase == PhaseClosed || c.phase == PhaseClosing {
		return
	}
	for {
		if c.noMoreReads {
			return
		}
		if len(c.queue) >= c.srv.cfg.MaxPipeline {
			// Backpressure: stop consuming input until the pipeline
			// queue drains.
			c.readPaused = true
			c.interest.WantRead(false)
			return
		}
		buf := c.srv.pool.Get()
		n, err := c.stream.TryRead(buf[:cap(buf)])
		switch {
		case errors.Is(err, ErrWouldBlock):
			c.srv.pool.Put(buf)
			c.interest.WantRead(true)
			return
		case errors.Is(err, io.EOF):
			c.srv.pool.Put(buf)
			c.handleEOF()
			return
		case err != nil:
			c.srv.pool.Put(buf)
			c.fatalIO(err)
			return
		}
		c.process(buf[:n])
		c.srv.pool.Put(buf)
		if c.phase == PhaseClosed {
			return
		}
	}
}

// process consumes input bytes through the head parser and body codec.
// Bytes it cannot consume yet (pipeline bound reached mid-buffer) are
// carried over in c.pending.
func (c *ServerConn) process(p []byte) {
	if len(c.pending) > 0 {
		p = append(c.pending, p...)
		c.pending = nil
	}
	for len(p) > 0 {
		if c.noMoreReads || c.phase == PhaseClosed {
			// Close contract in effect: later buffered bytes are
			// discarded, no further exchange may happen.
			return
		}
		if c.cur == nil {
			if len(c.queue) >= c.srv.cfg.MaxPipeline {
				c.pending = append(c.pending, p...)
				c.readPaused = true
				c.interest.WantRead(false)
				return
			}
			if c.phase != PhaseHead {
				c.armPhase(PhaseHead)
			}
			head, consumed, err := c.parser.Feed(p)
			p = p[consumed:]
			if err != nil {
				c.fatalBeforeHead(err)
				return
			}
			if head == nil {
				continue
			}
			c.startExchange(head)
			continue
		}
		// Reading the current exchange's body.
		out, n, err := c.cur.decoder.Push(p)
		p = p[n:]
		if err != nil {
			c.fatalDuringBody(err)
			return
		}
		if len(out) > 0 {
			if c.cur.mode.IsProgressive() {
				c.handler.RequestChunk(out, c.cur.w)
			} else {
				if len(c.cur.bodyBuf)+len(out) > c.cur.mode.Limit() {
					c.fatalDuringBody(ErrPayloadTooLarge)
					return
				}
				c.cur.bodyBuf = append(c.cur.bodyBuf, out...)
			}
		}
		if c.cur.decoder.Done() {
			c.finishBodyRead()
			continue
		}
		if n == 0 {
			return // need more input
		}
	}
}

// startExchange runs the head-complete transition: framing decision,
// keep-alive decision, handler head callback, body codec setup.
func (c *ServerConn) startExchange(raw *headparser.RequestHead) {
	head := convertRequestHead(raw)
	keepAlive := requestKeepAlive(head)
	isHead := head.Method == "HEAD"

	w := newResponseWriter(head.Version, isHead, !keepAlive, c)
	w.buf = c.srv.pool.Get()
	c.queue = append(c.queue, &exchange{w: w})

	framing, err := headparser.DecideRequestBody(raw.Headers)
	if err != nil {
		c.fatalOnSlot(w, err)
		return
	}

	mode, err := c.handler.HeadersReceived(head)
	if err != nil {
		code, reason := 400, "Bad Request"
		var se *StatusError
		if errors.As(err, &se) {
			code, reason = se.Code, se.Reason
		}
		c.rejectExchange(w, code, reason)
		return
	}

	if !mode.IsProgressive() && framing.Kind == headparser.BodyFixed && framing.Length > int64(mode.Limit()) {
		c.rejectExchange(w, 413, "Payload Too Large")
		return
	}

	// The handler accepted the head; honor Expect: 100-continue before
	// anything else is written for this exchange.
	if head.Version == VersionHTTP11 &&
		eqFoldStr(headparser.HeaderValue(raw.Headers, "Expect"), "100-continue") {
		w.buf = append(w.buf, "HTTP/1.1 100 Continue\r\n\r\n"...)
	}

	ex := c.queue[len(c.queue)-1]
	ex.mode = mode

	switch framing.Kind {
	case headparser.BodyFixed:
		if framing.Length == 0 {
			// The common case: a bodyless request. The handler is
			// invoked exactly once with no body chunks.
			c.completeBodyless(ex)
			return
		}
		ex.decoder = body.NewFixedDecoder(framing.Length)
	case headparser.BodyChunked:
		ex.decoder = body.NewChunkedDecoder()
	}
	c.cur = ex
	c.armPhase(PhaseBody)
}

func (c *ServerConn) completeBodyless(ex *exchange) {
	if ex.mode.IsProgressive() {
		c.handler.RequestEnd(ex.w)
	} else {
		c.handler.RequestReceived(nil, ex.w)
	}
	c.afterRequestRead(ex)
}

func (c *ServerConn) finishBodyRead() {
	ex := c.cur
	c.cur = nil
	if ex.mode.IsProgressive() {
		c.handler.RequestEnd(ex.w)
	} else {
		c.handler.RequestReceived(ex.bodyBuf, ex.w)
		ex.bodyBuf = nil
	}
	c.afterRequestRead(ex)
}

// afterRequestRead decides what the read side does next: parse the next
// pipelined head, or stop reading because this exchange forbids reuse.
func (c *ServerConn) afterRequestRead(ex *exchange) {
	c.cur = nil
	if c.phase == PhaseClosed {
		// The handler completed a close-marked response synchronously
		// and the flush already tore the connection down.
		return
	}
	if ex.w.WillClose() {
		c.noMoreReads = true
		c.interest.WantRead(false)
		c.armPhase(PhaseWrite)
	} else {
		c.armPhase(PhaseIdle)
	}
	c.flushQueue()
}

// rejectExchange answers the current head with an error status decided
// by the handler and keeps the connection alive only when it is safe:
// a request with a pending body cannot be resynchronized, so it closes.
func (c *ServerConn) rejectExchange(w *ResponseWriter, code int, reason string) {
	w.MarkClose()
	c.writeErrorPage(w, code, reason)
	c.noMoreReads = true
	c.interest.WantRead(false)
	c.armPhase(PhaseWrite)
	c.flushQueue()
}

// fatalBeforeHead handles a malformed or oversized head: best-effort
// error response on a fresh slot, then close.
func (c *ServerConn) fatalBeforeHead(err error) {
	c.err = err
	c.log.Debug("malformed request head", zap.Error(err))
	code, reason := StatusForError(err)
	w := newResponseWriter(VersionHTTP11, false, true, c)
	w.buf = c.srv.pool.Get()
	c.queue = append(c.queue, &exchange{w: w})
	c.writeErrorPage(w, code, reason)
	c.noMoreReads = true
	c.interest.WantRead(false)
	c.armPhase(PhaseWrite)
	c.flushQueue()
}

// fatalDuringBody handles a request that became invalid after its head
// was accepted: bad chunk framing or an over-limit body.
func (c *ServerConn) fatalDuringBody(err error) {
	c.err = err
	ex := c.cur
	c.cur = nil
	c.handler.BadRequest(err, ex.w)
	if c.phase == PhaseClosed {
		return
	}
	if !ex.w.IsStarted() {
		code, reason := StatusForError(err)
		ex.w.MarkClose()
		c.writeErrorPage(ex.w, code, reason)
		c.noMoreReads = true
		c.interest.WantRead(false)
		c.armPhase(PhaseWrite)
		c.flushQueue()
		return
	}
	// Bytes of a now-unfinishable response may already be on the wire;
	// it cannot be un-sent.
	c.closeNow()
}

func (c *ServerConn) fatalIO(err error) {
	c.err = &IoError{Err: err}
	c.log.Debug("transport failure", zap.Error(err))
	c.closeNow()
}

// fatalOnSlot is fatalBeforeHead for errors detected after the slot for
// this request was already queued.
func (c *ServerConn) fatalOnSlot(w *ResponseWriter, err error) {
	c.err = err
	code, reason := StatusForError(err)
	w.MarkClose()
	c.writeErrorPage(w, code, reason)
	c.noMoreReads = true
	c.interest.WantRead(false)
	c.armPhase(PhaseWrite)
	c.flushQueue()
}

// writeErrorPage emits a minimal error response if the slot is still
// unstarted; a started response is finished as-is if possible.
func (c *ServerConn) writeErrorPage(w *ResponseWriter, code int, reason string) {
	if w.IsStarted() {
		_ = w.End()
		return
	}
	page := strconv.Itoa(code) + " " + reason + "\n"
	_ = w.Status(code, reason)
	_ = w.Header("Content-Type", "text/plain; charset=utf-8")
	_ = w.ContentLength(int64(len(page)))
	if _, err := w.EndHeaders(); err == nil {
		_, _ = w.Write([]byte(page))
	}
	_ = w.End()
}

func (c *ServerConn) handleEOF() {
	switch {
	case c.cur != nil:
		// Peer closed mid-body.
		c.fatalDuringBody(&body.DecodeError{Msg: "premature end of stream"})
	case c.parser.BufferedBytes() > 0:
		// Peer closed mid-head.
		c.fatalBeforeHead(&headparser.ParseError{Msg: "premature end of stream"})
	default:
		// Clean close between messages.
		c.noMoreReads = true
		c.interest.WantRead(false)
		if len(c.queue) == 0 {
			c.closeNow()
		} else {
			c.armPhase(PhaseWrite)
			c.flushQueue()
		}
	}
}

// OnWritable drains buffered response bytes to the stream. Called by the
// reactor when the connection is writable.
func (c *ServerConn) OnWritable() {
	if c.phase == PhaseClosed {
		return
	}
	c.flushQueue()
}

// kickWrite is invoked by response writers whenever they buffer bytes.
func (c *ServerConn) kickWrite() {
	if c.phase == PhaseClosed {
		return
	}
	c.flushQueue()
}

// flushQueue writes pipeline slots to the transport in arrival order.
// Only the head-of-queue slot's bytes may leave; later responses buffer
// until they reach the head, which is what keeps pipelined responses in
// request order even when handlers complete out of order.
func (c *ServerConn) flushQueue() {
	for len(c.queue) > 0 {
		ex := c.queue[0]
		w := ex.w
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
		if !w.IsDone() {
			// Awaiting more bytes from the handler; nothing to flush
			// until it writes again or Wakeup completes it.
			c.interest.WantWrite(false)
			return
		}
		// Fully written; retire the slot.
		c.queue = c.queue[1:]
		c.srv.pool.Put(w.buf)
		w.buf = nil
		if w.WillClose() {
			// Close contract: no further exchange, buffered input is
			// discarded.
			c.closeNow()
			return
		}
		if c.readPaused && len(c.queue) < c.srv.cfg.MaxPipeline {
			c.readPaused = false
			c.interest.WantRead(true)
			// Carried-over input may already contain the next head.
			if len(c.pending) > 0 {
				p := c.pending
				c.pending = nil
				c.process(p)
			}
		}
	}
	c.interest.WantWrite(false)
	if c.noMoreReads && len(c.queue) == 0 {
		c.closeNow()
	}
}

// OnTimer delivers a deadline expiry. Stale generations - a timer that
// fired while being rearmed or after close - are ignored.
func (c *ServerConn) OnTimer(gen uint64) {
	if c.phase == PhaseClosed || gen != c.gen {
		return
	}
	err := &TimeoutError{Phase: c.phase}
	c.err = err
	c.log.Debug("connection deadline exceeded", zap.Stringer("phase", c.phase))

	if c.cur != nil {
		c.handler.TimedOut(c.cur.w)
	} else if len(c.queue) > 0 {
		c.handler.TimedOut(c.queue[0].w)
	}

	// Best-effort 408 when the timed-out request has no started
	// response yet: mid-body with an untouched slot, or mid-head with
	// no slot at all. Everything else is an immediate close.
	switch {
	case c.cur != nil && !c.cur.w.IsStarted():
		w := c.cur.w
		c.cur = nil
		w.MarkClose()
		c.writeErrorPage(w, 408, "Request Timeout")
	case c.cur == nil && len(c.queue) == 0 && c.parser.BufferedBytes() > 0:
		w := newResponseWriter(VersionHTTP11, false, true, c)
		w.buf = c.srv.pool.Get()
		c.queue = append(c.queue, &exchange{w: w})
		c.writeErrorPage(w, 408, "Request Timeout")
	default:
		c.closeNow()
		return
	}
	c.noMoreReads = true
	c.interest.WantRead(false)
	c.armPhase(PhaseClosing)
	c.flushQueue()
}

// Wakeup re-enters the handler for an asynchronously-completing response
// and then tries to make write progress. Call it from the reactor thread
// that owns this connection.
func (c *ServerConn) Wakeup() {
	if c.phase == PhaseClosed {
		return
	}
	var w *ResponseWriter
	if c.cur != nil {
		w = c.cur.w
	} else if len(c.queue) > 0 {
		w = c.queue[0].w
	}
	if w != nil {
		c.handler.Wakeup(w)
	}
	c.flushQueue()
}

// Close tears the connection down immediately: pending timers are
// invalidated, reactor interest dropped, buffers returned. Idempotent.
func (c *ServerConn) Close() {
	c.closeNow()
}

func (c *ServerConn) closeNow() {
	if c.phase == PhaseClosed {
		return
	}
	c.phase = PhaseClosed
	c.gen++ // any in-flight timer fire becomes stale
	c.timer.Cancel()
	c.interest.WantRead(false)
	c.interest.WantWrite(false)
	_ = c.stream.Close()
	for _, ex := range c.queue {
		if ex.w.buf != nil {
			c.srv.pool.Put(ex.w.buf)
			ex.w.buf = nil
		}
	}
	c.queue = nil
	c.cur = nil
	c.pending = nil
}

// convertRequestHead maps the wire-level head onto the public type.
func convertRequestHead(raw *headparser.RequestHead) *RequestHead {
	v := VersionHTTP11
	if raw.Version == "HTTP/1.0" {
		v = VersionHTTP10
	}
	headers := make(Headers, len(raw.Headers))
	for i, h := range raw.Headers {
		headers[i] = Header{Key: h.Key, Value: h.Value}
	}
	return &RequestHead{
		Method:  raw.Method,
		Target:  raw.Target,
		Version: v,
		Headers: headers,
	}
}

// requestKeepAlive pins the keep-alive default matrix: HTTP/1.1 persists
// unless "Connection: close"; HTTP/1.0 closes unless
// "Connection: keep-alive".
func requestKeepAlive(head *RequestHead) bool {
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
