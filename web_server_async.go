// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The cooperative request pipeline: the same logical pipeline as the
// synchronous form, expressed as an enum-tagged state machine with
// explicit suspension points at head reads, endpoint invocation, and
// response sends. Many connections share a bounded pool of workers;
// a coroutine occupies a worker only between suspension points.

package verto

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// coroState tags where the state machine resumes.
type coroState uint8

const (
	coroReadHead coroState = iota // suspension point: head read
	coroRoute                     // route and intercept
	coroInvoke                    // suspension point: endpoint operation
	coroForm                      // stamp defaults, decide connection state
	coroSend                      // suspension point: response send
	coroDecide                    // repeat, upgrade, or finish
	coroDrain                     // discard unread body before repeating
)

// httpCoro is the per-connection processing context. It is owned by
// exactly one logical flow: at any instant it is either queued or being
// stepped by one worker, never both.
type httpCoro struct {
	// Assocs
	handler *AsyncConnectionHandler
	conn    net.Conn
	// Coro states (controlled)
	state     coroState
	done      bool
	upgraded  bool // transport handed off, do not close
	committed bool // response bytes already on the wire
	// Coro states (non-zeros)
	chunk []byte // scratch for transport reads
	// Coro states (zeros)
	inBuf    []byte // accumulated unparsed input, carried across requests
	head     *RequestHead
	match    RouteMatch
	req      *Request
	resp     *Response
	await    Awaitable
	interim  *coroBody
	out      []byte
	sent     int
	bodyLeft int64
	connSt   ConnState
	backoff  iox.Backoff
}

var poolHTTPCoro sync.Pool

func getHTTPCoro(handler *AsyncConnectionHandler, conn net.Conn) *httpCoro {
	var c *httpCoro
	if x := poolHTTPCoro.Get(); x == nil {
		c = new(httpCoro)
	} else {
		c = x.(*httpCoro)
	}
	if len(c.chunk) != handler.opts.readChunk {
		c.chunk = make([]byte, handler.opts.readChunk)
	}
	c.handler = handler
	c.conn = conn
	c.state = coroReadHead
	return c
}
func putHTTPCoro(c *httpCoro) {
	c.handler = nil
	c.conn = nil
	c.done = false
	c.upgraded = false
	c.committed = false
	c.inBuf = nil
	c.head = nil
	c.match = RouteMatch{}
	c.req = nil
	c.resp = nil
	c.await = nil
	c.interim = nil
	c.out = nil
	c.sent = 0
	c.bodyLeft = 0
	c.connSt = 0
	c.backoff = iox.Backoff{}
	poolHTTPCoro.Put(c)
}

// step advances the state machine by one transition. It reports whether
// progress was made; no progress means the coroutine hit a suspension
// point and must yield its worker.
func (c *httpCoro) step() (progress bool) {
	switch c.state {
	case coroReadHead:
		return c.stepReadHead()
	case coroRoute:
		return c.stepRoute()
	case coroInvoke:
		return c.stepInvoke()
	case coroForm:
		return c.stepForm()
	case coroSend:
		return c.stepSend()
	case coroDecide:
		return c.stepDecide()
	case coroDrain:
		return c.stepDrain()
	}
	c.finish()
	return true
}

func (c *httpCoro) stepReadHead() bool {
	if end := findHeadEnd(c.inBuf); end >= 0 {
		head, err := parseHead(c.inBuf[:end])
		c.inBuf = c.inBuf[end:]
		if err != nil {
			c.fail(err)
			return true
		}
		c.head = head
		c.state = coroRoute
		return true
	}
	if len(c.inBuf) > c.handler.opts.maxHeadBytes {
		c.fail(&ProtocolError{Status: StatusRequestHeaderFieldsTooLarge, Reason: "request head is too large"})
		return true
	}
	n, err := c.conn.Read(c.chunk)
	if n > 0 {
		c.inBuf = append(c.inBuf, c.chunk[:n]...)
		return true
	}
	if errors.Is(err, iox.ErrWouldBlock) {
		return false // suspend until readable
	}
	if err == io.EOF || err == nil {
		if len(c.inBuf) == 0 { // peer left between requests, drop silently
			c.finish()
			return true
		}
		c.fail(&ProtocolError{Status: StatusBadRequest, Reason: "incomplete request head"})
		return true
	}
	c.fail(err)
	return true
}

func (c *httpCoro) stepRoute() bool {
	handler := c.handler
	c.match = handler.router.Match(c.head.Method, c.head.Path)
	if c.match.Endpoint == nil {
		c.resp = handler.errHandler.Render(StatusNotFound, "current path has no mapping", nil)
		c.state = coroForm // request stays nil, so the decision is close
		return true
	}

	c.bodyLeft = c.head.ContentLength
	body := &coroBody{coro: c, interim: c.head.ExpectContinue}
	c.interim = body
	c.req = newRequest(c.head, c.match.Params, body)

	for _, interceptor := range handler.interceptors {
		resp, err := safeIntercept(interceptor, c.req)
		if err != nil {
			c.fail(err)
			return true
		}
		if resp != nil { // short-circuits the endpoint
			c.resp = resp
			c.state = coroForm
			return true
		}
	}

	if async, ok := c.match.Endpoint.(AsyncEndpoint); ok {
		await, err := safeBeginHandle(async, c.req)
		if err != nil {
			c.fail(err)
			return true
		}
		c.await = await
		c.state = coroInvoke
		return true
	}

	resp, err := safeHandle(c.match.Endpoint, c.req)
	if err != nil {
		c.fail(err)
		return true
	}
	c.resp = resp
	c.state = coroForm
	return true
}

func (c *httpCoro) stepInvoke() bool {
	resp, err := c.await.Poll()
	if errors.Is(err, iox.ErrWouldBlock) {
		return false // suspend until the endpoint completes
	}
	c.await = nil
	if err != nil {
		c.fail(err)
		return true
	}
	if resp == nil {
		c.resp = c.handler.errHandler.Render(StatusInternalServerError, "Unknown error", nil)
	} else {
		c.resp = resp
	}
	c.state = coroForm
	return true
}

func (c *httpCoro) stepForm() bool {
	c.resp.SetHeaderIfAbsent("server", serverToken)
	if c.req == nil {
		// No request view exists (head failure or route miss): nothing
		// to keep the connection alive for.
		c.connSt = ConnStateClose
	} else {
		c.connSt = considerConnState(c.req, c.resp)
	}
	metricRequests.WithLabelValues(statusClass(c.resp.status)).Inc()
	c.out = appendResponse(c.out[:0], c.resp)
	c.sent = 0
	c.state = coroSend
	return true
}

func (c *httpCoro) stepSend() bool {
	for c.sent < len(c.out) {
		n, err := c.conn.Write(c.out[c.sent:])
		if n > 0 {
			c.sent += n
			c.committed = true
			continue
		}
		if errors.Is(err, iox.ErrWouldBlock) {
			return false // suspend until writable
		}
		c.fail(err)
		return true
	}
	c.state = coroDecide
	return true
}

func (c *httpCoro) stepDecide() bool {
	switch c.connSt {
	case ConnStateKeepAlive:
		if c.bodyLeft > 0 && (c.interim == nil || !c.interim.interim || c.interim.fired) {
			c.state = coroDrain
			return true
		}
		c.nextRequest()
		return true
	case ConnStateUpgrade:
		if upgrade, params := c.resp.UpgradeHandler(); upgrade != nil {
			metricUpgrades.Inc()
			if socket, ok := c.conn.(*VirtualSocket); ok {
				socket.SetNonBlocking(false) // the new owner gets ordinary I/O
			}
			c.upgraded = true
			upgrade.TakeOver(c.conn, params)
		} else {
			Logger().Warn("verto: connection upgrade handler not set",
				zap.String("remote", c.conn.RemoteAddr().String()))
		}
		c.finish()
		return true
	default:
		c.finish()
		return true
	}
}

func (c *httpCoro) stepDrain() bool {
	if n := int64(len(c.inBuf)); n > 0 {
		if n > c.bodyLeft {
			n = c.bodyLeft
		}
		c.inBuf = c.inBuf[n:]
		c.bodyLeft -= n
	}
	for c.bodyLeft > 0 {
		chunk := c.chunk
		if int64(len(chunk)) > c.bodyLeft {
			chunk = chunk[:c.bodyLeft]
		}
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.bodyLeft -= int64(n)
			continue
		}
		if errors.Is(err, iox.ErrWouldBlock) {
			return false // suspend until the rest of the body arrives
		}
		if err == io.EOF || err == nil {
			c.finish() // peer went away after our response, nothing to do
			return true
		}
		c.fail(err)
		return true
	}
	c.nextRequest()
	return true
}

// nextRequest resets per-exchange state; buffered input carries over.
func (c *httpCoro) nextRequest() {
	c.head = nil
	c.match = RouteMatch{}
	c.req = nil
	c.resp = nil
	c.await = nil
	c.interim = nil
	c.sent = 0
	c.committed = false
	c.bodyLeft = 0
	c.connSt = 0
	c.state = coroReadHead
}

// fail is the error entry point for everything a suspended operation
// can surface. A peer that already abandoned the transport is dropped
// silently; after a committed response the failure is fatal and logged;
// anything else is rendered into an error response and sent like any
// other.
func (c *httpCoro) fail(err error) {
	if isBrokenTransport(err) {
		c.finish()
		return
	}
	if c.committed {
		Logger().Error("verto: unhandled error on committed response, dropping connection",
			zap.Error(err), zap.String("remote", c.conn.RemoteAddr().String()))
		c.finish()
		return
	}
	errHandler := c.handler.errHandler
	var protoErr *ProtocolError
	var statusErr *StatusError
	switch {
	case errors.As(err, &protoErr):
		c.resp = errHandler.Render(protoErr.Status, protoErr.Reason, nil)
		c.req = nil // never reuse a connection after a protocol failure
	case errors.As(err, &statusErr):
		c.resp = errHandler.Render(statusErr.Status, statusErr.Message, statusErr.Header)
	case err == io.EOF:
		c.resp = errHandler.Render(StatusBadRequest, "unexpected end of stream", nil)
		c.req = nil
	case err == nil || err.Error() == "":
		c.resp = errHandler.Render(StatusInternalServerError, "Unknown error", nil)
	default:
		c.resp = errHandler.Render(StatusInternalServerError, err.Error(), nil)
	}
	c.state = coroForm
}

func (c *httpCoro) finish() { c.done = true }

// safeIntercept, safeHandle, and safeBeginHandle fence application
// panics into errors, keeping failures inside the connection boundary.
func safeIntercept(interceptor Interceptor, req *Request) (resp *Response, err error) {
	defer recoverToError(&err)
	return interceptor.Intercept(req)
}
func safeHandle(endpoint Endpoint, req *Request) (resp *Response, err error) {
	defer recoverToError(&err)
	resp, err = endpoint.Handle(req)
	if resp == nil && err == nil {
		err = errors.New("Unknown error")
	}
	return resp, err
}
func safeBeginHandle(endpoint AsyncEndpoint, req *Request) (await Awaitable, err error) {
	defer recoverToError(&err)
	return endpoint.BeginHandle(req), nil
}

func recoverToError(errp *error) {
	if v := recover(); v != nil {
		if err, ok := v.(error); ok {
			*errp = err
		} else {
			*errp = errors.New("Unknown error")
		}
	}
}

// coroBody serves the request body to application code running inside
// a coroutine step. Reads past the buffered input wait for the peer in
// sess style: retry on would-block with adaptive backoff.
type coroBody struct {
	coro    *httpCoro
	interim bool // announce 100-continue on first read
	fired   bool
}

func (b *coroBody) Read(p []byte) (int, error) {
	c := b.coro
	if c.bodyLeft <= 0 {
		return 0, io.EOF
	}
	if b.interim && !b.fired {
		b.fired = true
		if err := c.blockingWrite(http1BytesContinue); err != nil {
			return 0, err
		}
	}
	if int64(len(p)) > c.bodyLeft {
		p = p[:c.bodyLeft]
	}
	if len(c.inBuf) > 0 {
		n := copy(p, c.inBuf)
		c.inBuf = c.inBuf[n:]
		c.bodyLeft -= int64(n)
		return n, nil
	}
	var backoff iox.Backoff
	for {
		n, err := c.conn.Read(p)
		if errors.Is(err, iox.ErrWouldBlock) {
			backoff.Wait()
			continue
		}
		if n > 0 {
			c.bodyLeft -= int64(n)
		}
		return n, err
	}
}

func (c *httpCoro) blockingWrite(src []byte) error {
	var backoff iox.Backoff
	for len(src) > 0 {
		n, err := c.conn.Write(src)
		src = src[n:]
		if errors.Is(err, iox.ErrWouldBlock) {
			backoff.Wait()
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// AsyncConnectionHandler multiplexes connections over a bounded pool of
// workers driving cooperative pipelines.
type AsyncConnectionHandler struct {
	// Assocs
	router       Router
	errHandler   ErrorHandler
	interceptors []Interceptor
	// States
	opts   engineOptions
	queue  chan *httpCoro
	admit  *semaphore.Weighted
	stopCh chan struct{}
	shut   atomic.Bool
	subs   sync.WaitGroup
}

func NewAsyncConnectionHandler(router Router, options ...Option) *AsyncConnectionHandler {
	h := &AsyncConnectionHandler{
		router:     router,
		errHandler: DefaultErrorHandler(),
		opts:       defaultEngineOptions(),
		stopCh:     make(chan struct{}),
	}
	for _, option := range options {
		option(&h.opts)
	}
	if h.opts.workers < 1 {
		h.opts.workers = 1
	}
	if h.opts.maxConns < 1 {
		h.opts.maxConns = 1
	}
	// Every admitted coroutine is either queued or held by a worker, so
	// a queue this large never blocks a requeue.
	h.queue = make(chan *httpCoro, h.opts.maxConns)
	h.admit = semaphore.NewWeighted(h.opts.maxConns)
	for n := 0; n < h.opts.workers; n++ {
		h.subs.Add(1)
		go h.work() // runner
	}
	return h
}

// SetErrorHandler replaces the error handler; nil restores the default.
func (h *AsyncConnectionHandler) SetErrorHandler(errHandler ErrorHandler) {
	if errHandler == nil {
		errHandler = DefaultErrorHandler()
	}
	h.errHandler = errHandler
}

// AddInterceptor appends to the interceptor chain. Not safe to call
// once connections are being handled.
func (h *AsyncConnectionHandler) AddInterceptor(interceptor Interceptor) {
	h.interceptors = append(h.interceptors, interceptor)
}

// HandleConnection admits the transport into the cooperative executor.
// It blocks while the executor is at its connection bound.
func (h *AsyncConnectionHandler) HandleConnection(conn net.Conn) {
	if h.shut.Load() || h.admit.Acquire(context.Background(), 1) != nil {
		conn.Close()
		return
	}
	if h.shut.Load() {
		h.admit.Release(1)
		conn.Close()
		return
	}
	if socket, ok := conn.(*VirtualSocket); ok {
		socket.SetNonBlocking(true)
	}
	metricConnsAccepted.WithLabelValues("async").Inc()
	metricActiveConns.Inc()
	coro := getHTTPCoro(h, conn)
	select {
	case h.queue <- coro:
	case <-h.stopCh:
		coro.cancel()
		h.release(coro)
	}
}

// Stop cancels queued coroutines and waits for the workers to exit.
// It returns only once every admitted connection has been released, so
// an enqueue that raced the shutdown is still found and canceled.
func (h *AsyncConnectionHandler) Stop() {
	if h.shut.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	h.subs.Wait()
	var backoff iox.Backoff
	for {
		select {
		case coro := <-h.queue:
			coro.cancel()
			h.release(coro)
			continue
		default:
		}
		if h.admit.TryAcquire(h.opts.maxConns) { // all admissions released
			h.admit.Release(h.opts.maxConns)
			return
		}
		backoff.Wait()
	}
}

func (h *AsyncConnectionHandler) work() { // runner
	defer h.subs.Done()
	for {
		select {
		case <-h.stopCh:
			for {
				select {
				case coro := <-h.queue:
					coro.cancel()
					h.release(coro)
				default:
					return
				}
			}
		case coro := <-h.queue:
			h.drive(coro)
		}
	}
}

// drive steps a coroutine until it finishes or suspends. A suspended
// coroutine backs off briefly and goes to the end of the run queue.
func (h *AsyncConnectionHandler) drive(coro *httpCoro) {
	for {
		if coro.step() {
			if coro.done {
				h.release(coro)
				return
			}
			coro.backoff = iox.Backoff{}
			continue
		}
		coro.backoff.Wait()
		select {
		case h.queue <- coro:
		case <-h.stopCh:
			coro.cancel()
			h.release(coro)
		}
		return
	}
}

func (h *AsyncConnectionHandler) release(coro *httpCoro) {
	if !coro.upgraded {
		if closeWriter, ok := coro.conn.(interface{ CloseWrite() error }); ok {
			closeWriter.CloseWrite()
		}
		coro.conn.Close()
	}
	metricActiveConns.Dec()
	h.admit.Release(1)
	putHTTPCoro(coro)
}

// cancel surfaces executor shutdown into the coroutine as an error. If
// no response was committed a 500 is sent best-effort with a short
// deadline; a committed response cannot be repaired, so the connection
// is simply dropped.
func (c *httpCoro) cancel() {
	if c.committed || c.upgraded {
		return
	}
	resp := c.handler.errHandler.Render(StatusInternalServerError, context.Canceled.Error(), nil)
	resp.SetHeaderIfAbsent("server", serverToken)
	resp.header.Set("connection", "close")
	if socket, ok := c.conn.(*VirtualSocket); ok {
		socket.SetNonBlocking(false)
	}
	c.conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	c.conn.Write(appendResponse(nil, resp))
}
