// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The synchronous request pipeline and the thread-per-connection
// dispatcher: each accepted transport gets a dedicated worker that
// loops the pipeline until the connection state says stop.

package verto

import (
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/vertohttp/verto/library/system"

	"go.uber.org/zap"
)

const serverToken = "verto/" + Version

// engineOptions configures both connection handlers.
type engineOptions struct {
	maxHeadBytes int
	readChunk    int
	pinWorkers   bool  // advisory CPU-affinity hint for dedicated workers
	workers      int   // cooperative executor pool size
	maxConns     int64 // cooperative admission bound
}

func defaultEngineOptions() engineOptions {
	return engineOptions{
		maxHeadBytes: defaultMaxHeadBytes,
		readChunk:    defaultReadChunk,
		workers:      system.HardwareConcurrency(),
		maxConns:     1024,
	}
}

type Option func(*engineOptions)

// WithMaxHeadBytes bounds the size of an accepted request head.
func WithMaxHeadBytes(n int) Option { return func(o *engineOptions) { o.maxHeadBytes = n } }

// WithReadChunk sets the per-read slice size of the head reader.
func WithReadChunk(n int) Option { return func(o *engineOptions) { o.readChunk = n } }

// WithWorkerPinning asks dedicated connection workers to pin themselves
// to the CPU range [0, n-2], leaving one unit free for acceptance
// duties. Platform dependent and purely advisory.
func WithWorkerPinning(on bool) Option { return func(o *engineOptions) { o.pinWorkers = on } }

// WithWorkers sets the cooperative executor pool size.
func WithWorkers(n int) Option { return func(o *engineOptions) { o.workers = n } }

// WithMaxConnections bounds the connections the cooperative executor
// admits at once; HandleConnection blocks past the bound.
func WithMaxConnections(n int64) Option { return func(o *engineOptions) { o.maxConns = n } }

// ProcessRequest runs one pass of the pipeline: read the head, route,
// intercept or dispatch, and decide the connection state. A nil
// response with ConnStateClose tells the caller to drop the transport
// without writing anything.
func ProcessRequest(router Router, headReader *HeadReader, in *ConnInput, decoder BodyDecoder, errHandler ErrorHandler, interceptors []Interceptor) (*Response, ConnState) {
	head, err := headReader.ReadHead(in)
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			return errHandler.Render(protoErr.Status, protoErr.Reason, nil), ConnStateClose
		}
		// Peer gone, or the transport failed before a head was parsed.
		return nil, ConnStateClose
	}

	match := router.Match(head.Method, head.Path)
	if match.Endpoint == nil {
		return errHandler.Render(StatusNotFound, "current path has no mapping", nil), ConnStateClose
	}

	rawBody := decoder.Decode(head, in)
	var interim *continueBody
	body := rawBody
	if head.ExpectContinue {
		interim = &continueBody{inner: rawBody, conn: in.conn}
		body = interim
	}
	req := newRequest(head, match.Params, body)

	resp := dispatch(req, match.Endpoint, interceptors, errHandler)
	resp.SetHeaderIfAbsent("server", serverToken)

	state := considerConnState(req, resp)
	if state == ConnStateKeepAlive {
		// An unread body would corrupt the framing of the next head.
		// With an unfired 100-continue the peer never sent one.
		if interim == nil || interim.fired {
			if _, err := io.Copy(io.Discard, rawBody); err != nil {
				state = ConnStateClose
			}
		}
	}
	return resp, state
}

// dispatch evaluates the interceptor chain in registration order, then
// the endpoint. Failures of every kind become responses here; only the
// transport can fail past this point.
func dispatch(req *Request, endpoint Endpoint, interceptors []Interceptor, errHandler ErrorHandler) (resp *Response) {
	defer func() {
		if v := recover(); v != nil {
			if err, ok := v.(error); ok {
				resp = renderFailure(errHandler, err)
			} else {
				resp = errHandler.Render(StatusInternalServerError, "Unknown error", nil)
			}
		}
	}()
	for _, interceptor := range interceptors {
		r, err := interceptor.Intercept(req)
		if err != nil {
			return renderFailure(errHandler, err)
		}
		if r != nil { // short-circuits routing
			return r
		}
	}
	r, err := endpoint.Handle(req)
	if err != nil {
		return renderFailure(errHandler, err)
	}
	if r == nil {
		return errHandler.Render(StatusInternalServerError, "Unknown error", nil)
	}
	return r
}

func renderFailure(errHandler ErrorHandler, err error) *Response {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return errHandler.Render(statusErr.Status, statusErr.Message, statusErr.Header)
	}
	if err == nil || err.Error() == "" {
		return errHandler.Render(StatusInternalServerError, "Unknown error", nil)
	}
	return errHandler.Render(StatusInternalServerError, err.Error(), nil)
}

// ConnectionHandler dispatches each accepted transport to a dedicated
// worker running the synchronous pipeline.
type ConnectionHandler struct {
	// Assocs
	router       Router
	decoder      BodyDecoder
	errHandler   ErrorHandler
	interceptors []Interceptor // registration order = evaluation order
	// States
	opts engineOptions
	shut atomic.Bool // advisory: in-flight workers finish their exchange
}

func NewConnectionHandler(router Router, options ...Option) *ConnectionHandler {
	h := &ConnectionHandler{
		router:     router,
		decoder:    SimpleBodyDecoder{},
		errHandler: DefaultErrorHandler(),
		opts:       defaultEngineOptions(),
	}
	for _, option := range options {
		option(&h.opts)
	}
	return h
}

// SetErrorHandler replaces the error handler; nil restores the default.
func (h *ConnectionHandler) SetErrorHandler(errHandler ErrorHandler) {
	if errHandler == nil {
		errHandler = DefaultErrorHandler()
	}
	h.errHandler = errHandler
}

// SetBodyDecoder replaces the body decoder; nil restores the default.
func (h *ConnectionHandler) SetBodyDecoder(decoder BodyDecoder) {
	if decoder == nil {
		decoder = SimpleBodyDecoder{}
	}
	h.decoder = decoder
}

// AddInterceptor appends to the interceptor chain. Not safe to call
// once connections are being handled.
func (h *ConnectionHandler) AddInterceptor(interceptor Interceptor) {
	h.interceptors = append(h.interceptors, interceptor)
}

// HandleConnection puts the transport into blocking mode and serves it
// on a dedicated worker until its connection state says stop.
func (h *ConnectionHandler) HandleConnection(conn net.Conn) {
	if h.shut.Load() {
		conn.Close()
		return
	}
	if socket, ok := conn.(*VirtualSocket); ok {
		socket.SetNonBlocking(false)
	}
	metricConnsAccepted.WithLabelValues("sync").Inc()
	t := getTask(h, conn)
	go t.run() // runner
}

// Stop is advisory: new connections are refused, in-flight workers are
// not interrupted.
func (h *ConnectionHandler) Stop() { h.shut.Store(true) }

// task serves one connection.
type task struct {
	handler *ConnectionHandler
	conn    net.Conn
}

var poolTask sync.Pool

func getTask(handler *ConnectionHandler, conn net.Conn) *task {
	var t *task
	if x := poolTask.Get(); x == nil {
		t = new(task)
	} else {
		t = x.(*task)
	}
	t.handler = handler
	t.conn = conn
	return t
}
func putTask(t *task) {
	t.handler = nil
	t.conn = nil
	poolTask.Put(t)
}

func (t *task) run() { // runner
	handler, conn := t.handler, t.conn
	putTask(t)

	metricActiveConns.Inc()
	defer metricActiveConns.Dec()

	if handler.opts.pinWorkers {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		system.SetAffinityRange(0, system.HardwareConcurrency()-2)
	}

	// Fresh bounded buffer pair, shared only within this loop.
	in := NewConnInput(conn, handler.opts.readChunk)
	headReader := NewHeadReader(handler.opts.maxHeadBytes, handler.opts.readChunk)
	out := make([]byte, 0, 2048)

	var resp *Response
	state := ConnStateClose
	for {
		resp, state = ProcessRequest(handler.router, headReader, in, handler.decoder, handler.errHandler, handler.interceptors)
		if resp == nil { // transport is in an invalid state, drop it
			break
		}
		metricRequests.WithLabelValues(statusClass(resp.status)).Inc()
		out = appendResponse(out[:0], resp)
		if _, err := conn.Write(out); err != nil {
			state = ConnStateClose
			break
		}
		if state != ConnStateKeepAlive {
			break
		}
		if handler.shut.Load() { // handler was stopped, finish this connection
			state = ConnStateClose
			break
		}
	}

	if state == ConnStateUpgrade && resp != nil {
		if upgrade, params := resp.UpgradeHandler(); upgrade != nil {
			metricUpgrades.Inc()
			upgrade.TakeOver(conn, params) // transport ownership moves over
			return
		}
		Logger().Warn("verto: connection upgrade handler not set",
			zap.String("remote", conn.RemoteAddr().String()))
	}

	// Half-close first where the transport supports it, so the peer can
	// still read our last response before the connection goes away.
	if closeWriter, ok := conn.(interface{ CloseWrite() error }); ok {
		closeWriter.CloseWrite()
	}
	conn.Close()
}
