// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Engine contracts and the request/response model. See RFC 9112.

package verto

import (
	"io"
	"net"
	"strings"
)

// HTTP versions understood by the engine.
const (
	Version1_0 uint8 = iota // HTTP/1.0
	Version1_1              // HTTP/1.1
)

// Status codes the engine itself emits. Applications are free to use
// any code; unknown codes get an "Unknown" reason phrase on the wire.
const (
	StatusContinue                    = 100
	StatusSwitchingProtocols          = 101
	StatusOK                          = 200
	StatusBadRequest                  = 400
	StatusForbidden                   = 403
	StatusNotFound                    = 404
	StatusRequestTimeout              = 408
	StatusRequestHeaderFieldsTooLarge = 431
	StatusInternalServerError         = 500
)

var statusReasons = map[int]string{
	StatusContinue:                    "Continue",
	StatusSwitchingProtocols:          "Switching Protocols",
	StatusOK:                          "OK",
	201:                               "Created",
	204:                               "No Content",
	301:                               "Moved Permanently",
	302:                               "Found",
	304:                               "Not Modified",
	StatusBadRequest:                  "Bad Request",
	401:                               "Unauthorized",
	StatusForbidden:                   "Forbidden",
	StatusNotFound:                    "Not Found",
	405:                               "Method Not Allowed",
	StatusRequestTimeout:              "Request Timeout",
	413:                               "Content Too Large",
	StatusRequestHeaderFieldsTooLarge: "Request Header Fields Too Large",
	StatusInternalServerError:         "Internal Server Error",
	501:                               "Not Implemented",
	503:                               "Service Unavailable",
	505:                               "HTTP Version Not Supported",
}

func statusReason(status int) string {
	if reason, ok := statusReasons[status]; ok {
		return reason
	}
	return "Unknown"
}

// ConnState is the post-response decision about the transport. It is
// computed fresh after every exchange and never carried across one.
type ConnState uint8

const (
	ConnStateClose     ConnState = iota + 1 // drop the transport
	ConnStateKeepAlive                      // reuse it for the next request
	ConnStateUpgrade                        // hand it to an upgrade handler
)

// Header holds header fields with lower-cased names. Values of repeated
// fields are joined with ", " at parse time.
type Header map[string]string

func (h Header) Get(name string) string { return h[strings.ToLower(name)] }
func (h Header) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}
func (h Header) Set(name string, value string) { h[strings.ToLower(name)] = value }
func (h Header) Del(name string)               { delete(h, strings.ToLower(name)) }

// Router matches a method and path to an endpoint. A zero RouteMatch
// (nil Endpoint) means no mapping exists.
type Router interface {
	Match(method string, path string) RouteMatch
}

// RouteMatch carries the path-variable bindings and the matched endpoint.
type RouteMatch struct {
	Params   map[string]string
	Endpoint Endpoint
}

// Endpoint produces a response for a request synchronously.
type Endpoint interface {
	Handle(req *Request) (*Response, error)
}

// AsyncEndpoint is implemented by endpoints that may suspend. The
// cooperative pipeline begins the operation and polls the awaitable;
// plain Endpoints are invoked inline there instead.
type AsyncEndpoint interface {
	Endpoint
	BeginHandle(req *Request) Awaitable
}

// Awaitable is a pending asynchronous operation. Poll returns
// iox.ErrWouldBlock while the operation is in flight.
type Awaitable interface {
	Poll() (*Response, error)
}

// Interceptor observes a request before routing dispatch. Returning a
// non-nil response short-circuits the matched endpoint; returning
// (nil, nil) passes the request along the chain.
type Interceptor interface {
	Intercept(req *Request) (*Response, error)
}

// ErrorHandler renders a failure into a response.
type ErrorHandler interface {
	Render(status int, message string, extra Header) *Response
}

// UpgradeHandler takes exclusive ownership of the raw transport after
// an exchange that negotiated a protocol switch. The engine performs no
// further HTTP parsing on the transport once TakeOver is called.
type UpgradeHandler interface {
	TakeOver(conn net.Conn, params map[string]string)
}

// BodyDecoder turns the raw remainder of the connection into the
// request body stream described by the head.
type BodyDecoder interface {
	Decode(head *RequestHead, raw io.Reader) io.Reader
}

// Request is the server-side view of one parsed request. The body is
// lazy: nothing past the head is consumed until the application reads.
type Request struct {
	head   *RequestHead
	params map[string]string
	body   io.Reader
}

func newRequest(head *RequestHead, params map[string]string, body io.Reader) *Request {
	return &Request{head: head, params: params, body: body}
}

func (r *Request) Method() string  { return r.head.Method }
func (r *Request) Path() string    { return r.head.Path }
func (r *Request) Version() uint8  { return r.head.Version }
func (r *Request) Header() Header  { return r.head.Fields }
func (r *Request) Body() io.Reader { return r.body }

// Param returns the binding of a path variable, or "".
func (r *Request) Param(name string) string { return r.params[name] }

// Response is one outgoing response message.
type Response struct {
	status        int
	header        Header
	body          []byte
	upgradeTo     UpgradeHandler
	upgradeParams map[string]string
}

func NewResponse(status int) *Response {
	return &Response{status: status, header: make(Header)}
}

func (r *Response) Status() int    { return r.status }
func (r *Response) Header() Header { return r.header }
func (r *Response) Body() []byte   { return r.body }

func (r *Response) SetBody(body []byte)       { r.body = body }
func (r *Response) SetBodyString(body string) { r.body = []byte(body) }

// SetHeaderIfAbsent stamps a default that application code may have
// set already.
func (r *Response) SetHeaderIfAbsent(name string, value string) {
	if !r.header.Has(name) {
		r.header.Set(name, value)
	}
}

// SetUpgradeHandler attaches the handler that takes over the raw
// transport if this response negotiates a protocol switch.
func (r *Response) SetUpgradeHandler(handler UpgradeHandler, params map[string]string) {
	r.upgradeTo = handler
	r.upgradeParams = params
}

func (r *Response) UpgradeHandler() (UpgradeHandler, map[string]string) {
	return r.upgradeTo, r.upgradeParams
}

// considerConnState decides what happens to the transport after an
// exchange. The response's explicit connection header wins, then the
// request's, then the protocol version default: HTTP/1.1 keeps alive,
// HTTP/1.0 closes.
func considerConnState(req *Request, resp *Response) ConnState {
	switch strings.ToLower(resp.header.Get("connection")) {
	case "upgrade":
		return ConnStateUpgrade
	case "close":
		return ConnStateClose
	case "keep-alive":
		return ConnStateKeepAlive
	}
	if req != nil {
		switch strings.ToLower(req.head.Fields.Get("connection")) {
		case "close":
			return ConnStateClose
		case "keep-alive":
			return ConnStateKeepAlive
		}
		if req.head.Version == Version1_0 {
			return ConnStateClose
		}
	}
	return ConnStateKeepAlive
}

// SimpleBodyDecoder bounds the body by content-length and otherwise
// passes bytes through. Transfer codings are not decoded here.
type SimpleBodyDecoder struct{}

func (SimpleBodyDecoder) Decode(head *RequestHead, raw io.Reader) io.Reader {
	if head.ContentLength <= 0 {
		return emptyBody{}
	}
	return io.LimitReader(raw, head.ContentLength)
}

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
