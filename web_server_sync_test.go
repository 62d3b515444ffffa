// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Connection-flow tests for the synchronous pipeline, exercised over
// the virtual transport. Helpers here are shared with the cooperative
// pipeline's tests.

package verto

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type connHandler interface {
	HandleConnection(conn net.Conn)
}

// startServer wires a connection handler to a fresh virtual interface
// and runs an accept loop until the interface shuts down.
func startServer(t *testing.T, handler connHandler) *Interface {
	t.Helper()
	intf := ObtainInterface("t-" + t.Name())
	go func() { // acceptor
		for {
			server := intf.Accept(true)
			if server == nil {
				return
			}
			handler.HandleConnection(server)
		}
	}()
	t.Cleanup(func() { intf.Close() })
	return intf
}

// testClient speaks raw HTTP/1.x over a virtual socket.
type testClient struct {
	t    *testing.T
	conn *VirtualSocket
	buf  []byte
}

func dialVirtual(t *testing.T, intf *Interface) *testClient {
	t.Helper()
	sub := intf.Connect()
	conn := sub.GetSocket()
	require.NotNil(t, conn, "connect was not accepted")
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(c.t, err)
}

// readResponse parses one response message, honoring content-length.
// Interim (1xx) and head-only responses have an empty body.
func (c *testClient) readResponse() (status int, header Header, body string) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	chunk := make([]byte, 512)
	var end int
	for {
		if end = findHeadEnd(c.buf); end >= 0 {
			break
		}
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}
		c.t.Fatalf("reading response head: %v", err)
	}
	status, header = parseTestResponseHead(c.t, c.buf[:end])
	c.buf = c.buf[end:]
	size, _ := strconv.Atoi(header.Get("content-length"))
	for len(c.buf) < size {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}
		c.t.Fatalf("reading response body: %v", err)
	}
	body = string(c.buf[:size])
	c.buf = c.buf[size:]
	return status, header, body
}

func parseTestResponseHead(t *testing.T, raw []byte) (int, Header) {
	t.Helper()
	lines := bytes.Split(raw, []byte("\n"))
	control := strings.Fields(string(trimCR(lines[0])))
	require.GreaterOrEqual(t, len(control), 2, "bad control data: %q", raw)
	status, err := strconv.Atoi(control[1])
	require.NoError(t, err)
	header := make(Header)
	for _, line := range lines[1:] {
		line = trimCR(line)
		if colon := bytes.IndexByte(line, ':'); colon > 0 {
			header.Set(string(line[:colon]), string(bytes.TrimSpace(line[colon+1:])))
		}
	}
	return status, header
}

// expectEOF asserts the server closed the connection.
func (c *testClient) expectEOF() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		n, err := c.conn.Read(make([]byte, 64))
		if err == io.EOF {
			return
		}
		if n == 0 {
			c.t.Fatalf("want EOF, got %v", err)
		}
	}
}

func testRouter() *SimpleRouter {
	router := NewSimpleRouter()
	router.AddRouteFunc("GET", "/greet/{name}", func(req *Request) (*Response, error) {
		resp := NewResponse(StatusOK)
		resp.SetBodyString("hello " + req.Param("name"))
		return resp, nil
	})
	router.AddRouteFunc("POST", "/echo", func(req *Request) (*Response, error) {
		body, err := io.ReadAll(req.Body())
		if err != nil {
			return nil, err
		}
		resp := NewResponse(StatusOK)
		resp.SetBody(body)
		return resp, nil
	})
	router.AddRouteFunc("GET", "/forbidden", func(req *Request) (*Response, error) {
		return nil, NewStatusError(StatusForbidden, "forbidden")
	})
	router.AddRouteFunc("GET", "/boom", func(req *Request) (*Response, error) {
		panic(errors.New("boom"))
	})
	return router
}

// echoTakeover owns upgraded transports and echoes bytes upper-cased.
type echoTakeover struct {
	calls atomic.Int32
}

func (e *echoTakeover) TakeOver(conn net.Conn, params map[string]string) {
	e.calls.Add(1)
	go func() { // the transport is ours now
		defer conn.Close()
		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(bytes.ToUpper(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()
}

func addUpgradeRoute(router *SimpleRouter, takeover UpgradeHandler) {
	router.AddRouteFunc("GET", "/upgrade", func(req *Request) (*Response, error) {
		resp := NewResponse(StatusSwitchingProtocols)
		resp.Header().Set("connection", "upgrade")
		resp.Header().Set("upgrade", "echo")
		if takeover != nil {
			resp.SetUpgradeHandler(takeover, map[string]string{"protocol": "echo"})
		}
		return resp, nil
	})
}

func TestSyncKeepAliveSequential(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	for _, name := range []string{"ada", "bob", "eve"} {
		client.send("GET /greet/" + name + " HTTP/1.1\r\nHost: v\r\n\r\n")
		status, header, body := client.readResponse()
		require.Equal(t, StatusOK, status)
		require.Equal(t, "hello "+name, body)
		require.Equal(t, serverToken, header.Get("server"))
	}
	client.conn.Close()
}

func TestSyncConnectionClose(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	client.send("GET /greet/x HTTP/1.1\r\nHost: v\r\nConnection: close\r\n\r\n")
	status, _, _ := client.readResponse()
	require.Equal(t, StatusOK, status)
	client.expectEOF()
}

func TestSyncHTTP10Closes(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	client.send("GET /greet/x HTTP/1.0\r\n\r\n")
	status, _, _ := client.readResponse()
	require.Equal(t, StatusOK, status)
	client.expectEOF()
}

func TestSyncRouteMiss(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	client.send("GET /nope HTTP/1.1\r\nHost: v\r\n\r\n")
	status, _, _ := client.readResponse()
	require.Equal(t, StatusNotFound, status)
	client.expectEOF()
}

func TestSyncStatusError(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	client.send("GET /forbidden HTTP/1.1\r\nHost: v\r\n\r\n")
	status, _, body := client.readResponse()
	require.Equal(t, StatusForbidden, status)
	require.Contains(t, body, "forbidden")
}

func TestSyncPanicBecomes500(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	client.send("GET /boom HTTP/1.1\r\nHost: v\r\n\r\n")
	status, _, body := client.readResponse()
	require.Equal(t, StatusInternalServerError, status)
	require.Contains(t, body, "boom")
}

func TestSyncMalformedHead(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	client.send("NOT-HTTP\r\n\r\n")
	status, _, _ := client.readResponse()
	require.Equal(t, StatusBadRequest, status)
	client.expectEOF()
}

func TestSyncPeerClosesSilently(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	// No bytes at all: the server drops the connection without writing.
	require.NoError(t, client.conn.CloseWrite())
	client.expectEOF()
}

type recordingInterceptor struct {
	name   string
	log    *[]string
	answer *Response
}

func (i *recordingInterceptor) Intercept(req *Request) (*Response, error) {
	*i.log = append(*i.log, i.name)
	return i.answer, nil
}

func TestSyncInterceptorShortCircuit(t *testing.T) {
	var log []string
	blocked := NewResponse(StatusForbidden)
	blocked.SetBodyString("intercepted")

	handler := NewConnectionHandler(testRouter())
	handler.AddInterceptor(&recordingInterceptor{name: "first", log: &log})
	handler.AddInterceptor(&recordingInterceptor{name: "second", log: &log, answer: blocked})
	handler.AddInterceptor(&recordingInterceptor{name: "third", log: &log})

	intf := startServer(t, handler)
	client := dialVirtual(t, intf)
	client.send("GET /greet/x HTTP/1.1\r\nHost: v\r\n\r\n")
	status, _, body := client.readResponse()
	require.Equal(t, StatusForbidden, status)
	require.Equal(t, "intercepted", body)
	require.Equal(t, []string{"first", "second"}, log, "evaluation must follow registration order and short-circuit")
}

func TestSyncUpgradeHandoff(t *testing.T) {
	takeover := new(echoTakeover)
	router := testRouter()
	addUpgradeRoute(router, takeover)

	intf := startServer(t, NewConnectionHandler(router))
	client := dialVirtual(t, intf)

	client.send("GET /upgrade HTTP/1.1\r\nHost: v\r\nConnection: upgrade\r\nUpgrade: echo\r\n\r\n")
	status, header, _ := client.readResponse()
	require.Equal(t, StatusSwitchingProtocols, status)
	require.Equal(t, "upgrade", header.Get("connection"))

	// The transport now speaks the upgraded protocol, exactly once.
	client.send("hello")
	buf := make([]byte, 16)
	client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := client.conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(buf[:n]))
	require.Equal(t, int32(1), takeover.calls.Load())
}

func TestSyncExpectContinue(t *testing.T) {
	intf := startServer(t, NewConnectionHandler(testRouter()))
	client := dialVirtual(t, intf)

	client.send("POST /echo HTTP/1.1\r\nHost: v\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
	status, _, _ := client.readResponse()
	require.Equal(t, StatusContinue, status)

	client.send("hello")
	status, _, body := client.readResponse()
	require.Equal(t, StatusOK, status)
	require.Equal(t, "hello", body)
}

func TestSyncUnreadBodyIsDrained(t *testing.T) {
	router := testRouter()
	router.AddRouteFunc("POST", "/ignore", func(req *Request) (*Response, error) {
		resp := NewResponse(StatusOK) // never touches the body
		resp.SetBodyString("ok")
		return resp, nil
	})
	intf := startServer(t, NewConnectionHandler(router))
	client := dialVirtual(t, intf)

	client.send("POST /ignore HTTP/1.1\r\nHost: v\r\nContent-Length: 5\r\n\r\nwaste")
	status, _, body := client.readResponse()
	require.Equal(t, StatusOK, status)
	require.Equal(t, "ok", body)

	// The 5 unread body bytes must not leak into the next head.
	client.send("GET /greet/next HTTP/1.1\r\nHost: v\r\n\r\n")
	status, _, body = client.readResponse()
	require.Equal(t, StatusOK, status)
	require.Equal(t, "hello next", body)
}

func TestSyncStopIsAdvisory(t *testing.T) {
	handler := NewConnectionHandler(testRouter())
	intf := startServer(t, handler)

	client := dialVirtual(t, intf)
	client.send("GET /greet/x HTTP/1.1\r\nHost: v\r\n\r\n")
	status, _, _ := client.readResponse()
	require.Equal(t, StatusOK, status)

	handler.Stop()
	late := dialVirtual(t, intf)
	late.expectEOF() // refused without a response
}
