// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Error taxonomy and the default error handler.

package verto

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
)

// errTransportClosed means the peer was gone before any byte of a
// request head arrived. The connection is dropped without a response.
var errTransportClosed = errors.New("verto: transport closed by peer")

// ProtocolError is a malformed or oversized request head. It is
// rendered through the error handler and the connection is closed.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("verto: protocol error %d: %s", e.Status, e.Reason)
}

// StatusError is an application-level protocol error: handling logic
// raises it to answer with a specific status, message, and optional
// extra header fields. The connection state is still computed normally.
type StatusError struct {
	Status  int
	Message string
	Header  Header
}

func NewStatusError(status int, message string) *StatusError {
	return &StatusError{Status: status, Message: message}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("verto: status %d: %s", e.Status, e.Message)
}

// isBrokenTransport reports failures that mean the peer has already
// abandoned the connection. They are propagated silently: not logged,
// not converted into a response.
func isBrokenTransport(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// defaultErrorHandler renders plain-text failure responses.
type defaultErrorHandler struct{}

func (defaultErrorHandler) Render(status int, message string, extra Header) *Response {
	resp := NewResponse(status)
	resp.header.Set("content-type", "text/plain")
	for name, value := range extra {
		resp.header.Set(name, value)
	}
	if message == "" {
		message = statusReason(status)
	}
	resp.SetBodyString("server=verto code=" + strconv.Itoa(status) + " description=" + message)
	return resp
}

// DefaultErrorHandler returns the error handler used when none is
// configured.
func DefaultErrorHandler() ErrorHandler { return defaultErrorHandler{} }
