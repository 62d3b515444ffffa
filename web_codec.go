// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Request-head reading and response serialization. See RFC 9112.
// The head reader is bounded: at most maxHeadBytes are accepted, read
// in readChunk slices. Parsing works over an accumulated buffer so the
// same tokenizer serves the blocking and the cooperative pipeline.

package verto

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
)

const (
	defaultMaxHeadBytes = 4096 // whole request head, start line included
	defaultReadChunk    = 2048 // per-read slice size
)

var http1BytesContinue = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// RequestHead is the parsed start line plus header section.
type RequestHead struct {
	Method         string
	Path           string
	Version        uint8
	Fields         Header
	ContentLength  int64 // 0 when absent
	ExpectContinue bool
}

// ConnInput is the buffered input side of one connection. Bytes read
// past the head stay in buf and are served to body readers before the
// transport is touched again. The conn reference also carries interim
// responses (100 Continue) written on first body read.
type ConnInput struct {
	conn  net.Conn
	buf   []byte // buffered but unconsumed bytes
	chunk []byte // scratch for transport reads
}

func NewConnInput(conn net.Conn, chunkSize int) *ConnInput {
	if chunkSize <= 0 {
		chunkSize = defaultReadChunk
	}
	return &ConnInput{conn: conn, chunk: make([]byte, chunkSize)}
}

func (in *ConnInput) Read(p []byte) (int, error) {
	if len(in.buf) > 0 {
		n := copy(p, in.buf)
		in.buf = in.buf[n:]
		return n, nil
	}
	return in.conn.Read(p)
}

// HeadReader reads one bounded request head from a ConnInput.
type HeadReader struct {
	MaxHeadBytes int
	ReadChunk    int
}

func NewHeadReader(maxHeadBytes int, readChunk int) *HeadReader {
	if maxHeadBytes <= 0 {
		maxHeadBytes = defaultMaxHeadBytes
	}
	if readChunk <= 0 {
		readChunk = defaultReadChunk
	}
	return &HeadReader{MaxHeadBytes: maxHeadBytes, ReadChunk: readChunk}
}

// ReadHead blocks until a full head is buffered, then parses it.
// Failure modes: errTransportClosed when the peer is gone before any
// head byte (silent drop), a *ProtocolError for malformed or oversized
// heads, and raw I/O errors (timeouts, resets) which callers also treat
// as a silent drop.
func (hr *HeadReader) ReadHead(in *ConnInput) (*RequestHead, error) {
	for {
		if end := findHeadEnd(in.buf); end >= 0 {
			head, err := parseHead(in.buf[:end])
			in.buf = in.buf[end:]
			return head, err
		}
		if len(in.buf) > hr.MaxHeadBytes {
			return nil, &ProtocolError{Status: StatusRequestHeaderFieldsTooLarge, Reason: "request head is too large"}
		}
		chunk := in.chunk
		if len(chunk) > hr.ReadChunk {
			chunk = chunk[:hr.ReadChunk]
		}
		n, err := in.conn.Read(chunk)
		if n > 0 {
			in.buf = append(in.buf, chunk[:n]...)
			continue
		}
		if err == io.EOF && len(in.buf) > 0 {
			return nil, &ProtocolError{Status: StatusBadRequest, Reason: "incomplete request head"}
		}
		if err == io.EOF || err == nil {
			return nil, errTransportClosed
		}
		return nil, err
	}
}

// findHeadEnd returns the byte count of the head including its blank
// line, or -1 while incomplete. Both CRLF and bare LF terminators are
// tolerated.
func findHeadEnd(buf []byte) int {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

// parseHead tokenizes a complete head: start line first, then header
// fields with lower-cased names. Repeated fields join with ", ".
func parseHead(raw []byte) (*RequestHead, error) {
	lines := bytes.Split(raw, []byte("\n"))
	if len(lines) == 0 {
		return nil, &ProtocolError{Status: StatusBadRequest, Reason: "empty request head"}
	}
	head := &RequestHead{Fields: make(Header)}
	if err := parseRequestLine(head, trimCR(lines[0])); err != nil {
		return nil, err
	}
	for _, line := range lines[1:] {
		line = trimCR(line)
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, &ProtocolError{Status: StatusBadRequest, Reason: "obsolete line folding"}
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, &ProtocolError{Status: StatusBadRequest, Reason: "malformed header field"}
		}
		name := strings.ToLower(string(line[:colon]))
		if strings.ContainsAny(name, " \t") {
			return nil, &ProtocolError{Status: StatusBadRequest, Reason: "whitespace in field name"}
		}
		value := string(bytes.TrimSpace(line[colon+1:]))
		if prev, ok := head.Fields[name]; ok {
			head.Fields[name] = prev + ", " + value
		} else {
			head.Fields[name] = value
		}
	}
	if v := head.Fields.Get("content-length"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return nil, &ProtocolError{Status: StatusBadRequest, Reason: "invalid content-length"}
		}
		head.ContentLength = size
	}
	if strings.EqualFold(head.Fields.Get("expect"), "100-continue") {
		head.ExpectContinue = true
	}
	return head, nil
}

func parseRequestLine(head *RequestHead, line []byte) error {
	parts := bytes.Split(line, []byte(" "))
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return &ProtocolError{Status: StatusBadRequest, Reason: "malformed request line"}
	}
	head.Method = string(parts[0])
	head.Path = string(parts[1])
	switch string(parts[2]) {
	case "HTTP/1.1":
		head.Version = Version1_1
	case "HTTP/1.0":
		head.Version = Version1_0
	default:
		return &ProtocolError{Status: 505, Reason: "unsupported protocol version"}
	}
	return nil
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

// appendResponse serializes control data, header section, and body into
// dst. A content-length is stamped for any response that carries an
// entity, so keep-alive peers can frame the stream.
func appendResponse(dst []byte, resp *Response) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(resp.status), 10)
	dst = append(dst, ' ')
	dst = append(dst, statusReason(resp.status)...)
	dst = append(dst, '\r', '\n')
	for name, value := range resp.header {
		dst = append(dst, name...)
		dst = append(dst, ':', ' ')
		dst = append(dst, value...)
		dst = append(dst, '\r', '\n')
	}
	if resp.status >= 200 && resp.status != 204 && !resp.header.Has("content-length") {
		dst = append(dst, "content-length: "...)
		dst = strconv.AppendInt(dst, int64(len(resp.body)), 10)
		dst = append(dst, '\r', '\n')
	}
	dst = append(dst, '\r', '\n')
	dst = append(dst, resp.body...)
	return dst
}

// continueBody writes the 100 Continue interim response the first time
// the application actually asks for the body.
type continueBody struct {
	inner io.Reader
	conn  io.Writer
	fired bool
}

func (b *continueBody) Read(p []byte) (int, error) {
	if !b.fired {
		b.fired = true
		if _, err := b.conn.Write(http1BytesContinue); err != nil {
			return 0, err
		}
	}
	return b.inner.Read(p)
}
