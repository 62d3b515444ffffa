// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Virtual in-process transport: rendezvous pipes, cross-wired duplex
// sockets, and named interfaces that pair Connect with Accept calls.

package verto

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"go.uber.org/multierr"
)

var (
	ErrNameCollision     = errors.New("verto: interface name already registered")
	ErrInterfaceNotFound = errors.New("verto: interface not found")
)

// pipeQueueCap bounds the chunks in flight on one rendezvous pipe.
// Writers beyond this see backpressure, not unbounded buffering.
const pipeQueueCap = 64

// pipe is a unidirectional byte conduit. Exactly one side writes and
// exactly one side reads, so the transport is a single SPSC ring of
// byte chunks. Both operations are non-blocking at this level and
// return iox.ErrWouldBlock; blocking behavior is layered on top by
// VirtualSocket with adaptive backoff.
type pipe struct {
	chunks  lfq.SPSC[[]byte] // in-flight chunks, writer to reader
	slot    []byte           // producer-side enqueue slot
	head    []byte           // consumer-side remainder of the current chunk
	wClosed atomix.Uint32    // >0 after the write end is closed
	rClosed atomix.Uint32    // >0 after the read end is closed
}

func newPipe() *pipe {
	p := new(pipe)
	p.chunks.Init(pipeQueueCap)
	return p
}

func (p *pipe) writeNonBlocking(src []byte) (int, error) {
	if p.wClosed.Load() > 0 {
		return 0, net.ErrClosed
	}
	if p.rClosed.Load() > 0 {
		return 0, syscall.EPIPE
	}
	if len(src) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(src))
	copy(chunk, src)
	p.slot = chunk
	if err := p.chunks.Enqueue(&p.slot); err != nil {
		return 0, iox.ErrWouldBlock
	}
	return len(src), nil
}

func (p *pipe) readNonBlocking(dst []byte) (int, error) {
	if p.rClosed.Load() > 0 {
		return 0, net.ErrClosed
	}
	if len(p.head) == 0 {
		chunk, err := p.chunks.Dequeue()
		if err != nil { // ring is empty
			if p.wClosed.Load() == 0 {
				return 0, iox.ErrWouldBlock
			}
			// The write end is closed. Recheck once: a chunk may have been
			// enqueued between the failed dequeue and the close observation.
			if chunk, err = p.chunks.Dequeue(); err != nil {
				return 0, io.EOF
			}
		}
		p.head = chunk
	}
	n := copy(dst, p.head)
	p.head = p.head[n:]
	return n, nil
}

func (p *pipe) closeWrite() error {
	if p.wClosed.Load() > 0 {
		return net.ErrClosed
	}
	p.wClosed.Add(1)
	return nil
}
func (p *pipe) closeRead() error {
	if p.rClosed.Load() > 0 {
		return net.ErrClosed
	}
	p.rClosed.Add(1)
	return nil
}

// virtualAddr identifies the interface a virtual socket was accepted on.
type virtualAddr string

func (a virtualAddr) Network() string { return "virtual" }
func (a virtualAddr) String() string  { return string(a) }

// VirtualSocket is a duplex endpoint built from two pipes wired in
// opposite directions. Sockets are only created in cross-wired pairs by
// acceptSubmission, so every byte one endpoint writes is exactly the
// stream its counterpart reads. VirtualSocket implements net.Conn.
type VirtualSocket struct {
	in          *pipe // peer writes, we read
	out         *pipe // we write, peer reads
	addr        virtualAddr
	nonBlocking atomic.Bool
	closed      atomic.Bool
	deadMutex   sync.Mutex // guards the deadlines below
	rDeadline   time.Time
	wDeadline   time.Time
}

func newVirtualSocket(in *pipe, out *pipe, addr virtualAddr) *VirtualSocket {
	return &VirtualSocket{in: in, out: out, addr: addr}
}

// SetNonBlocking switches the socket between blocking and non-blocking
// I/O. In non-blocking mode Read and Write return iox.ErrWouldBlock
// instead of waiting, which is what the cooperative pipeline needs.
func (s *VirtualSocket) SetNonBlocking(on bool) { s.nonBlocking.Store(on) }

func (s *VirtualSocket) Read(dst []byte) (int, error) {
	if s.nonBlocking.Load() {
		return s.in.readNonBlocking(dst)
	}
	var backoff iox.Backoff
	for {
		n, err := s.in.readNonBlocking(dst)
		if !errors.Is(err, iox.ErrWouldBlock) {
			return n, err
		}
		if deadline := s.readDeadline(); !deadline.IsZero() && time.Now().After(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		backoff.Wait()
	}
}

func (s *VirtualSocket) Write(src []byte) (int, error) {
	if s.nonBlocking.Load() {
		return s.out.writeNonBlocking(src)
	}
	var backoff iox.Backoff
	for {
		n, err := s.out.writeNonBlocking(src)
		if !errors.Is(err, iox.ErrWouldBlock) {
			return n, err
		}
		if deadline := s.writeDeadline(); !deadline.IsZero() && time.Now().After(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		backoff.Wait()
	}
}

// CloseWrite half-closes the socket. The peer drains buffered chunks
// and then reads io.EOF, while our read side stays usable.
func (s *VirtualSocket) CloseWrite() error { return s.out.closeWrite() }

func (s *VirtualSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}
	return multierr.Combine(s.out.closeWrite(), s.in.closeRead())
}

func (s *VirtualSocket) LocalAddr() net.Addr  { return s.addr }
func (s *VirtualSocket) RemoteAddr() net.Addr { return s.addr }

func (s *VirtualSocket) SetDeadline(t time.Time) error {
	s.deadMutex.Lock()
	s.rDeadline, s.wDeadline = t, t
	s.deadMutex.Unlock()
	return nil
}
func (s *VirtualSocket) SetReadDeadline(t time.Time) error {
	s.deadMutex.Lock()
	s.rDeadline = t
	s.deadMutex.Unlock()
	return nil
}
func (s *VirtualSocket) SetWriteDeadline(t time.Time) error {
	s.deadMutex.Lock()
	s.wDeadline = t
	s.deadMutex.Unlock()
	return nil
}

func (s *VirtualSocket) readDeadline() time.Time {
	s.deadMutex.Lock()
	t := s.rDeadline
	s.deadMutex.Unlock()
	return t
}
func (s *VirtualSocket) writeDeadline() time.Time {
	s.deadMutex.Lock()
	t := s.wDeadline
	s.deadMutex.Unlock()
	return t
}

// ConnectionSubmission is one pending connect request. It is resolved
// at most once by a matching accept; the holder then owns the returned
// socket exclusively.
type ConnectionSubmission struct {
	mutex   sync.Mutex
	cond    *sync.Cond // signaled when the socket is attached
	socket  *VirtualSocket
	invalid atomix.Uint32 // >0 once the submission can no longer resolve
}

func newConnectionSubmission() *ConnectionSubmission {
	sub := new(ConnectionSubmission)
	sub.cond = sync.NewCond(&sub.mutex)
	return sub
}

func (sub *ConnectionSubmission) setSocket(socket *VirtualSocket) {
	sub.mutex.Lock()
	sub.socket = socket
	sub.mutex.Unlock()
	sub.cond.Signal()
}

func (sub *ConnectionSubmission) invalidate() {
	sub.invalid.Add(1)
	sub.cond.Broadcast()
}

// IsValid reports whether the submission can still resolve to a socket.
func (sub *ConnectionSubmission) IsValid() bool { return sub.invalid.Load() == 0 }

// GetSocket blocks until the submission is resolved by an accept, or
// returns nil if the submission was invalidated.
func (sub *ConnectionSubmission) GetSocket() *VirtualSocket {
	sub.mutex.Lock()
	for sub.socket == nil && sub.IsValid() {
		sub.cond.Wait()
	}
	socket := sub.socket
	sub.mutex.Unlock()
	return socket
}

// GetSocketNonBlocking returns the resolved socket, or nil if the
// submission is still pending or its lock is contended. The caller
// owns the retry policy.
func (sub *ConnectionSubmission) GetSocketNonBlocking() *VirtualSocket {
	if !sub.IsValid() {
		return nil
	}
	if !sub.mutex.TryLock() {
		return nil
	}
	socket := sub.socket
	sub.mutex.Unlock()
	return socket
}

// Interface is a named rendezvous point. Connect calls enqueue
// submissions, Accept calls resolve them in FIFO order into cross-wired
// socket pairs. Instances are shared through the process-wide registry:
// ObtainInterface hands out references and the last Close unregisters.
type Interface struct {
	name string
	// Guarded by registryMutex
	refs int
	// Queue states
	mutex       sync.Mutex
	cond        *sync.Cond // signaled on submit, broadcast on shut/notify
	submissions []*ConnectionSubmission
	wakeGen     uint64 // bumped by NotifyWaiters
	shutDown    bool   // set when the last reference is dropped
}

func newInterface(name string) *Interface {
	intf := &Interface{name: name}
	intf.cond = sync.NewCond(&intf.mutex)
	return intf
}

func (i *Interface) Name() string { return i.name }

// Connect enqueues a new connection submission and returns it without
// waiting. A blocked acceptor is woken to resolve it.
func (i *Interface) Connect() *ConnectionSubmission {
	sub := newConnectionSubmission()
	i.mutex.Lock()
	if i.shutDown {
		i.mutex.Unlock()
		sub.invalidate()
		return sub
	}
	i.submissions = append(i.submissions, sub)
	i.mutex.Unlock()
	i.cond.Signal()
	return sub
}

// ConnectNonBlocking is Connect without waiting on the queue lock.
// It returns nil when the lock is contended; the caller retries.
func (i *Interface) ConnectNonBlocking() *ConnectionSubmission {
	if !i.mutex.TryLock() {
		return nil
	}
	if i.shutDown {
		i.mutex.Unlock()
		sub := newConnectionSubmission()
		sub.invalidate()
		return sub
	}
	sub := newConnectionSubmission()
	i.submissions = append(i.submissions, sub)
	i.mutex.Unlock()
	i.cond.Signal()
	return sub
}

// Accept resolves the oldest pending submission into a server-side
// socket. With block set it waits until a submission arrives, the
// interface shuts down, or NotifyWaiters is called; in the latter two
// cases it returns nil and the caller rechecks its own condition. With
// block unset it always returns nil, pending submissions included;
// resolving without waiting is AcceptNonBlocking's job.
func (i *Interface) Accept(block bool) *VirtualSocket {
	if !block {
		return nil
	}
	i.mutex.Lock()
	gen := i.wakeGen
	for len(i.submissions) == 0 && !i.shutDown && i.wakeGen == gen {
		i.cond.Wait()
	}
	if len(i.submissions) == 0 {
		i.mutex.Unlock()
		return nil
	}
	sub := i.popSubmissionLocked()
	i.mutex.Unlock()
	return i.acceptSubmission(sub)
}

// AcceptNonBlocking resolves the oldest submission only if the queue
// lock is immediately acquirable and the queue is non-empty.
func (i *Interface) AcceptNonBlocking() *VirtualSocket {
	if !i.mutex.TryLock() {
		return nil
	}
	if len(i.submissions) == 0 {
		i.mutex.Unlock()
		return nil
	}
	sub := i.popSubmissionLocked()
	i.mutex.Unlock()
	return i.acceptSubmission(sub)
}

// NotifyWaiters wakes every acceptor blocked in Accept without
// resolving anything.
func (i *Interface) NotifyWaiters() {
	i.mutex.Lock()
	i.wakeGen++
	i.mutex.Unlock()
	i.cond.Broadcast()
}

func (i *Interface) popSubmissionLocked() *ConnectionSubmission {
	sub := i.submissions[0]
	i.submissions[0] = nil
	i.submissions = i.submissions[1:]
	return sub
}

// acceptSubmission materializes the connection: two fresh pipes, one
// per direction, cross-assigned so the server's outbound pipe is the
// client's inbound pipe and vice versa. The client socket resolves the
// submission, the server socket is returned to the acceptor. No third
// endpoint ever holds either pipe.
func (i *Interface) acceptSubmission(sub *ConnectionSubmission) *VirtualSocket {
	pipeIn := newPipe()
	pipeOut := newPipe()
	serverSocket := newVirtualSocket(pipeIn, pipeOut, virtualAddr(i.name))
	clientSocket := newVirtualSocket(pipeOut, pipeIn, virtualAddr(i.name))
	sub.setSocket(clientSocket)
	return serverSocket
}

// Close drops one reference to the interface. The last Close removes
// it from the registry, invalidates every pending submission, and
// wakes all blocked acceptors and connectors.
func (i *Interface) Close() error {
	registryMutex.Lock()
	if i.refs == 0 {
		registryMutex.Unlock()
		return net.ErrClosed
	}
	i.refs--
	last := i.refs == 0
	if last {
		delete(interfaceRegistry, i.name)
	}
	registryMutex.Unlock()
	if last {
		i.shut()
	}
	return nil
}

func (i *Interface) shut() {
	i.mutex.Lock()
	i.shutDown = true
	pending := i.submissions
	i.submissions = nil
	i.mutex.Unlock()
	i.cond.Broadcast()
	for _, sub := range pending {
		sub.invalidate()
	}
}

// The process-wide interface registry. It holds no references of its
// own: entries exist exactly while external holders do. One flat lock
// guards it, and it is never held across a blocking operation.
var (
	registryMutex     sync.Mutex
	interfaceRegistry = make(map[string]*Interface)
)

// ObtainInterface returns the live interface registered under name,
// sharing ownership with existing holders, or registers a new one.
// Lookup and registration are atomic: two concurrent obtains for the
// same name always agree on one instance. Each ObtainInterface must be
// balanced by a Close.
func ObtainInterface(name string) *Interface {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if intf, ok := interfaceRegistry[name]; ok {
		intf.refs++
		return intf
	}
	intf := newInterface(name)
	intf.refs = 1
	interfaceRegistry[name] = intf
	return intf
}

// RegisterInterface adds an externally constructed interface under its
// own name. The caller's reference counts as the first holder.
func RegisterInterface(intf *Interface) error {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if _, ok := interfaceRegistry[intf.name]; ok {
		return ErrNameCollision
	}
	intf.refs++
	interfaceRegistry[intf.name] = intf
	return nil
}

// UnregisterInterface force-removes a name from the registry.
func UnregisterInterface(name string) error {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if _, ok := interfaceRegistry[name]; !ok {
		return ErrInterfaceNotFound
	}
	delete(interfaceRegistry, name)
	return nil
}

// NewInterface constructs an unregistered interface, for use with
// RegisterInterface. Most callers want ObtainInterface instead.
func NewInterface(name string) *Interface { return newInterface(name) }
