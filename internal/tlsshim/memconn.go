// Package tlsshim drives a crypto/tls handshake and record layer over an
// async iosock.Socket instead of a blocking net.Conn (spec §4.6). Go's
// crypto/tls is itself a userspace TLS engine with no bio-pair primitive to
// drive manually, so this package reproduces the ferry-through-memory
// contract with an in-process net.Conn adapter whose bytes Conn's
// pumpOutbound/pumpInbound ferry to and from the socket on the caller's
// goroutine.
package tlsshim

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// memConn is a net.Conn backed by two in-memory buffers, standing in for
// the original's internal_bio/network_bio pair. Writes from the local side
// (crypto/tls) land in outbound; reads drain inbound, which
// Conn.pumpInbound in conn.go fills.
type memConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	outbound bytes.Buffer
	inbound  bytes.Buffer
	closed   bool

	localAddr, remoteAddr net.Addr
}

func newMemConn() *memConn {
	m := &memConn{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Read implements net.Conn by draining inbound, blocking until
// Conn.pumpInbound has filled it via feedInbound, or the connection is closed.
func (m *memConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.inbound.Len() == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.inbound.Len() == 0 && m.closed {
		return 0, io.EOF
	}
	return m.inbound.Read(b)
}

// Write implements net.Conn by appending to outbound, which
// Conn.pumpOutbound drains via drainOutbound.
func (m *memConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := m.outbound.Write(b)
	m.cond.Broadcast()
	return n, err
}

// Close marks the conn closed, waking any blocked Read.
func (m *memConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

func (m *memConn) LocalAddr() net.Addr  { return m.localAddr }
func (m *memConn) RemoteAddr() net.Addr { return m.remoteAddr }

// Deadlines are managed by the pump's interaction with iosock.Socket, not
// by memConn itself; crypto/tls never calls these directly because the
// shim never hands a deadline-aware path through to the in-memory pipe.
func (m *memConn) SetDeadline(time.Time) error      { return nil }
func (m *memConn) SetReadDeadline(time.Time) error  { return nil }
func (m *memConn) SetWriteDeadline(time.Time) error { return nil }

// drainOutbound removes and returns up to max bytes crypto/tls has queued
// to send, or nil if nothing is pending.
func (m *memConn) drainOutbound(max int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outbound.Len() == 0 {
		return nil
	}
	n := m.outbound.Len()
	if n > max {
		n = max
	}
	buf := make([]byte, n)
	_, _ = m.outbound.Read(buf)
	return buf
}

// feedInbound appends ciphertext read off the wire so crypto/tls's next
// Read call can consume it.
func (m *memConn) feedInbound(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound.Write(b)
	m.cond.Broadcast()
}
