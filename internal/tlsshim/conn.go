package tlsshim

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/durner/anyblob-go/internal/iosock"
	"github.com/durner/anyblob-go/internal/xerrors"
	"github.com/durner/anyblob-go/internal/xlog"
)

const module = "tlsshim"

// StepResult mirrors the three-way progress contract the original bio-pair
// process() loop reports at each step, so the owning task's state machine
// can single-step through the handshake instead of blocking a goroutine on
// it (spec §4.6).
type StepResult int

const (
	// Progress means bytes moved but the handshake/record isn't finished.
	Progress StepResult = iota
	// Finished means the requested operation (handshake, or this
	// Send/Recv) fully completed.
	Finished
	// Aborted means a TLS alert or unrecoverable error ended the
	// connection.
	Aborted
)

// SessionCache is an LRU-backed tls.ClientSessionCache, sized per worker so
// the Design Note "Global TLS context" is satisfied: each connection
// manager owns its own cache instance instead of a package global.
type SessionCache struct {
	tls.ClientSessionCache
}

// NewSessionCache constructs a resumption cache with the given capacity.
func NewSessionCache(capacity int) *SessionCache {
	return &SessionCache{ClientSessionCache: tls.NewLRUClientSessionCache(capacity)}
}

// Conn drives one TLS connection's handshake and record layer over an
// iosock.Socket, through an in-memory net.Conn adapter that pumpOutbound/
// pumpInbound ferry to and from the socket on the caller's goroutine; a
// background goroutine only runs tlsConn.HandshakeContext (spec §4.6).
type Conn struct {
	tlsConn *tls.Conn
	mem     *memConn
	sock    iosock.Socket
	fd      int

	readBuf [16 << 10]byte

	handshook        bool
	handshakeStarted bool
	handshakeDone    chan handshakeResult
}

type handshakeResult struct {
	err error
}

// Dial wraps an already-connected fd with TLS, using serverName for SNI and
// certificate verification and cache for session resumption.
func Dial(sock iosock.Socket, fd int, serverName string, cache *SessionCache) *Conn {
	mem := newMemConn()
	cfg := &tls.Config{ServerName: serverName}
	if cache != nil {
		cfg.ClientSessionCache = cache
	}
	c := &Conn{
		mem:  mem,
		sock: sock,
		fd:   fd,
	}
	c.tlsConn = tls.Client(mem, cfg)
	return c
}

// pumpOutbound drains whatever crypto/tls queued into memConn and submits
// it as one async send, exactly as the original's process() loop "drains
// outbound, then fills inbound" (spec §4.6).
func (c *Conn) pumpOutbound() error {
	out := c.mem.drainOutbound(64 << 10)
	if len(out) == 0 {
		return nil
	}
	req := &iosock.Request{FD: c.fd, Buf: out}
	c.sock.PrepSend(req)
	if _, err := c.sock.Submit(); err != nil {
		return err
	}
	done, err := c.sock.Complete()
	if err != nil {
		return err
	}
	if done.Length < 0 {
		return xerrors.Wrap(xerrors.Send, errnoError(done.Length))
	}
	return nil
}

// pumpInbound performs one recv, waiting for its completion in Complete,
// and feeds whatever arrived into memConn for crypto/tls to consume next.
func (c *Conn) pumpInbound() error {
	req := &iosock.Request{FD: c.fd, Buf: c.readBuf[:]}
	c.sock.PrepRecv(req)
	if _, err := c.sock.Submit(); err != nil {
		return err
	}
	done, err := c.sock.Complete()
	if err != nil {
		return err
	}
	if done.Length < 0 {
		if done.Length == iosock.EAGAIN {
			return nil
		}
		return xerrors.Wrap(xerrors.Recv, errnoError(done.Length))
	}
	if done.Length == 0 {
		c.mem.Close()
		return nil
	}
	c.mem.feedInbound(c.readBuf[:done.Length])
	return nil
}

// Handshake single-steps the TLS handshake: flush whatever crypto/tls has
// queued to send, wait for at most one more chunk off the wire, and report
// Finished once tlsConn.HandshakeContext has returned. Each call performs
// at most one send and one receive and then returns, never the whole
// handshake (spec §4.6). Both wait for their completion in
// iosock.Socket.Complete, so a call blocks the calling goroutine until the
// socket has completed them; Progress means only that the handshake has not
// finished yet.
func (c *Conn) Handshake(ctx context.Context) (StepResult, error) {
	if c.handshook {
		return Finished, nil
	}
	if !c.handshakeStarted {
		c.handshakeStarted = true
		c.handshakeDone = make(chan handshakeResult, 1)
		go func() {
			c.handshakeDone <- handshakeResult{err: c.tlsConn.HandshakeContext(ctx)}
		}()
	}

	if done, result, err := c.checkHandshakeDone(); done {
		return result, err
	}

	if err := c.pumpOutbound(); err != nil {
		return Aborted, err
	}
	if done, result, err := c.checkHandshakeDone(); done {
		return result, err
	}

	if err := c.pumpInbound(); err != nil {
		return Aborted, err
	}
	return Progress, nil
}

// checkHandshakeDone is a non-blocking peek at the background handshake
// goroutine's result channel. done is true only once the goroutine has
// actually signaled, in which case result/err are Handshake's return value.
func (c *Conn) checkHandshakeDone() (done bool, result StepResult, err error) {
	select {
	case r := <-c.handshakeDone:
		if r.err != nil {
			xlog.Errorf("%s: tls handshake failed: %v", module, r.err)
			return true, Aborted, xerrors.Wrap(xerrors.TLS, r.err)
		}
		c.handshook = true
		if err := c.pumpOutbound(); err != nil {
			return true, Aborted, err
		}
		return true, Finished, nil
	default:
		return false, 0, nil
	}
}

// Send writes p through the TLS record layer and ferries the resulting
// ciphertext to the wire, returning Finished once all of p is consumed.
func (c *Conn) Send(p []byte) (StepResult, error) {
	n, err := c.tlsConn.Write(p)
	if err != nil {
		return Aborted, xerrors.Wrap(xerrors.Send, err)
	}
	if err := c.pumpOutbound(); err != nil {
		return Aborted, err
	}
	if n < len(p) {
		return Progress, nil
	}
	return Finished, nil
}

// Recv reads decrypted application bytes into p, pumping wire ciphertext in
// as needed. It returns Progress if zero bytes were available yet without
// the peer closing.
func (c *Conn) Recv(p []byte) (StepResult, int, error) {
	if err := c.pumpInbound(); err != nil {
		return Aborted, 0, err
	}
	n, err := c.tlsConn.Read(p)
	if err != nil {
		if err == io.EOF {
			return Finished, n, nil
		}
		return Aborted, n, xerrors.Wrap(xerrors.TLS, err)
	}
	if n == 0 {
		return Progress, 0, nil
	}
	return Finished, n, nil
}

// Shutdown sends a close_notify alert and ferries it to the wire.
func (c *Conn) Shutdown() (StepResult, error) {
	if err := c.tlsConn.CloseWrite(); err != nil {
		return Aborted, xerrors.Wrap(xerrors.TLS, err)
	}
	if err := c.pumpOutbound(); err != nil {
		return Aborted, err
	}
	return Finished, nil
}

func errnoError(code int) error {
	return &errnoErr{code: code}
}

type errnoErr struct{ code int }

func (e *errnoErr) Error() string { return "socket errno" }
