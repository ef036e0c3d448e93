// Package httptask implements the per-request HTTP(S) message task (C8,
// spec §4.8), the state machine that drives one request to completion over
// a non-blocking socket: Init → [TlsHandshake] → InitSending → Sending →
// InitReceiving → Receiving → [TlsShutdown] → Finished, with retry on
// transient failure back to Init, and Aborted once the failure counter
// exceeds xerrors.FailuresMax.
package httptask

import (
	"context"
	"time"

	"github.com/durner/anyblob-go/internal/buffer"
	"github.com/durner/anyblob-go/internal/connmgr"
	"github.com/durner/anyblob-go/internal/httphelper"
	"github.com/durner/anyblob-go/internal/iosock"
	"github.com/durner/anyblob-go/internal/resolver"
	"github.com/durner/anyblob-go/internal/tlsshim"
	"github.com/durner/anyblob-go/internal/xerrors"
)

// State is the task's current position in the state machine (spec §4.8).
// It is a plain int32 for cheap logging, matching the MessageState idiom
// used by the task/worker layer throughout the engine.
type State int32

const (
	Init State = iota
	TlsHandshake
	InitSending
	Sending
	InitReceiving
	Receiving
	TlsShutdown
	Finished
	Aborted
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case TlsHandshake:
		return "TlsHandshake"
	case InitSending:
		return "InitSending"
	case Sending:
		return "Sending"
	case InitReceiving:
		return "InitReceiving"
	case Receiving:
		return "Receiving"
	case TlsShutdown:
		return "TlsShutdown"
	case Finished:
		return "Finished"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Request is the outbound HTTP request this task sends verbatim: header
// bytes produced by the provider layer, and an optional PUT body (spec
// §4.8, §6: "Request bytes are produced by the provider").
type Request struct {
	Host   string
	Port   int
	TLS    bool
	Header []byte
	Body   []byte
}

// Result is what the caller receives once the task reaches Finished: the
// response bytes, the parsed preamble Info, and the accumulated
// FailureCode across every retry attempted (spec §4.8, §3).
type Result struct {
	Buf         *buffer.Buffer
	Offset      int
	Size        int
	Info        httphelper.Info
	FailureCode xerrors.Code
}

// Task drives one Request to completion. It holds no goroutine of its own:
// Step is invoked by the owning worker whenever progress is possible,
// mirroring the original's "coroutine without a stack" (spec §4.8).
type Task struct {
	req Request
	mgr *connmgr.Manager
	chunkSize int

	state    State
	failures int

	entry *resolver.SocketEntry
	sock  iosock.Socket
	tls   *tlsshim.Conn

	sendOffset    int
	receiveOffset int
	recvBuf       *buffer.Buffer
	info          httphelper.Info
	infoKnown     bool

	failureCode xerrors.Code
}

// New constructs a Task bound to req, using mgr for connection acquisition,
// sock for async I/O, and chunkSize as the per-operation slice bound (spec
// §4.1/§4.8).
func New(req Request, mgr *connmgr.Manager, sock iosock.Socket, chunkSize int) *Task {
	return &Task{
		req:       req,
		mgr:       mgr,
		sock:      sock,
		chunkSize: chunkSize,
		state:     Init,
		recvBuf:   buffer.WithCapacity(chunkSize),
	}
}

// State returns the task's current state, for the worker's dispatch loop.
func (t *Task) State() State { return t.state }

// Step drives the task forward by exactly one unit of work: it returns
// once either a new async operation has been submitted (the worker should
// move on to other tasks and revisit this one when its completion arrives)
// or the task has reached Finished/Aborted.
func (t *Task) Step(ctx context.Context) (State, error) {
	switch t.state {
	case Init:
		return t.stepInit(ctx)
	case TlsHandshake:
		return t.stepTlsHandshake(ctx)
	case InitSending, Sending:
		return t.stepSend()
	case InitReceiving, Receiving:
		return t.stepReceive()
	case TlsShutdown:
		return t.stepTlsShutdown()
	default:
		return t.state, nil
	}
}

func (t *Task) stepInit(ctx context.Context) (State, error) {
	entry, err := t.mgr.Connect(ctx, t.req.Host, t.req.Port, t.req.TLS)
	if err != nil {
		t.failureCode = t.failureCode.Set(xerrors.SocketCreate)
		return t.reset(true)
	}
	t.entry = entry
	t.sendOffset = 0

	if t.req.TLS {
		t.tls = tlsshim.Dial(t.sock, entry.FD, t.req.Host, t.mgr.Sessions())
		t.state = TlsHandshake
		return t.stepTlsHandshake(ctx)
	}
	t.state = InitSending
	return t.stepSend()
}

func (t *Task) stepTlsHandshake(ctx context.Context) (State, error) {
	result, err := t.tls.Handshake(ctx)
	if err != nil {
		t.failureCode = t.failureCode.Set(xerrors.TLS)
		return t.reset(true)
	}
	if result != tlsshim.Finished {
		return t.state, nil
	}
	t.state = InitSending
	return t.stepSend()
}

// nextSendSlice returns the next unsent bytes: header first, then body
// (spec §4.8: "first drain the request-header bytes, then ... the body").
func (t *Task) nextSendSlice() []byte {
	total := append(append([]byte(nil), t.req.Header...), t.req.Body...)
	if t.sendOffset >= len(total) {
		return nil
	}
	end := t.sendOffset + t.chunkSize
	if end > len(total) {
		end = len(total)
	}
	return total[t.sendOffset:end]
}

func (t *Task) totalSendLen() int { return len(t.req.Header) + len(t.req.Body) }

func (t *Task) stepSend() (State, error) {
	t.state = Sending
	slice := t.nextSendSlice()
	if slice == nil {
		t.state = InitReceiving
		return t.stepReceive()
	}

	var n int
	var err error
	if t.tls != nil {
		_, err = t.tls.Send(slice)
		n = len(slice)
	} else {
		n, err = t.rawSend(slice)
	}
	if err != nil {
		if isRetryableErrno(n) {
			return t.state, nil
		}
		t.failureCode = t.failureCode.Set(classifySendErr(n))
		return t.reset(false)
	}

	t.sendOffset += n
	if t.sendOffset >= t.totalSendLen() {
		t.state = InitReceiving
		return t.stepReceive()
	}
	return t.state, nil
}

func (t *Task) rawSend(slice []byte) (int, error) {
	req := &iosock.Request{FD: t.entry.FD, Buf: slice}
	if t.chunkSize > 0 && len(slice) <= t.chunkSize {
		req2 := req.WithTimeout(defaultKernelTimeout)
		t.sock.PrepSend(&req2)
	} else {
		t.sock.PrepSend(req)
	}
	if _, err := t.sock.Submit(); err != nil {
		return 0, err
	}
	done, err := t.sock.Complete()
	if err != nil {
		return 0, err
	}
	if done.Length < 0 {
		return done.Length, errnoSentinel(done.Length)
	}
	return done.Length, nil
}

// stepReceive ensures the receive buffer has room (growing geometrically
// once Content-Length is known), issues one recv, and checks for
// completion via the HTTP helper (spec §4.8).
func (t *Task) stepReceive() (State, error) {
	t.state = Receiving
	if t.infoKnown && t.info.HasContentLength {
		predicted := t.info.HeaderLength + int(t.info.ContentLength)
		target := predicted + t.chunkSize
		if grown := int(float64(t.recvBuf.Capacity()) * 1.5); grown > target {
			target = grown
		}
		if target > t.recvBuf.Capacity() {
			_ = t.recvBuf.Grow(target)
		}
	}
	if t.recvBuf.Capacity()-t.receiveOffset < t.chunkSize {
		_ = t.recvBuf.Grow(t.recvBuf.Capacity() + t.chunkSize)
	}
	// Resize extends the buffer's used length to cover the next chunk so
	// Data() yields an addressable slot; it is shrunk back to the actual
	// bytes received just below.
	_ = t.recvBuf.Resize(t.receiveOffset + t.chunkSize)
	slot := t.recvBuf.Data()[t.receiveOffset : t.receiveOffset+t.chunkSize]

	var n int
	var err error
	if t.tls != nil {
		var result tlsshim.StepResult
		result, n, err = t.tls.Recv(slot)
		if err == nil && result == tlsshim.Progress {
			return t.state, nil
		}
	} else {
		n, err = t.rawRecv(slot)
	}
	if err != nil {
		_ = t.recvBuf.Resize(t.receiveOffset)
		if isRetryableErrno(n) {
			return t.state, nil
		}
		t.failureCode = t.failureCode.Set(classifyRecvErr(n))
		return t.reset(false)
	}
	if n == 0 {
		_ = t.recvBuf.Resize(t.receiveOffset)
		t.failureCode = t.failureCode.Set(xerrors.Empty)
		return t.reset(false)
	}

	t.receiveOffset += n
	_ = t.recvBuf.Resize(t.receiveOffset)
	if !t.infoKnown {
		if info, ok, perr := httphelper.Detect(t.recvBuf.Data()[:t.receiveOffset]); perr != nil {
			t.failureCode = t.failureCode.Set(xerrors.HTTPProtocol)
			return t.reset(true)
		} else if ok {
			t.info = info
			t.infoKnown = true
		}
	}
	if t.infoKnown && httphelper.Finished(t.recvBuf.Data(), t.receiveOffset, t.info) {
		if t.req.TLS {
			t.state = TlsShutdown
			return t.stepTlsShutdown()
		}
		return t.finish()
	}
	return t.state, nil
}

func (t *Task) rawRecv(slot []byte) (int, error) {
	req := &iosock.Request{FD: t.entry.FD, Buf: slot}
	req2 := req.WithTimeout(defaultKernelTimeout)
	t.sock.PrepRecv(&req2)
	if _, err := t.sock.Submit(); err != nil {
		return 0, err
	}
	done, err := t.sock.Complete()
	if err != nil {
		return 0, err
	}
	if done.Length < 0 {
		return done.Length, errnoSentinel(done.Length)
	}
	return done.Length, nil
}

func (t *Task) stepTlsShutdown() (State, error) {
	result, err := t.tls.Shutdown()
	if err != nil {
		// A failed shutdown is retried once before being declared
		// Aborted (spec §4.6).
		if t.failures == 0 {
			t.failures++
			return t.state, nil
		}
		t.failureCode = t.failureCode.Set(xerrors.TLS)
		t.state = Aborted
		return t.state, err
	}
	if result != tlsshim.Finished {
		return t.state, nil
	}
	return t.finish()
}

func (t *Task) finish() (State, error) {
	t.mgr.Disconnect(t.entry, uint64(t.receiveOffset), false)
	t.state = Finished
	return t.state, nil
}

// reset clears the receive buffer, zeroes both offsets, disconnects
// requesting shutdown, and either re-enters Init or transitions to Aborted
// once the failure counter exceeds the retry ceiling (spec §4.8).
// reset clears per-attempt state and either re-enters Init (transient
// failure) or moves to Aborted. fatal is set by callers for the
// non-retryable conditions spec §7 names directly (socket acquisition
// failure, a TLS failure surviving one reinit): those abort without
// consuming the normal retry budget and do not set RetryExhausted, since
// that bit specifically marks "failures exceeded the ceiling" (spec §7:
// "failures > 8 → bit RetryExhausted set"). Every other caller passes
// fatal=false and relies on the failures counter alone.
func (t *Task) reset(fatal bool) (State, error) {
	t.receiveOffset = 0
	t.sendOffset = 0
	t.recvBuf.Clear()
	t.infoKnown = false
	if t.entry != nil {
		t.mgr.Disconnect(t.entry, 0, true)
		t.entry = nil
	}
	t.tls = nil

	t.failures++
	if fatal {
		t.state = Aborted
		return t.state, xerrors.Wrap(t.failureCode, nil)
	}
	if t.failures > xerrors.FailuresMax {
		t.failureCode = t.failureCode.Set(xerrors.RetryExhausted)
		t.state = Aborted
		return t.state, xerrors.Wrap(t.failureCode, nil)
	}
	t.state = Init
	return t.state, nil
}

// Result builds the caller-visible Result once the task has reached
// Finished or Aborted.
func (t *Task) Result() Result {
	return Result{
		Buf:         t.recvBuf,
		Offset:      t.info.HeaderLength,
		Size:        t.receiveOffset - t.info.HeaderLength,
		Info:        t.info,
		FailureCode: t.failureCode,
	}
}

func isRetryableErrno(length int) bool {
	return length == iosock.EAGAIN || length == iosock.EINPROGRESS
}

func classifySendErr(length int) xerrors.Code {
	if length == iosock.ETIMEDOUT {
		return xerrors.Timeout
	}
	return xerrors.Send
}

func classifyRecvErr(length int) xerrors.Code {
	if length == iosock.ETIMEDOUT {
		return xerrors.Timeout
	}
	return xerrors.Recv
}

func errnoSentinel(code int) error { return sentinelErr(code) }

type sentinelErr int

func (e sentinelErr) Error() string { return "socket errno" }

// defaultKernelTimeout bounds a single send/recv kernel operation (spec
// §4.8: "prep_send_to(kernel_timeout)"); it is deliberately short relative
// to the task's overall retry budget so a stalled peer is detected quickly.
const defaultKernelTimeout = 5 * time.Second
