//go:build !windows

package iosock

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PollSocket is the poll(2)-based fallback backend (spec §4.5). It is
// usable on any platform golang.org/x/sys/unix supports, and is always
// chosen on non-Linux platforms; on Linux it is chosen automatically when
// io_uring setup fails (old kernel, seccomp, container restrictions).
type PollSocket struct {
	pending []*pollReq
	done    []*Request

	// defaultPoll bounds how long a single Submit's poll(2) call blocks
	// when no request specifies its own timeout.
	defaultPoll time.Duration
}

type pollReq struct {
	req     *Request
	started time.Time
}

// NewPoll constructs a PollSocket.
func NewPoll() (*PollSocket, error) {
	return &PollSocket{defaultPoll: 50 * time.Millisecond}, nil
}

// PrepSend implements Socket.
func (p *PollSocket) PrepSend(req *Request) {
	req.Dir = Write
	p.pending = append(p.pending, &pollReq{req: req, started: time.Now()})
}

// PrepRecv implements Socket.
func (p *PollSocket) PrepRecv(req *Request) {
	req.Dir = Read
	p.pending = append(p.pending, &pollReq{req: req, started: time.Now()})
}

// Submit drives every pending request one step: it polls all pending fds
// for readiness, performs a single non-blocking read/write for each ready
// fd, and moves finished requests (success, hard error, or elapsed
// deadline) into the completed queue. Requests that are not yet ready stay
// pending for the next Submit/Complete call (spec §4.5).
func (p *PollSocket) Submit() (int, error) {
	if len(p.pending) == 0 {
		return 0, nil
	}

	fds := make([]unix.PollFd, len(p.pending))
	for i, pr := range p.pending {
		var events int16 = unix.POLLIN
		if pr.req.Dir == Write {
			events = unix.POLLOUT
		}
		fds[i] = unix.PollFd{Fd: int32(pr.req.FD), Events: events}
	}

	timeoutMS := int(p.defaultPoll / time.Millisecond)
	if timeoutMS <= 0 {
		timeoutMS = 1
	}
	n, err := unix.Poll(fds, timeoutMS)
	if err != nil && err != unix.EINTR {
		return 0, errors.Wrap(err, "iosock: poll")
	}

	submitted := len(p.pending)
	remaining := p.pending[:0]
	for i, pr := range p.pending {
		switch {
		case n > 0 && fds[i].Revents&(unix.POLLIN|unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0:
			p.perform(pr)
			p.done = append(p.done, pr.req)
		case pr.deadlineExceeded():
			pr.req.Length = ETIMEDOUT
			p.done = append(p.done, pr.req)
		default:
			remaining = append(remaining, pr)
		}
	}
	p.pending = remaining
	return submitted, nil
}

// deadlineExceeded reports whether a timed request (prepared via
// Request.WithTimeout) has been pending longer than its timeout.
func (pr *pollReq) deadlineExceeded() bool {
	if !pr.req.hasDeadline {
		return false
	}
	return time.Since(pr.started) > pr.req.Timeout
}

func (p *PollSocket) perform(pr *pollReq) {
	req := pr.req
	if req.Dir == Write {
		n, err := unix.Write(req.FD, req.Buf)
		req.Length = syscallResult(n, err)
		return
	}
	n, err := unix.Read(req.FD, req.Buf)
	req.Length = syscallResult(n, err)
}

func syscallResult(n int, err error) int {
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return -int(errno)
		}
		return -1
	}
	return n
}

// Complete blocks, repeatedly calling Submit, until at least one completion
// is available, then pops and returns it (spec §4.5).
func (p *PollSocket) Complete() (*Request, error) {
	for len(p.done) == 0 {
		if _, err := p.Submit(); err != nil {
			return nil, err
		}
		if len(p.pending) == 0 {
			return nil, errors.New("iosock: complete() called with nothing pending")
		}
	}
	return p.pop(), nil
}

// Peek attempts one non-blocking progress step and returns a completion if
// one is ready (spec §4.5).
func (p *PollSocket) Peek() (*Request, bool) {
	if len(p.done) == 0 {
		_, _ = p.Submit()
	}
	if len(p.done) == 0 {
		return nil, false
	}
	return p.pop(), true
}

// ReapMany drains up to n completions without re-submitting (spec §4.5).
func (p *PollSocket) ReapMany(n int) []*Request {
	if n > len(p.done) {
		n = len(p.done)
	}
	out := p.done[:n]
	p.done = p.done[n:]
	return out
}

func (p *PollSocket) pop() *Request {
	r := p.done[0]
	p.done = p.done[1:]
	return r
}

// Close releases PollSocket resources. There are none beyond Go-managed
// memory, so this is a no-op that satisfies the Socket interface.
func (p *PollSocket) Close() error { return nil }
