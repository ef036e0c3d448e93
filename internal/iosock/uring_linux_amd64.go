//go:build linux && amd64

package iosock

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func atomicLoad(p *uint32) uint32  { return atomic.LoadUint32(p) }
func atomicStore(p *uint32, v uint32) { atomic.StoreUint32(p, v) }

// Raw io_uring syscall numbers (x86_64 Linux, stable since kernel 5.1).
// Confined to amd64 because the numbers are architecture-specific; other
// Linux architectures use the poll(2) fallback (uring_linux_other.go).
const (
	sysIoUringSetup    = 425
	sysIoUringEnter    = 426
	sysIoUringRegister = 427
)

const (
	ioringOpSend = 26
	ioringOpRecv = 27

	ioringEnterGetevents = 1 << 0
	ioringFeatSingleMmap = 1 << 0
	ioringOffSqRing      = 0
	ioringOffCqRing      = 0x8000000
	ioringOffSqes        = 0x10000000
)

type ioSqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                           uint64
}

type ioCqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, Cqes uint32
	Flags                                             uint32
	Resv1                                             uint32
	Resv2                                             uint64
}

type ioUringParams struct {
	SqEntries, CqEntries, Flags, SqThreadCPU, SqThreadIdle, Features, WqFd uint32
	Resv                                                                  [3]uint32
	SqOff                                                                 ioSqringOffsets
	CqOff                                                                 ioCqringOffsets
}

type ioUringSQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	FD          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	_pad        [3]uint64
}

type ioUringCQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func ioUringSetup(entries uint32, p *ioUringParams) (int, error) {
	fd, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func ioUringEnter(fd int, toSubmit, minComplete, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// URingSocket drives the send/recv exchange through a Linux io_uring
// instance (spec §4.5). It does not apply Request.Timeout: a request
// prepared with WithTimeout is submitted without a linked timeout, so its
// Length is never set to ETIMEDOUT by this backend.
type URingSocket struct {
	fd       int
	params   ioUringParams
	ringMem  []byte
	sqeMem   []byte

	sqHead, sqTail, sqMask, sqArray *uint32
	sqes                            []ioUringSQE

	cqHead, cqTail, cqMask *uint32
	cqes                   []ioUringCQE

	mu      sync.Mutex
	inFlight map[uint64]*Request
	nextTicket uint64
	toSubmit int
	done     []*Request
}

// NewURing constructs a URingSocket with the given submission-queue depth,
// which must be a power of two. It returns (nil, err) if the kernel lacks
// io_uring support (old kernel, seccomp filter, or container restriction),
// so callers can fall back to the poll(2) backend (spec §4.5).
func NewURing(entries uint32) (*URingSocket, error) {
	var params ioUringParams
	fd, err := ioUringSetup(entries, &params)
	if err != nil {
		return nil, errors.Wrap(err, "iosock: io_uring_setup")
	}
	if params.Features&ioringFeatSingleMmap == 0 {
		unix.Close(fd)
		return nil, errors.New("iosock: kernel lacks IORING_FEAT_SINGLE_MMAP")
	}

	pageSize := uint32(unix.Getpagesize())
	sqRingSize := params.SqOff.Array + params.SqEntries*4
	cqRingSize := params.CqOff.Cqes + params.CqEntries*uint32(unsafe.Sizeof(ioUringCQE{}))
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ringMem, err := unix.Mmap(fd, ioringOffSqRing, int(ringSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "iosock: mmap sq/cq ring")
	}

	sqeSize := params.SqEntries * uint32(unsafe.Sizeof(ioUringSQE{}))
	sqeMem, err := unix.Mmap(fd, ioringOffSqes, int(sqeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(ringMem)
		unix.Close(fd)
		return nil, errors.Wrap(err, "iosock: mmap sqe array")
	}

	u := &URingSocket{
		fd:       fd,
		params:   params,
		ringMem:  ringMem,
		sqeMem:   sqeMem,
		inFlight: make(map[uint64]*Request),
	}
	u.sqHead = (*uint32)(unsafe.Pointer(&ringMem[params.SqOff.Head]))
	u.sqTail = (*uint32)(unsafe.Pointer(&ringMem[params.SqOff.Tail]))
	u.sqMask = (*uint32)(unsafe.Pointer(&ringMem[params.SqOff.RingMask]))
	u.sqArray = (*uint32)(unsafe.Pointer(&ringMem[params.SqOff.Array]))
	u.sqes = unsafe.Slice((*ioUringSQE)(unsafe.Pointer(&sqeMem[0])), params.SqEntries)

	u.cqHead = (*uint32)(unsafe.Pointer(&ringMem[params.CqOff.Head]))
	u.cqTail = (*uint32)(unsafe.Pointer(&ringMem[params.CqOff.Tail]))
	u.cqMask = (*uint32)(unsafe.Pointer(&ringMem[params.CqOff.RingMask]))
	u.cqes = unsafe.Slice((*ioUringCQE)(unsafe.Pointer(&ringMem[params.CqOff.Cqes])), params.CqEntries)

	return u, nil
}

func (u *URingSocket) prep(req *Request, opcode uint8) {
	u.mu.Lock()
	defer u.mu.Unlock()

	tail := atomicLoad(u.sqTail)
	mask := atomicLoad(u.sqMask)
	idx := tail & mask

	u.nextTicket++
	ticket := u.nextTicket
	u.inFlight[ticket] = req

	sqe := &u.sqes[idx]
	*sqe = ioUringSQE{
		Opcode:   opcode,
		FD:       int32(req.FD),
		Addr:     uint64(uintptr(unsafe.Pointer(&req.Buf[0]))),
		Len:      uint32(len(req.Buf)),
		UserData: ticket,
	}
	arrIdx := tail & mask
	arrPtr := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(u.sqArray)) + uintptr(arrIdx)*4))
	*arrPtr = idx

	atomicStore(u.sqTail, tail+1)
	u.toSubmit++
}

// PrepSend implements Socket.
func (u *URingSocket) PrepSend(req *Request) {
	req.Dir = Write
	u.prep(req, ioringOpSend)
}

// PrepRecv implements Socket.
func (u *URingSocket) PrepRecv(req *Request) {
	req.Dir = Read
	u.prep(req, ioringOpRecv)
}

// Submit flushes the ring, returning the number of entries the kernel
// accepted (spec §4.5).
func (u *URingSocket) Submit() (int, error) {
	u.mu.Lock()
	n := u.toSubmit
	u.toSubmit = 0
	u.mu.Unlock()
	if n == 0 {
		return 0, nil
	}
	submitted, err := ioUringEnter(u.fd, uint32(n), 0, 0)
	if err != nil {
		return submitted, errors.Wrap(err, "iosock: io_uring_enter")
	}
	return submitted, nil
}

// reap drains completion queue entries into the done slice, resolving each
// back to its Request via the ticket stashed in user-data.
func (u *URingSocket) reap(max int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	head := atomicLoad(u.cqHead)
	tail := atomicLoad(u.cqTail)
	mask := atomicLoad(u.cqMask)
	for head != tail && (max <= 0 || len(u.done) < max) {
		cqe := u.cqes[head&mask]
		if req, ok := u.inFlight[cqe.UserData]; ok {
			req.Length = int(cqe.Res)
			u.done = append(u.done, req)
			delete(u.inFlight, cqe.UserData)
		}
		head++
	}
	atomicStore(u.cqHead, head)
}

// Complete blocks for one completion (spec §4.5).
func (u *URingSocket) Complete() (*Request, error) {
	for {
		u.reap(0)
		u.mu.Lock()
		if len(u.done) > 0 {
			r := u.done[0]
			u.done = u.done[1:]
			u.mu.Unlock()
			return r, nil
		}
		u.mu.Unlock()
		if _, err := ioUringEnter(u.fd, 0, 1, ioringEnterGetevents); err != nil {
			return nil, errors.Wrap(err, "iosock: io_uring_enter wait")
		}
	}
}

// Peek returns a completion without blocking (spec §4.5).
func (u *URingSocket) Peek() (*Request, bool) {
	u.reap(0)
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.done) == 0 {
		return nil, false
	}
	r := u.done[0]
	u.done = u.done[1:]
	return r, true
}

// ReapMany drains up to n completions without re-submitting (spec §4.5).
func (u *URingSocket) ReapMany(n int) []*Request {
	u.reap(n)
	u.mu.Lock()
	defer u.mu.Unlock()
	if n > len(u.done) {
		n = len(u.done)
	}
	out := u.done[:n]
	u.done = u.done[n:]
	return out
}

// Close releases the ring's mmap'd regions and the io_uring fd.
func (u *URingSocket) Close() error {
	var firstErr error
	if u.ringMem != nil {
		if err := unix.Munmap(u.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if u.sqeMem != nil {
		if err := unix.Munmap(u.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(u.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// NewAuto probes for io_uring support and falls back to the poll(2) backend
// transparently when unavailable (SPEC_FULL §4.5).
func NewAuto() (Socket, Backend, error) {
	u, err := NewURing(256)
	if err == nil {
		return u, BackendURing, nil
	}
	p, perr := NewPoll()
	if perr != nil {
		return nil, BackendPoll, perr
	}
	return p, BackendPoll, nil
}
