// Package connmgr implements the connection manager (C7, spec §4.7): it
// turns (host, port, tls) into a ready fd by consulting the resolver's
// idle-socket pool first, otherwise constructing a fresh non-blocking
// socket, applying caller-supplied TCP options, and driving the connect to
// completion with a retry budget. Each worker owns exactly one Manager
// (spec §5, SPSC ownership).
package connmgr

import (
	"context"
	"time"

	"github.com/durner/anyblob-go/internal/cmap"
	"github.com/durner/anyblob-go/internal/config"
	"github.com/durner/anyblob-go/internal/resolver"
	"github.com/durner/anyblob-go/internal/tlsshim"
	"github.com/durner/anyblob-go/internal/xerrors"
	"github.com/durner/anyblob-go/internal/xlog"
	"golang.org/x/sys/unix"
)

const module = "connmgr"

// Manager owns one resolver cache, one live-fd registry, and one TLS
// session cache, and is not safe for concurrent use (spec §4.7, §5).
type Manager struct {
	cache    *resolver.ThroughputCache
	settings config.TCPSettings
	sessions *tlsshim.SessionCache

	// live is the live-socket map keyed by fd (spec §4.7: "register the fd
	// in the live-socket map"); sharded even though only this worker ever
	// touches it, because internal/cmap is the registry primitive used
	// everywhere else in the engine for this shape of lookup.
	live *cmap.Map[int32, *resolver.SocketEntry]
}

// New constructs a Manager using the given raw resolver, an optional
// address-priority policy (nil for none), TCP options, and the size of the
// per-worker TLS session-resumption cache.
func New(raw resolver.Resolver, policy resolver.Policy, settings config.TCPSettings, sessionCacheSize int) *Manager {
	return &Manager{
		cache:    resolver.NewThroughput(raw, policy),
		settings: settings,
		sessions: tlsshim.NewSessionCache(sessionCacheSize),
		live:     cmap.New[int32, *resolver.SocketEntry](16, cmap.HashFD()),
	}
}

// Connect resolves host:port (consulting the idle pool first), establishes
// a non-blocking TCP connection applying the manager's TCP options,
// retries on timeout/ECONNREFUSED up to settings.ConnectRetries, and
// registers the resulting fd in the live-socket map (spec §4.7).
func (m *Manager) Connect(ctx context.Context, host string, port int, useTLS bool) (*resolver.SocketEntry, error) {
	var lastErr error
	attempts := m.settings.ConnectRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		entry, err := m.cache.Resolve(ctx, host, port, useTLS)
		if err != nil {
			lastErr = xerrors.Wrap(xerrors.SocketCreate, err)
			continue
		}
		if entry.FD >= 0 {
			// Reused idle socket; nothing further to do.
			m.live.Insert(int32(entry.FD), entry)
			return entry, nil
		}

		fd, err := m.dial(entry.DNS.Addr, port)
		if err != nil {
			xlog.Warningln(module, "connect attempt failed", host, err)
			lastErr = xerrors.Wrap(xerrors.ConnectTimeout, err)
			continue
		}
		entry.FD = fd
		m.cache.StartSocket(entry)
		m.live.Insert(int32(fd), entry)
		return entry, nil
	}
	return nil, lastErr
}

// dial constructs a non-blocking socket with the manager's TCP settings,
// initiates a connect, and polls with a timeout, retrying at the syscall
// level is not attempted here (spec §4.7 delegates retry to Connect's
// outer loop so a retry can also re-resolve).
func (m *Manager) dial(addr []byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := m.applyTCPOptions(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	var sa unix.SockaddrInet4
	if len(addr) == 16 {
		// 16-byte net.IP form of an IPv4 address: the address is the last 4 bytes.
		addr = addr[12:]
	}
	copy(sa.Addr[:], addr)
	sa.Port = port

	err = unix.Connect(fd, &sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	timeoutMS := int(m.settings.Timeout / time.Millisecond)
	n, err := unix.Poll(pfd, timeoutMS)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if n == 0 {
		unix.Close(fd)
		return -1, unix.ETIMEDOUT
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if soErr != 0 {
		unix.Close(fd)
		return -1, unix.Errno(soErr)
	}
	return fd, nil
}

func (m *Manager) applyTCPOptions(fd int) error {
	s := m.settings
	if s.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	if s.KeepAlive > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return err
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(s.KeepAlive/time.Second))
	}
	if s.SendBufferSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, s.SendBufferSize)
	}
	if s.RecvBufferSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, s.RecvBufferSize)
	}
	if s.Linger >= 0 {
		_ = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: int32(s.Linger / time.Second)})
	}
	if s.UserTimeout > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(s.UserTimeout/time.Millisecond))
	}
	return nil
}

// Disconnect informs the resolver cache of the byte count transferred and
// either shuts the socket down and evicts the cache entries for its host and
// port (forceShutdown), or otherwise stashes it in the idle pool for reuse
// (spec §4.7). A socket that is not force-shut is never closed here.
func (m *Manager) Disconnect(entry *resolver.SocketEntry, bytes uint64, forceShutdown bool) {
	m.live.Erase(int32(entry.FD))
	if forceShutdown {
		unix.Shutdown(entry.FD, unix.SHUT_RDWR)
		unix.Close(entry.FD)
		m.cache.ShutdownSocket(entry)
		return
	}
	m.cache.StopSocket(entry, bytes, true)
}

// Sessions exposes the manager's TLS session-resumption cache so task code
// can hand it to tlsshim.Dial.
func (m *Manager) Sessions() *tlsshim.SessionCache { return m.sessions }
