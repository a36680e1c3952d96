package tlssock

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Socket abstracts the underlying byte-stream transport a Channel
// borrows.  Timeout encodes the three I/O modes: negative means
// blocking, zero means nonblocking, positive is a per-operation bound.
// Alive stands in for a weak reference to the transport: once it
// reports false every Channel operation fails with the no-socket
// classification without touching the engine.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Fd() int
	Timeout() time.Duration
	SetTimeout(d time.Duration)
	Alive() bool
	Close() error
}

// sockState is the outcome of a readiness wait.
type sockState int

const (
	sockOperationOK sockState = iota
	sockIsBlocking
	sockIsNonblocking
	sockTimedOut
	sockClosed
	sockTooLarge
	sockWaitFailed
)

func (s sockState) String() string {
	switch s {
	case sockOperationOK:
		return "ok"
	case sockIsBlocking:
		return "blocking"
	case sockIsNonblocking:
		return "nonblocking"
	case sockTimedOut:
		return "timed-out"
	case sockClosed:
		return "closed"
	case sockTooLarge:
		return "too-large"
	case sockWaitFailed:
		return "wait-failed"
	}
	return "unknown"
}

// readinessWaiter lets a test socket script its own readiness answers,
// bypassing the descriptor paths.
type readinessWaiter interface {
	waitReady(dir ioDirection, timeout time.Duration) sockState
}

// Descriptor-count ceiling for the select(2) fallback.
const fdSetSize = 1024

// usePoll selects the multiplexer.  poll(2) is preferred since it has
// no descriptor-count ceiling; the select(2) fallback exists for
// platforms without it and fails above fdSetSize.
var usePoll = true

// waitReady waits for the socket to become readable or writable within
// the timeout, mirroring the classic wait-for-timeout contract:
// negative timeout reports "blocking, just make the blocking call",
// zero reports "nonblocking, do not wait", and a dead descriptor is
// reported before any wait is attempted.  The wait itself holds no
// locks, so other Channels on other goroutines proceed freely.
func waitReady(sock Socket, dir ioDirection, timeout time.Duration) sockState {
	if timeout < 0 {
		return sockIsBlocking
	}
	if timeout == 0 {
		return sockIsNonblocking
	}
	if !sock.Alive() {
		return sockClosed
	}
	if w, ok := sock.(readinessWaiter); ok {
		return w.waitReady(dir, timeout)
	}

	fd := sock.Fd()
	if fd < 0 {
		return sockClosed
	}
	if usePoll {
		return pollWait(fd, dir, timeout)
	}
	return selectWait(fd, dir, timeout)
}

func pollWait(fd int, dir ioDirection, timeout time.Duration) sockState {
	events := int16(unix.POLLIN)
	if dir == directionWrite {
		events = unix.POLLOUT
	}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return sockWaitFailed
		}
		if n == 0 {
			return sockTimedOut
		}
		// A bad descriptor comes back as a POLLNVAL event, not an
		// error return.
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return sockWaitFailed
		}
		return sockOperationOK
	}
}

func selectWait(fd int, dir ioDirection, timeout time.Duration) sockState {
	if fd >= fdSetSize {
		return sockTooLarge
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		tv := unix.NsecToTimeval(remaining.Nanoseconds())
		var fds unix.FdSet
		fds.Set(fd)
		var n int
		var err error
		if dir == directionWrite {
			n, err = unix.Select(fd+1, nil, &fds, nil, &tv)
		} else {
			n, err = unix.Select(fd+1, &fds, nil, nil, &tv)
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return sockWaitFailed
		}
		if n == 0 {
			return sockTimedOut
		}
		return sockOperationOK
	}
}

// FDSocket is the descriptor-backed Socket.  The descriptor is kept
// nonblocking whenever the timeout is non-negative, matching the
// timeout-mode convention of the transport collaborator.
type FDSocket struct {
	mu      sync.Mutex
	fd      int
	timeout time.Duration
	closed  bool
}

// NewFDSocket wraps an already-connected descriptor.  The initial mode
// is blocking.
func NewFDSocket(fd int) *FDSocket {
	return &FDSocket{fd: fd, timeout: -1}
}

// Dial resolves the address, connects a stream socket, and returns it
// in blocking mode.  Only TCP networks are supported; timeout bounds
// the connect.
func Dial(network, address string, timeout time.Duration) (*FDSocket, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("tlssock.adapter: unsupported network %q", network)
	}
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, err
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)

	if timeout > 0 {
		if err = unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil, err
		}
		err = unix.Connect(fd, sa)
		if err == unix.EINPROGRESS {
			switch pollWait(fd, directionWrite, timeout) {
			case sockOperationOK:
			case sockWaitFailed:
				unix.Close(fd)
				return nil, ErrWaitFailed
			default:
				unix.Close(fd)
				return nil, &TimeoutError{Op: "connect"}
			}
			var soerr int
			soerr, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if err == nil && soerr != 0 {
				err = unix.Errno(soerr)
			}
		}
		if err == nil {
			err = unix.SetNonblock(fd, false)
		}
	} else {
		err = unix.Connect(fd, sa)
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tlssock.adapter: connect %s: %v", address, err)
	}
	return NewFDSocket(fd), nil
}

func (s *FDSocket) Read(p []byte) (int, error) {
	fd, ok := s.liveFd()
	if !ok {
		return 0, ErrSocketClosed
	}
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (s *FDSocket) Write(p []byte) (int, error) {
	fd, ok := s.liveFd()
	if !ok {
		return 0, ErrSocketClosed
	}
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (s *FDSocket) Fd() int {
	fd, ok := s.liveFd()
	if !ok {
		return -1
	}
	return fd
}

func (s *FDSocket) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTimeout switches the I/O mode.  Non-negative timeouts put the
// descriptor in nonblocking mode so bounded waits can be enforced.
func (s *FDSocket) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	if !s.closed {
		unix.SetNonblock(s.fd, d >= 0)
	}
}

func (s *FDSocket) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *FDSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *FDSocket) liveFd() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, false
	}
	return s.fd, true
}

// isWouldBlock reports whether a transport error is the nonblocking
// "try again" signal rather than a hard failure.
func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
