package tlssock

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpairFDs(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assertNotError(t, err, "socketpair failed")
	return fds[0], fds[1]
}

func TestWaitReadyModes(t *testing.T) {
	sock := newTestSocket()

	// Negative and zero timeouts are mode reports, answered before any
	// descriptor or liveness inspection.
	assertEquals(t, waitReady(sock, directionRead, -1), sockIsBlocking)
	assertEquals(t, waitReady(sock, directionWrite, 0), sockIsNonblocking)

	// A dead socket is reported before the wait is attempted.
	sock.alive = false
	assertEquals(t, waitReady(sock, directionRead, time.Second), sockClosed)
}

func TestWaitReadyScripted(t *testing.T) {
	sock := newTestSocket()
	sock.readiness = []sockState{sockTimedOut, sockOperationOK}
	assertEquals(t, waitReady(sock, directionRead, time.Second), sockTimedOut)
	assertEquals(t, waitReady(sock, directionRead, time.Second), sockOperationOK)
}

func TestPollWait(t *testing.T) {
	a, b := socketpairFDs(t)
	defer unix.Close(a)
	defer unix.Close(b)

	// Nothing to read yet.
	assertEquals(t, pollWait(a, directionRead, 10*time.Millisecond), sockTimedOut)

	// A connected stream socket is immediately writable.
	assertEquals(t, pollWait(a, directionWrite, time.Second), sockOperationOK)

	_, err := unix.Write(b, []byte("x"))
	assertNotError(t, err, "write failed")
	assertEquals(t, pollWait(a, directionRead, time.Second), sockOperationOK)
}

func TestSelectWait(t *testing.T) {
	a, b := socketpairFDs(t)
	defer unix.Close(a)
	defer unix.Close(b)

	assertEquals(t, selectWait(a, directionRead, 10*time.Millisecond), sockTimedOut)
	assertEquals(t, selectWait(a, directionWrite, time.Second), sockOperationOK)

	_, err := unix.Write(b, []byte("x"))
	assertNotError(t, err, "write failed")
	assertEquals(t, selectWait(a, directionRead, time.Second), sockOperationOK)

	// The select fallback refuses descriptors past its set size.
	assertEquals(t, selectWait(fdSetSize, directionRead, time.Second), sockTooLarge)
}

// A wait on a dead descriptor must report a wait failure, not a
// timeout.  poll reports it as a POLLNVAL event; select as EBADF.
func TestWaitBadDescriptor(t *testing.T) {
	a, b := socketpairFDs(t)
	unix.Close(b)
	unix.Close(a)

	assertEquals(t, pollWait(a, directionRead, 10*time.Millisecond), sockWaitFailed)
	assertEquals(t, selectWait(a, directionRead, 10*time.Millisecond), sockWaitFailed)
}

func TestWaitReadySelectFallback(t *testing.T) {
	a, b := socketpairFDs(t)
	defer unix.Close(a)
	defer unix.Close(b)

	defer func(prev bool) { usePoll = prev }(usePoll)
	usePoll = false

	sock := NewFDSocket(a)
	_, err := unix.Write(b, []byte("x"))
	assertNotError(t, err, "write failed")
	assertEquals(t, waitReady(sock, directionRead, time.Second), sockOperationOK)
}

func TestFDSocketReadWrite(t *testing.T) {
	a, b := socketpairFDs(t)
	sa := NewFDSocket(a)
	sb := NewFDSocket(b)
	defer sa.Close()
	defer sb.Close()

	n, err := sa.Write([]byte("ping"))
	assertNotError(t, err, "write failed")
	assertEquals(t, n, 4)

	buf := make([]byte, 16)
	n, err = sb.Read(buf)
	assertNotError(t, err, "read failed")
	assertByteEquals(t, buf[:n], []byte("ping"))
}

func TestFDSocketNonblocking(t *testing.T) {
	a, b := socketpairFDs(t)
	sa := NewFDSocket(a)
	sb := NewFDSocket(b)
	defer sa.Close()
	defer sb.Close()

	sa.SetTimeout(0)
	assertEquals(t, sa.Timeout(), time.Duration(0))

	buf := make([]byte, 16)
	_, err := sa.Read(buf)
	assert(t, isWouldBlock(err), "empty nonblocking read did not report would-block")
}

func TestFDSocketEOF(t *testing.T) {
	a, b := socketpairFDs(t)
	sa := NewFDSocket(a)
	defer sa.Close()

	unix.Close(b)
	buf := make([]byte, 16)
	n, err := sa.Read(buf)
	assertNotError(t, err, "read after peer close failed")
	assertEquals(t, n, 0)
}

func TestFDSocketClosed(t *testing.T) {
	a, b := socketpairFDs(t)
	defer unix.Close(b)

	sock := NewFDSocket(a)
	assert(t, sock.Alive(), "fresh socket not alive")
	assertNotError(t, sock.Close(), "close failed")
	assert(t, !sock.Alive(), "closed socket still alive")
	assertEquals(t, sock.Fd(), -1)

	_, err := sock.Read(make([]byte, 1))
	assertEquals(t, err, ErrSocketClosed)
	_, err = sock.Write([]byte("x"))
	assertEquals(t, err, ErrSocketClosed)

	// Double close is a no-op.
	assertNotError(t, sock.Close(), "second close failed")
}

func TestDialRejectsNetwork(t *testing.T) {
	_, err := Dial("udp", "127.0.0.1:1", 0)
	assertError(t, err, "udp dial succeeded")
}
