package tlssock

import (
	"context"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// NetConn adapts an established Channel to net.Conn so the standard
// HTTP ecosystem can ride on it.  Deadlines map onto the borrowed
// socket's timeout; Close shuts the TLS session down and returns the
// borrow without closing the socket itself.
func (c *Channel) NetConn() net.Conn {
	return &channelConn{ch: c}
}

type channelConn struct {
	ch *Channel

	readDeadline  time.Time
	writeDeadline time.Time
}

func (nc *channelConn) Read(p []byte) (int, error) {
	nc.applyDeadline(nc.readDeadline)
	n, err := nc.ch.Read(context.Background(), p)
	if n == 0 && err == nil && len(p) > 0 {
		// Channel.Read reports a clean close-notify as an empty read;
		// io.Reader callers need io.EOF to see the connection end.
		return 0, io.EOF
	}
	return n, err
}

func (nc *channelConn) Write(p []byte) (int, error) {
	nc.applyDeadline(nc.writeDeadline)
	return nc.ch.Write(context.Background(), p)
}

func (nc *channelConn) Close() error {
	_, err := nc.ch.Shutdown(context.Background())
	if cerr := nc.ch.Close(); err == nil {
		err = cerr
	}
	return err
}

// applyDeadline converts an absolute deadline into the socket's
// relative timeout at the moment the call begins.
func (nc *channelConn) applyDeadline(deadline time.Time) {
	if deadline.IsZero() {
		nc.ch.sock.SetTimeout(-1)
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		// Already past: the next wait reports timeout immediately.
		remaining = time.Nanosecond
	}
	nc.ch.sock.SetTimeout(remaining)
}

func (nc *channelConn) SetDeadline(t time.Time) error {
	nc.readDeadline = t
	nc.writeDeadline = t
	return nil
}

func (nc *channelConn) SetReadDeadline(t time.Time) error {
	nc.readDeadline = t
	return nil
}

func (nc *channelConn) SetWriteDeadline(t time.Time) error {
	nc.writeDeadline = t
	return nil
}

func (nc *channelConn) LocalAddr() net.Addr {
	return sockaddrToAddr(localSockaddr(nc.ch.sock))
}

func (nc *channelConn) RemoteAddr() net.Addr {
	return sockaddrToAddr(peerSockaddr(nc.ch.sock))
}

func localSockaddr(s Socket) unix.Sockaddr {
	fd := s.Fd()
	if fd < 0 {
		return nil
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return sa
}

func peerSockaddr(s Socket) unix.Sockaddr {
	fd := s.Fd()
	if fd < 0 {
		return nil
	}
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return sa
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Net: "unix", Name: sa.Name}
	}
	return nil
}
