package tlssock

import (
	"context"
	"fmt"
	"io"

	"github.com/bifurcation/tlssock/certdec"
	"golang.org/x/net/idna"
)

// Channel lifecycle:
//
//	              Handshake             Shutdown
//	Created --> Handshaking --> Established --> ShuttingDown --> Closed
//	                 |               |                |
//	                 +---------------+----------------+--> Failed
//
// A Channel borrows exactly one Socket for the duration of the TLS
// session; it never owns it.  Every operation first verifies the
// socket is still alive and fails with the no-socket classification
// otherwise, without touching the engine.  A single Channel is not
// safe for concurrent use; distinct Channels are independent.
type Channel struct {
	ctx  *Context
	sock Socket
	sess Session

	serverSide     bool
	serverHostname string
	state          ChannelState

	// peerChain caches the peer's certificate chain, DER leaf first,
	// replaced atomically on every completed handshake.
	peerChain [][]byte

	// shutdownSeenZero bounds the shutdown retry rounds; see Shutdown.
	shutdownSeenZero bool
}

func init() {
	certdec.SetWarnFunc(func(format string, args ...interface{}) {
		logf(logTypeCert, format, args...)
	})
}

func newChannel(ctx *Context, sock Socket, serverSide bool, serverHostname string) (*Channel, error) {
	if sock == nil || !sock.Alive() {
		return nil, errNoSocket()
	}

	ch := &Channel{
		ctx:            ctx,
		sock:           sock,
		serverSide:     serverSide,
		serverHostname: serverHostname,
		state:          StateCreated,
	}

	cfg := ctx.sessionConfig(serverSide, serverHostname)
	if serverSide {
		if cb := ctx.servernameCallback(); cb != nil {
			cfg.ServernameCallback = func(hostname string) error {
				decoded := hostname
				if hostname != "" {
					if u, err := idna.ToUnicode(hostname); err == nil {
						decoded = u
					}
				}
				return cb(ch, decoded, ch.ctx)
			}
		}
	}

	sess, err := ctx.engine.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	ch.sess = sess
	ctx.noteSessionStart(serverSide)
	logf(logTypeChannel, "new %s channel (hostname=%q)", roleName(serverSide), serverHostname)
	return ch, nil
}

func roleName(serverSide bool) string {
	if serverSide {
		return "server"
	}
	return "client"
}

// State reports the Channel's lifecycle position.
func (c *Channel) State() ChannelState { return c.state }

// Context returns the Context whose policy governs this Channel.
func (c *Channel) Context() *Context { return c.ctx }

// SetContext swaps the governing Context, the way an SNI callback
// redirects a connection to a differently-configured Context.  The
// session already minted keeps its original material; the swap affects
// policy questions asked after it.
func (c *Channel) SetContext(ctx *Context) { c.ctx = ctx }

// ServerHostname reports the client-side SNI name, IDNA-encoded.
func (c *Channel) ServerHostname() string { return c.serverHostname }

// Handshake drives the negotiation to completion, or as far as the
// socket's I/O mode allows.  On a nonblocking socket it returns the
// want-read/want-write classification once the engine stalls; the
// Channel stays re-enterable and a later call resumes where it left
// off.  Handshake on an established Channel is a no-op.
func (c *Channel) Handshake(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	switch c.state {
	case StateEstablished:
		return nil
	case StateShuttingDown, StateClosed, StateFailed:
		return fmt.Errorf("tlssock.channel: handshake on %s channel", c.state)
	}
	c.state = StateHandshaking

	for {
		if err := ctx.Err(); err != nil {
			c.state = StateFailed
			return err
		}
		if !c.sock.Alive() {
			return errNoSocket()
		}

		ret, code := c.sess.Handshake()
		if err := c.flushOutgoing(ctx); err != nil {
			return err
		}

		if code == ErrorNone {
			// The engine's numeric result must be positive; an exact
			// zero is still a failure.
			if ret < 1 {
				c.state = StateFailed
				return classify(c.sess, ret, ErrorProtocol, false, nil)
			}
			c.peerChain = c.sess.PeerCertificates()
			c.state = StateEstablished
			c.ctx.noteHandshakeDone(c.serverSide, c.sess.Resumed())
			logf(logTypeHandshake, "%s handshake complete", roleName(c.serverSide))
			return nil
		}

		if err := c.retryOrFail(ctx, ret, code); err != nil {
			return err
		}
	}
}

// Read decrypts application data into p.  The engine is asked first,
// so bytes it already holds decrypted are returned without waiting.  A
// peer close-notify yields an empty read, not an error.
func (c *Channel) Read(ctx context.Context, p []byte) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.state != StateEstablished {
		return 0, fmt.Errorf("tlssock.channel: read on %s channel", c.state)
	}

	for {
		if err := ctx.Err(); err != nil {
			c.state = StateFailed
			return 0, err
		}
		if !c.sock.Alive() {
			return 0, errNoSocket()
		}

		ret, code := c.sess.Read(p)
		if err := c.flushOutgoing(ctx); err != nil {
			return 0, err
		}

		if code == ErrorNone {
			return ret, nil
		}
		if code == ErrorZeroReturn && c.sess.ReceivedShutdown() {
			// Graceful EOF.
			return 0, nil
		}

		if err := c.retryOrFail(ctx, ret, code); err != nil {
			return 0, err
		}
	}
}

// Write encrypts and sends p.  Buffers beyond the engine's maximum
// representable size are rejected before any engine call.
func (c *Channel) Write(ctx context.Context, p []byte) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.state != StateEstablished {
		return 0, fmt.Errorf("tlssock.channel: write on %s channel", c.state)
	}
	if max := c.sess.MaxWriteSize(); len(p) > max {
		return 0, &OverflowError{Limit: max}
	}

	for {
		if err := ctx.Err(); err != nil {
			c.state = StateFailed
			return 0, err
		}
		if !c.sock.Alive() {
			return 0, errNoSocket()
		}

		ret, code := c.sess.Write(p)
		if code == ErrorNone {
			if err := c.flushOutgoing(ctx); err != nil {
				return 0, err
			}
			return ret, nil
		}
		if err := c.flushOutgoing(ctx); err != nil {
			return 0, err
		}

		if err := c.retryOrFail(ctx, ret, code); err != nil {
			return 0, err
		}
	}
}

// Shutdown performs the close-notify exchange and returns the borrowed
// socket to the caller.  At most two rounds where the engine reports
// "sent, now need to receive" are attempted: some engine versions
// misreport send-completion as a repeatable zero, and the cap keeps
// that from looping forever.  Once the first zero is seen, read-ahead
// is disabled so application bytes following the TLS session are left
// on the socket rather than swallowed by engine buffering.
func (c *Channel) Shutdown(ctx context.Context) (Socket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch c.state {
	case StateClosed, StateFailed:
		return nil, fmt.Errorf("tlssock.channel: shutdown on %s channel", c.state)
	}
	c.state = StateShuttingDown

	zeros := 0
	for {
		if err := ctx.Err(); err != nil {
			c.state = StateFailed
			return nil, err
		}
		if !c.sock.Alive() {
			return nil, errNoSocket()
		}

		if c.shutdownSeenZero {
			c.sess.SetReadAhead(false)
		}
		ret, code := c.sess.Shutdown()
		if err := c.flushOutgoing(ctx); err != nil {
			return nil, err
		}

		if ret >= 1 {
			break
		}
		if ret == 0 && code == ErrorNone {
			// Shutdown was sent, now try receiving.  Retry at most
			// twice regardless of what the engine keeps reporting.
			zeros++
			c.shutdownSeenZero = true
			if zeros > 1 {
				break
			}
			continue
		}

		if err := c.retryOrFail(ctx, ret, code); err != nil {
			return nil, err
		}
	}

	c.state = StateClosed
	logf(logTypeChannel, "%s channel shut down", roleName(c.serverSide))
	return c.sock, nil
}

// Close releases the engine session and the cached peer certificate.
// The borrowed socket is untouched; closing it is the caller's call.
func (c *Channel) Close() error {
	if c.state != StateClosed {
		c.state = StateClosed
	}
	c.peerChain = nil
	if c.sess != nil {
		return c.sess.Close()
	}
	return nil
}

// retryOrFail handles one non-success classification inside a retry
// loop: the want-read/want-write subset waits for socket readiness
// (or short-circuits in nonblocking mode), everything else is
// classified and terminal.
func (c *Channel) retryOrFail(ctx context.Context, ret int, code ErrorCode) error {
	switch code {
	case ErrorWantRead, ErrorWantX509Lookup:
		return c.feedIncoming(ctx)
	case ErrorWantWrite, ErrorWantConnect:
		// Connect completion surfaces as writability.
		return c.waitWritable(code)
	}
	c.state = StateFailed
	return classify(c.sess, ret, code, !c.sock.Alive(), nil)
}

// feedIncoming waits for readability per the socket's timeout mode and
// hands one chunk of ciphertext to the engine.  Transport EOF is
// passed through so the engine can tell clean close-notify from a
// vanished peer.
func (c *Channel) feedIncoming(ctx context.Context) error {
	// Re-read the timeout each pass; it may change between calls.
	timeout := c.sock.Timeout()
	switch st := waitReady(c.sock, directionRead, timeout); st {
	case sockIsBlocking, sockOperationOK:
	case sockIsNonblocking:
		// Attempt the read anyway; data may already be queued.
	case sockTimedOut:
		return &TimeoutError{Op: "read"}
	case sockClosed:
		return ErrSocketClosed
	case sockTooLarge:
		return ErrSocketTooLarge
	case sockWaitFailed:
		return ErrWaitFailed
	}

	buf := make([]byte, 16384)
	n, err := c.sock.Read(buf)
	if n > 0 {
		logf(logTypeIO, "fed %d ciphertext bytes to the engine", n)
		c.sess.AddIncoming(buf[:n])
		return nil
	}
	if err != nil {
		if err == io.EOF {
			c.sess.CloseIncoming()
			return nil
		}
		if isWouldBlock(err) {
			return classify(c.sess, -1, ErrorWantRead, false, nil)
		}
		// Hard transport failure: surface the socket's own error, not
		// a protocol error.
		c.state = StateFailed
		return classify(c.sess, -1, ErrorSyscall, false, err)
	}
	// Zero-byte read is transport EOF.
	c.sess.CloseIncoming()
	return nil
}

func (c *Channel) waitWritable(code ErrorCode) error {
	timeout := c.sock.Timeout()
	switch st := waitReady(c.sock, directionWrite, timeout); st {
	case sockIsBlocking, sockOperationOK:
		return nil
	case sockIsNonblocking:
		return classify(c.sess, -1, code, false, nil)
	case sockTimedOut:
		return &TimeoutError{Op: "write"}
	case sockClosed:
		return ErrSocketClosed
	case sockTooLarge:
		return ErrSocketTooLarge
	case sockWaitFailed:
		return ErrWaitFailed
	}
	return nil
}

// flushOutgoing pushes the engine's buffered ciphertext onto the
// socket, honoring the socket's I/O mode for partial writes.
func (c *Channel) flushOutgoing(ctx context.Context) error {
	for {
		out := c.sess.PeekOutgoing()
		if len(out) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.state = StateFailed
			return err
		}

		n, err := c.sock.Write(out)
		if n > 0 {
			logf(logTypeIO, "flushed %d ciphertext bytes to the socket", n)
			c.sess.DiscardOutgoing(n)
			continue
		}
		if err == nil {
			continue
		}
		if isWouldBlock(err) {
			if werr := c.waitWritable(ErrorWantWrite); werr != nil {
				return werr
			}
			continue
		}
		c.state = StateFailed
		return classify(c.sess, -1, ErrorSyscall, false, err)
	}
}

// Pending reports decrypted bytes the engine already holds for Read.
func (c *Channel) Pending() int { return c.sess.Pending() }

// NextProto reports the negotiated next protocol, or "" while
// negotiation is incomplete.
func (c *Channel) NextProto() string {
	proto, _ := c.sess.NextProto()
	return proto
}

// Cipher reports the negotiated suite as the (name, protocol-version,
// secret-bits) triple.
func (c *Channel) Cipher() (CipherInfo, bool) {
	return c.sess.CipherSuite()
}

// Version reports the negotiated protocol version string, or "" before
// the handshake completes.
func (c *Channel) Version() string {
	info, ok := c.sess.CipherSuite()
	if !ok {
		return ""
	}
	return info.Protocol
}

// Compression reports the negotiated compression method short name;
// ok is false when none was negotiated.
func (c *Channel) Compression() (string, bool) {
	return c.sess.CompressionMethod()
}

// ChannelBinding returns the token binding an outer authentication
// layer to this TLS session.  Only the "tls-unique" type is defined:
// the first finished message of the handshake, which is our own
// finished message exactly when session resumption XOR client role
// holds, and the peer's otherwise.  Nil before the handshake.
func (c *Channel) ChannelBinding(kind string) ([]byte, error) {
	if kind != "tls-unique" {
		return nil, fmt.Errorf("tlssock.channel: %s channel binding type not implemented", kind)
	}
	if c.state != StateEstablished && c.state != StateShuttingDown {
		return nil, nil
	}
	own := c.sess.Resumed() != !c.serverSide
	var b []byte
	var ok bool
	if own {
		b, ok = c.sess.Finished(channelBindingMax)
	} else {
		b, ok = c.sess.PeerFinished(channelBindingMax)
	}
	if !ok {
		return nil, nil
	}
	return b, nil
}

// PeerCertificateDER returns the cached peer leaf certificate as raw
// DER, or nil when the peer presented none.
func (c *Channel) PeerCertificateDER() []byte {
	if len(c.peerChain) == 0 {
		return nil
	}
	out := make([]byte, len(c.peerChain[0]))
	copy(out, c.peerChain[0])
	return out
}

// PeerCertificate returns the decoded peer leaf certificate.  Nil when
// the peer presented none; an empty structure when the Context's
// verification policy did not validate the peer, since undecoded
// claims from an unverified certificate invite misuse.
func (c *Channel) PeerCertificate() (*certdec.Certificate, error) {
	if len(c.peerChain) == 0 {
		return nil, nil
	}
	mode, err := c.ctx.VerifyMode()
	if err != nil {
		return nil, err
	}
	if mode == VerifyNone {
		return &certdec.Certificate{}, nil
	}
	return certdec.Decode(c.peerChain[0])
}
