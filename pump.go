// In-memory ciphertext shuttle between the engine's record processing
// and the Channel's socket I/O: accumulate chunks on one side, report
// "would block" to the other side when there is not enough to proceed.

package tlssock

import (
	"io"
	"net"
	"sync"
	"time"
)

// pump is a one-connection duplex buffer pair implementing net.Conn
// for the engine's benefit.  The incoming buffer (socket to engine)
// blocks engine reads until fed; the outgoing buffer (engine to
// socket) never blocks.  progress is broadcast whenever the engine
// visibly changes state: a reader parking, a reader resuming, or an
// in-flight operation finishing — the session front waits on it to
// decide between "op done" and "engine wants more input".
type pump struct {
	mu       sync.Mutex
	progress *sync.Cond

	in     []byte
	out    []byte
	inEOF  bool
	closed bool

	// readerParked is true while an engine read is blocked on an
	// empty incoming buffer.
	readerParked bool
}

func newPump() *pump {
	p := &pump{}
	p.progress = sync.NewCond(&p.mu)
	return p
}

// Read blocks until incoming bytes are available, transport EOF has
// been signaled, or the pump is closed.  Called only from the engine
// side.
func (p *pump) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.in) == 0 {
		if p.inEOF {
			return 0, io.EOF
		}
		if p.closed {
			return 0, net.ErrClosed
		}
		p.readerParked = true
		p.progress.Broadcast()
		p.progress.Wait()
	}
	p.readerParked = false
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

// Write appends to the outgoing buffer without blocking.  Want-write
// therefore never arises inside the engine; it arises at the Channel's
// socket flush.
func (p *pump) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.out = append(p.out, b...)
	return len(b), nil
}

// feed hands socket bytes to a parked (or future) engine read.
func (p *pump) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in = append(p.in, b...)
	p.readerParked = false
	p.progress.Broadcast()
}

// feedEOF signals transport EOF to the engine side.
func (p *pump) feedEOF() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inEOF = true
	p.readerParked = false
	p.progress.Broadcast()
}

// peekOut returns the buffered outgoing bytes without consuming them.
func (p *pump) peekOut() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.out) == 0 {
		return nil
	}
	out := make([]byte, len(p.out))
	copy(out, p.out)
	return out
}

func (p *pump) discardOut(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.out) {
		n = len(p.out)
	}
	p.out = p.out[n:]
}

func (p *pump) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readerParked = false
	p.progress.Broadcast()
	return nil
}

// net.Conn plumbing the engine never exercises meaningfully.
func (p *pump) LocalAddr() net.Addr                { return pumpAddr("engine") }
func (p *pump) RemoteAddr() net.Addr               { return pumpAddr("socket") }
func (p *pump) SetDeadline(t time.Time) error      { return nil }
func (p *pump) SetReadDeadline(t time.Time) error  { return nil }
func (p *pump) SetWriteDeadline(t time.Time) error { return nil }

type pumpAddr string

func (a pumpAddr) Network() string { return "pump" }
func (a pumpAddr) String() string  { return string(a) }
