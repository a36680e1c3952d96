package tlssock

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

func assert(t *testing.T, test bool, msg string) {
	t.Helper()
	if !test {
		t.Fatalf(msg)
	}
}

func assertError(t *testing.T, err error, msg string) {
	t.Helper()
	assert(t, err != nil, msg)
}

func assertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		msg += ": " + err.Error()
	}
	assert(t, err == nil, msg)
}

func assertNotNil(t *testing.T, x interface{}, msg string) {
	t.Helper()
	assert(t, x != nil, msg)
}

func assertEquals(t *testing.T, a interface{}, b interface{}) {
	t.Helper()
	if a != b {
		assert(t, false, fmt.Sprintf("%+v != %+v", a, b))
	}
}

func assertByteEquals(t *testing.T, a []byte, b []byte) {
	t.Helper()
	if !bytes.Equal(a, b) {
		assert(t, false, fmt.Sprintf("%+v != %+v", hex.EncodeToString(a), hex.EncodeToString(b)))
	}
}

func assertDeepEquals(t *testing.T, a interface{}, b interface{}) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		assert(t, false, fmt.Sprintf("%+v != %+v", a, b))
	}
}

func assertErrorCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error with code %s, got %T: %v", code, err, err)
	}
	assertEquals(t, e.Code, code)
}

// ---------------------------------------------------------------------
// Scripted socket: in-memory buffers plus a readiness script the
// adapter consults instead of the descriptor paths.

type testSocket struct {
	timeout   time.Duration
	alive     bool
	readBuf   bytes.Buffer
	writeBuf  bytes.Buffer
	eof       bool
	readiness []sockState
}

func newTestSocket() *testSocket {
	return &testSocket{timeout: -1, alive: true}
}

func (s *testSocket) Read(p []byte) (int, error) {
	if s.readBuf.Len() == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, unix.EAGAIN
	}
	return s.readBuf.Read(p)
}

func (s *testSocket) Write(p []byte) (int, error) {
	return s.writeBuf.Write(p)
}

func (s *testSocket) Fd() int {
	if !s.alive {
		return -1
	}
	return 3
}

func (s *testSocket) Timeout() time.Duration     { return s.timeout }
func (s *testSocket) SetTimeout(d time.Duration) { s.timeout = d }
func (s *testSocket) Alive() bool                { return s.alive }

func (s *testSocket) Close() error {
	s.alive = false
	return nil
}

func (s *testSocket) waitReady(dir ioDirection, timeout time.Duration) sockState {
	if len(s.readiness) == 0 {
		return sockOperationOK
	}
	st := s.readiness[0]
	s.readiness = s.readiness[1:]
	return st
}

// ---------------------------------------------------------------------
// Duplex in-memory socket pair for loopback tests.  Writes never
// block; reads block until the peer delivers or goes away, so the
// blocking I/O mode behaves like a real stream socket.

type duplexSocket struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     bytes.Buffer
	peerEOF bool
	alive   bool
	timeout time.Duration
	peer    *duplexSocket
}

func newSocketPair() (*duplexSocket, *duplexSocket) {
	a := &duplexSocket{alive: true, timeout: -1}
	b := &duplexSocket{alive: true, timeout: -1}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

func (s *duplexSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 {
		if s.peerEOF || !s.alive {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	return s.buf.Read(p)
}

func (s *duplexSocket) Write(p []byte) (int, error) {
	if !s.Alive() {
		return 0, ErrSocketClosed
	}
	peer := s.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	n, _ := peer.buf.Write(p)
	peer.cond.Broadcast()
	return n, nil
}

func (s *duplexSocket) Fd() int { return 4 }

func (s *duplexSocket) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *duplexSocket) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *duplexSocket) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *duplexSocket) Close() error {
	s.mu.Lock()
	s.alive = false
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.peer != nil {
		s.peer.mu.Lock()
		s.peer.peerEOF = true
		s.peer.cond.Broadcast()
		s.peer.mu.Unlock()
	}
	return nil
}

func (s *duplexSocket) waitReady(dir ioDirection, timeout time.Duration) sockState {
	if dir == directionWrite {
		return sockOperationOK
	}
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		ready := s.buf.Len() > 0 || s.peerEOF
		alive := s.alive
		s.mu.Unlock()
		if !alive {
			return sockClosed
		}
		if ready {
			return sockOperationOK
		}
		if time.Now().After(deadline) {
			return sockTimedOut
		}
		time.Sleep(time.Millisecond)
	}
}

// ---------------------------------------------------------------------
// Scripted engine and session for unit scenarios.

type stepResult struct {
	ret  int
	code ErrorCode
}

type fakeEngine struct {
	missing      map[Feature]bool
	session      *fakeSession
	installed    bool
	sessionCount int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{missing: map[Feature]bool{}}
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Version() VersionInfo {
	return VersionInfo{Text: "fake 0.1", Major: 0, Minor: 1}
}

func (e *fakeEngine) Has(f Feature) bool { return !e.missing[f] }

func (e *fakeEngine) SupportsProtocol(p Protocol) bool {
	return p != ProtocolSSLv2 && p != ProtocolSSLv3
}

func (e *fakeEngine) LockSlots() int            { return 2 }
func (e *fakeEngine) Install(hooks EngineHooks) { e.installed = true }

func (e *fakeEngine) ParseCipherSpec(spec string) ([]uint16, error) {
	if spec == "EMPTY" {
		return nil, nil
	}
	return []uint16{0x1301}, nil
}

func (e *fakeEngine) CurveID(name string) (uint16, bool) {
	if name == "prime256v1" {
		return 23, true
	}
	return 0, false
}

func (e *fakeEngine) NewSession(cfg *SessionConfig) (Session, error) {
	e.sessionCount++
	if e.session == nil {
		e.session = newFakeSession()
	}
	e.session.cfg = cfg
	return e.session, nil
}

func (e *fakeEngine) RandAdd(buf []byte, entropy float64) {}

func (e *fakeEngine) RandBytes(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (e *fakeEngine) RandPseudoBytes(n int) ([]byte, bool, error) {
	return make([]byte, n), false, nil
}

func (e *fakeEngine) RandStatus() bool { return false }

type fakeSession struct {
	cfg *SessionConfig

	handshakeScript []stepResult
	readScript      []stepResult
	writeScript     []stepResult
	shutdownScript  []stepResult

	handshakeCalls int
	readCalls      int
	writeCalls     int
	shutdownCalls  int

	readData []byte

	incoming [][]byte
	inEOF    bool
	outgoing []byte

	queue      []EngineError
	clearCalls int

	pendingBytes  int
	recvdShutdown bool
	readAheadLog  []bool
	maxWrite      int

	peerChain    [][]byte
	cipher       CipherInfo
	cipherOK     bool
	nextProto    string
	resumed      bool
	finished     []byte
	peerFinished []byte
	closed       bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{maxWrite: 1 << 20}
}

func popStep(script *[]stepResult) stepResult {
	if len(*script) == 0 {
		return stepResult{1, ErrorNone}
	}
	st := (*script)[0]
	*script = (*script)[1:]
	return st
}

func (s *fakeSession) Handshake() (int, ErrorCode) {
	s.handshakeCalls++
	st := popStep(&s.handshakeScript)
	return st.ret, st.code
}

func (s *fakeSession) Read(p []byte) (int, ErrorCode) {
	s.readCalls++
	st := popStep(&s.readScript)
	if st.code == ErrorNone && st.ret > 0 {
		n := copy(p, s.readData)
		s.readData = s.readData[n:]
		return n, ErrorNone
	}
	return st.ret, st.code
}

func (s *fakeSession) Write(p []byte) (int, ErrorCode) {
	s.writeCalls++
	st := popStep(&s.writeScript)
	if st.code == ErrorNone {
		s.outgoing = append(s.outgoing, p...)
		return len(p), ErrorNone
	}
	return st.ret, st.code
}

func (s *fakeSession) Shutdown() (int, ErrorCode) {
	s.shutdownCalls++
	st := popStep(&s.shutdownScript)
	return st.ret, st.code
}

func (s *fakeSession) AddIncoming(p []byte) {
	s.incoming = append(s.incoming, append([]byte(nil), p...))
}

func (s *fakeSession) CloseIncoming() { s.inEOF = true }

func (s *fakeSession) PeekOutgoing() []byte { return s.outgoing }

func (s *fakeSession) DiscardOutgoing(n int) {
	if n > len(s.outgoing) {
		n = len(s.outgoing)
	}
	s.outgoing = s.outgoing[n:]
}

func (s *fakeSession) Pending() int           { return s.pendingBytes }
func (s *fakeSession) ReceivedShutdown() bool { return s.recvdShutdown }
func (s *fakeSession) SetReadAhead(on bool)   { s.readAheadLog = append(s.readAheadLog, on) }
func (s *fakeSession) MaxWriteSize() int      { return s.maxWrite }

func (s *fakeSession) PeerCertificates() [][]byte { return s.peerChain }

func (s *fakeSession) CipherSuite() (CipherInfo, bool) { return s.cipher, s.cipherOK }

func (s *fakeSession) CompressionMethod() (string, bool) { return "", false }

func (s *fakeSession) NextProto() (string, bool) {
	return s.nextProto, s.nextProto != ""
}

func (s *fakeSession) Resumed() bool { return s.resumed }

func (s *fakeSession) Finished(max int) ([]byte, bool) {
	if s.finished == nil {
		return nil, false
	}
	b := s.finished
	if len(b) > max {
		b = b[:max]
	}
	return b, true
}

func (s *fakeSession) PeerFinished(max int) ([]byte, bool) {
	if s.peerFinished == nil {
		return nil, false
	}
	b := s.peerFinished
	if len(b) > max {
		b = b[:max]
	}
	return b, true
}

func (s *fakeSession) PopError() (EngineError, bool) {
	if len(s.queue) == 0 {
		return EngineError{}, false
	}
	rec := s.queue[0]
	s.queue = s.queue[1:]
	return rec, true
}

func (s *fakeSession) ClearErrors() {
	s.clearCalls++
	s.queue = nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// newFakeChannel builds an established channel over a scripted engine
// and socket, for exercising single operations.
func newFakeChannel(t *testing.T, sock Socket) (*Channel, *fakeSession) {
	t.Helper()
	eng := newFakeEngine()
	ctx, err := NewContextWithEngine(eng, ProtocolSSLv23)
	assertNotError(t, err, "NewContextWithEngine failed")
	ch, err := ctx.WrapSocket(sock, false, "")
	assertNotError(t, err, "WrapSocket failed")
	assertNotError(t, ch.Handshake(nil), "handshake failed")
	return ch, eng.session
}

// ---------------------------------------------------------------------
// Runtime-minted PKI fixtures.

type testPKI struct {
	caCertPEM  []byte
	certPEM    []byte
	keyPEM     []byte
	caFile     string
	certFile   string
	keyFile    string
	commonName string
}

func mintPKI(t *testing.T, dir string) *testPKI {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assertNotError(t, err, "generating CA key")
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1000),
		Subject:               pkix.Name{CommonName: "tlssock test CA", Organization: []string{"tlssock"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	assertNotError(t, err, "creating CA certificate")
	caCert, err := x509.ParseCertificate(caDER)
	assertNotError(t, err, "parsing CA certificate")

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assertNotError(t, err, "generating leaf key")
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1001),
		Subject:      pkix.Name{CommonName: "localhost", Organization: []string{"tlssock"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	assertNotError(t, err, "creating leaf certificate")

	pki := &testPKI{
		caCertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		certPEM:    pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}),
		keyPEM:     pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)}),
		commonName: "localhost",
	}
	pki.caFile = filepath.Join(dir, "ca.pem")
	pki.certFile = filepath.Join(dir, "cert.pem")
	pki.keyFile = filepath.Join(dir, "key.pem")
	writeFile(t, pki.caFile, pki.caCertPEM)
	writeFile(t, pki.certFile, pki.certPEM)
	writeFile(t, pki.keyFile, pki.keyPEM)
	return pki
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	assertNotError(t, os.WriteFile(path, data, 0o600), "writing "+path)
}
