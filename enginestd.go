// The default engine drives the platform TLS implementation over the
// in-memory pump, translating its blocking API into the step/classify
// convention the Channel expects.

package tlssock

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// stdEngine is the crypto/tls-backed Engine.  One instance per
// process, shared by every Context that does not inject its own.
type stdEngine struct {
	hooks EngineHooks

	poolMutex sync.Mutex
	seedPool  [32]byte

	sessionCache tls.ClientSessionCache
}

var (
	stdEngineOnce sync.Once
	stdEngineInst *stdEngine
)

// DefaultEngine returns the process-wide crypto/tls engine, performing
// its one-time initialization on first use.
func DefaultEngine() Engine {
	stdEngineOnce.Do(func() {
		stdEngineInst = &stdEngine{
			sessionCache: tls.NewLRUClientSessionCache(64),
		}
		initEngine(stdEngineInst)
	})
	return stdEngineInst
}

func (e *stdEngine) Name() string { return "stdtls" }

func (e *stdEngine) Version() VersionInfo {
	// Packed in the reference engine's nibble layout:
	// MNNFFPPS (major, minor, fix, patch, status).
	v := VersionInfo{Text: "stdtls (Go crypto/tls)", Major: 1, Minor: 0, Fix: 2, Patch: 0, Status: 0xf}
	v.Number = uint64(v.Major)<<28 | uint64(v.Minor)<<20 | uint64(v.Fix)<<12 |
		uint64(v.Patch)<<4 | uint64(v.Status)
	return v
}

func (e *stdEngine) Has(f Feature) bool {
	switch f {
	case FeatureSNI, FeatureSNICallback, FeatureNextProtos, FeatureECDH,
		FeatureTLSUnique, FeatureClearOptions:
		return true
	}
	// No compression, no finite-field DH.
	return false
}

func (e *stdEngine) SupportsProtocol(p Protocol) bool {
	switch p {
	case ProtocolTLSv1, ProtocolTLSv1_1, ProtocolTLSv1_2, ProtocolSSLv23:
		return true
	}
	return false
}

func (e *stdEngine) LockSlots() int            { return 0 }
func (e *stdEngine) Install(hooks EngineHooks) { e.hooks = hooks }

// Cipher-spec vocabulary.  Both the classic engine spellings and the
// IANA names resolve; group words expand to their members.
var cipherSpecSuites = map[string][]uint16{
	"ECDHE-RSA-AES128-GCM-SHA256":             {tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256},
	"ECDHE-RSA-AES256-GCM-SHA384":             {tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384},
	"ECDHE-ECDSA-AES128-GCM-SHA256":           {tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256},
	"ECDHE-ECDSA-AES256-GCM-SHA384":           {tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384},
	"ECDHE-RSA-CHACHA20-POLY1305":             {tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256},
	"ECDHE-ECDSA-CHACHA20-POLY1305":           {tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256},
	"ECDHE-RSA-AES128-SHA":                    {tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA},
	"ECDHE-RSA-AES256-SHA":                    {tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA},
	"ECDHE-ECDSA-AES128-SHA":                  {tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA},
	"ECDHE-ECDSA-AES256-SHA":                  {tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA},
	"AES128-GCM-SHA256":                       {tls.TLS_RSA_WITH_AES_128_GCM_SHA256},
	"AES256-GCM-SHA384":                       {tls.TLS_RSA_WITH_AES_256_GCM_SHA384},
	"AES128-SHA":                              {tls.TLS_RSA_WITH_AES_128_CBC_SHA},
	"AES256-SHA":                              {tls.TLS_RSA_WITH_AES_256_CBC_SHA},
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":   {tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256},
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":   {tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384},
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": {tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256},
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": {tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384},
	"TLS_RSA_WITH_AES_128_GCM_SHA256":         {tls.TLS_RSA_WITH_AES_128_GCM_SHA256},
	"TLS_RSA_WITH_AES_256_GCM_SHA384":         {tls.TLS_RSA_WITH_AES_256_GCM_SHA384},
}

var cipherSpecGroups = map[string][]uint16{
	"DEFAULT": {
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	},
	"ALL": {
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	},
}

func init() {
	cipherSpecGroups["HIGH"] = cipherSpecGroups["ALL"]
}

// ParseCipherSpec expands a colon-separated spec into suite ids.
// Tokens are suite names or group words; a "!" prefix removes the
// token's members from the running list.  Unknown tokens are skipped,
// as the reference engine does; emptiness is the Context's problem.
func (e *stdEngine) ParseCipherSpec(spec string) ([]uint16, error) {
	var out []uint16
	seen := map[uint16]bool{}
	add := func(ids []uint16) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	remove := func(ids []uint16) {
		for _, id := range ids {
			if !seen[id] {
				continue
			}
			seen[id] = false
			for i, have := range out {
				if have == id {
					out = append(out[:i], out[i+1:]...)
					break
				}
			}
		}
	}

	for _, token := range strings.Split(spec, ":") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		negate := strings.HasPrefix(token, "!")
		if negate {
			token = token[1:]
		}
		ids, ok := cipherSpecSuites[token]
		if !ok {
			ids, ok = cipherSpecGroups[strings.ToUpper(token)]
		}
		if !ok {
			logf(logTypeEngine, "ignoring unknown cipher token %q", token)
			continue
		}
		if negate {
			remove(ids)
		} else {
			add(ids)
		}
	}
	return out, nil
}

var curveIDs = map[string]uint16{
	"prime256v1": uint16(tls.CurveP256),
	"P-256":      uint16(tls.CurveP256),
	"secp384r1":  uint16(tls.CurveP384),
	"P-384":      uint16(tls.CurveP384),
	"secp521r1":  uint16(tls.CurveP521),
	"P-521":      uint16(tls.CurveP521),
	"x25519":     uint16(tls.X25519),
}

func (e *stdEngine) CurveID(name string) (uint16, bool) {
	id, ok := curveIDs[name]
	return id, ok
}

// versionBounds maps a protocol policy plus the disable-options to the
// version window the platform library accepts.
func versionBounds(p Protocol, opts Options) (min, max uint16, err error) {
	switch p {
	case ProtocolTLSv1:
		return tls.VersionTLS10, tls.VersionTLS10, nil
	case ProtocolTLSv1_1:
		return tls.VersionTLS11, tls.VersionTLS11, nil
	case ProtocolTLSv1_2:
		return tls.VersionTLS12, tls.VersionTLS12, nil
	case ProtocolSSLv23:
		allowed := []struct {
			v   uint16
			off Options
		}{
			{tls.VersionTLS10, OptNoTLSv1},
			{tls.VersionTLS11, OptNoTLSv1_1},
			{tls.VersionTLS12, OptNoTLSv1_2},
		}
		for _, a := range allowed {
			if opts&a.off != 0 {
				continue
			}
			if min == 0 {
				min = a.v
			}
			max = a.v
		}
		if min == 0 {
			return 0, 0, fmt.Errorf("tlssock.engine: no protocol versions enabled")
		}
		return min, max, nil
	}
	return 0, 0, fmt.Errorf("tlssock.engine: unsupported protocol %s", p)
}

var tlsVersionStrings = map[uint16]string{
	tls.VersionTLS10: "TLSv1",
	tls.VersionTLS11: "TLSv1.1",
	tls.VersionTLS12: "TLSv1.2",
	tls.VersionTLS13: "TLSv1.3",
}

// opKind distinguishes the read-direction operations that may park
// waiting for ciphertext.  At most one of them is in flight at a time;
// the Channel's state machine guarantees it.
type opKind int

const (
	opHandshake opKind = iota
	opRead
)

type pendingOp struct {
	done bool
	n    int
	err  error
}

type stdSession struct {
	eng  *stdEngine
	cfg  *SessionConfig
	pump *pump
	conn *tls.Conn

	inflight map[opKind]*pendingOp

	// plain holds decrypted bytes delivered by the engine but not yet
	// consumed by Read.  scratchResult carries bytes out of an
	// in-flight engine read; the destination buffer the caller retries
	// with may differ between attempts, so the engine never reads into
	// it directly.
	plain         []byte
	scratchResult []byte

	queueMutex sync.Mutex
	queue      []EngineError

	handshakeDone bool
	recvdShutdown bool
	sentShutdown  bool
	readAhead     bool
	closed        bool
}

func (e *stdEngine) NewSession(cfg *SessionConfig) (Session, error) {
	min, max, err := versionBounds(cfg.Protocol, cfg.Options)
	if err != nil {
		return nil, err
	}

	tc := &tls.Config{
		MinVersion:         min,
		MaxVersion:         max,
		ServerName:         cfg.ServerName,
		NextProtos:         cfg.NextProtos,
		CipherSuites:       cfg.CipherSuites,
		ClientSessionCache: e.sessionCache,
	}
	if cfg.Options&OptCipherServerPreference != 0 {
		tc.PreferServerCipherSuites = true
	}
	if cfg.CurveID != 0 {
		tc.CurvePreferences = []tls.CurveID{tls.CurveID(cfg.CurveID)}
	}
	if len(cfg.CertChain) > 0 {
		tc.Certificates = []tls.Certificate{{
			Certificate: cfg.CertChain,
			PrivateKey:  cfg.PrivateKey,
		}}
	}

	if cfg.IsClient {
		verifying := cfg.VerifyMask&verifyMaskPeer != 0
		if !verifying {
			tc.InsecureSkipVerify = true
		} else {
			tc.RootCAs = cfg.RootCAs
			if cfg.ServerName == "" {
				// Verify the chain but not the hostname, the way the
				// reference engine behaves without a hostname check.
				tc.InsecureSkipVerify = true
				tc.VerifyPeerCertificate = verifyChainOnly(cfg.RootCAs)
			}
		}
	} else {
		tc.ClientCAs = cfg.ClientCAs
		switch {
		case cfg.VerifyMask&verifyMaskFailIfNoPeerCert != 0:
			tc.ClientAuth = tls.RequireAndVerifyClientCert
		case cfg.VerifyMask&verifyMaskPeer != 0:
			tc.ClientAuth = tls.VerifyClientCertIfGiven
		default:
			tc.ClientAuth = tls.NoClientCert
		}
	}

	s := &stdSession{
		eng:      e,
		cfg:      cfg,
		pump:     newPump(),
		inflight: map[opKind]*pendingOp{},
	}

	if !cfg.IsClient && cfg.ServernameCallback != nil {
		cb := cfg.ServernameCallback
		tc.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if err := cb(hello.ServerName); err != nil {
				var alert Alert
				if errors.As(err, &alert) {
					s.pushError(EngineError{
						Library: errLibSSL,
						Reason:  alertReasonBase + int(alert),
						Text:    alert.String(),
					})
				}
				return nil, err
			}
			return nil, nil
		}
	}

	if cfg.IsClient {
		s.conn = tls.Client(s.pump, tc)
	} else {
		s.conn = tls.Server(s.pump, tc)
	}
	return s, nil
}

// verifyChainOnly checks the peer chain against the given roots,
// skipping hostname verification.
func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("tls: no peer certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
		for _, raw := range rawCerts[1:] {
			c, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			opts.Intermediates.AddCert(c)
		}
		_, err = leaf.Verify(opts)
		return err
	}
}

// run drives one read-direction operation: start it on its own
// goroutine if not already in flight, then wait until it either
// finishes or parks on an empty incoming buffer.  Parking is how the
// engine says want-read.
func (s *stdSession) run(k opKind, fn func() (int, error)) (done bool, n int, err error) {
	p := s.inflight[k]
	if p == nil {
		p = &pendingOp{}
		s.inflight[k] = p
		go func() {
			n, err := fn()
			s.pump.mu.Lock()
			p.done, p.n, p.err = true, n, err
			s.pump.progress.Broadcast()
			s.pump.mu.Unlock()
		}()
	}

	s.pump.mu.Lock()
	defer s.pump.mu.Unlock()
	for !p.done && !s.pump.readerParked {
		s.pump.progress.Wait()
	}
	if !p.done {
		return false, 0, nil
	}
	delete(s.inflight, k)
	return true, p.n, p.err
}

func (s *stdSession) Handshake() (int, ErrorCode) {
	if s.handshakeDone {
		return 1, ErrorNone
	}
	done, _, err := s.run(opHandshake, func() (int, error) {
		return 0, s.conn.Handshake()
	})
	if !done {
		return -1, ErrorWantRead
	}
	if err != nil {
		return -1, s.noteError(err)
	}
	s.handshakeDone = true
	return 1, ErrorNone
}

func (s *stdSession) Read(p []byte) (int, ErrorCode) {
	if len(s.plain) > 0 {
		n := copy(p, s.plain)
		s.plain = s.plain[n:]
		return n, ErrorNone
	}
	if s.recvdShutdown {
		return 0, ErrorZeroReturn
	}

	done, n, err := s.engineRead()
	if !done {
		return -1, ErrorWantRead
	}
	if n > 0 {
		s.plain = append(s.plain, s.scratchResult[:n]...)
	}
	if err != nil {
		if len(s.plain) > 0 {
			// Deliver data before surfacing the condition.
			n := copy(p, s.plain)
			s.plain = s.plain[n:]
			return n, ErrorNone
		}
		return s.readErrReturn(err)
	}
	out := copy(p, s.plain)
	s.plain = s.plain[out:]
	return out, ErrorNone
}

func (s *stdSession) engineRead() (done bool, n int, err error) {
	done, n, err = s.run(opRead, func() (int, error) {
		buf := make([]byte, 16384)
		n, err := s.conn.Read(buf)
		s.pump.mu.Lock()
		s.scratchResult = buf
		s.pump.mu.Unlock()
		return n, err
	})
	return done, n, err
}

func (s *stdSession) readErrReturn(err error) (int, ErrorCode) {
	code := s.noteError(err)
	switch code {
	case ErrorZeroReturn:
		return 0, code
	case ErrorSyscall:
		return 0, code
	}
	return -1, code
}

func (s *stdSession) Write(p []byte) (int, ErrorCode) {
	// pump writes never block, so this completes synchronously.
	n, err := s.conn.Write(p)
	if err != nil {
		return -1, s.noteError(err)
	}
	return n, ErrorNone
}

// Shutdown follows the reference engine's two-phase convention: the
// first call sends close-notify and returns 0 ("sent, now receive"),
// later calls return 1 once the peer's close-notify has arrived.
func (s *stdSession) Shutdown() (int, ErrorCode) {
	if !s.sentShutdown {
		if err := s.conn.CloseWrite(); err != nil {
			return -1, s.noteError(err)
		}
		s.sentShutdown = true
		if s.recvdShutdown {
			return 1, ErrorNone
		}
		return 0, ErrorNone
	}
	if s.recvdShutdown {
		return 1, ErrorNone
	}

	done, n, err := s.engineRead()
	if !done {
		return -1, ErrorWantRead
	}
	if n > 0 {
		// Application bytes racing the shutdown stay readable.
		s.plain = append(s.plain, s.scratchResult[:n]...)
	}
	if err != nil {
		code := s.noteError(err)
		if code == ErrorZeroReturn {
			return 1, ErrorNone
		}
		if code == ErrorSyscall {
			return 0, code
		}
		return -1, code
	}
	// Got application data instead of close-notify; more input needed.
	return -1, ErrorWantRead
}

// noteError converts a platform-library error into an ErrorCode,
// queueing a mnemonic record for the protocol class.
func (s *stdSession) noteError(err error) ErrorCode {
	switch {
	case err == io.EOF:
		// Clean close-notify.
		s.recvdShutdown = true
		return ErrorZeroReturn
	case err == io.ErrUnexpectedEOF:
		return ErrorSyscall
	case errors.Is(err, net.ErrClosed):
		return ErrorSyscall
	}
	s.pushError(classifyEngineText(err.Error()))
	return ErrorProtocol
}

// classifyEngineText resolves a platform-library error string to a
// queued (library, reason) record by suffix matching, falling back to
// the raw text.
func classifyEngineText(text string) EngineError {
	for alert, name := range alertText {
		if strings.HasSuffix(text, name) {
			return EngineError{
				Library: errLibSSL,
				Reason:  alertReasonBase + int(alert),
				Text:    text,
			}
		}
	}
	for suffix, reason := range engineTextReasons {
		if strings.Contains(text, suffix) {
			return EngineError{Library: errLibSSL, Reason: reason, Text: text}
		}
	}
	return EngineError{Library: errLibSSL, Text: text}
}

// Substring table for platform-library failures that do not end in an
// alert name.
var engineTextReasons = map[string]int{
	"certificate signed by unknown authority": reasonCertificateVerifyFailed,
	"certificate has expired":                 reasonCertificateVerifyFailed,
	"certificate is not valid":                reasonCertificateVerifyFailed,
	"first record does not look like a TLS":   reasonWrongVersionNumber,
	"unsupported versions":                    alertReasonBase + int(AlertProtocolVersion),
	"no cipher suite supported":               reasonNoSharedCipher,
	"client offered only unsupported":         reasonNoSharedCipher,
}

func (s *stdSession) pushError(rec EngineError) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	s.queue = append(s.queue, rec)
}

func (s *stdSession) PopError() (EngineError, bool) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	if len(s.queue) == 0 {
		return EngineError{}, false
	}
	rec := s.queue[0]
	s.queue = s.queue[1:]
	return rec, true
}

func (s *stdSession) ClearErrors() {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	s.queue = nil
}

func (s *stdSession) AddIncoming(p []byte) { s.pump.feed(p) }
func (s *stdSession) CloseIncoming()       { s.pump.feedEOF() }
func (s *stdSession) PeekOutgoing() []byte { return s.pump.peekOut() }
func (s *stdSession) DiscardOutgoing(n int) {
	s.pump.discardOut(n)
}

func (s *stdSession) Pending() int           { return len(s.plain) }
func (s *stdSession) ReceivedShutdown() bool { return s.recvdShutdown }
func (s *stdSession) SetReadAhead(on bool)   { s.readAhead = on }
func (s *stdSession) MaxWriteSize() int      { return math.MaxInt32 }

func (s *stdSession) PeerCertificates() [][]byte {
	cs := s.conn.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	out := make([][]byte, len(cs.PeerCertificates))
	for i, c := range cs.PeerCertificates {
		out[i] = c.Raw
	}
	return out
}

var cipherBits = map[uint16]int{
	tls.TLS_RSA_WITH_AES_128_CBC_SHA:                      128,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA:                      256,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256:                   128,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384:                   256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:                128,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA:                256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA:              128,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA:              256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:             128,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:             256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:           128,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:           256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256:       256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256:     256,
	tls.TLS_AES_128_GCM_SHA256:                            128,
	tls.TLS_AES_256_GCM_SHA384:                            256,
	tls.TLS_CHACHA20_POLY1305_SHA256:                      256,
}

func (s *stdSession) CipherSuite() (CipherInfo, bool) {
	if !s.handshakeDone {
		return CipherInfo{}, false
	}
	cs := s.conn.ConnectionState()
	return CipherInfo{
		Name:     tls.CipherSuiteName(cs.CipherSuite),
		Protocol: tlsVersionStrings[cs.Version],
		Bits:     cipherBits[cs.CipherSuite],
	}, true
}

func (s *stdSession) CompressionMethod() (string, bool) {
	// The platform library never negotiates compression.
	return "", false
}

func (s *stdSession) NextProto() (string, bool) {
	cs := s.conn.ConnectionState()
	if cs.NegotiatedProtocol == "" {
		return "", false
	}
	return cs.NegotiatedProtocol, true
}

func (s *stdSession) Resumed() bool {
	return s.conn.ConnectionState().DidResume
}

// Finished and PeerFinished both surface the platform library's
// tls-unique value: it is defined as the first finished message of the
// handshake, which is exactly the one the caller's XOR rule selects.
func (s *stdSession) Finished(max int) ([]byte, bool) {
	return s.tlsUnique(max)
}

func (s *stdSession) PeerFinished(max int) ([]byte, bool) {
	return s.tlsUnique(max)
}

func (s *stdSession) tlsUnique(max int) ([]byte, bool) {
	cs := s.conn.ConnectionState()
	if len(cs.TLSUnique) == 0 {
		return nil, false
	}
	b := cs.TLSUnique
	if len(b) > max {
		b = b[:max]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

func (s *stdSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pump.Close()
}

// PRNG services.  Seed material folds into an extraction pool; output
// always comes from the platform RNG, so the pseudo variant is as
// strong as the strong one.
func (e *stdEngine) RandAdd(buf []byte, entropy float64) {
	e.poolMutex.Lock()
	defer e.poolMutex.Unlock()
	mixed := hkdf.Extract(sha256.New, buf, e.seedPool[:])
	copy(e.seedPool[:], mixed)
	logf(logTypeRand, "mixed %d bytes into the seed pool (entropy estimate %.2f)", len(buf), entropy)
}

func (e *stdEngine) RandBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("tlssock.rand: num must be positive")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *stdEngine) RandPseudoBytes(n int) ([]byte, bool, error) {
	buf, err := e.RandBytes(n)
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func (e *stdEngine) RandStatus() bool { return true }
