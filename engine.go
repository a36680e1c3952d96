package tlssock

import (
	"crypto"
	"crypto/x509"
	"sync"
)

// Engine is the process-level face of the TLS-primitives collaborator.
// A Context binds to exactly one Engine and mints Sessions from it; the
// rest of this module never touches handshake math directly.
type Engine interface {
	// Name identifies the backing implementation ("stdtls", "fake", ...).
	Name() string

	// Version describes the linked engine build.
	Version() VersionInfo

	// Has probes a compile-time capability of the engine.
	Has(f Feature) bool

	// SupportsProtocol reports whether the engine can honor a version
	// policy.  An unsupported Protocol is still a valid enum member;
	// the Context surfaces the gap as a capability error.
	SupportsProtocol(p Protocol) bool

	// LockSlots reports how many lock slots the engine's internal
	// shared state needs; Install hands it that many mutex hooks plus
	// a thread-identity function.  Done exactly once per process by
	// initEngine, never torn down.
	LockSlots() int
	Install(hooks EngineHooks)

	// ParseCipherSpec expands a cipher-spec string into suite ids.
	// An empty result is valid here; the Context rejects it.
	ParseCipherSpec(spec string) ([]uint16, error)

	// CurveID resolves an elliptic-curve name.
	CurveID(name string) (uint16, bool)

	// NewSession binds fresh per-connection engine state to a policy.
	NewSession(cfg *SessionConfig) (Session, error)

	// PRNG primitives.
	RandAdd(buf []byte, entropy float64)
	RandBytes(n int) ([]byte, error)
	RandPseudoBytes(n int) ([]byte, bool, error)
	RandStatus() bool
}

// Feature enumerates optional engine capabilities.
type Feature int

const (
	FeatureSNI Feature = iota
	FeatureSNICallback
	FeatureNextProtos
	FeatureCompression
	FeatureECDH
	FeatureDH
	FeatureTLSUnique
	FeatureClearOptions
)

// VersionInfo is the engine build identity, in the reference engine's
// packed-number convention.
type VersionInfo struct {
	Text   string
	Number uint64
	Major  int
	Minor  int
	Fix    int
	Patch  int
	Status int
}

// EngineHooks is the locking strategy the host installs into an engine.
// Lock/Unlock are indexed by slot; ThreadID lets engines that dispatch
// on thread identity tell callers apart.  Engines whose internal state
// is already goroutine-safe may ignore the hooks entirely.
type EngineHooks struct {
	Lock     func(slot int)
	Unlock   func(slot int)
	ThreadID func() uint64
}

// EngineError is one queued low-level error record, in the reference
// engine's (library, reason) numbering.  Received TLS alerts surface
// under library SSL with reason alertReasonBase+code.
type EngineError struct {
	Library int
	Reason  int
	Text    string
}

// CipherInfo describes a negotiated cipher suite.
type CipherInfo struct {
	Name     string
	Protocol string
	Bits     int
}

// SessionStats is the context-level session counter block.
type SessionStats struct {
	Number             int
	Connect            int
	ConnectGood        int
	ConnectRenegotiate int
	Accept             int
	AcceptGood         int
	AcceptRenegotiate  int
	Hits               int
	Misses             int
	Timeouts           int
	CacheFull          int
}

// SessionConfig is the policy snapshot a Context hands the engine when
// minting a Session.  Certificate material is DER, leaf first.
type SessionConfig struct {
	IsClient   bool
	ServerName string
	Protocol   Protocol
	VerifyMask int
	Options    Options

	CertChain  [][]byte
	PrivateKey crypto.PrivateKey
	RootCAs    *x509.CertPool
	ClientCAs  *x509.CertPool

	CipherSuites []uint16
	NextProtos   []string
	CurveID      uint16
	DHParams     *DHParams

	// ServernameCallback is the SNI trampoline the Channel installs.
	// The engine invokes it once the client's hello names a host; a
	// returned Alert aborts the handshake with that alert, any other
	// error aborts with handshake_failure, nil proceeds.
	ServernameCallback func(hostname string) error
}

// Session is per-connection engine state over in-memory ciphertext
// buffers.  The stepping operations follow the reference engine's
// return convention: ret is the operation's numeric result and code the
// classification for that return (ErrorNone on success).  A Session is
// driven by exactly one Channel and inherits its serialization rules.
type Session interface {
	Handshake() (ret int, code ErrorCode)
	Read(p []byte) (ret int, code ErrorCode)
	Write(p []byte) (ret int, code ErrorCode)
	Shutdown() (ret int, code ErrorCode)

	// Ciphertext shuttle.  AddIncoming feeds bytes read from the
	// socket; CloseIncoming signals transport EOF.  PeekOutgoing and
	// DiscardOutgoing expose the bytes the engine wants on the wire.
	AddIncoming(p []byte)
	CloseIncoming()
	PeekOutgoing() []byte
	DiscardOutgoing(n int)

	// Pending reports decrypted bytes already buffered for Read.
	Pending() int
	ReceivedShutdown() bool
	SetReadAhead(on bool)
	MaxWriteSize() int

	PeerCertificates() [][]byte
	CipherSuite() (CipherInfo, bool)
	CompressionMethod() (string, bool)
	NextProto() (string, bool)
	Resumed() bool
	Finished(max int) ([]byte, bool)
	PeerFinished(max int) ([]byte, bool)

	// Error queue.  PopError removes the oldest queued record;
	// ClearErrors empties the queue.  classify drains it exactly once
	// per classification.
	PopError() (EngineError, bool)
	ClearErrors()

	Close() error
}

// DHParams is a loaded PKCS#3 parameter set, kept for engines that
// consume external Diffie-Hellman groups.
type DHParams struct {
	P []byte
	G []byte
}

var (
	engineInitMutex sync.Mutex
	engineInitDone  = map[Engine]bool{}
)

// initEngine performs the one-time process-level setup for an engine:
// a platform mutex per lock slot plus a goroutine-identity function.
// Idempotent per engine; installed hooks are never removed.
func initEngine(e Engine) {
	engineInitMutex.Lock()
	defer engineInitMutex.Unlock()
	if engineInitDone[e] {
		return
	}

	n := e.LockSlots()
	locks := make([]sync.Mutex, n)
	e.Install(EngineHooks{
		Lock:   func(slot int) { locks[slot].Lock() },
		Unlock: func(slot int) { locks[slot].Unlock() },
		// Goroutines have no stable identity to expose.  Engines
		// written in Go must not dispatch on thread identity; the
		// hook exists for bindings that need to hand something to a
		// foreign library.
		ThreadID: func() uint64 { return 0 },
	})
	engineInitDone[e] = true
	logf(logTypeEngine, "initialized engine %s (%d lock slots)", e.Name(), n)
}
