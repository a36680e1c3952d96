// Package tlssock layers a TLS protocol engine over an existing
// byte-stream socket: handshake, encrypted read/write, shutdown, and
// certificate inspection, with timeout-aware retries in the style of
// the classic socket wrappers.
package tlssock

// Protocol selects the version policy a Context enforces.  ProtocolSSLv23
// means "negotiate the best version both sides support"; the fixed values
// pin exactly one version.  Which members an engine actually implements is
// a capability question, not a validity one.
type Protocol int

const (
	ProtocolSSLv2 Protocol = iota
	ProtocolSSLv3
	ProtocolSSLv23
	ProtocolTLSv1
	ProtocolTLSv1_1
	ProtocolTLSv1_2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSSLv2:
		return "SSLv2"
	case ProtocolSSLv3:
		return "SSLv3"
	case ProtocolSSLv23:
		return "SSLv23"
	case ProtocolTLSv1:
		return "TLSv1"
	case ProtocolTLSv1_1:
		return "TLSv1.1"
	case ProtocolTLSv1_2:
		return "TLSv1.2"
	}
	return "unknown"
}

// Options is the context option bitset.  The bit values match the ones the
// reference engine has used for two decades, so configurations written
// against it translate directly.
type Options uint32

const (
	OptDontInsertEmptyFragments Options = 0x00000800
	OptNoCompression            Options = 0x00020000
	OptSingleECDHUse            Options = 0x00080000
	OptSingleDHUse              Options = 0x00100000
	OptCipherServerPreference   Options = 0x00400000
	OptNoSSLv2                  Options = 0x01000000
	OptNoSSLv3                  Options = 0x02000000
	OptNoTLSv1                  Options = 0x04000000
	OptNoTLSv1_2                Options = 0x08000000
	OptNoTLSv1_1                Options = 0x10000000

	// OptAll is every bug workaround the engine knows.
	OptAll Options = 0x80000BFF
)

// VerifyMode is the three-value certificate verification policy.
type VerifyMode int

const (
	VerifyNone VerifyMode = iota
	VerifyOptional
	VerifyRequired
)

// Engine-level verify mask bits corresponding to VerifyMode.
const (
	verifyMaskNone             = 0x00
	verifyMaskPeer             = 0x01
	verifyMaskFailIfNoPeerCert = 0x02
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyNone:
		return "CERT_NONE"
	case VerifyOptional:
		return "CERT_OPTIONAL"
	case VerifyRequired:
		return "CERT_REQUIRED"
	}
	return "unknown"
}

// ChannelState is the lifecycle position of a Channel.
type ChannelState int

const (
	StateCreated ChannelState = iota
	StateHandshaking
	StateEstablished
	StateShuttingDown
	StateClosed
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateHandshaking:
		return "Handshaking"
	case StateEstablished:
		return "Established"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	}
	return "unknown"
}

// I/O directions for readiness waits.
type ioDirection int

const (
	directionRead ioDirection = iota
	directionWrite
)

func (d ioDirection) String() string {
	if d == directionWrite {
		return "write"
	}
	return "read"
}

// Channel binding retrieval is capped at this many bytes, matching the
// reference engine's finished-message buffer.
const channelBindingMax = 128

// Longest secret a password callback may return.
const passwordBufferSize = 1024
