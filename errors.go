package tlssock

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed classification of engine operation outcomes,
// numbered in the convention the reference engine established: 0 is
// success, 1..7 are the engine's own classes, 8..10 are wrapper-level
// refinements (clean EOF in violation of protocol, vanished socket,
// unrecognizable code).
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorProtocol
	ErrorWantRead
	ErrorWantWrite
	ErrorWantX509Lookup
	ErrorSyscall
	ErrorZeroReturn
	ErrorWantConnect
	ErrorEOF
	ErrorNoSocket
	ErrorInvalidCode
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "NONE"
	case ErrorProtocol:
		return "SSL"
	case ErrorWantRead:
		return "WANT_READ"
	case ErrorWantWrite:
		return "WANT_WRITE"
	case ErrorWantX509Lookup:
		return "WANT_X509_LOOKUP"
	case ErrorSyscall:
		return "SYSCALL"
	case ErrorZeroReturn:
		return "ZERO_RETURN"
	case ErrorWantConnect:
		return "WANT_CONNECT"
	case ErrorEOF:
		return "EOF"
	case ErrorNoSocket:
		return "NO_SOCKET"
	}
	return fmt.Sprintf("INVALID(%d)", int(c))
}

// Error is a classified engine failure.  Library and Reason carry the
// mnemonics resolved from the static tables when the engine queued a
// low-level error record, and are empty otherwise.
type Error struct {
	Code    ErrorCode
	Library string
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Retryable reports whether a retry loop may continue after this
// classification.  Only the want-* subset qualifies.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrorWantRead, ErrorWantWrite, ErrorWantConnect, ErrorWantX509Lookup:
		return true
	}
	return false
}

// TimeoutError reports that a bounded readiness wait elapsed.  It
// satisfies net.Error so timeout-aware callers recognize it.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("The %s operation timed out", e.Op)
}

func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }

// OverflowError reports a write buffer exceeding the engine's maximum
// representable size.  No engine call is attempted.
type OverflowError struct {
	Limit int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("string longer than %d bytes", e.Limit)
}

// Transport-level failures, distinct from protocol classification so a
// caller can tell "the network failed" from "the handshake failed".
var (
	ErrSocketClosed   = errors.New("Underlying socket has been closed.")
	ErrSocketTooLarge = errors.New("Underlying socket too large for select().")
	ErrWaitFailed     = errors.New("Readiness wait on the socket failed.")
)

// Alert is a TLS alert description code.  Alert implements error so a
// servername callback can return one directly to abort a handshake with
// that specific alert.
type Alert uint8

const (
	AlertCloseNotify                  Alert = 0
	AlertUnexpectedMessage            Alert = 10
	AlertBadRecordMAC                 Alert = 20
	AlertDecryptionFailed             Alert = 21
	AlertRecordOverflow               Alert = 22
	AlertDecompressionFailure         Alert = 30
	AlertHandshakeFailure             Alert = 40
	AlertNoCertificate                Alert = 41
	AlertBadCertificate               Alert = 42
	AlertUnsupportedCertificate       Alert = 43
	AlertCertificateRevoked           Alert = 44
	AlertCertificateExpired           Alert = 45
	AlertCertificateUnknown           Alert = 46
	AlertIllegalParameter             Alert = 47
	AlertUnknownCA                    Alert = 48
	AlertAccessDenied                 Alert = 49
	AlertDecodeError                  Alert = 50
	AlertDecryptError                 Alert = 51
	AlertProtocolVersion              Alert = 70
	AlertInsufficientSecurity         Alert = 71
	AlertInternalError                Alert = 80
	AlertInappropriateFallback        Alert = 86
	AlertUserCanceled                 Alert = 90
	AlertNoRenegotiation              Alert = 100
	AlertUnsupportedExtension         Alert = 110
	AlertCertificateUnobtainable      Alert = 111
	AlertUnrecognizedName             Alert = 112
	AlertBadCertificateStatusResponse Alert = 113
	AlertBadCertificateHashValue      Alert = 114
	AlertUnknownPSKIdentity           Alert = 115
	AlertWouldBlock                   Alert = 254
	AlertNoAlert                      Alert = 255
)

var alertText = map[Alert]string{
	AlertCloseNotify:                  "close notify",
	AlertUnexpectedMessage:            "unexpected message",
	AlertBadRecordMAC:                 "bad record MAC",
	AlertDecryptionFailed:             "decryption failed",
	AlertRecordOverflow:               "record overflow",
	AlertDecompressionFailure:         "decompression failure",
	AlertHandshakeFailure:             "handshake failure",
	AlertNoCertificate:                "no certificate",
	AlertBadCertificate:               "bad certificate",
	AlertUnsupportedCertificate:       "unsupported certificate",
	AlertCertificateRevoked:           "certificate revoked",
	AlertCertificateExpired:           "certificate expired",
	AlertCertificateUnknown:           "certificate unknown",
	AlertIllegalParameter:             "illegal parameter",
	AlertUnknownCA:                    "unknown certificate authority",
	AlertAccessDenied:                 "access denied",
	AlertDecodeError:                  "error decoding message",
	AlertDecryptError:                 "error decrypting message",
	AlertProtocolVersion:              "protocol version not supported",
	AlertInsufficientSecurity:         "insufficient security level",
	AlertInternalError:                "internal error",
	AlertInappropriateFallback:        "inappropriate fallback",
	AlertUserCanceled:                 "user canceled",
	AlertNoRenegotiation:              "no renegotiation",
	AlertUnsupportedExtension:         "unsupported extension",
	AlertCertificateUnobtainable:      "certificate unobtainable",
	AlertUnrecognizedName:             "unrecognized name",
	AlertBadCertificateStatusResponse: "bad certificate status response",
	AlertBadCertificateHashValue:      "bad certificate hash value",
	AlertUnknownPSKIdentity:           "unknown PSK identity",
	AlertWouldBlock:                   "would block",
	AlertNoAlert:                      "no alert",
}

func (a Alert) String() string {
	if s, ok := alertText[a]; ok {
		return s
	}
	return fmt.Sprintf("alert(%d)", uint8(a))
}

func (a Alert) Error() string {
	return a.String()
}

// Engine library identifiers, in the reference engine's numbering.
const (
	errLibPEM  = 9
	errLibX509 = 11
	errLibSSL  = 20
	errLibRAND = 36
)

// Received and generated alerts are queued under library SSL with the
// reason offset the reference engine uses for the alert space.
const alertReasonBase = 1000

// Non-alert SSL reasons the engines in this module emit.
const (
	reasonCertificateVerifyFailed = 134
	reasonHTTPSProxyRequest       = 155
	reasonHTTPRequest             = 156
	reasonNoSharedCipher          = 193
	reasonUnknownProtocol         = 252
	reasonWrongVersionNumber      = 267
)

// PEM and X509 reasons used by the certificate/key loading paths.
const (
	reasonPEMBadDecrypt      = 101
	reasonPEMBadPasswordRead = 104
	reasonPEMNoStartLine     = 108
	reasonX509KeyMismatch    = 116
)

type errorKey struct {
	library int
	reason  int
}

var libraryNames = map[int]string{
	errLibPEM:  "PEM",
	errLibX509: "X509",
	errLibSSL:  "SSL",
	errLibRAND: "RAND",
}

// Static mnemonic table keyed by (library, reason).  Populated once and
// immutable from then on.
var errorMnemonics = map[errorKey]string{
	{errLibSSL, alertReasonBase + 10}:  "SSLV3_ALERT_UNEXPECTED_MESSAGE",
	{errLibSSL, alertReasonBase + 20}:  "SSLV3_ALERT_BAD_RECORD_MAC",
	{errLibSSL, alertReasonBase + 21}:  "TLSV1_ALERT_DECRYPTION_FAILED",
	{errLibSSL, alertReasonBase + 22}:  "TLSV1_ALERT_RECORD_OVERFLOW",
	{errLibSSL, alertReasonBase + 30}:  "SSLV3_ALERT_DECOMPRESSION_FAILURE",
	{errLibSSL, alertReasonBase + 40}:  "SSLV3_ALERT_HANDSHAKE_FAILURE",
	{errLibSSL, alertReasonBase + 41}:  "SSLV3_ALERT_NO_CERTIFICATE",
	{errLibSSL, alertReasonBase + 42}:  "SSLV3_ALERT_BAD_CERTIFICATE",
	{errLibSSL, alertReasonBase + 43}:  "SSLV3_ALERT_UNSUPPORTED_CERTIFICATE",
	{errLibSSL, alertReasonBase + 44}:  "SSLV3_ALERT_CERTIFICATE_REVOKED",
	{errLibSSL, alertReasonBase + 45}:  "SSLV3_ALERT_CERTIFICATE_EXPIRED",
	{errLibSSL, alertReasonBase + 46}:  "SSLV3_ALERT_CERTIFICATE_UNKNOWN",
	{errLibSSL, alertReasonBase + 47}:  "SSLV3_ALERT_ILLEGAL_PARAMETER",
	{errLibSSL, alertReasonBase + 48}:  "TLSV1_ALERT_UNKNOWN_CA",
	{errLibSSL, alertReasonBase + 49}:  "TLSV1_ALERT_ACCESS_DENIED",
	{errLibSSL, alertReasonBase + 50}:  "TLSV1_ALERT_DECODE_ERROR",
	{errLibSSL, alertReasonBase + 51}:  "TLSV1_ALERT_DECRYPT_ERROR",
	{errLibSSL, alertReasonBase + 70}:  "TLSV1_ALERT_PROTOCOL_VERSION",
	{errLibSSL, alertReasonBase + 71}:  "TLSV1_ALERT_INSUFFICIENT_SECURITY",
	{errLibSSL, alertReasonBase + 80}:  "TLSV1_ALERT_INTERNAL_ERROR",
	{errLibSSL, alertReasonBase + 90}:  "TLSV1_ALERT_USER_CANCELLED",
	{errLibSSL, alertReasonBase + 100}: "TLSV1_ALERT_NO_RENEGOTIATION",
	{errLibSSL, alertReasonBase + 110}: "TLSV1_UNSUPPORTED_EXTENSION",
	{errLibSSL, alertReasonBase + 111}: "TLSV1_CERTIFICATE_UNOBTAINABLE",
	{errLibSSL, alertReasonBase + 112}: "TLSV1_UNRECOGNIZED_NAME",
	{errLibSSL, alertReasonBase + 113}: "TLSV1_BAD_CERTIFICATE_STATUS_RESPONSE",
	{errLibSSL, alertReasonBase + 114}: "TLSV1_BAD_CERTIFICATE_HASH_VALUE",
	{errLibSSL, alertReasonBase + 115}: "TLSV1_ALERT_UNKNOWN_PSK_IDENTITY",

	{errLibSSL, reasonCertificateVerifyFailed}: "CERTIFICATE_VERIFY_FAILED",
	{errLibSSL, reasonHTTPSProxyRequest}:       "HTTPS_PROXY_REQUEST",
	{errLibSSL, reasonHTTPRequest}:             "HTTP_REQUEST",
	{errLibSSL, reasonNoSharedCipher}:          "NO_SHARED_CIPHER",
	{errLibSSL, reasonUnknownProtocol}:         "UNKNOWN_PROTOCOL",
	{errLibSSL, reasonWrongVersionNumber}:      "WRONG_VERSION_NUMBER",

	{errLibPEM, reasonPEMBadDecrypt}:      "BAD_DECRYPT",
	{errLibPEM, reasonPEMBadPasswordRead}: "BAD_PASSWORD_READ",
	{errLibPEM, reasonPEMNoStartLine}:     "NO_START_LINE",
	{errLibX509, reasonX509KeyMismatch}:   "KEY_VALUES_MISMATCH",
}

// MnemonicForError resolves the (library, reason) pair of a queued
// engine error to its mnemonic, if the static table knows one.
func MnemonicForError(library, reason int) (string, bool) {
	s, ok := errorMnemonics[errorKey{library, reason}]
	return s, ok
}

// LibraryName resolves an engine library identifier to its short name.
func LibraryName(library int) (string, bool) {
	s, ok := libraryNames[library]
	return s, ok
}

// newQueuedError builds an *Error of the given code from a queued engine
// record, composing the message the way the reference wrapper does:
// "[LIB: REASON] text" with whichever mnemonics resolve.
func newQueuedError(code ErrorCode, rec EngineError) *Error {
	e := &Error{Code: code}
	lib, libOK := libraryNames[rec.Library]
	reason, reasonOK := errorMnemonics[errorKey{rec.Library, rec.Reason}]
	text := rec.Text
	if text == "" {
		if reasonOK {
			text = reason
		} else {
			text = fmt.Sprintf("unknown error %d", rec.Reason)
		}
	}
	switch {
	case libOK && reasonOK:
		e.Library, e.Reason = lib, reason
		e.Message = fmt.Sprintf("[%s: %s] %s", lib, reason, text)
	case libOK:
		e.Library = lib
		e.Message = fmt.Sprintf("[%s] %s", lib, text)
	default:
		e.Message = text
	}
	return e
}

// classify turns a non-success engine step into exactly one typed error.
// ret is the engine's numeric return, code its error class for that
// return.  sockGone reports that the underlying socket reference is
// dead; transportErr is the socket's own error for the hard-failure
// delegation path (returned as-is, never double-wrapped).  The engine's
// pending error queue is drained exactly once per call: a queued record
// would otherwise leak into the next unrelated classification.
func classify(sess Session, ret int, code ErrorCode, sockGone bool, transportErr error) error {
	defer sess.ClearErrors()

	switch code {
	case ErrorWantRead:
		return &Error{Code: code, Message: "The operation did not complete (read)"}
	case ErrorWantWrite:
		return &Error{Code: code, Message: "The operation did not complete (write)"}
	case ErrorWantX509Lookup:
		return &Error{Code: code, Message: "The operation did not complete (X509 lookup)"}
	case ErrorWantConnect:
		return &Error{Code: code, Message: "The operation did not complete (connect)"}
	case ErrorZeroReturn:
		return &Error{Code: code, Message: "TLS/SSL connection has been closed (EOF)"}
	case ErrorSyscall:
		rec, ok := sess.PopError()
		if !ok {
			if ret == 0 || sockGone {
				return &Error{Code: ErrorEOF, Message: "EOF occurred in violation of protocol"}
			}
			if ret == -1 && transportErr != nil {
				// The underlying transport failed; its error is the
				// authoritative one.
				return transportErr
			}
			return &Error{Code: code, Message: "Some I/O error occurred"}
		}
		return newQueuedError(code, rec)
	case ErrorProtocol:
		rec, ok := sess.PopError()
		if !ok {
			return &Error{Code: code, Message: "A failure in the SSL library occurred"}
		}
		return newQueuedError(code, rec)
	}
	return &Error{Code: ErrorInvalidCode, Message: "Invalid error code"}
}

// errNoSocket is the failure every operation returns once the borrowed
// socket is gone.  Built fresh per call: callers may annotate it.
func errNoSocket() *Error {
	return &Error{Code: ErrorNoSocket, Message: "Underlying socket connection gone"}
}
