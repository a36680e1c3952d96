package tlssock

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/bifurcation/tlssock/certdec"
	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// PasswordFunc supplies decryption material for an encrypted private
// key.  It is invoked with no arguments each time the engine needs a
// secret and may be invoked more than once per load.
type PasswordFunc func() (string, error)

// ServernameCallback is the server-name-indication hook a Context may
// register.  hostname is the client-sent name decoded as an
// internationalized domain name, or "" when the client sent none.
// Returning an Alert aborts the handshake with that alert; any other
// non-nil error aborts with handshake_failure; nil continues.
type ServernameCallback func(ch *Channel, hostname string, ctx *Context) error

// VerifyPaths is the engine's default certificate location quadruple.
type VerifyPaths struct {
	CAFileEnv string
	CAFile    string
	CAPathEnv string
	CAPath    string
}

// CertStoreStats counts the objects loaded into the trust store.
type CertStoreStats struct {
	X509   int
	X509CA int
	CRL    int
}

// Context holds the protocol-version policy, verification policy,
// certificate material, and negotiation callbacks shared by the
// Channels it mints.  A Channel keeps a strong reference to its
// Context so the policy outlives the wrap call; the Context does not
// track its Channels.
//
// A Context may be shared between goroutines once configured;
// configuration calls themselves are serialized internally.
type Context struct {
	mu     sync.Mutex
	engine Engine

	protocol   Protocol
	verifyMask int
	options    Options

	certChain  [][]byte
	privateKey crypto.PrivateKey

	caPool   *x509.CertPool
	caCerts  [][]byte
	caCount  int
	crlCount int

	cipherSuites []uint16
	nextProtos   []string
	curveID      uint16
	dhParams     *DHParams
	servernameCB ServernameCallback

	// passwordHook is the active key-decryption source.  LoadCertChain
	// installs the caller's source for the duration of the load and
	// restores the default on every exit path, success or failure.
	passwordHook PasswordFunc

	statsMutex sync.Mutex
	stats      SessionStats
}

// NewContext builds a Context for the given version policy on the
// default engine.  Unknown versions are rejected outright; versions
// the engine cannot speak are rejected as capability gaps.
func NewContext(proto Protocol) (*Context, error) {
	return NewContextWithEngine(DefaultEngine(), proto)
}

func NewContextWithEngine(e Engine, proto Protocol) (*Context, error) {
	switch proto {
	case ProtocolSSLv2, ProtocolSSLv3, ProtocolSSLv23,
		ProtocolTLSv1, ProtocolTLSv1_1, ProtocolTLSv1_2:
	default:
		return nil, fmt.Errorf("tlssock.context: invalid protocol version")
	}
	if !e.SupportsProtocol(proto) {
		return nil, fmt.Errorf("tlssock.context: engine %s does not support %s", e.Name(), proto)
	}
	initEngine(e)
	return &Context{
		engine:   e,
		protocol: proto,
		// All bug workarounds on, except the empty-fragment
		// countermeasure stays enabled.
		options:    OptAll &^ OptDontInsertEmptyFragments,
		verifyMask: verifyMaskNone,
	}, nil
}

// Engine returns the engine this Context mints sessions from.
func (c *Context) Engine() Engine { return c.engine }

// Protocol returns the version policy the Context was created with.
func (c *Context) Protocol() Protocol { return c.protocol }

// VerifyMode maps the engine-level verify mask back to the three-value
// policy.  A mask outside the documented combinations is an internal
// consistency failure, not a caller error.
func (c *Context) VerifyMode() (VerifyMode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.verifyMask {
	case verifyMaskNone:
		return VerifyNone, nil
	case verifyMaskPeer:
		return VerifyOptional, nil
	case verifyMaskPeer | verifyMaskFailIfNoPeerCert:
		return VerifyRequired, nil
	}
	return 0, fmt.Errorf("tlssock.context: invalid return value from the engine")
}

func (c *Context) SetVerifyMode(m VerifyMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m {
	case VerifyNone:
		c.verifyMask = verifyMaskNone
	case VerifyOptional:
		c.verifyMask = verifyMaskPeer
	case VerifyRequired:
		c.verifyMask = verifyMaskPeer | verifyMaskFailIfNoPeerCert
	default:
		return fmt.Errorf("tlssock.context: invalid value for verify_mode")
	}
	return nil
}

// Options returns the current option bitset.
func (c *Context) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options
}

// SetOptions applies only the delta between the current and requested
// bitsets: cleared bits first, then newly set bits.  Setting the same
// value twice is a no-op on the second call.  Clearing requires the
// engine's option-clearing capability.
func (c *Context) SetOptions(opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear := c.options &^ opts
	set := opts &^ c.options
	if clear != 0 && !c.engine.Has(FeatureClearOptions) {
		return fmt.Errorf("tlssock.context: this engine does not support clearing options")
	}
	if clear == 0 && set == 0 {
		return nil
	}
	c.options = (c.options &^ clear) | set
	return nil
}

// LoadCertChain loads a certificate chain from certFile and the
// matching private key from keyFile, or from certFile when keyFile is
// empty.  password may be nil, a string, a []byte, or a PasswordFunc;
// a callback longer than the engine's password buffer or one that
// fails is a configuration error.  The previously installed password
// source is restored on every exit path.
func (c *Context) LoadCertChain(certFile, keyFile string, password interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hook, err := passwordSource(password)
	if err != nil {
		return err
	}
	prevHook := c.passwordHook
	c.passwordHook = hook
	defer func() { c.passwordHook = prevHook }()

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return errors.Wrap(err, "tlssock.context: loading certificate chain")
	}
	chain, err := parseCertChainPEM(certPEM)
	if err != nil {
		return err
	}

	keyPEM := certPEM
	if keyFile != "" && keyFile != certFile {
		keyPEM, err = os.ReadFile(keyFile)
		if err != nil {
			return errors.Wrap(err, "tlssock.context: loading private key")
		}
	}
	key, err := parsePrivateKeyPEM(keyPEM, c.passwordHook)
	if err != nil {
		return err
	}

	// The key must belong to the leaf certificate.
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return errors.Wrap(err, "tlssock.context: parsing leaf certificate")
	}
	if !publicKeyMatches(leaf.PublicKey, key) {
		return newQueuedError(ErrorProtocol, EngineError{
			Library: errLibX509,
			Reason:  reasonX509KeyMismatch,
			Text:    "key values mismatch",
		})
	}

	c.certChain = chain
	c.privateKey = key
	return nil
}

// passwordSource normalizes the accepted password forms into a hook,
// rejecting unusable types and oversized fixed values up front.
func passwordSource(password interface{}) (PasswordFunc, error) {
	switch p := password.(type) {
	case nil:
		return nil, nil
	case string:
		if len(p) > passwordBufferSize {
			return nil, fmt.Errorf("tlssock.context: password cannot be longer than %d bytes", passwordBufferSize)
		}
		return func() (string, error) { return p, nil }, nil
	case []byte:
		if len(p) > passwordBufferSize {
			return nil, fmt.Errorf("tlssock.context: password cannot be longer than %d bytes", passwordBufferSize)
		}
		return func() (string, error) { return string(p), nil }, nil
	case PasswordFunc:
		return wrapPasswordFunc(p), nil
	case func() (string, error):
		return wrapPasswordFunc(p), nil
	}
	return nil, fmt.Errorf("tlssock.context: password should be a string or callable")
}

// wrapPasswordFunc enforces the engine's buffer bound on every
// invocation, since the callback may run more than once per load.
func wrapPasswordFunc(f PasswordFunc) PasswordFunc {
	return func() (string, error) {
		secret, err := f()
		if err != nil {
			return "", errors.Wrap(err, "tlssock.context: password callback")
		}
		if len(secret) > passwordBufferSize {
			return "", fmt.Errorf("tlssock.context: password cannot be longer than %d bytes", passwordBufferSize)
		}
		return secret, nil
	}
}

func parseCertChainPEM(data []byte) ([][]byte, error) {
	var chain [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, newQueuedError(ErrorProtocol, EngineError{
			Library: errLibPEM,
			Reason:  reasonPEMNoStartLine,
			Text:    "no start line",
		})
	}
	return chain, nil
}

func parsePrivateKeyPEM(data []byte, hook PasswordFunc) (crypto.PrivateKey, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
		default:
			continue
		}

		der := block.Bytes
		if x509.IsEncryptedPEMBlock(block) {
			if hook == nil {
				return nil, newQueuedError(ErrorProtocol, EngineError{
					Library: errLibPEM,
					Reason:  reasonPEMBadPasswordRead,
					Text:    "bad password read",
				})
			}
			secret, err := hook()
			if err != nil {
				return nil, err
			}
			der, err = x509.DecryptPEMBlock(block, []byte(secret))
			if err != nil {
				return nil, newQueuedError(ErrorProtocol, EngineError{
					Library: errLibPEM,
					Reason:  reasonPEMBadDecrypt,
					Text:    "bad decrypt",
				})
			}
		}

		if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
			return key, nil
		}
		if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
			return key, nil
		}
		if key, err := x509.ParseECPrivateKey(der); err == nil {
			return key, nil
		}
		return nil, fmt.Errorf("tlssock.context: unparseable private key")
	}
	return nil, newQueuedError(ErrorProtocol, EngineError{
		Library: errLibPEM,
		Reason:  reasonPEMNoStartLine,
		Text:    "no start line",
	})
}

func publicKeyMatches(certPub crypto.PublicKey, key crypto.PrivateKey) bool {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return false
	}
	switch pub := certPub.(type) {
	case *rsa.PublicKey:
		kp, ok := signer.Public().(*rsa.PublicKey)
		return ok && pub.Equal(kp)
	case *ecdsa.PublicKey:
		kp, ok := signer.Public().(*ecdsa.PublicKey)
		return ok && pub.Equal(kp)
	case ed25519.PublicKey:
		kp, ok := signer.Public().(ed25519.PublicKey)
		return ok && pub.Equal(kp)
	}
	return false
}

// LoadVerifyLocations loads trusted CA material from a PEM file, a
// directory of PEM files, or both.  Omitting both is a configuration
// error caught before any file or engine work.
func (c *Context) LoadVerifyLocations(cafile, capath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cafile == "" && capath == "" {
		return fmt.Errorf("tlssock.context: cafile and capath cannot be both omitted")
	}
	if c.caPool == nil {
		c.caPool = x509.NewCertPool()
	}

	if cafile != "" {
		data, err := os.ReadFile(cafile)
		if err != nil {
			return errors.Wrap(err, "tlssock.context: loading cafile")
		}
		if err := c.addVerifyPEM(data); err != nil {
			return err
		}
	}
	if capath != "" {
		entries, err := os.ReadDir(capath)
		if err != nil {
			return errors.Wrap(err, "tlssock.context: scanning capath")
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(capath, ent.Name()))
			if err != nil {
				continue
			}
			// Unparseable files in a capath directory are skipped, the
			// way the hashed-directory lookup skips them.
			c.addVerifyPEM(data)
		}
	}
	return nil
}

func (c *Context) addVerifyPEM(data []byte) error {
	found := false
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return errors.Wrap(err, "tlssock.context: parsing CA certificate")
			}
			c.caPool.AddCert(cert)
			c.caCerts = append(c.caCerts, block.Bytes)
			c.caCount++
			found = true
		case "X509 CRL":
			c.crlCount++
			found = true
		}
	}
	if !found {
		return newQueuedError(ErrorProtocol, EngineError{
			Library: errLibPEM,
			Reason:  reasonPEMNoStartLine,
			Text:    "no start line",
		})
	}
	return nil
}

// SetDefaultVerifyPaths loads the platform's trusted root store.
func (c *Context) SetDefaultVerifyPaths() error {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return errors.Wrap(err, "tlssock.context: loading system roots")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// The platform pool cannot be merged into; re-add the explicitly
	// loaded certificates instead.
	for _, der := range c.caCerts {
		if cert, err := x509.ParseCertificate(der); err == nil {
			pool.AddCert(cert)
		}
	}
	c.caPool = pool
	return nil
}

// DefaultVerifyPaths reports the conventional environment variables
// and fallback paths for CA material.
func DefaultVerifyPaths() VerifyPaths {
	p := VerifyPaths{
		CAFileEnv: "SSL_CERT_FILE",
		CAPathEnv: "SSL_CERT_DIR",
		CAFile:    "/etc/ssl/cert.pem",
		CAPath:    "/etc/ssl/certs",
	}
	if v := os.Getenv(p.CAFileEnv); v != "" {
		p.CAFile = v
	}
	if v := os.Getenv(p.CAPathEnv); v != "" {
		p.CAPath = v
	}
	return p
}

// CertStoreStats counts the certificates and CRLs loaded so far.  CA
// material pulled in lazily from a capath directory scan is counted at
// load time, unlike the hashed-lookup engines that count on first use.
func (c *Context) CertStoreStats() CertStoreStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CertStoreStats{CRL: c.crlCount}
	for _, der := range c.caCerts {
		stats.X509++
		if cert, err := x509.ParseCertificate(der); err == nil && cert.IsCA {
			stats.X509CA++
		}
	}
	return stats
}

// GetCACerts returns the loaded CA certificates as raw DER.
func (c *Context) GetCACerts() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.caCerts))
	for i, der := range c.caCerts {
		cp := make([]byte, len(der))
		copy(cp, der)
		out[i] = cp
	}
	return out
}

// GetCACertsDecoded returns the loaded CA certificates in decoded
// form.  Entries the decoder cannot parse are skipped.
func (c *Context) GetCACertsDecoded() []*certdec.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*certdec.Certificate, 0, len(c.caCerts))
	for _, der := range c.caCerts {
		cert, err := certdec.Decode(der)
		if err != nil {
			logf(logTypeCert, "skipping undecodable store entry: %v", err)
			continue
		}
		out = append(out, cert)
	}
	return out
}

// SetCiphers installs a cipher policy from a spec string.  A spec that
// selects nothing is a configuration error.
func (c *Context) SetCiphers(spec string) error {
	suites, err := c.engine.ParseCipherSpec(spec)
	if err != nil {
		return err
	}
	if len(suites) == 0 {
		return fmt.Errorf("tlssock.context: No cipher can be selected.")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cipherSuites = suites
	return nil
}

// SetNextProtos installs the next-protocol-negotiation preference
// list, most preferred first.
func (c *Context) SetNextProtos(protos []string) error {
	if !c.engine.Has(FeatureNextProtos) {
		return fmt.Errorf("tlssock.context: next-protocol negotiation not supported by this engine")
	}
	for _, p := range protos {
		if len(p) == 0 || len(p) > 255 {
			return fmt.Errorf("tlssock.context: protocol name must be 1-255 bytes")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextProtos = append([]string(nil), protos...)
	return nil
}

// SetECDHCurve selects the elliptic curve for ephemeral key exchange.
func (c *Context) SetECDHCurve(name string) error {
	if !c.engine.Has(FeatureECDH) {
		return fmt.Errorf("tlssock.context: ECDH not supported by this engine")
	}
	id, ok := c.engine.CurveID(name)
	if !ok {
		return fmt.Errorf("tlssock.context: unknown elliptic curve name %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curveID = id
	return nil
}

// LoadDHParams loads a PKCS#3 Diffie-Hellman parameter set.  The
// parameters are held for engines that consume external DH groups;
// engines without finite-field DH ignore them.
func (c *Context) LoadDHParams(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "tlssock.context: loading DH parameters")
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "DH PARAMETERS" {
		return newQueuedError(ErrorProtocol, EngineError{
			Library: errLibPEM,
			Reason:  reasonPEMNoStartLine,
			Text:    "no start line",
		})
	}
	params, err := parseDHParams(block.Bytes)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dhParams = params
	return nil
}

// SetServernameCallback registers the SNI hook, or clears it with nil.
func (c *Context) SetServernameCallback(cb ServernameCallback) error {
	if !c.engine.Has(FeatureSNICallback) {
		return fmt.Errorf("tlssock.context: server-name callback not implemented by this engine")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servernameCB = cb
	return nil
}

// WrapSocket binds a Channel to an existing connected socket.
// serverHostname is meaningful only on the client side, where it is
// IDNA-encoded and sent as SNI.
func (c *Context) WrapSocket(sock Socket, serverSide bool, serverHostname string) (*Channel, error) {
	if serverHostname != "" {
		if serverSide {
			return nil, fmt.Errorf("tlssock.context: server_hostname can only be specified in client mode")
		}
		if !c.engine.Has(FeatureSNI) {
			return nil, fmt.Errorf("tlssock.context: server_hostname is not supported by this engine")
		}
		encoded, err := idna.Lookup.ToASCII(serverHostname)
		if err != nil {
			return nil, errors.Wrapf(err, "tlssock.context: encoding server hostname %q", serverHostname)
		}
		serverHostname = encoded
	}
	return newChannel(c, sock, serverSide, serverHostname)
}

// sessionConfig snapshots the current policy for a new Session.
func (c *Context) sessionConfig(serverSide bool, serverHostname string) *SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &SessionConfig{
		IsClient:     !serverSide,
		ServerName:   serverHostname,
		Protocol:     c.protocol,
		VerifyMask:   c.verifyMask,
		Options:      c.options,
		CertChain:    c.certChain,
		PrivateKey:   c.privateKey,
		RootCAs:      c.caPool,
		ClientCAs:    c.caPool,
		CipherSuites: c.cipherSuites,
		NextProtos:   c.nextProtos,
		CurveID:      c.curveID,
		DHParams:     c.dhParams,
	}
}

func (c *Context) servernameCallback() ServernameCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servernameCB
}

// SessionStats returns the context-level session counters.
func (c *Context) SessionStats() SessionStats {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()
	return c.stats
}

func (c *Context) noteSessionStart(serverSide bool) {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()
	c.stats.Number++
	if serverSide {
		c.stats.Accept++
	} else {
		c.stats.Connect++
	}
}

func (c *Context) noteHandshakeDone(serverSide, resumed bool) {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()
	if serverSide {
		c.stats.AcceptGood++
	} else {
		c.stats.ConnectGood++
	}
	if resumed {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
}

// parseDHParams walks the PKCS#3 DER structure: a SEQUENCE of prime
// and generator INTEGERs plus an optional privateValueLength.
func parseDHParams(der []byte) (*DHParams, error) {
	var seq struct {
		P *big.Int
		G *big.Int
		L int `asn1:"optional"`
	}
	if _, err := asn1.Unmarshal(der, &seq); err != nil {
		return nil, errors.Wrap(err, "tlssock.context: parsing DH parameters")
	}
	return &DHParams{P: seq.P.Bytes(), G: seq.G.Bytes()}, nil
}
