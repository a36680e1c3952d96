package certdec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func assertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func assertDecodes(t *testing.T, der []byte) *Certificate {
	t.Helper()
	cert, err := Decode(der)
	assertNotError(t, err, "Decode failed")
	return cert
}

func assertDiff(t *testing.T, got, want interface{}) {
	t.Helper()
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("mismatch (-want +got):\n%s", d)
	}
}

// makeCert self-signs the template with a throwaway P-256 key.
func makeCert(t *testing.T, tmpl *x509.Certificate) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assertNotError(t, err, "generating key")
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	assertNotError(t, err, "creating certificate")
	return der
}

func baseTemplate() *x509.Certificate {
	return &x509.Certificate{
		SerialNumber: big.NewInt(0xDEADBEEF),
		Subject:      pkix.Name{CommonName: "localhost", Organization: []string{"tlssock"}},
		NotBefore:    time.Date(2024, 1, 15, 3, 4, 5, 0, time.UTC),
		NotAfter:     time.Date(2025, 1, 15, 3, 4, 5, 0, time.UTC),
	}
}

// DER construction helpers for the shapes the platform serializer will
// not produce.  Contents stay short enough for single-byte lengths.
func tagged(tag byte, body []byte) []byte {
	if len(body) > 127 {
		panic("tagged: body too long")
	}
	return append([]byte{tag, byte(len(body))}, body...)
}

func sanValue(entries ...[]byte) []byte {
	var body []byte
	for _, e := range entries {
		body = append(body, e...)
	}
	return tagged(0x30, body)
}

func dnsEntry(name string) []byte { return tagged(0x82, []byte(name)) }

var oidSAN = asn1.ObjectIdentifier{2, 5, 29, 17}

func TestDecodeBasics(t *testing.T) {
	der := makeCert(t, baseTemplate())
	cert := assertDecodes(t, der)

	if cert.Version != 3 {
		t.Fatalf("version %d, want 3", cert.Version)
	}
	if cert.SerialNumber != "3735928559" {
		t.Fatalf("serial %q, want decimal 3735928559", cert.SerialNumber)
	}
	assertDiff(t, cert.Subject, RDNSequence{
		{{Type: "organizationName", Value: "tlssock"}},
		{{Type: "commonName", Value: "localhost"}},
	})
	assertDiff(t, cert.Issuer, cert.Subject)

	if cert.NotBefore != "Jan 15 03:04:05 2024 GMT" {
		t.Fatalf("notBefore %q", cert.NotBefore)
	}
	if cert.NotAfter != "Jan 15 03:04:05 2025 GMT" {
		t.Fatalf("notAfter %q", cert.NotAfter)
	}

	// No subjectAltName extension at all: nil, not empty.
	if cert.SubjectAltNames != nil {
		t.Fatalf("expected nil SANs, got %+v", cert.SubjectAltNames)
	}
}

// Validity past 2049 switches to GeneralizedTime on the wire.
func TestDecodeGeneralizedTime(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.NotAfter = time.Date(2060, 1, 15, 3, 4, 5, 0, time.UTC)
	cert := assertDecodes(t, makeCert(t, tmpl))
	if cert.NotAfter != "Jan 15 03:04:05 2060 GMT" {
		t.Fatalf("notAfter %q", cert.NotAfter)
	}
}

func TestDecodeSubjectAltNames(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.DNSNames = []string{"localhost", "www.example.org"}
	tmpl.EmailAddresses = []string{"admin@example.org"}
	tmpl.IPAddresses = []net.IP{net.ParseIP("192.0.2.1")}
	tmpl.URIs = []*url.URL{{Scheme: "https", Host: "example.org", Path: "/x"}}

	cert := assertDecodes(t, makeCert(t, tmpl))
	assertDiff(t, cert.SubjectAltNames, []GeneralName{
		{Type: "DNS", Value: "localhost"},
		{Type: "DNS", Value: "www.example.org"},
		{Type: "email", Value: "admin@example.org"},
		{Type: "IP Address", Value: "192.0.2.1"},
		{Type: "URI", Value: "https://example.org/x"},
	})
}

// A certificate may carry the subjectAltName extension more than once;
// every occurrence contributes, in encounter order.
func TestDecodeDuplicateSANExtensions(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.ExtraExtensions = []pkix.Extension{
		{Id: oidSAN, Value: sanValue(dnsEntry("first.example"))},
		{Id: oidSAN, Value: sanValue(dnsEntry("second.example"), dnsEntry("third.example"))},
	}
	cert := assertDecodes(t, makeCert(t, tmpl))
	assertDiff(t, cert.SubjectAltNames, []GeneralName{
		{Type: "DNS", Value: "first.example"},
		{Type: "DNS", Value: "second.example"},
		{Type: "DNS", Value: "third.example"},
	})
}

// A NUL byte inside a dNSName survives decoding at full length.
func TestDecodeEmbeddedNUL(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.ExtraExtensions = []pkix.Extension{
		{Id: oidSAN, Value: sanValue(dnsEntry("good.example\x00evil.example"))},
	}
	cert := assertDecodes(t, makeCert(t, tmpl))
	if len(cert.SubjectAltNames) != 1 {
		t.Fatalf("got %d SANs", len(cert.SubjectAltNames))
	}
	if cert.SubjectAltNames[0].Value != "good.example\x00evil.example" {
		t.Fatalf("NUL truncated the name: %q", cert.SubjectAltNames[0].Value)
	}
}

// Present-but-empty extension decodes to an empty non-nil list, which
// is distinguishable from an absent extension.
func TestDecodeEmptySANExtension(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.ExtraExtensions = []pkix.Extension{{Id: oidSAN, Value: sanValue()}}
	cert := assertDecodes(t, makeCert(t, tmpl))
	if cert.SubjectAltNames == nil {
		t.Fatal("present-but-empty extension decoded as absent")
	}
	if len(cert.SubjectAltNames) != 0 {
		t.Fatalf("got %d SANs, want 0", len(cert.SubjectAltNames))
	}
}

// Attributes that shared one DER SET stay grouped in one RDN.
func TestDecodeMultiAttributeRDN(t *testing.T) {
	oidCN := asn1.ObjectIdentifier{2, 5, 4, 3}
	oidEmail := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	rawSubject, err := asn1.Marshal(pkix.RDNSequence{
		pkix.RelativeDistinguishedNameSET{
			{Type: oidCN, Value: "Alice"},
			{Type: oidEmail, Value: "alice@example.org"},
		},
		pkix.RelativeDistinguishedNameSET{
			{Type: asn1.ObjectIdentifier{2, 5, 4, 10}, Value: "Wonderland"},
		},
	})
	assertNotError(t, err, "marshaling subject")

	tmpl := baseTemplate()
	tmpl.RawSubject = rawSubject
	cert := assertDecodes(t, makeCert(t, tmpl))
	assertDiff(t, cert.Subject, RDNSequence{
		{
			{Type: "commonName", Value: "Alice"},
			{Type: "emailAddress", Value: "alice@example.org"},
		},
		{{Type: "organizationName", Value: "Wonderland"}},
	})
}

func TestDecodeDirNameSAN(t *testing.T) {
	inner, err := asn1.Marshal(pkix.Name{CommonName: "dir entry"}.ToRDNSequence())
	assertNotError(t, err, "marshaling directory name")

	tmpl := baseTemplate()
	tmpl.ExtraExtensions = []pkix.Extension{
		{Id: oidSAN, Value: sanValue(tagged(0xa4, inner))},
	}
	cert := assertDecodes(t, makeCert(t, tmpl))
	assertDiff(t, cert.SubjectAltNames, []GeneralName{
		{Type: "DirName", DirName: RDNSequence{{{Type: "commonName", Value: "dir entry"}}}},
	})
}

// Registered-ID and the unsupported structured types render generically.
func TestDecodeExoticSANTypes(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.ExtraExtensions = []pkix.Extension{
		{Id: oidSAN, Value: sanValue(
			tagged(0x88, []byte{42, 3, 4}),
			tagged(0xa0, tagged(0x06, []byte{42, 3, 4})),
		)},
	}
	cert := assertDecodes(t, makeCert(t, tmpl))
	assertDiff(t, cert.SubjectAltNames, []GeneralName{
		{Type: "Registered ID", Value: "1.2.3.4"},
		{Type: "othername", Value: "<unsupported>"},
	})
}

// An out-of-range general-name tag is a warning, not a failure.
func TestDecodeUnknownGeneralNameWarns(t *testing.T) {
	prev := warnf
	defer func() { warnf = prev }()
	var warnings []string
	SetWarnFunc(func(format string, args ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	})

	tmpl := baseTemplate()
	tmpl.ExtraExtensions = []pkix.Extension{
		{Id: oidSAN, Value: sanValue(
			tagged(0x89, []byte{1}),
			dnsEntry("kept.example"),
		)},
	}
	cert := assertDecodes(t, makeCert(t, tmpl))
	assertDiff(t, cert.SubjectAltNames, []GeneralName{
		{Type: "DNS", Value: "kept.example"},
	})
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(warnings), warnings)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	der := makeCert(t, baseTemplate())
	cert := assertDecodes(t, der)
	assertDiff(t, ToDER(cert), der)

	// The returned copy is independent of the input buffer.
	der[0] ^= 0xff
	assertDiff(t, ToDER(cert), append([]byte(nil), cert.Raw...))
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()
	der := makeCert(t, baseTemplate())

	pemPath := filepath.Join(dir, "cert.pem")
	err := os.WriteFile(pemPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600)
	assertNotError(t, err, "writing PEM")
	cert, err := DecodeFile(pemPath)
	assertNotError(t, err, "decoding PEM file")
	assertDiff(t, cert.Raw, der)

	derPath := filepath.Join(dir, "cert.der")
	assertNotError(t, os.WriteFile(derPath, der, 0o600), "writing DER")
	cert, err = DecodeFile(derPath)
	assertNotError(t, err, "decoding DER file")
	assertDiff(t, cert.Raw, der)
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range [][]byte{
		nil,
		{0x30},
		[]byte("certificate"),
	} {
		if _, err := Decode(in); err == nil {
			t.Fatalf("Decode(%x) succeeded", in)
		}
	}
}

func TestRDNSequenceString(t *testing.T) {
	seq := RDNSequence{
		{{Type: "organizationName", Value: "tlssock"}},
		{{Type: "commonName", Value: "localhost"}},
	}
	if got := seq.String(); got != "/organizationName=tlssock/commonName=localhost" {
		t.Fatalf("String() = %q", got)
	}
}
