// Package certdec decodes X.509 DER certificates into structured
// subject/issuer names, validity, serial, and subject-alternative-name
// records.  It walks the DER directly so that RDN grouping is
// preserved exactly and duplicate extensions are tolerated, neither of
// which the platform certificate parser guarantees.
package certdec

import (
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// AttributeTypeAndValue is one attribute within a relative
// distinguished name, the type rendered as its long name.
type AttributeTypeAndValue struct {
	Type  string
	Value string
}

// RDN is one relative-distinguished-name group: the attributes that
// shared a DER SET.
type RDN []AttributeTypeAndValue

// RDNSequence is an ordered distinguished name.
type RDNSequence []RDN

// String renders the name in the conventional slash-separated form.
func (seq RDNSequence) String() string {
	var b strings.Builder
	for _, rdn := range seq {
		for _, atv := range rdn {
			fmt.Fprintf(&b, "/%s=%s", atv.Type, atv.Value)
		}
	}
	return b.String()
}

// GeneralName is one subject-alternative-name entry.  DirName entries
// carry the nested name in DirName; every other type carries a string
// value.
type GeneralName struct {
	Type    string
	Value   string
	DirName RDNSequence
}

// Certificate is the decoded form.  SubjectAltNames is nil when the
// certificate carries no subjectAltName extension at all, and a
// non-nil empty list when the extension is present but names nothing.
type Certificate struct {
	Raw             []byte
	Version         int
	SerialNumber    string
	Subject         RDNSequence
	Issuer          RDNSequence
	NotBefore       string
	NotAfter        string
	SubjectAltNames []GeneralName
}

// warnf receives non-fatal decode warnings (unknown general-name
// types).  The default discards them; hosts wire their own logger.
var warnf = func(string, ...interface{}) {}

// SetWarnFunc installs the warning sink.
func SetWarnFunc(f func(format string, args ...interface{})) {
	if f != nil {
		warnf = f
	}
}

var errMalformed = fmt.Errorf("certdec: malformed certificate")

// Decode parses a DER-encoded certificate.  A decode failure on any
// attribute aborts the whole certificate.
func Decode(der []byte) (*Certificate, error) {
	out := &Certificate{Raw: append([]byte(nil), der...)}

	input := cryptobyte.String(der)
	var cert cryptobyte.String
	if !input.ReadASN1(&cert, casn1.SEQUENCE) {
		return nil, errMalformed
	}
	var tbs cryptobyte.String
	if !cert.ReadASN1(&tbs, casn1.SEQUENCE) {
		return nil, errMalformed
	}

	// version [0] EXPLICIT INTEGER DEFAULT v1(0); stored 1-based.
	version := 0
	versionTag := casn1.Tag(0).Constructed().ContextSpecific()
	if tbs.PeekASN1Tag(versionTag) {
		var vwrap cryptobyte.String
		if !tbs.ReadASN1(&vwrap, versionTag) || !vwrap.ReadASN1Integer(&version) {
			return nil, errMalformed
		}
	}
	out.Version = version + 1

	serial := new(big.Int)
	if !tbs.ReadASN1Integer(serial) {
		return nil, errMalformed
	}
	out.SerialNumber = serial.String()

	var sigAlg cryptobyte.String
	if !tbs.ReadASN1(&sigAlg, casn1.SEQUENCE) {
		return nil, errMalformed
	}

	issuer, err := parseName(&tbs)
	if err != nil {
		return nil, err
	}
	out.Issuer = issuer

	var validity cryptobyte.String
	if !tbs.ReadASN1(&validity, casn1.SEQUENCE) {
		return nil, errMalformed
	}
	if out.NotBefore, err = readTime(&validity); err != nil {
		return nil, err
	}
	if out.NotAfter, err = readTime(&validity); err != nil {
		return nil, err
	}

	subject, err := parseName(&tbs)
	if err != nil {
		return nil, err
	}
	out.Subject = subject

	var spki cryptobyte.String
	if !tbs.ReadASN1(&spki, casn1.SEQUENCE) {
		return nil, errMalformed
	}

	// issuerUniqueID [1] and subjectUniqueID [2], both optional.
	for _, t := range []casn1.Tag{
		casn1.Tag(1).ContextSpecific(),
		casn1.Tag(2).ContextSpecific(),
	} {
		if tbs.PeekASN1Tag(t) {
			var skip cryptobyte.String
			if !tbs.ReadASN1(&skip, t) {
				return nil, errMalformed
			}
		}
	}

	if err := parseExtensions(&tbs, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToDER re-encodes the certificate losslessly.
func ToDER(c *Certificate) []byte {
	return append([]byte(nil), c.Raw...)
}

// DecodeFile reads a certificate from a PEM or raw DER file.
func DecodeFile(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			return Decode(block.Bytes)
		}
	}
	return Decode(data)
}

// parseName consumes one Name from s.  Each DER SET becomes one RDN
// group, attributes in encounter order.
func parseName(s *cryptobyte.String) (RDNSequence, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, casn1.SEQUENCE) {
		return nil, errMalformed
	}
	out := RDNSequence{}
	for !seq.Empty() {
		var set cryptobyte.String
		if !seq.ReadASN1(&set, casn1.SET) {
			return nil, errMalformed
		}
		var rdn RDN
		for !set.Empty() {
			var atv cryptobyte.String
			if !set.ReadASN1(&atv, casn1.SEQUENCE) {
				return nil, errMalformed
			}
			var oid []byte
			if !readOIDContents(&atv, &oid) {
				return nil, errMalformed
			}
			var value cryptobyte.String
			var tag casn1.Tag
			if !atv.ReadAnyASN1(&value, &tag) {
				return nil, errMalformed
			}
			text, err := decodeDirectoryString(tag, value)
			if err != nil {
				return nil, err
			}
			rdn = append(rdn, AttributeTypeAndValue{
				Type:  attributeName(oidString(oid)),
				Value: text,
			})
		}
		if len(rdn) > 0 {
			out = append(out, rdn)
		}
	}
	return out, nil
}

func readOIDContents(s *cryptobyte.String, out *[]byte) bool {
	var body cryptobyte.String
	if !s.ReadASN1(&body, casn1.OBJECT_IDENTIFIER) {
		return false
	}
	*out = body
	return true
}

// oidString renders DER object-identifier content bytes in dotted
// decimal.
func oidString(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var b strings.Builder
	v := 0
	first := true
	for i := 0; i < len(body); i++ {
		v = v<<7 | int(body[i]&0x7f)
		if body[i]&0x80 != 0 {
			continue
		}
		if first {
			first = false
			fmt.Fprintf(&b, "%d.%d", v/40, v%40)
		} else {
			fmt.Fprintf(&b, ".%d", v)
		}
		v = 0
	}
	return b.String()
}

// Long names for the attribute types certificates carry in practice;
// anything else falls back to dotted decimal.
var attributeNames = map[string]string{
	"2.5.4.3":                    "commonName",
	"2.5.4.4":                    "surname",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "countryName",
	"2.5.4.7":                    "localityName",
	"2.5.4.8":                    "stateOrProvinceName",
	"2.5.4.9":                    "streetAddress",
	"2.5.4.10":                   "organizationName",
	"2.5.4.11":                   "organizationalUnitName",
	"2.5.4.12":                   "title",
	"2.5.4.15":                   "businessCategory",
	"2.5.4.17":                   "postalCode",
	"2.5.4.42":                   "givenName",
	"2.5.4.43":                   "initials",
	"2.5.4.46":                   "dnQualifier",
	"2.5.4.65":                   "pseudonym",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.1":  "userId",
	"0.9.2342.19200300.100.1.25": "domainComponent",
}

func attributeName(oid string) string {
	if name, ok := attributeNames[oid]; ok {
		return name
	}
	return oid
}

// ASN.1 string universal tags.
const (
	tagUTF8String      = 12
	tagNumericString   = 18
	tagPrintableString = 19
	tagT61String       = 20
	tagIA5String       = 22
	tagBMPString       = 30
	tagUniversalString = 28
)

// decodeDirectoryString converts an attribute value from its native
// encoding to UTF-8.  Failure aborts the whole certificate decode.
func decodeDirectoryString(tag casn1.Tag, value []byte) (string, error) {
	switch uint8(tag) {
	case tagUTF8String, tagIA5String, tagPrintableString, tagNumericString:
		if !utf8.Valid(value) {
			return "", fmt.Errorf("certdec: invalid UTF-8 in attribute value")
		}
		return string(value), nil
	case tagT61String:
		// Decoded as Latin-1, the conventional reading.
		runes := make([]rune, len(value))
		for i, b := range value {
			runes[i] = rune(b)
		}
		return string(runes), nil
	case tagBMPString:
		if len(value)%2 != 0 {
			return "", fmt.Errorf("certdec: odd-length BMP string")
		}
		u := make([]uint16, 0, len(value)/2)
		for i := 0; i < len(value); i += 2 {
			u = append(u, uint16(value[i])<<8|uint16(value[i+1]))
		}
		return string(utf16.Decode(u)), nil
	case tagUniversalString:
		if len(value)%4 != 0 {
			return "", fmt.Errorf("certdec: invalid universal string")
		}
		runes := make([]rune, 0, len(value)/4)
		for i := 0; i < len(value); i += 4 {
			r := rune(value[i])<<24 | rune(value[i+1])<<16 |
				rune(value[i+2])<<8 | rune(value[i+3])
			runes = append(runes, r)
		}
		return string(runes), nil
	}
	return "", fmt.Errorf("certdec: unsupported attribute string type %d", uint8(tag))
}

const (
	tagUTCTime         = 23
	tagGeneralizedTime = 24
)

// readTime consumes one Validity timestamp and renders it in the
// classic GMT text form.
func readTime(s *cryptobyte.String) (string, error) {
	var body cryptobyte.String
	var tag casn1.Tag
	if !s.ReadAnyASN1(&body, &tag) {
		return "", errMalformed
	}
	var layout string
	switch uint8(tag) {
	case tagUTCTime:
		layout = "060102150405Z"
	case tagGeneralizedTime:
		layout = "20060102150405Z"
	default:
		return "", fmt.Errorf("certdec: unsupported time encoding %d", uint8(tag))
	}
	t, err := time.Parse(layout, string(body))
	if err != nil {
		return "", fmt.Errorf("certdec: bad validity timestamp %q", string(body))
	}
	return t.UTC().Format("Jan _2 15:04:05 2006") + " GMT", nil
}

var oidSubjectAltName = "2.5.29.17"

// parseExtensions walks the [3] extensions block.  Every occurrence of
// the subjectAltName extension contributes, in encounter order; a
// certificate may carry more than one.
func parseExtensions(tbs *cryptobyte.String, out *Certificate) error {
	extTag := casn1.Tag(3).Constructed().ContextSpecific()
	if !tbs.PeekASN1Tag(extTag) {
		return nil
	}
	var wrap, exts cryptobyte.String
	if !tbs.ReadASN1(&wrap, extTag) || !wrap.ReadASN1(&exts, casn1.SEQUENCE) {
		return errMalformed
	}

	sanSeen := false
	var sans []GeneralName
	for !exts.Empty() {
		var ext cryptobyte.String
		if !exts.ReadASN1(&ext, casn1.SEQUENCE) {
			return errMalformed
		}
		var oid []byte
		if !readOIDContents(&ext, &oid) {
			return errMalformed
		}
		if ext.PeekASN1Tag(casn1.BOOLEAN) {
			var critical bool
			if !ext.ReadASN1Boolean(&critical) {
				return errMalformed
			}
		}
		var value cryptobyte.String
		if !ext.ReadASN1(&value, casn1.OCTET_STRING) {
			return errMalformed
		}
		if oidString(oid) != oidSubjectAltName {
			continue
		}
		sanSeen = true
		names, err := parseGeneralNames(value)
		if err != nil {
			return err
		}
		sans = append(sans, names...)
	}

	if sanSeen && sans == nil {
		sans = []GeneralName{}
	}
	out.SubjectAltNames = sans
	return nil
}

// General-name context tags, RFC 5280 §4.2.1.6.
const (
	genOtherName = 0
	genEmail     = 1
	genDNS       = 2
	genX400      = 3
	genDirName   = 4
	genEDIParty  = 5
	genURI       = 6
	genIPAddress = 7
	genRID       = 8
)

// parseGeneralNames decodes one GeneralNames sequence.  Email, DNS,
// and URI entries use the exact byte length of the encoded string —
// an embedded NUL byte survives rather than truncating the name, the
// classic certificate-spoofing trick.  DirName yields a nested name;
// other known types render generically and split on the first colon.
// A tag outside the known set is a non-fatal warning.
func parseGeneralNames(s cryptobyte.String) ([]GeneralName, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, casn1.SEQUENCE) {
		return nil, errMalformed
	}
	names := []GeneralName{}
	for !seq.Empty() {
		var body cryptobyte.String
		var tag casn1.Tag
		if !seq.ReadAnyASN1(&body, &tag) {
			return nil, errMalformed
		}
		switch uint8(tag) & 0x1f {
		case genEmail:
			names = append(names, GeneralName{Type: "email", Value: string(body)})
		case genDNS:
			names = append(names, GeneralName{Type: "DNS", Value: string(body)})
		case genURI:
			names = append(names, GeneralName{Type: "URI", Value: string(body)})
		case genDirName:
			// Explicitly tagged; the body is the full Name element.
			dir, err := parseName(&body)
			if err != nil {
				return nil, err
			}
			names = append(names, GeneralName{Type: "DirName", DirName: dir})
		case genIPAddress:
			names = append(names, splitRendered(renderIP(body)))
		case genRID:
			names = append(names, splitRendered("Registered ID:"+oidString(body)))
		case genOtherName:
			names = append(names, splitRendered("othername:<unsupported>"))
		case genX400:
			names = append(names, splitRendered("X400Name:<unsupported>"))
		case genEDIParty:
			names = append(names, splitRendered("EdiPartyName:<unsupported>"))
		default:
			warnf("unknown general name type %d", uint8(tag)&0x1f)
		}
	}
	return names, nil
}

// splitRendered turns a generically rendered "type:value" string into
// a tagged pair.
func splitRendered(s string) GeneralName {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return GeneralName{Type: s[:i], Value: s[i+1:]}
	}
	return GeneralName{Type: s}
}

func renderIP(body []byte) string {
	switch len(body) {
	case 4, 16:
		return "IP Address:" + net.IP(body).String()
	}
	return fmt.Sprintf("IP Address:<invalid length %d>", len(body))
}
