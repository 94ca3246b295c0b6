package pinroute

import (
	"crypto/md5" // skipcq: GSC-G501
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Fingerprint identifies the application behind a ClientHello. Two
// fingerprints are the same client iff their JA3 hashes are equal.
type Fingerprint struct {
	JA3        string    `json:"ja3"`
	JA3Full    string    `json:"ja3_full"`
	JA4        string    `json:"ja4"`
	SNI        string    `json:"sni,omitempty"`
	ClientAddr string    `json:"client_addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewFingerprint computes JA3 and JA4 for p.
func NewFingerprint(p *HandshakeParams, clientAddr string, now time.Time) *Fingerprint {
	hash, full := JA3(p)
	return &Fingerprint{
		JA3:        hash,
		JA3Full:    full,
		JA4:        JA4(p),
		SNI:        p.ServerName,
		ClientAddr: clientAddr,
		CreatedAt:  now,
	}
}

// Equal reports whether fp and other describe the same client.
func (fp *Fingerprint) Equal(other *Fingerprint) bool {
	if fp == nil || other == nil {
		return fp == other
	}
	return fp.JA3 == other.JA3
}

// JA3 returns the lowercase hex MD5 of the JA3 string and the string itself:
//
//	version,ciphers,extensions,groups,point_formats
//
// with every list rendered as dash-joined decimals in wire order. MD5 is the
// JA3 convention, not a security boundary.
func JA3(p *HandshakeParams) (hash, full string) {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(p.Version), 10))
	b.WriteByte(',')
	joinDecimal(&b, p.CipherSuites, '-')
	b.WriteByte(',')
	joinDecimal(&b, p.Extensions, '-')
	b.WriteByte(',')
	joinDecimal(&b, p.SupportedGroups, '-')
	b.WriteByte(',')
	for i, f := range p.ECPointFormats {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(f), 10))
	}

	full = b.String()
	sum := md5.Sum([]byte(full)) // skipcq: GO-S1023, GSC-G401
	return hex.EncodeToString(sum[:]), full
}

// JA4 returns the JA4 string for p:
//
//	t<version><d|i><ciphers:02d><extensions:02d>_<sha256(sorted ciphers)[:12]>_<sha256(sorted extensions)[:12]>
//
// Unlike JA3 the lists are sorted first, so benign reordering by the client
// does not change the result.
func JA4(p *HandshakeParams) string {
	var b strings.Builder
	b.WriteByte('t')
	b.WriteString(ja4Version(p.Version))
	if p.ServerName != "" {
		b.WriteByte('d')
	} else {
		b.WriteByte('i')
	}
	b.WriteString(twoDigits(len(p.CipherSuites)))
	b.WriteString(twoDigits(len(p.Extensions)))
	b.WriteByte('_')
	b.WriteString(sortedHash(p.CipherSuites))
	b.WriteByte('_')
	b.WriteString(sortedHash(p.Extensions))
	return b.String()
}

func ja4Version(v uint16) string {
	switch v {
	case 0x0304:
		return "13"
	case 0x0303:
		return "12"
	case 0x0302:
		return "11"
	case 0x0301:
		return "10"
	case 0x0300:
		return "s3"
	case 0x0002:
		return "s2"
	case 0xfeff:
		return "d1"
	case 0xfefd:
		return "d2"
	case 0xfefc:
		return "d3"
	default:
		return "00"
	}
}

func twoDigits(n int) string {
	if n > 99 {
		n = 99
	}
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// sortedHash is the 12 hex character truncated SHA-256 of the numerically
// sorted, comma-joined decimal list. An empty list is all zeros.
func sortedHash(vals []uint16) string {
	if len(vals) == 0 {
		return "000000000000"
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)

	var b strings.Builder
	joinDecimal(&b, sorted, ',')
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:6])
}

func joinDecimal(b *strings.Builder, vals []uint16, sep byte) {
	for i, v := range vals {
		if i > 0 {
			b.WriteByte(sep)
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
}
