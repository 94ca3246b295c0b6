package pinroute

import (
	"fmt"
	"strconv"
	"time"

	dicttls "github.com/gaukas/godicttls"
	"github.com/pinroute/pinroute/internal/utils"
	tls "github.com/refraction-networking/utls"
)

// Details is a human-oriented decoding of a ClientHello, served by the
// diagnostic endpoint. It is not used for routing.
type Details struct {
	Fingerprint       *Fingerprint `json:"fingerprint"`
	ServerName        string       `json:"server_name,omitempty"`
	ALPN              []string     `json:"alpn,omitempty"`
	SupportedVersions []string     `json:"supported_versions,omitempty"`
	SignatureSchemes  []string     `json:"signature_schemes,omitempty"`
	SupportedGroups   []string     `json:"supported_groups,omitempty"`
	Extensions        []string     `json:"extensions"`
	CipherSuites      []string     `json:"cipher_suites"`
}

// Inspect decodes record for display. The fingerprint is computed by
// ParseClientHello; the rest comes from the uTLS fingerprinter.
func Inspect(record []byte) (*Details, error) {
	p, err := ParseClientHello(record)
	if err != nil {
		return nil, err
	}
	d := &Details{
		Fingerprint: NewFingerprint(p, "", time.Now()),
		ServerName:  p.ServerName,
	}
	for _, ext := range p.Extensions {
		d.Extensions = append(d.Extensions, extensionName(ext))
	}
	for _, cs := range p.CipherSuites {
		d.CipherSuites = append(d.CipherSuites, tls.CipherSuiteName(cs))
	}
	for _, g := range p.SupportedGroups {
		d.SupportedGroups = append(d.SupportedGroups, groupName(g))
	}

	single, err := singleRecord(record)
	if err != nil {
		return nil, err
	}
	fingerprinter := tls.Fingerprinter{
		AllowBluntMimicry: true, // keep unknown extensions instead of failing
	}
	spec, err := fingerprinter.RawClientHello(single)
	if err != nil {
		return nil, fmt.Errorf("decode ClientHello extensions: %w", err)
	}
	for _, ext := range spec.Extensions {
		switch ext := ext.(type) {
		case *tls.ALPNExtension:
			d.ALPN = append(d.ALPN, ext.AlpnProtocols...)
		case *tls.SupportedVersionsExtension:
			for _, v := range ext.Versions {
				if !utils.IsGREASEUint16(v) {
					d.SupportedVersions = append(d.SupportedVersions, versionName(v))
				}
			}
		case *tls.SignatureAlgorithmsExtension:
			for _, s := range ext.SupportedSignatureAlgorithms {
				d.SignatureSchemes = append(d.SignatureSchemes, signatureSchemeName(uint16(s)))
			}
		}
	}
	return d, nil
}

// singleRecord rewraps a ClientHello split over several records into one,
// which is what the uTLS fingerprinter accepts.
func singleRecord(record []byte) ([]byte, error) {
	want, err := handshakeLen(record)
	if err != nil {
		return nil, err
	}
	msg, err := reassemble(record, want)
	if err != nil {
		return nil, err
	}
	msg = msg[:want]
	if len(msg) > 0xffff {
		return nil, fmt.Errorf("ClientHello of %d bytes does not fit in a single record", len(msg))
	}
	out := make([]byte, 0, recordHeaderLen+len(msg))
	out = append(out, dicttls.ContentType_handshake, 0x03, 0x01, byte(len(msg)>>8), byte(len(msg)))
	return append(out, msg...), nil
}

func extensionName(v uint16) string {
	if name, ok := dicttls.DictExtTypeValueIndexed[v]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(v)) + ")"
}

func groupName(v uint16) string {
	if name, ok := dicttls.DictSupportedGroupsValueIndexed[v]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(v)) + ")"
}

func signatureSchemeName(v uint16) string {
	if name, ok := dicttls.DictSignatureSchemeValueIndexed[v]; ok {
		return name
	}
	return "0x" + strconv.FormatUint(uint64(v), 16)
}

func versionName(v uint16) string {
	switch v {
	case tls.VersionTLS13:
		return "TLS 1.3"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS10:
		return "TLS 1.0"
	default:
		return "0x" + strconv.FormatUint(uint64(v), 16)
	}
}
