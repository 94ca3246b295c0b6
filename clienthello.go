package pinroute

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	dicttls "github.com/gaukas/godicttls"
	"github.com/pinroute/pinroute/internal/utils"
)

var (
	ErrNotHandshake       = errors.New("not a TLS handshake record")
	ErrNotClientHello     = errors.New("not a ClientHello message")
	ErrTruncated          = errors.New("truncated")
	ErrMalformedExtension = errors.New("malformed extension")
)

// ParseError describes why a ClientHello could not be decoded. Kind is one of
// ErrNotHandshake, ErrNotClientHello, ErrTruncated or ErrMalformedExtension and
// can be matched with errors.Is.
type ParseError struct {
	Kind   error
	Field  string
	Offset int
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "clienthello: " + e.Kind.Error()
	}
	return fmt.Sprintf("clienthello: %s: %v at offset %d", e.Field, e.Kind, e.Offset)
}

func (e *ParseError) Unwrap() error {
	return e.Kind
}

// MaxClientHelloSize bounds how much ReadClientHello buffers before giving up.
// Post-quantum key shares push real ClientHellos past 1.5KiB, but nothing
// legitimate comes close to this.
const MaxClientHelloSize = 1 << 16

const recordHeaderLen = 5

// HandshakeParams are the ClientHello fields that feed JA3 and JA4. GREASE
// values are already removed from CipherSuites, Extensions and
// SupportedGroups; the raw counts keep them.
type HandshakeParams struct {
	Version         uint16         `json:"version"`
	CipherSuites    []uint16       `json:"cipher_suites"`
	Extensions      []uint16       `json:"extensions"`       // extension IDs in original order
	SupportedGroups []uint16       `json:"supported_groups"` // supported_groups(10)
	ECPointFormats  utils.Uint8Arr `json:"ec_point_formats"` // ec_point_formats(11)
	ServerName      string         `json:"server_name,omitempty"`

	RawCipherSuiteCount int `json:"raw_cipher_suite_count"`
	RawExtensionCount   int `json:"raw_extension_count"`
}

// ReadClientHello reads the TLS records carrying a ClientHello from r and
// returns every byte it consumed, so the caller can replay them to the real
// TLS stack. On error the returned slice still holds the bytes read so far.
func ReadClientHello(r io.Reader) ([]byte, error) {
	var raw []byte
	var msgLen, want int
	for {
		hdr := make([]byte, recordHeaderLen)
		n, err := io.ReadFull(r, hdr)
		raw = append(raw, hdr[:n]...)
		if err != nil {
			return raw, err
		}

		h := newWireReader(hdr, ErrTruncated)
		typ, _ := h.u8("record type")
		if typ != dicttls.ContentType_handshake {
			return raw, &ParseError{Kind: ErrNotHandshake, Field: "record type"}
		}
		_ = h.skip(2, "record version")
		fragLen, _ := h.u16("record length")
		if len(raw)+int(fragLen) > MaxClientHelloSize {
			return raw, fmt.Errorf("ClientHello exceeds %d bytes", MaxClientHelloSize)
		}

		frag := make([]byte, fragLen)
		n, err = io.ReadFull(r, frag)
		raw = append(raw, frag[:n]...)
		if err != nil {
			return raw, err
		}
		msgLen += int(fragLen)

		// the handshake header itself may straddle records
		if want == 0 {
			if want, err = handshakeLen(raw); err != nil {
				if !errors.Is(err, ErrTruncated) {
					return raw, err
				}
				want = 0
			}
		}
		if want > 0 && msgLen >= want {
			return raw, nil
		}
	}
}

// handshakeLen returns the size of the handshake message (header included)
// announced at the start of the records in raw.
func handshakeLen(raw []byte) (int, error) {
	hdr, err := reassemble(raw, 4)
	if err != nil {
		return 0, err
	}
	r := newWireReader(hdr, ErrTruncated)
	if err := r.skip(1, "handshake type"); err != nil {
		return 0, err
	}
	n, err := r.u24("handshake length")
	if err != nil {
		return 0, err
	}
	return 4 + int(n), nil
}

// reassemble concatenates the fragments of consecutive handshake records in
// raw until at least min bytes of handshake message are available.
func reassemble(raw []byte, min int) ([]byte, error) {
	r := newWireReader(raw, ErrTruncated)
	var msg []byte
	for len(msg) < min {
		typ, err := r.u8("record type")
		if err != nil {
			return nil, err
		}
		if typ != dicttls.ContentType_handshake {
			if len(msg) == 0 {
				return nil, &ParseError{Kind: ErrNotHandshake, Field: "record type", Offset: r.offset() - 1}
			}
			// something else interleaved before the ClientHello was complete
			return nil, &ParseError{Kind: ErrTruncated, Field: "handshake message", Offset: r.offset() - 1}
		}
		if err := r.skip(2, "record version"); err != nil {
			return nil, err
		}
		frag, err := r.vec16("record fragment", ErrTruncated)
		if err != nil {
			return nil, err
		}
		msg = append(msg, frag.rest()...)
		if len(msg) > 0 && msg[0] != dicttls.HandshakeType_client_hello {
			return nil, &ParseError{Kind: ErrNotClientHello, Field: "handshake type", Offset: recordHeaderLen}
		}
	}
	return msg, nil
}

// ParseClientHello decodes a TLS record (or a run of handshake records)
// holding a ClientHello. It never panics on hostile input and never returns
// partially populated params together with an error.
func ParseClientHello(record []byte) (*HandshakeParams, error) {
	want, err := handshakeLen(record)
	if err != nil {
		return nil, err
	}
	msg, err := reassemble(record, want)
	if err != nil {
		return nil, err
	}

	r := newWireReader(msg[:want], ErrTruncated)
	if err := r.skip(4, "handshake header"); err != nil {
		return nil, err
	}
	return parseClientHelloBody(r)
}

func parseClientHelloBody(r *wireReader) (*HandshakeParams, error) {
	var err error
	p := &HandshakeParams{}

	if p.Version, err = r.u16("client version"); err != nil {
		return nil, err
	}
	if err = r.skip(32, "random"); err != nil {
		return nil, err
	}
	if _, err = r.vec8("session id", ErrTruncated); err != nil {
		return nil, err
	}

	suites, err := r.vec16("cipher suites", ErrTruncated)
	if err != nil {
		return nil, err
	}
	rawSuites, err := suites.u16List("cipher suites")
	if err != nil {
		return nil, err
	}
	p.RawCipherSuiteCount = len(rawSuites)
	p.CipherSuites = utils.FilterGREASE(rawSuites)

	if _, err = r.vec8("compression methods", ErrTruncated); err != nil {
		return nil, err
	}

	p.Extensions = []uint16{}
	if r.empty() {
		return p, nil // no extensions
	}

	exts, err := r.vec16("extensions", ErrMalformedExtension)
	if err != nil {
		return nil, err
	}
	for !exts.empty() {
		extType, err := exts.u16("extension type")
		if err != nil {
			return nil, err
		}
		body, err := exts.vec16("extension body", ErrMalformedExtension)
		if err != nil {
			return nil, err
		}
		p.RawExtensionCount++
		if utils.IsGREASEUint16(extType) {
			continue
		}
		p.Extensions = append(p.Extensions, extType)

		switch extType {
		case dicttls.ExtType_server_name:
			if p.ServerName != "" {
				continue
			}
			if p.ServerName, err = parseServerName(body); err != nil {
				return nil, err
			}
		case dicttls.ExtType_supported_groups:
			list, err := body.vec16("supported groups", ErrMalformedExtension)
			if err != nil {
				return nil, err
			}
			groups, err := list.u16List("supported groups")
			if err != nil {
				return nil, err
			}
			p.SupportedGroups = utils.FilterGREASE(groups)
		case dicttls.ExtType_ec_point_formats:
			list, err := body.vec8("ec point formats", ErrMalformedExtension)
			if err != nil {
				return nil, err
			}
			p.ECPointFormats = utils.Uint8Arr(append([]byte(nil), list.rest()...))
		}
	}

	return p, nil
}

// parseServerName returns the first host_name entry of a server_name
// extension. A name that is not valid UTF-8 is ignored rather than rejected.
func parseServerName(body *wireReader) (string, error) {
	if body.empty() {
		return "", nil // servers echo an empty server_name; clients shouldn't, but do
	}
	list, err := body.vec16("server name list", ErrMalformedExtension)
	if err != nil {
		return "", err
	}
	for !list.empty() {
		nameType, err := list.u8("server name type")
		if err != nil {
			return "", err
		}
		name, err := list.vec16("server name", ErrMalformedExtension)
		if err != nil {
			return "", err
		}
		if nameType != 0 { // host_name
			continue
		}
		b := name.rest()
		if !utf8.Valid(b) {
			return "", nil
		}
		return string(b), nil
	}
	return "", nil
}
