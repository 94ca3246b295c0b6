// Package fixture builds ClientHello records for tests: exact hand-made
// messages, and real browser first flights generated by uTLS.
package fixture

import (
	"net"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/crypto/cryptobyte"
)

// Extension is one raw extension of a hand-built ClientHello.
type Extension struct {
	Type uint16
	Data []byte
}

// Hello is a hand-built ClientHello. Lists are written verbatim, GREASE
// included.
type Hello struct {
	Version      uint16
	CipherSuites []uint16
	Compression  []uint8 // defaults to null
	Extensions   []Extension
	NoExtensions bool // omit the extensions block entirely
}

// Message returns the handshake message: type, length and body.
func (h Hello) Message() []byte {
	var b cryptobyte.Builder
	b.AddUint8(1) // client_hello
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(h.Version)
		b.AddBytes(make([]byte, 32))
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(make([]byte, 32))
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cs := range h.CipherSuites {
				b.AddUint16(cs)
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			if h.Compression == nil {
				b.AddUint8(0)
			}
			b.AddBytes(h.Compression)
		})
		if h.NoExtensions {
			return
		}
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, ext := range h.Extensions {
				b.AddUint16(ext.Type)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(ext.Data)
				})
			}
		})
	})
	return b.BytesOrPanic()
}

// Record returns the ClientHello in a single TLS record.
func (h Hello) Record() []byte {
	return Record(h.Message())
}

// Record wraps a handshake message in one handshake record.
func Record(msg []byte) []byte {
	return Records(msg, len(msg))
}

// Records splits a handshake message over records of at most size bytes.
func Records(msg []byte, size int) []byte {
	var out []byte
	for len(msg) > 0 || out == nil {
		n := size
		if n > len(msg) {
			n = len(msg)
		}
		out = append(out, 0x16, 0x03, 0x01, byte(n>>8), byte(n))
		out = append(out, msg[:n]...)
		msg = msg[n:]
	}
	return out
}

// ServerName is a server_name extension holding one host_name.
func ServerName(name string) Extension {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(name))
		})
	})
	return Extension{Type: 0, Data: b.BytesOrPanic()}
}

// SupportedGroups is a supported_groups extension.
func SupportedGroups(groups ...uint16) Extension {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, g := range groups {
			b.AddUint16(g)
		}
	})
	return Extension{Type: 10, Data: b.BytesOrPanic()}
}

// PointFormats is an ec_point_formats extension.
func PointFormats(formats ...uint8) Extension {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(formats)
	})
	return Extension{Type: 11, Data: b.BytesOrPanic()}
}

// Minimal is the ClientHello whose JA3 string is 771,4865-4866,0-10-11,29,0.
func Minimal(serverName string) Hello {
	return Hello{
		Version:      0x0303,
		CipherSuites: []uint16{4865, 4866},
		Extensions: []Extension{
			ServerName(serverName),
			SupportedGroups(29),
			PointFormats(0),
		},
	}
}

// Browser returns the first flight record uTLS generates for id.
func Browser(id tls.ClientHelloID, serverName string) ([]byte, error) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	uconn := tls.UClient(c1, &tls.Config{ServerName: serverName}, id)
	if err := uconn.BuildHandshakeState(); err != nil {
		return nil, err
	}
	return Record(uconn.HandshakeState.Hello.Raw), nil
}
