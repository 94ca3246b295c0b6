package pinroute

import (
	"golang.org/x/crypto/cryptobyte"
)

// wireReader is a bounds-checked cursor over an untrusted byte buffer. Every
// read of the ClientHello goes through it, so a short or lying length prefix
// turns into a *ParseError instead of a panic.
//
// kind is the sentinel reported when the buffer runs out. Readers created for
// extension bodies report ErrMalformedExtension, because the enclosing
// length was already satisfied and any overrun is a structural lie.
type wireReader struct {
	s     cryptobyte.String
	kind  error
	base  int // offset of s[0] in the outermost buffer
	start int // len(s) when the reader was created
}

func newWireReader(b []byte, kind error) *wireReader {
	return &wireReader{s: cryptobyte.String(b), kind: kind, start: len(b)}
}

func (r *wireReader) offset() int {
	return r.base + r.start - len(r.s)
}

func (r *wireReader) fail(field string) error {
	return &ParseError{Kind: r.kind, Field: field, Offset: r.offset()}
}

func (r *wireReader) empty() bool {
	return r.s.Empty()
}

func (r *wireReader) remaining() int {
	return len(r.s)
}

func (r *wireReader) u8(field string) (uint8, error) {
	var v uint8
	if !r.s.ReadUint8(&v) {
		return 0, r.fail(field)
	}
	return v, nil
}

func (r *wireReader) u16(field string) (uint16, error) {
	var v uint16
	if !r.s.ReadUint16(&v) {
		return 0, r.fail(field)
	}
	return v, nil
}

func (r *wireReader) u24(field string) (uint32, error) {
	var v uint32
	if !r.s.ReadUint24(&v) {
		return 0, r.fail(field)
	}
	return v, nil
}

func (r *wireReader) skip(n int, field string) error {
	if n < 0 || !r.s.Skip(n) {
		return r.fail(field)
	}
	return nil
}

// sub consumes the next n bytes and returns a reader over them.
func (r *wireReader) sub(n int, field string, kind error) (*wireReader, error) {
	off := r.offset()
	var b []byte
	if n < 0 || !r.s.ReadBytes(&b, n) {
		return nil, r.fail(field)
	}
	return &wireReader{s: cryptobyte.String(b), kind: kind, base: off, start: n}, nil
}

// vec8 consumes a 1-byte length prefixed vector.
func (r *wireReader) vec8(field string, kind error) (*wireReader, error) {
	n, err := r.u8(field)
	if err != nil {
		return nil, err
	}
	return r.sub(int(n), field, kind)
}

// vec16 consumes a 2-byte length prefixed vector.
func (r *wireReader) vec16(field string, kind error) (*wireReader, error) {
	n, err := r.u16(field)
	if err != nil {
		return nil, err
	}
	return r.sub(int(n), field, kind)
}

// rest returns the unread bytes and exhausts the reader.
func (r *wireReader) rest() []byte {
	b := []byte(r.s)
	r.s = r.s[len(r.s):]
	return b
}

// u16List decodes the whole reader as a list of 2-byte entries.
func (r *wireReader) u16List(field string) ([]uint16, error) {
	if r.remaining()%2 != 0 {
		return nil, r.fail(field)
	}
	out := make([]uint16, 0, r.remaining()/2)
	for !r.empty() {
		v, err := r.u16(field)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
