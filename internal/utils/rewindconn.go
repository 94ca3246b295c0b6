package utils

import (
	"bytes"
	"errors"
	"net"
)

// Interface guards
var (
	_ net.Conn = (*replayConn)(nil)
)

// Tap receives every chunk read from the underlying connection after the
// replayed prefix has been drained. It must not retain p.
type Tap func(p []byte)

type replayConn struct {
	net.Conn
	prefix bytes.Reader
	tap    Tap
}

// ReplayConn returns a net.Conn which first yields buf and then continues
// reading from c. If tap is not nil, it is called with the bytes read from c
// (never with the replayed prefix).
func ReplayConn(c net.Conn, buf []byte, tap Tap) (net.Conn, error) {
	if c == nil {
		return nil, errors.New("cannot replay on nil connection")
	}

	if len(buf) == 0 && tap == nil {
		return c, nil
	}

	return &replayConn{
		Conn:   c,
		prefix: *bytes.NewReader(buf),
		tap:    tap,
	}, nil
}

// Read drains the replayed prefix before reading from the connection. A
// read that returns prefix bytes never blocks on the connection.
func (c *replayConn) Read(b []byte) (int, error) {
	if c.prefix.Len() == 0 {
		return c.readConn(b)
	}
	return c.prefix.Read(b)
}

func (c *replayConn) readConn(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.tap != nil {
		c.tap(b[:n])
	}
	return n, err
}

// CloseWrite half-closes the connection when supported.
func (c *replayConn) CloseWrite() error {
	if cc, ok := c.Conn.(*net.TCPConn); ok {
		return cc.CloseWrite()
	}
	if cw, ok := c.Conn.(interface {
		CloseWrite() error
	}); ok {
		return cw.CloseWrite()
	}
	return errors.New("not supported")
}
