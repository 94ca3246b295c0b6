// Package capture extracts TLS ClientHellos from packet captures, so a store
// can be primed with the fingerprints and server names seen on a network
// before any connection goes through the proxy.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"
	"go.uber.org/zap"

	"github.com/pinroute/pinroute"
)

// Hello is a ClientHello found in a capture.
type Hello struct {
	Addr        string // client ip:port
	Seen        time.Time
	Record      []byte
	Fingerprint *pinroute.Fingerprint
}

// ReadPcap walks a pcap stream and calls fn for every TCP stream that starts
// with a ClientHello. Streams whose first bytes are not a parseable
// ClientHello are ignored. An error from fn stops the walk and is returned.
func ReadPcap(r io.Reader, fn func(Hello) error) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("read pcap header: %w", err)
	}

	c := &collector{fn: fn}
	asm := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(c))

	src := gopacket.NewPacketSource(pr, pr.LinkType())
	src.DecodeOptions.Lazy = true
	src.DecodeOptions.NoCopy = true
	for c.err == nil {
		pkt, err := src.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}
		nl := pkt.NetworkLayer()
		tcp, ok := pkt.TransportLayer().(*layers.TCP)
		if nl == nil || !ok {
			continue
		}
		asm.AssembleWithTimestamp(nl.NetworkFlow(), tcp, pkt.Metadata().Timestamp)
	}
	asm.FlushAll()
	return c.err
}

// ReadFile is ReadPcap over the file at path.
func ReadFile(path string, fn func(Hello) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReadPcap(f, fn)
}

// Primer is what Prime feeds, typically a *pinroute.Engine.
type Primer interface {
	Prime(fp *pinroute.Fingerprint) bool
}

// Prime registers every ClientHello in the capture at path with p and
// returns how many were seen and how many were new fingerprints.
func Prime(path string, p Primer, logger *zap.Logger) (seen, created int, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	err = ReadFile(path, func(h Hello) error {
		seen++
		if p.Prime(h.Fingerprint) {
			created++
			logger.Debug("new fingerprint from capture",
				zap.String("addr", h.Addr),
				zap.String("sni", h.Fingerprint.SNI),
				zap.String("ja3", h.Fingerprint.JA3),
				zap.String("ja4", h.Fingerprint.JA4))
		}
		return nil
	})
	if err != nil {
		return seen, created, fmt.Errorf("prime from %s: %w", path, err)
	}
	logger.Info("primed reputation store from capture",
		zap.String("path", path), zap.Int("client_hellos", seen), zap.Int("new_fingerprints", created))
	return seen, created, nil
}

// collector is the tcpassembly.StreamFactory. Streams are fed synchronously
// by the assembler, so no locking is needed.
type collector struct {
	fn  func(Hello) error
	err error
}

func (c *collector) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	return &helloStream{
		c:    c,
		addr: net.JoinHostPort(netFlow.Src().String(), tcpFlow.Src().String()),
	}
}

func (c *collector) emit(h Hello) {
	if c.err != nil {
		return
	}
	c.err = c.fn(h)
}

// helloStream buffers the start of one direction of a TCP connection until
// it holds a complete ClientHello, or proves not to.
type helloStream struct {
	c    *collector
	addr string
	buf  []byte
	seen time.Time
	done bool
}

func (s *helloStream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if s.done {
			return
		}
		if r.Skip > 0 && len(s.buf) > 0 {
			s.done = true // lost bytes in the middle of the hello
			return
		}
		if len(r.Bytes) == 0 {
			continue
		}
		if s.seen.IsZero() {
			s.seen = r.Seen
		}
		s.buf = append(s.buf, r.Bytes...)
		s.try()
	}
}

func (s *helloStream) try() {
	raw, err := pinroute.ReadClientHello(bytes.NewReader(s.buf))
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		if len(s.buf) > pinroute.MaxClientHelloSize {
			s.done = true
		}
		return
	}
	s.done = true
	if err != nil {
		return
	}
	p, err := pinroute.ParseClientHello(raw)
	if err != nil {
		return
	}
	s.c.emit(Hello{
		Addr:        s.addr,
		Seen:        s.seen,
		Record:      raw,
		Fingerprint: pinroute.NewFingerprint(p, s.addr, s.seen),
	})
}

func (s *helloStream) ReassemblyComplete() {
	s.buf = nil
}
