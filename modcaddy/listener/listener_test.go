package listener

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"go.uber.org/zap"

	"github.com/pinroute/pinroute"
	"github.com/pinroute/pinroute/internal/fixture"
)

func newTestWrapper(t *testing.T, pinned ...string) (*ListenerWrapper, *pinroute.Engine) {
	t.Helper()
	cfg := pinroute.DefaultConfig()
	if pinned != nil {
		cfg.PinnedDomains = pinned
	}
	e, err := pinroute.New(context.Background(), cfg, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return &ListenerWrapper{
		HelloTimeout: caddy.Duration(time.Second),
		DialTimeout:  caddy.Duration(time.Second),
		UpstreamPort: DEFAULT_UPSTREAM_PORT,
		logger:       zap.NewNop(),
		engine:       e,
	}, e
}

func TestRouteReportsRejection(t *testing.T) {
	lw, e := newTestWrapper(t)
	hello := fixture.Minimal("app.example.com").Record()
	alert := []byte{0x15, 0x03, 0x03, 0x00, 0x02, 0x02, 0x30} // fatal unknown_ca

	client, server := net.Pipe()
	defer client.Close()
	go func() {
		client.Write(hello)
		client.Write(alert)
	}()

	c, ok := lw.route(server)
	if !ok {
		t.Fatal("connection taken over")
	}
	defer c.Close()

	got := make([]byte, len(hello)+len(alert))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, append(append([]byte(nil), hello...), alert...)) {
		t.Fatal("stream altered")
	}

	p, _ := pinroute.ParseClientHello(hello)
	ja3, _ := pinroute.JA3(p)
	profile, ok := e.Lookup(context.Background(), &pinroute.Fingerprint{JA3: ja3})
	if !ok || profile.FailureCount != 1 {
		t.Fatalf("failure not recorded: %+v, %v", profile, ok)
	}
	if e.Pending(server.RemoteAddr().String(), "app.example.com") != nil {
		t.Fatal("connection still pending after its failure")
	}
}

func TestRouteSplicesPassthrough(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstream.Close()

	// the origin is dialed by SNI, so pin the loopback address itself
	lw, _ := newTestWrapper(t, "127.0.0.1")
	lw.Passthrough = true
	lw.UpstreamPort = upstream.Addr().(*net.TCPAddr).Port
	hello := fixture.Minimal("127.0.0.1").Record()

	client, server := net.Pipe()
	defer client.Close()
	go client.Write(hello)

	if _, ok := lw.route(server); ok {
		t.Fatal("passthrough connection handed to caddy")
	}

	up, err := upstream.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer up.Close()
	up.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(hello))
	if _, err := io.ReadFull(up, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, hello) {
		t.Fatal("upstream did not receive the ClientHello")
	}

	go client.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(up, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("client to upstream: %q, %v", buf, err)
	}
	go up.Write([]byte("pong"))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "pong" {
		t.Fatalf("upstream to client: %q, %v", buf, err)
	}
}

func TestAcceptNonTLS(t *testing.T) {
	lw, _ := newTestWrapper(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	wrapped := lw.WrapListener(l)
	defer wrapped.Close()

	go func() {
		c, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
		io.Copy(io.Discard, c)
	}()

	c, err := wrapped.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len("GET / HTTP/1.1\r\n\r\n"))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "GET / HTTP/1.1\r\n\r\n" {
		t.Fatalf("read %q", got)
	}
}

func TestAcceptNotBlockedBySlowClient(t *testing.T) {
	lw, _ := newTestWrapper(t)
	lw.HelloTimeout = caddy.Duration(time.Minute)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	wrapped := lw.WrapListener(l)
	defer wrapped.Close()

	// connects first and never sends a ClientHello
	slow, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer slow.Close()

	fast, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer fast.Close()
	if _, err := fast.Write(fixture.Minimal("fast.example.com").Record()); err != nil {
		t.Fatal(err)
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := wrapped.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	select {
	case c, ok := <-accepted:
		if !ok {
			t.Fatal("Accept failed")
		}
		defer c.Close()
		if c.RemoteAddr().String() != fast.LocalAddr().String() {
			t.Fatalf("accepted %s, want the client that sent its hello (%s)", c.RemoteAddr(), fast.LocalAddr())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Accept waited on the silent client")
	}
}

func TestCloseUnblocksAccept(t *testing.T) {
	lw, _ := newTestWrapper(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	wrapped := lw.WrapListener(l)

	errc := make(chan error, 1)
	go func() {
		_, err := wrapped.Accept()
		errc <- err
	}()
	if err := wrapped.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Accept returned a connection after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Accept still blocked after Close")
	}
}

func TestUnmarshalCaddyfile(t *testing.T) {
	d := caddyfile.NewTestDispenser(`pinroute {
		passthrough
		upstream_port 8443
		hello_timeout 3s
		dial_timeout 500ms
	}`)
	var lw ListenerWrapper
	if err := lw.UnmarshalCaddyfile(d); err != nil {
		t.Fatal(err)
	}
	if !lw.Passthrough || lw.UpstreamPort != 8443 ||
		lw.HelloTimeout != caddy.Duration(3*time.Second) || lw.DialTimeout != caddy.Duration(500*time.Millisecond) {
		t.Fatalf("parsed %+v", lw)
	}

	for name, input := range map[string]string{
		"bad port":       "pinroute {\n upstream_port 70000\n}",
		"missing port":   "pinroute {\n upstream_port\n}",
		"bad duration":   "pinroute {\n hello_timeout soon\n}",
		"unknown option": "pinroute {\n sniff\n}",
		"twice":          "pinroute {\n passthrough\n passthrough\n}",
	} {
		t.Run(name, func(t *testing.T) {
			var lw ListenerWrapper
			if err := lw.UnmarshalCaddyfile(caddyfile.NewTestDispenser(input)); err == nil {
				t.Fatalf("accepted %q", input)
			}
		})
	}
}
