package listener

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"go.uber.org/zap"

	"github.com/pinroute/pinroute"
	"github.com/pinroute/pinroute/internal/utils"
	"github.com/pinroute/pinroute/modcaddy/app"
)

const (
	DEFAULT_HELLO_TIMEOUT = 10 * time.Second
	DEFAULT_DIAL_TIMEOUT  = 10 * time.Second
	DEFAULT_UPSTREAM_PORT = 443
)

func init() {
	caddy.RegisterModule(ListenerWrapper{})
}

// ListenerWrapper implements caddy.ListenerWrapper. It reads the ClientHello
// of every TCP connection before the "tls" wrapper sees it, asks the pinroute
// engine for a verdict and watches the rest of the handshake for a
// certificate rejection.
//
// It must be placed before "tls" in listener_wrappers:
//
//	listener_wrappers {
//		pinroute {
//			passthrough
//		}
//		tls
//	}
//
// With passthrough enabled, connections routed to Passthrough are spliced to
// the origin named by their SNI and never reach Caddy.
type ListenerWrapper struct {
	Passthrough  bool           `json:"passthrough,omitempty"`
	UpstreamPort int            `json:"upstream_port,omitempty"`
	HelloTimeout caddy.Duration `json:"hello_timeout,omitempty"`
	DialTimeout  caddy.Duration `json:"dial_timeout,omitempty"`

	logger *zap.Logger
	engine *pinroute.Engine
}

// CaddyModule returns the Caddy module information.
func (ListenerWrapper) CaddyModule() caddy.ModuleInfo { // skipcq: GO-W1029
	return caddy.ModuleInfo{
		ID:  "caddy.listeners.pinroute",
		New: func() caddy.Module { return new(ListenerWrapper) },
	}
}

func (lw *ListenerWrapper) Provision(ctx caddy.Context) error { // skipcq: GO-W1029
	lw.logger = ctx.Logger(lw)

	if !ctx.AppIsConfigured(app.CaddyAppID) {
		return errors.New("pinroute listener: global pinroute app is not configured")
	}
	a, err := ctx.App(app.CaddyAppID)
	if err != nil {
		return err
	}
	lw.engine = a.(*app.App).Engine()

	if lw.UpstreamPort == 0 {
		lw.UpstreamPort = DEFAULT_UPSTREAM_PORT
	}
	if lw.HelloTimeout == 0 {
		lw.HelloTimeout = caddy.Duration(DEFAULT_HELLO_TIMEOUT)
	}
	if lw.DialTimeout == 0 {
		lw.DialTimeout = caddy.Duration(DEFAULT_DIAL_TIMEOUT)
	}

	lw.logger.Info("pinroute listener provisioned", zap.Bool("passthrough", lw.Passthrough))
	return nil
}

func (lw *ListenerWrapper) WrapListener(l net.Listener) net.Listener { // skipcq: GO-W1029
	switch l.Addr().Network() {
	case "tcp", "tcp4", "tcp6":
		lw.logger.Info("wrapping listener", zap.String("addr", l.Addr().String()))
		return newRoutingListener(l, lw)
	default:
		lw.logger.Debug("not TCP, skipping", zap.String("addr", l.Addr().String()))
		return l
	}
}

// routingListener reads each ClientHello on its own goroutine, so a client
// that stalls before sending one holds up nobody but itself. Connections are
// handed to Accept in the order their hellos complete.
type routingListener struct {
	net.Listener
	lw *ListenerWrapper

	conns     chan net.Conn
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newRoutingListener(l net.Listener, lw *ListenerWrapper) *routingListener {
	rl := &routingListener{
		Listener: l,
		lw:       lw,
		conns:    make(chan net.Conn),
		errs:     make(chan error),
		done:     make(chan struct{}),
	}
	go rl.acceptLoop()
	return rl
}

func (l *routingListener) acceptLoop() {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			select {
			case l.errs <- err:
			case <-l.done:
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go l.handle(conn)
	}
}

func (l *routingListener) handle(conn net.Conn) {
	c, ok := l.lw.route(conn)
	if !ok {
		return
	}
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

func (l *routingListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errs:
		return nil, err
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *routingListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return l.Listener.Close()
}

// route decides what to do with conn. It returns false when conn was taken
// over for passthrough and must not be handed to Caddy.
func (lw *ListenerWrapper) route(conn net.Conn) (net.Conn, bool) {
	addr := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(time.Duration(lw.HelloTimeout)))
	raw, err := pinroute.ReadClientHello(conn)
	conn.SetReadDeadline(time.Time{})

	d := lw.engine.HandleClientHello(addr, raw)
	if err != nil {
		lw.logger.Debug("could not read ClientHello", zap.String("addr", addr), zap.Error(err))
	}

	var sni string
	if d.Fingerprint != nil {
		sni = d.Fingerprint.SNI
	}

	if lw.Passthrough && d.Verdict == pinroute.Passthrough && sni != "" {
		go lw.splice(conn, raw, sni)
		return nil, false
	}

	var tap utils.Tap
	if d.Fingerprint != nil {
		tap = lw.watch(addr, sni)
	}
	c, err := utils.ReplayConn(conn, raw, tap)
	if err != nil {
		conn.Close()
		return nil, false
	}
	return c, true
}

// watch returns a tap reporting a failure if the client rejects the proxy
// certificate.
func (lw *ListenerWrapper) watch(addr, sni string) utils.Tap {
	var (
		mu sync.Mutex
		w  pinroute.AlertWatcher
	)
	return func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		if w.Settled() {
			return
		}
		if reason, ok := w.Write(p); ok {
			lw.logger.Debug("client rejected certificate",
				zap.String("addr", addr), zap.String("sni", sni), zap.String("reason", reason))
			lw.engine.ReportFailure(addr, sni, reason)
		}
	}
}

// splice connects conn to the origin and copies bytes both ways, starting
// with the ClientHello already read.
func (lw *ListenerWrapper) splice(conn net.Conn, hello []byte, sni string) {
	defer conn.Close()

	target := net.JoinHostPort(sni, strconv.Itoa(lw.UpstreamPort))
	upstream, err := net.DialTimeout("tcp", target, time.Duration(lw.DialTimeout))
	if err != nil {
		lw.logger.Warn("passthrough dial failed", zap.String("target", target), zap.Error(err))
		return
	}
	defer upstream.Close()

	if _, err := upstream.Write(hello); err != nil {
		lw.logger.Debug("passthrough write failed", zap.String("target", target), zap.Error(err))
		return
	}

	done := make(chan struct{})
	go func() {
		io.Copy(conn, upstream)
		closeWrite(conn)
		close(done)
	}()
	io.Copy(upstream, conn)
	closeWrite(upstream)
	<-done
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

func (lw *ListenerWrapper) UnmarshalCaddyfile(d *caddyfile.Dispenser) error { // skipcq: GO-W1029
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "passthrough":
				if lw.Passthrough {
					return d.Err("pinroute: passthrough already specified")
				}
				lw.Passthrough = true
			case "upstream_port":
				if !d.NextArg() {
					return d.ArgErr()
				}
				port, err := strconv.Atoi(d.Val())
				if err != nil || port < 1 || port > 65535 {
					return d.Errf("pinroute: invalid upstream_port %q", d.Val())
				}
				lw.UpstreamPort = port
			case "hello_timeout", "dial_timeout":
				opt := d.Val()
				if !d.NextArg() {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(d.Val())
				if err != nil {
					return d.Errf("pinroute: invalid %s: %v", opt, err)
				}
				if opt == "hello_timeout" {
					lw.HelloTimeout = caddy.Duration(dur)
				} else {
					lw.DialTimeout = caddy.Duration(dur)
				}
			default:
				return d.Errf("pinroute: unrecognized option %q", d.Val())
			}
		}
	}
	return nil
}

// Interface guards
var (
	_ caddy.Provisioner     = (*ListenerWrapper)(nil)
	_ caddy.ListenerWrapper = (*ListenerWrapper)(nil)
	_ caddyfile.Unmarshaler = (*ListenerWrapper)(nil)
)
