package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/pinroute/pinroute"
	"github.com/pinroute/pinroute/modcaddy/app"
)

const queryParam = "pinroute"

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("pinroute", func(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
		return new(Handler), nil
	})
}

// Handler reports a successful interception once a request on the
// connection has been served. With ?pinroute=debug it answers with what the
// engine knows about the connection, and with ?pinroute=metrics with the
// engine metrics.
type Handler struct {
	logger  *zap.Logger
	engine  *pinroute.Engine
	metrics *pinroute.Metrics
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.pinroute",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision implements caddy.Provisioner.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger(h)
	if !ctx.AppIsConfigured(app.CaddyAppID) {
		return errors.New("handler: pinroute is not configured")
	}
	a, err := ctx.App(app.CaddyAppID)
	if err != nil {
		return err
	}
	h.engine = a.(*app.App).Engine()
	h.metrics = a.(*app.App).Metrics()
	h.logger.Info("pinroute handler provisioned")
	return nil
}

// debugInfo is the body of a ?pinroute=debug response.
type debugInfo struct {
	Addr        string                `json:"addr"`
	ServerName  string                `json:"server_name"`
	Fingerprint *pinroute.Fingerprint `json:"fingerprint,omitempty"`
	Decision    *pinroute.Decision    `json:"decision,omitempty"`
	Profile     *pinroute.AppProfile  `json:"profile,omitempty"`
}

func (h *Handler) ServeHTTP(wr http.ResponseWriter, req *http.Request, next caddyhttp.Handler) error {
	if req.TLS == nil {
		return next.ServeHTTP(wr, req)
	}
	engine := h.engine
	addr, sni := req.RemoteAddr, req.TLS.ServerName

	// only the first request on a connection finds it pending
	pending := engine.Pending(addr, sni)

	var err error
	switch req.URL.Query().Get(queryParam) {
	case "debug":
		err = h.serveDebug(wr, req, pending)
	case "metrics":
		h.metrics.Handler().ServeHTTP(wr, req)
	default:
		err = next.ServeHTTP(wr, req)
	}

	if pending != nil && err == nil {
		if _, ok := engine.ReportSuccess(addr, sni); ok {
			h.logger.Debug("interception succeeded",
				zap.String("addr", addr), zap.String("sni", sni), zap.String("ja3", pending.Fingerprint.JA3))
		}
	}
	return err
}

func (h *Handler) serveDebug(wr http.ResponseWriter, req *http.Request, pending *pinroute.PendingConnection) error {
	info := debugInfo{Addr: req.RemoteAddr, ServerName: req.TLS.ServerName}
	if pending != nil {
		engine := h.engine
		info.Fingerprint = pending.Fingerprint
		d := engine.Decide(pending.Fingerprint)
		d.Fingerprint = nil
		info.Decision = &d
		if p, ok := engine.Lookup(req.Context(), pending.Fingerprint); ok {
			info.Profile = &p
		}
	}

	var b []byte
	var err error
	if req.URL.Query().Get("beautify") == "true" {
		b, err = json.MarshalIndent(info, "", "  ")
	} else {
		b, err = json.Marshal(info)
	}
	if err != nil {
		return caddyhttp.Error(http.StatusInternalServerError, err)
	}

	wr.Header().Set("Content-Type", "application/json")
	wr.Header().Set("Cache-Control", "no-store")
	if _, err := wr.Write(b); err != nil {
		h.logger.Debug("failed to write debug response", zap.Error(err))
	}
	return nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
)
