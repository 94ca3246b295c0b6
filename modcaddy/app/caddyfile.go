package app

import (
	"strconv"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
)

func init() {
	httpcaddyfile.RegisterGlobalOption(CaddyAppID, parseCaddyfile)
}

/*
Caddyfile syntax:

	pinroute {
		pending_ttl 60s
		sweep_interval 5s
		window 1h
		min_samples 5
		pin_threshold 0.8
		idle_eviction 24h
		pinned_domains tiktokv.com snapchat.com
		baseline_file /etc/pinroute/baseline.toml
		storage /var/lib/pinroute/pinroute.db | memory
		redis <address> [<db> [<prefix>]]
		redis_password <password>
		prime_capture /var/lib/pinroute/seed.pcap
	}
*/
func parseCaddyfile(d *caddyfile.Dispenser, _ interface{}) (interface{}, error) {
	app := new(App)
	if err := app.UnmarshalCaddyfile(d); err != nil {
		return nil, err
	}
	return httpcaddyfile.App{
		Name:  CaddyAppID,
		Value: caddyconfig.JSON(app, nil),
	}, nil
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler.
func (a *App) UnmarshalCaddyfile(d *caddyfile.Dispenser) error { // skipcq: GO-W1029
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "pending_ttl":
				if err := parseDuration(d, &a.PendingTTL); err != nil {
					return err
				}
			case "sweep_interval":
				if err := parseDuration(d, &a.SweepInterval); err != nil {
					return err
				}
			case "window":
				if err := parseDuration(d, &a.Window); err != nil {
					return err
				}
			case "idle_eviction":
				if err := parseDuration(d, &a.ProfileIdleEviction); err != nil {
					return err
				}
			case "min_samples":
				if !d.NextArg() {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(d.Val())
				if err != nil || n < 1 {
					return d.Errf("invalid min_samples %q", d.Val())
				}
				a.MinSamples = n
			case "pin_threshold":
				if !d.NextArg() {
					return d.ArgErr()
				}
				f, err := strconv.ParseFloat(d.Val(), 64)
				if err != nil || f <= 0 || f >= 1 {
					return d.Errf("invalid pin_threshold %q: must be in (0, 1)", d.Val())
				}
				a.PinThreshold = f
			case "pinned_domains":
				args := d.RemainingArgs()
				if len(args) == 0 {
					return d.ArgErr()
				}
				a.PinnedDomains = append(a.PinnedDomains, args...)
			case "baseline_file":
				if !d.AllArgs(&a.BaselineFile) {
					return d.ArgErr()
				}
			case "storage":
				var where string
				if !d.AllArgs(&where) {
					return d.ArgErr()
				}
				if where == "memory" {
					a.InMemory = true
				} else {
					a.StoragePath = where
				}
			case "redis":
				args := d.RemainingArgs()
				if len(args) == 0 || len(args) > 3 {
					return d.ArgErr()
				}
				if a.Redis == nil {
					a.Redis = new(RedisConfig)
				}
				a.Redis.Address = args[0]
				if len(args) > 1 {
					db, err := strconv.Atoi(args[1])
					if err != nil {
						return d.Errf("invalid redis db %q", args[1])
					}
					a.Redis.DB = db
				}
				if len(args) > 2 {
					a.Redis.Prefix = args[2]
				}
			case "redis_password":
				if a.Redis == nil {
					a.Redis = new(RedisConfig)
				}
				if !d.AllArgs(&a.Redis.Password) {
					return d.ArgErr()
				}
			case "prime_capture":
				if !d.AllArgs(&a.PrimeCapture) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unrecognized pinroute option %q", d.Val())
			}
		}
	}
	if a.Redis != nil && a.Redis.Address == "" {
		return d.Err("redis_password given without redis address")
	}
	return nil
}

func parseDuration(d *caddyfile.Dispenser, into *caddy.Duration) error {
	if !d.NextArg() {
		return d.ArgErr()
	}
	dur, err := caddy.ParseDuration(d.Val())
	if err != nil {
		return d.Errf("invalid duration %q: %v", d.Val(), err)
	}
	if dur <= 0 {
		return d.Errf("duration %q must be positive", d.Val())
	}
	*into = caddy.Duration(dur)
	return nil
}

var _ caddyfile.Unmarshaler = (*App)(nil)
