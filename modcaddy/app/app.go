package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"

	"github.com/pinroute/pinroute"
	"github.com/pinroute/pinroute/capture"
)

const (
	CaddyAppID = "pinroute"

	DEFAULT_BOLT_FILE     = "pinroute.db"
	DEFAULT_CLOSE_TIMEOUT = 10 * time.Second
)

// engines holds one Engine per storage location. A config reload provisions
// the new App before the old one is cleaned up, and a bolt file can only be
// opened once, so Apps with the same storage share an Engine.
var engines = caddy.NewUsagePool()

func init() {
	caddy.RegisterModule(App{})
}

// RedisConfig selects the redis backend.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// App implements caddy.App. It owns the routing Engine used by the listener
// wrapper, which fingerprints connections, and by the HTTP handler, which
// reports their outcome.
//
// Tunables only take effect when the Engine is created, that is on the first
// load of a given storage location.
type App struct {
	PendingTTL          caddy.Duration `json:"pending_ttl,omitempty"`
	SweepInterval       caddy.Duration `json:"sweep_interval,omitempty"`
	Window              caddy.Duration `json:"window,omitempty"`
	MinSamples          int            `json:"min_samples,omitempty"`
	PinThreshold        float64        `json:"pin_threshold,omitempty"`
	ProfileIdleEviction caddy.Duration `json:"profile_idle_eviction,omitempty"`
	PinnedDomains       []string       `json:"pinned_domains,omitempty"`
	BaselineFile        string         `json:"baseline_file,omitempty"`

	// StoragePath is the bolt database file. Defaults to pinroute.db in
	// Caddy's data directory. Ignored when Redis or InMemory is set.
	StoragePath string       `json:"storage_path,omitempty"`
	Redis       *RedisConfig `json:"redis,omitempty"`
	InMemory    bool         `json:"in_memory,omitempty"`

	// PrimeCapture is a pcap file whose ClientHellos are registered on
	// start.
	PrimeCapture string `json:"prime_capture,omitempty"`

	engine  *pinroute.Engine
	metrics *pinroute.Metrics
	key     string
	logger  *zap.Logger
}

// CaddyModule implements caddy.Module.
func (App) CaddyModule() caddy.ModuleInfo { // skipcq: GO-W1029
	return caddy.ModuleInfo{
		ID:  CaddyAppID,
		New: func() caddy.Module { return new(App) },
	}
}

// Engine returns the shared Engine.
func (a *App) Engine() *pinroute.Engine { // skipcq: GO-W1029
	return a.engine
}

// Metrics returns the Engine's metrics.
func (a *App) Metrics() *pinroute.Metrics { // skipcq: GO-W1029
	return a.metrics
}

func (a *App) config() pinroute.Config {
	cfg := pinroute.DefaultConfig()
	if a.PendingTTL > 0 {
		cfg.PendingTTL = time.Duration(a.PendingTTL)
	}
	if a.SweepInterval > 0 {
		cfg.SweepInterval = time.Duration(a.SweepInterval)
	}
	if a.Window > 0 {
		cfg.Window = time.Duration(a.Window)
	}
	if a.MinSamples > 0 {
		cfg.MinSamples = a.MinSamples
	}
	if a.PinThreshold > 0 {
		cfg.PinThreshold = a.PinThreshold
	}
	cfg.ProfileIdleEviction = time.Duration(a.ProfileIdleEviction)
	if a.PinnedDomains != nil {
		cfg.PinnedDomains = a.PinnedDomains
	}
	cfg.BaselineFile = a.BaselineFile
	return cfg
}

func (a *App) storageKey() string {
	switch {
	case a.Redis != nil:
		return fmt.Sprintf("redis://%s/%d/%s", a.Redis.Address, a.Redis.DB, a.Redis.Prefix)
	case a.InMemory:
		return "memory"
	case a.StoragePath != "":
		return "bolt://" + a.StoragePath
	default:
		return "bolt://" + filepath.Join(caddy.AppDataDir(), DEFAULT_BOLT_FILE)
	}
}

func (a *App) openBackend(ctx context.Context) (pinroute.Backend, error) {
	switch {
	case a.Redis != nil:
		if a.Redis.Address == "" {
			return nil, errors.New("redis address is required")
		}
		return pinroute.DialRedisBackend(ctx, a.Redis.Address, a.Redis.Password, a.Redis.DB, a.Redis.Prefix)
	case a.InMemory:
		return pinroute.NewMemoryBackend(), nil
	default:
		path := a.StoragePath
		if path == "" {
			path = filepath.Join(caddy.AppDataDir(), DEFAULT_BOLT_FILE)
		}
		return pinroute.OpenBoltBackend(path)
	}
}

// sharedEngine lets the usage pool close the Engine with its last user.
type sharedEngine struct {
	engine  *pinroute.Engine
	metrics *pinroute.Metrics
	logger  *zap.Logger
}

func (s *sharedEngine) Destruct() error {
	ctx, cancel := context.WithTimeout(context.Background(), DEFAULT_CLOSE_TIMEOUT)
	defer cancel()
	err := s.engine.Close(ctx)
	s.logger.Info("pinroute engine closed", zap.Error(err))
	return err
}

// Provision implements caddy.Provisioner.
func (a *App) Provision(ctx caddy.Context) error { // skipcq: GO-W1029
	a.logger = ctx.Logger(a)
	if err := a.config().Validate(); err != nil {
		return err
	}

	a.key = a.storageKey()
	val, loaded, err := engines.LoadOrNew(a.key, func() (caddy.Destructor, error) {
		backend, err := a.openBackend(ctx)
		if err != nil {
			return nil, err
		}
		metrics := pinroute.NewMetrics()
		engine, err := pinroute.New(ctx, a.config(), backend, a.logger, metrics)
		if err != nil {
			backend.Close()
			return nil, err
		}
		if err := engine.Start(context.Background()); err != nil {
			engine.Close(ctx)
			return nil, err
		}
		return &sharedEngine{engine: engine, metrics: metrics, logger: a.logger}, nil
	})
	if err != nil {
		return fmt.Errorf("pinroute engine for %s: %w", a.key, err)
	}
	shared := val.(*sharedEngine)
	a.engine, a.metrics = shared.engine, shared.metrics

	a.logger.Info("pinroute app provisioned", zap.String("storage", a.key), zap.Bool("reused", loaded))
	return nil
}

// Start implements caddy.App.
func (a *App) Start() error { // skipcq: GO-W1029
	if a.PrimeCapture != "" {
		if _, _, err := capture.Prime(a.PrimeCapture, a.engine, a.logger); err != nil {
			return err
		}
	}
	a.logger.Info("pinroute app started")
	return nil
}

// Stop implements caddy.App. The Engine outlives the App until Cleanup.
func (a *App) Stop() error { // skipcq: GO-W1029
	return nil
}

// Cleanup implements caddy.CleanerUpper.
func (a *App) Cleanup() error { // skipcq: GO-W1029
	if a.key == "" {
		return nil
	}
	_, err := engines.Delete(a.key)
	return err
}

var (
	_ caddy.App          = (*App)(nil)
	_ caddy.Provisioner  = (*App)(nil)
	_ caddy.CleanerUpper = (*App)(nil)
)
