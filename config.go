package pinroute

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DEFAULT_PENDING_TTL        = 60 * time.Second
	DEFAULT_SWEEP_INTERVAL     = 5 * time.Second
	DEFAULT_OBSERVATION_WINDOW = time.Hour
	DEFAULT_MIN_SAMPLES        = 5
	DEFAULT_PIN_THRESHOLD      = 0.8
	DEFAULT_MAX_WINDOW_SAMPLES = 1024
	DEFAULT_PERSIST_RETRY_BASE = 200 * time.Millisecond
	DEFAULT_PERSIST_RETRY_MAX  = 30 * time.Second
	DEFAULT_PERSIST_BATCH      = 256
)

// Config holds the tunables of an Engine. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// PendingTTL is how long a ClientHello waits for its outcome before
	// late success/failure reports are ignored.
	PendingTTL    time.Duration `json:"pending_ttl,omitempty" mapstructure:"pending_ttl"`
	SweepInterval time.Duration `json:"sweep_interval,omitempty" mapstructure:"sweep_interval"`

	// Window, MinSamples and PinThreshold drive pinning promotion and
	// demotion: a fingerprint with at least MinSamples outcomes inside the
	// trailing Window is pinned iff its failure rate is strictly above
	// PinThreshold.
	Window       time.Duration `json:"window,omitempty" mapstructure:"window"`
	MinSamples   int           `json:"min_samples,omitempty" mapstructure:"min_samples"`
	PinThreshold float64       `json:"pin_threshold,omitempty" mapstructure:"pin_threshold"`

	// MaxWindowSamples caps the outcomes remembered per fingerprint.
	MaxWindowSamples int `json:"max_window_samples,omitempty" mapstructure:"max_window_samples"`

	// ProfileIdleEviction drops learned profiles not seen for this long
	// from memory. They stay in the backend. Zero disables eviction.
	ProfileIdleEviction time.Duration `json:"profile_idle_eviction,omitempty" mapstructure:"profile_idle_eviction"`

	// PinnedDomains are SNI substrings routed to passthrough regardless of
	// fingerprint. Nil means DefaultPinnedDomains.
	PinnedDomains []string `json:"pinned_domains,omitempty" mapstructure:"pinned_domains"`

	// BaselineFile optionally points at a TOML file of extra baseline
	// fingerprints.
	BaselineFile string `json:"baseline_file,omitempty" mapstructure:"baseline_file"`

	PersistRetryBase time.Duration `json:"persist_retry_base,omitempty" mapstructure:"persist_retry_base"`
	PersistRetryMax  time.Duration `json:"persist_retry_max,omitempty" mapstructure:"persist_retry_max"`
	PersistBatch     int           `json:"persist_batch,omitempty" mapstructure:"persist_batch"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		PendingTTL:       DEFAULT_PENDING_TTL,
		SweepInterval:    DEFAULT_SWEEP_INTERVAL,
		Window:           DEFAULT_OBSERVATION_WINDOW,
		MinSamples:       DEFAULT_MIN_SAMPLES,
		PinThreshold:     DEFAULT_PIN_THRESHOLD,
		MaxWindowSamples: DEFAULT_MAX_WINDOW_SAMPLES,
		PinnedDomains:    append([]string(nil), DefaultPinnedDomains...),
		PersistRetryBase: DEFAULT_PERSIST_RETRY_BASE,
		PersistRetryMax:  DEFAULT_PERSIST_RETRY_MAX,
		PersistBatch:     DEFAULT_PERSIST_BATCH,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PendingTTL <= 0 {
		c.PendingTTL = d.PendingTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.PinThreshold == 0 {
		c.PinThreshold = d.PinThreshold
	}
	if c.MaxWindowSamples <= 0 {
		c.MaxWindowSamples = d.MaxWindowSamples
	}
	if c.PinnedDomains == nil {
		c.PinnedDomains = d.PinnedDomains
	}
	if c.PersistRetryBase <= 0 {
		c.PersistRetryBase = d.PersistRetryBase
	}
	if c.PersistRetryMax <= 0 {
		c.PersistRetryMax = d.PersistRetryMax
	}
	if c.PersistBatch <= 0 {
		c.PersistBatch = d.PersistBatch
	}
	return c
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.PinThreshold < 0 || c.PinThreshold >= 1 {
		return fmt.Errorf("pin_threshold must be in [0, 1), got %v", c.PinThreshold)
	}
	if c.MinSamples < 1 {
		return errors.New("min_samples must be at least 1")
	}
	if c.MaxWindowSamples < c.MinSamples {
		return fmt.Errorf("max_window_samples (%d) must not be below min_samples (%d)", c.MaxWindowSamples, c.MinSamples)
	}
	if c.PersistRetryMax < c.PersistRetryBase {
		return errors.New("persist_retry_max must not be below persist_retry_base")
	}
	return nil
}

// LoadConfig reads a YAML, TOML or JSON config file. Every key can be
// overridden by a PINROUTE_ prefixed environment variable, e.g.
// PINROUTE_PIN_THRESHOLD=0.9. An empty path reads only the environment.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	d := DefaultConfig()
	v.SetDefault("pending_ttl", d.PendingTTL)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("window", d.Window)
	v.SetDefault("min_samples", d.MinSamples)
	v.SetDefault("pin_threshold", d.PinThreshold)
	v.SetDefault("max_window_samples", d.MaxWindowSamples)
	v.SetDefault("profile_idle_eviction", d.ProfileIdleEviction)
	v.SetDefault("pinned_domains", d.PinnedDomains)
	v.SetDefault("baseline_file", "")
	v.SetDefault("persist_retry_base", d.PersistRetryBase)
	v.SetDefault("persist_retry_max", d.PersistRetryMax)
	v.SetDefault("persist_batch", d.PersistBatch)

	v.SetEnvPrefix("PINROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
