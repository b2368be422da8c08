// Package config loads the fpsd TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"

	"github.com/high-horse/fingerprint-fleet/internal/fleet"
	"github.com/high-horse/fingerprint-fleet/internal/monitor"
	"github.com/high-horse/fingerprint-fleet/internal/protocol"
)

const (
	MinPortNumber = 1
	MaxPortNumber = 65535
)

type Config struct {
	// CommandPort is the TCP port every device accepts commands on.
	CommandPort int `toml:"command_port" default:"5000"`

	Ingest    IngestConfig    `toml:"ingest"`
	Discovery DiscoveryConfig `toml:"discovery"`
	API       APIConfig       `toml:"api"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Store     StoreConfig     `toml:"store"`
	Log       LogConfig       `toml:"log"`
	Match     MatchConfig     `toml:"match"`
	Sync      SyncConfig      `toml:"sync"`
	Enroll    EnrollConfig    `toml:"enroll"`
}

type IngestConfig struct {
	Listen      string        `toml:"listen" default:":5002"`
	ReadTimeout time.Duration `toml:"read_timeout" default:"5s"`
}

type DiscoveryConfig struct {
	Enabled bool   `toml:"enabled" default:"true"`
	Listen  string `toml:"listen" default:":5001"`
}

type APIConfig struct {
	Listen string `toml:"listen" default:":9090"`
}

type TimeoutsConfig struct {
	Connect  time.Duration `toml:"connect" default:"5s"`
	Write    time.Duration `toml:"write" default:"5s"`
	Short    time.Duration `toml:"short" default:"5s"`
	Enroll   time.Duration `toml:"enroll" default:"60s"`
	Transfer time.Duration `toml:"transfer" default:"15s"`
	Bulk     time.Duration `toml:"bulk" default:"60s"`
}

type MonitorConfig struct {
	Interval    time.Duration `toml:"interval" default:"500ms"`
	DialTimeout time.Duration `toml:"dial_timeout" default:"1s"`
	ReadTimeout time.Duration `toml:"read_timeout" default:"100ms"`
	MaxDials    int           `toml:"max_dials" default:"8"`
}

type StoreConfig struct {
	TemplateDir string `toml:"template_dir" default:"templates"`
	Catalog     string `toml:"catalog" default:"fingerprints.cbor"`
}

type LogConfig struct {
	Dir          string        `toml:"dir" default:"logs"`
	Level        string        `toml:"level" default:"info"`
	MaxAge       time.Duration `toml:"max_age" default:"168h"`
	RotationTime time.Duration `toml:"rotation_time" default:"24h"`
}

type MatchConfig struct {
	Threshold float64 `toml:"threshold" default:"80"`
}

type SyncConfig struct {
	Pause time.Duration `toml:"pause" default:"500ms"`
}

type EnrollConfig struct {
	UploadDelay time.Duration `toml:"upload_delay" default:"1s"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	defaults.SetDefaults(&cfg)
	return cfg
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Decode parses TOML into cfg, rejecting keys that map to nothing.
func Decode(data string, cfg *Config) error {
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	var errs []error
	if c.CommandPort < MinPortNumber || c.CommandPort > MaxPortNumber {
		errs = append(errs, fmt.Errorf("invalid command_port: must be in range %d..%d", MinPortNumber, MaxPortNumber))
	}
	if c.Ingest.Listen == "" {
		errs = append(errs, errors.New("invalid ingest.listen: must not be empty"))
	}
	if c.Ingest.ReadTimeout <= 0 {
		errs = append(errs, errors.New("invalid ingest.read_timeout: must be > 0"))
	}
	if c.Discovery.Enabled && c.Discovery.Listen == "" {
		errs = append(errs, errors.New("invalid discovery.listen: required when discovery is enabled"))
	}
	if c.API.Listen == "" {
		errs = append(errs, errors.New("invalid api.listen: must not be empty"))
	}

	for name, d := range map[string]time.Duration{
		"timeouts.connect":     c.Timeouts.Connect,
		"timeouts.write":       c.Timeouts.Write,
		"timeouts.short":       c.Timeouts.Short,
		"timeouts.enroll":      c.Timeouts.Enroll,
		"timeouts.transfer":    c.Timeouts.Transfer,
		"timeouts.bulk":        c.Timeouts.Bulk,
		"monitor.interval":     c.Monitor.Interval,
		"monitor.dial_timeout": c.Monitor.DialTimeout,
		"monitor.read_timeout": c.Monitor.ReadTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be > 0", name))
		}
	}
	if c.Monitor.MaxDials <= 0 {
		errs = append(errs, errors.New("invalid monitor.max_dials: must be > 0"))
	}
	if c.Sync.Pause < 0 {
		errs = append(errs, errors.New("invalid sync.pause: must be >= 0"))
	}
	if c.Enroll.UploadDelay < 0 {
		errs = append(errs, errors.New("invalid enroll.upload_delay: must be >= 0"))
	}

	if c.Store.TemplateDir == "" {
		errs = append(errs, errors.New("invalid store.template_dir: must not be empty"))
	}
	if c.Store.Catalog == "" {
		errs = append(errs, errors.New("invalid store.catalog: must not be empty"))
	}
	if c.Match.Threshold < 0 || c.Match.Threshold > 100 {
		errs = append(errs, errors.New("invalid match.threshold: must be in range 0..100"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level %q: must be debug, info, warn or error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// ProtocolTimeouts converts the timeout section for the command client.
func (c Config) ProtocolTimeouts() protocol.Timeouts {
	return protocol.Timeouts{
		Connect:  c.Timeouts.Connect,
		Write:    c.Timeouts.Write,
		Short:    c.Timeouts.Short,
		Enroll:   c.Timeouts.Enroll,
		Transfer: c.Timeouts.Transfer,
		Bulk:     c.Timeouts.Bulk,
	}
}

func (c Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:    c.Monitor.Interval,
		DialTimeout: c.Monitor.DialTimeout,
		ReadTimeout: c.Monitor.ReadTimeout,
		MaxDials:    c.Monitor.MaxDials,
	}
}

func (c Config) ControllerOptions() fleet.Options {
	return fleet.Options{
		UploadDelay: c.Enroll.UploadDelay,
		SyncPause:   c.Sync.Pause,
	}
}

