// Package config loads the node configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"Spindle/internal/cumulation"
	"Spindle/internal/deferred"
	"Spindle/internal/logger"
)

// Config is the node configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Overlay    OverlayConfig    `yaml:"overlay"`
	Cumulation CumulationConfig `yaml:"cumulation"`
	Deferred   DeferredConfig   `yaml:"deferred"`
	Transport  TransportConfig  `yaml:"transport"`
}

// NodeConfig locates the node's files and peers.
type NodeConfig struct {
	DataPath      string   `yaml:"data_path"`                // DataPath is the directory of the persistent store, in memory if empty
	KeyPath       string   `yaml:"key_path"`                 // KeyPath is the ed25519 key file, generated if missing
	ListenAddr    string   `yaml:"listen_addr"`              // ListenAddr is the QUIC listen address
	AdvertiseAddr string   `yaml:"advertise_addr,omitempty"` // AdvertiseAddr is the address announced to peers
	Bootstrap     []string `yaml:"bootstrap,omitempty"`      // Bootstrap lists addresses tried in order to join
}

// HTTPConfig configures the status and metrics server.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // Addr is the listen address, disabled if empty
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"`          // Level is debug, info, warn or error
	Path  string `yaml:"path,omitempty"` // Path is an optional log file
}

// OverlayConfig holds the protocol timeouts.
type OverlayConfig struct {
	BookingTimeout time.Duration `yaml:"booking_timeout"` // BookingTimeout bounds the wait for a booked slot
	JoinTimeout    time.Duration `yaml:"join_timeout"`    // JoinTimeout bounds the closest node search of a join
	BeltTimeout    time.Duration `yaml:"belt_timeout"`    // BeltTimeout bounds the wait for both ring neighbours
	RequestTimeout time.Duration `yaml:"request_timeout"` // RequestTimeout bounds a routed request
	LocateCache    int           `yaml:"locate_cache"`    // LocateCache is the number of remembered lookups
}

// CumulationConfig selects the aggregates computed by the node.
type CumulationConfig struct {
	Enabled    bool    `yaml:"enabled"`     // Enabled turns aggregation on
	ExactCount bool    `yaml:"exact_count"` // ExactCount adds the exact node count
	Tolerance  float64 `yaml:"tolerance"`   // Tolerance is the relative tolerance of the approximate count
}

// DeferredConfig bounds the deferred message queues.
type DeferredConfig struct {
	MaxDistance   int           `yaml:"max_distance"`   // MaxDistance is the farthest distance at which a queue is kept
	MaxAge        time.Duration `yaml:"max_age"`        // MaxAge is the age after which a message is dropped
	SweepInterval time.Duration `yaml:"sweep_interval"` // SweepInterval is the period of the expiry sweep
}

// TransportConfig configures the connections.
type TransportConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // ReconnectDelay is the first delay before rejoining
	QueueSize      int           `yaml:"queue_size"`      // QueueSize is the outbound frame buffer per peer
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			DataPath:   "./data",
			KeyPath:    "./data/node.key",
			ListenAddr: ":9000",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
		Overlay: OverlayConfig{
			BookingTimeout: 5 * time.Second,
			JoinTimeout:    30 * time.Second,
			BeltTimeout:    30 * time.Second,
			RequestTimeout: 10 * time.Second,
			LocateCache:    1024,
		},
		Cumulation: CumulationConfig{
			Enabled:   true,
			Tolerance: cumulation.DefaultTolerance,
		},
		Deferred: DeferredConfig{
			MaxDistance:   deferred.DefaultMaxDistance,
			MaxAge:        deferred.DefaultMaxAge,
			SweepInterval: time.Minute,
		},
		Transport: TransportConfig{
			ReconnectDelay: 5 * time.Second,
			QueueSize:      1024,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config:\n%w", err)
	}

	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("parse config %s:\n%w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config %s:\n%w", path, err)
	}

	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config:\n%w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config:\n%w", err)
	}

	return nil
}

// Validate checks every section and joins the problems found.
func (c *Config) Validate() error {
	var errs []error

	if c.Node.ListenAddr == "" {
		errs = append(errs, errors.New("node.listen_addr is required"))
	} else if _, _, err := net.SplitHostPort(c.Node.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("node.listen_addr: %w", err))
	}

	for _, addr := range c.Node.Bootstrap {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("node.bootstrap %q: %w", addr, err))
		}
	}

	if c.HTTP.Addr != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
			errs = append(errs, fmt.Errorf("http.addr: %w", err))
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"overlay.booking_timeout", c.Overlay.BookingTimeout},
		{"overlay.join_timeout", c.Overlay.JoinTimeout},
		{"overlay.belt_timeout", c.Overlay.BeltTimeout},
		{"overlay.request_timeout", c.Overlay.RequestTimeout},
		{"deferred.max_age", c.Deferred.MaxAge},
		{"deferred.sweep_interval", c.Deferred.SweepInterval},
		{"transport.reconnect_delay", c.Transport.ReconnectDelay},
	}

	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.value))
		}
	}

	if c.Overlay.LocateCache <= 0 {
		errs = append(errs, fmt.Errorf("overlay.locate_cache must be positive, got %d", c.Overlay.LocateCache))
	}

	if c.Cumulation.Tolerance <= 0 || c.Cumulation.Tolerance >= 1 {
		errs = append(errs, fmt.Errorf("cumulation.tolerance must be in (0, 1), got %g", c.Cumulation.Tolerance))
	}

	if c.Deferred.MaxDistance < 0 {
		errs = append(errs, fmt.Errorf("deferred.max_distance must not be negative, got %d", c.Deferred.MaxDistance))
	}

	if c.Transport.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("transport.queue_size must be positive, got %d", c.Transport.QueueSize))
	}

	return errors.Join(errs...)
}

// Cumulations returns the aggregates selected by the configuration.
func (c *Config) Cumulations() []cumulation.Cumulation {
	if !c.Cumulation.Enabled {
		return nil
	}

	kinds := []cumulation.Cumulation{cumulation.Approximate(c.Cumulation.Tolerance)}
	if c.Cumulation.ExactCount {
		kinds = append(kinds, cumulation.Exact())
	}

	return kinds
}
