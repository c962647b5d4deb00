// Package config loads the jrpc TOML configuration and applies environment
// overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mini-jsonrpc/registry"
)

const (
	EnvEndpoints = "JRPC_ENDPOINTS"
	EnvLogLevel  = "JRPC_LOG_LEVEL"
	EnvEtcd      = "JRPC_ETCD_ENDPOINTS"
)

// Duration is a time.Duration written as a string ("5s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the top-level configuration loaded from jrpc.toml.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Client   ClientConfig   `toml:"client"`
	Server   ServerConfig   `toml:"server"`
	Registry RegistryConfig `toml:"registry"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console or json
}

// ClientConfig tunes the client and its connections.
type ClientConfig struct {
	Service      string   `toml:"service"`
	Balancer     string   `toml:"balancer"` // round_robin, weighted_random, consistent_hash
	PoolSize     int      `toml:"pool_size"`
	IDs          string   `toml:"ids"` // sequence or uuid
	MaxFrameSize   int      `toml:"max_frame_size"`
	MaxMessageSize int      `toml:"max_message_size"` // per WebSocket message
	Heartbeat      Duration `toml:"heartbeat"`
	KeepAlive      Duration `toml:"keep_alive"`
	DialTimeout    Duration `toml:"dial_timeout"`
	CallTimeout    Duration `toml:"call_timeout"`
	Retries        int      `toml:"retries"`
	RetryDelay     Duration `toml:"retry_delay"`
	RateLimit      float64  `toml:"rate_limit"` // calls per second, 0 disables
	RateBurst      int      `toml:"rate_burst"`
}

type ServerConfig struct {
	Network         string   `toml:"network"` // tcp or ws
	Listen          string   `toml:"listen"`
	Advertise       string   `toml:"advertise"`
	MaxFrameSize    int      `toml:"max_frame_size"`
	MaxMessageSize  int      `toml:"max_message_size"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// RegistryConfig selects where endpoints come from. The static kind serves
// the [[registry.endpoint]] tables.
type RegistryConfig struct {
	Kind      string              `toml:"kind"` // static or etcd
	Etcd      []string            `toml:"etcd"`
	TTL       int64               `toml:"ttl"`
	Endpoints []registry.Endpoint `toml:"endpoint"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Client: ClientConfig{
			Service:     "wallet",
			Balancer:    "round_robin",
			PoolSize:    1,
			IDs:         "sequence",
			DialTimeout: Duration{5 * time.Second},
			CallTimeout: Duration{30 * time.Second},
			RetryDelay:  Duration{100 * time.Millisecond},
		},
		Server: ServerConfig{
			Network:         "tcp",
			Listen:          "127.0.0.1:10000",
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Registry: RegistryConfig{Kind: "static", TTL: 10},
	}
}

// Load reads path (skipped when empty) over the defaults, applies environment
// variable overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing %s: unknown keys %v", path, undecoded)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values. JRPC_ENDPOINTS is a comma separated list of
// host:port or network://host:port entries.
func applyEnv(cfg *Config) error {
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		cfg.Log.Level = lvl
	}
	if raw := os.Getenv(EnvEndpoints); raw != "" {
		eps, err := ParseEndpoints(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEndpoints, err)
		}
		cfg.Registry.Kind = "static"
		cfg.Registry.Endpoints = eps
	}
	if raw := os.Getenv(EnvEtcd); raw != "" {
		cfg.Registry.Kind = "etcd"
		cfg.Registry.Etcd = splitList(raw)
	}
	return nil
}

// ParseEndpoints parses "tcp://a:1,ws://b:2/api,c:3".
func ParseEndpoints(raw string) ([]registry.Endpoint, error) {
	var eps []registry.Endpoint
	for _, item := range splitList(raw) {
		network, addr, ok := strings.Cut(item, "://")
		if !ok {
			network, addr = "tcp", item
		}
		switch network {
		case "tcp":
		case "ws", "wss":
			// The WebSocket dialer takes the full URL so a path survives.
			addr = item
		default:
			return nil, fmt.Errorf("endpoint %q: unknown network %q", item, network)
		}
		if addr == "" || strings.HasSuffix(addr, "://") {
			return nil, fmt.Errorf("endpoint %q: empty address", item)
		}
		eps = append(eps, registry.Endpoint{Addr: addr, Network: network, Weight: 1})
	}
	if len(eps) == 0 {
		return nil, errors.New("no endpoints")
	}
	return eps, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	switch c.Registry.Kind {
	case "static":
	case "etcd":
		if len(c.Registry.Etcd) == 0 {
			return errors.New("config: registry.kind = \"etcd\" needs registry.etcd addresses")
		}
	default:
		return fmt.Errorf("config: unknown registry kind %q", c.Registry.Kind)
	}
	if c.Client.PoolSize < 0 || c.Client.Retries < 0 {
		return errors.New("config: client.pool_size and client.retries must not be negative")
	}
	if c.Client.MaxFrameSize < 0 || c.Server.MaxFrameSize < 0 {
		return errors.New("config: max_frame_size must not be negative")
	}
	if c.Client.MaxMessageSize < 0 || c.Server.MaxMessageSize < 0 {
		return errors.New("config: max_message_size must not be negative")
	}
	for _, ep := range c.Registry.Endpoints {
		if ep.Addr == "" {
			return errors.New("config: registry.endpoint without addr")
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
