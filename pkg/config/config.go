// Package config provides YAML-based configuration loading for hydra.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration, shared by the relay
// daemon and the proxy.
type Config struct {
	// AppName is the logical name of this process.
	AppName string `mapstructure:"app_name"`

	// NodeID is this peer's overlay address on the bus.
	NodeID string `mapstructure:"node_id"`

	Log    LogConfig    `mapstructure:"log"`
	Bus    BusConfig    `mapstructure:"bus"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Tunnel TunnelConfig `mapstructure:"tunnel"`
	Proxy  ProxyConfig  `mapstructure:"proxy"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// BusConfig selects and configures the message bus carrying envelopes.
type BusConfig struct {
	// Kind: ws or quic
	Kind string `mapstructure:"kind"`
	// Listen enables the server side of the bus (relay daemon).
	Listen string `mapstructure:"listen"`
	// Dial is the bus endpoint to connect to (proxy side).
	Dial string `mapstructure:"dial"`
	// MaxPayload caps one bus message (0 = transport default).
	MaxPayload int `mapstructure:"max_payload"`
}

// RelayConfig tunes the executing side of the tunnel.
type RelayConfig struct {
	// BaseURL prefixes path-only request descriptors.
	BaseURL string `mapstructure:"base_url"`
	// DefaultTimeoutMS bounds calls with no declared deadline.
	DefaultTimeoutMS int `mapstructure:"default_timeout_ms"`
	// ChunkBytes caps one response chunk's base64 payload (0 = derive).
	ChunkBytes int `mapstructure:"chunk_bytes"`
	// LineBatch is the max records per lines envelope.
	LineBatch int `mapstructure:"line_batch"`
	// SessionTTLSec bounds reassembly state and the resend cache.
	SessionTTLSec int `mapstructure:"session_ttl_sec"`
	// StateCodec is the content type of the session-state serialization.
	StateCodec string `mapstructure:"state_codec"`
	// RateBytesPerSec shapes bulk chunk output (0 = unshaped).
	RateBytesPerSec int64 `mapstructure:"rate_bytes_per_sec"`
}

// TunnelConfig tunes the calling side of the tunnel.
type TunnelConfig struct {
	// RelayAddr is the overlay address of the relay peer.
	RelayAddr string `mapstructure:"relay_addr"`
	// ForceRelay disables the direct-path fallback.
	ForceRelay bool `mapstructure:"force_relay"`

	SendRetries       int `mapstructure:"send_retries"`
	SendBackoffMS     int `mapstructure:"send_backoff_ms"`
	DefaultTimeoutMS  int `mapstructure:"default_timeout_ms"`
	LingerMS          int `mapstructure:"linger_ms"`
	MissingRetries    int `mapstructure:"missing_retries"`
	MissingIntervalMS int `mapstructure:"missing_interval_ms"`
	ChunkBytes        int `mapstructure:"chunk_bytes"`
}

// ProxyConfig configures the local HTTP front of hydra-proxy.
type ProxyConfig struct {
	// Listen is the local address serving tunneled HTTP.
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "hydra",
		NodeID:  "node-1",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/hydra.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Bus: BusConfig{
			Kind:   "ws",
			Listen: ":7777",
		},
		Relay: RelayConfig{
			DefaultTimeoutMS: 30_000,
			LineBatch:        16,
			SessionTTLSec:    120,
			StateCodec:       "application/cbor",
		},
		Tunnel: TunnelConfig{
			RelayAddr:         "relay-1",
			SendRetries:       3,
			SendBackoffMS:     250,
			DefaultTimeoutMS:  30_000,
			LingerMS:          350,
			MissingRetries:    2,
			MissingIntervalMS: 1000,
		},
		Proxy: ProxyConfig{
			Listen: "127.0.0.1:8800",
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment
// overrides. Environment variables use the prefix HYDRA and `.`/`-` are
// replaced with `_`. Example: HYDRA_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HYDRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("bus.kind", cfg.Bus.Kind)
	v.SetDefault("bus.listen", cfg.Bus.Listen)
	v.SetDefault("bus.dial", cfg.Bus.Dial)
	v.SetDefault("bus.max_payload", cfg.Bus.MaxPayload)
	v.SetDefault("relay.base_url", cfg.Relay.BaseURL)
	v.SetDefault("relay.default_timeout_ms", cfg.Relay.DefaultTimeoutMS)
	v.SetDefault("relay.chunk_bytes", cfg.Relay.ChunkBytes)
	v.SetDefault("relay.line_batch", cfg.Relay.LineBatch)
	v.SetDefault("relay.session_ttl_sec", cfg.Relay.SessionTTLSec)
	v.SetDefault("relay.state_codec", cfg.Relay.StateCodec)
	v.SetDefault("relay.rate_bytes_per_sec", cfg.Relay.RateBytesPerSec)
	v.SetDefault("tunnel.relay_addr", cfg.Tunnel.RelayAddr)
	v.SetDefault("tunnel.force_relay", cfg.Tunnel.ForceRelay)
	v.SetDefault("tunnel.send_retries", cfg.Tunnel.SendRetries)
	v.SetDefault("tunnel.send_backoff_ms", cfg.Tunnel.SendBackoffMS)
	v.SetDefault("tunnel.default_timeout_ms", cfg.Tunnel.DefaultTimeoutMS)
	v.SetDefault("tunnel.linger_ms", cfg.Tunnel.LingerMS)
	v.SetDefault("tunnel.missing_retries", cfg.Tunnel.MissingRetries)
	v.SetDefault("tunnel.missing_interval_ms", cfg.Tunnel.MissingIntervalMS)
	v.SetDefault("tunnel.chunk_bytes", cfg.Tunnel.ChunkBytes)
	v.SetDefault("proxy.listen", cfg.Proxy.Listen)

	if path == "" {
		if envPath := os.Getenv("HYDRA_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hydra")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".hydra"))
		}
	}

	// a missing config file is fine; defaults plus env carry the day
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Bus.Kind)) {
	case "ws", "quic", "mem":
		c.Bus.Kind = strings.ToLower(strings.TrimSpace(c.Bus.Kind))
	default:
		return fmt.Errorf("invalid bus.kind: %q", c.Bus.Kind)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "node-1"
	}
	if c.Tunnel.RelayAddr == "" {
		return fmt.Errorf("tunnel.relay_addr must not be empty")
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
