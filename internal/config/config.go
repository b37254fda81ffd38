// Package config handles TOML configuration parsing and defaulting for edgedns-proxy's client query
// resolution core.
package config

import (
	"fmt"
	"os"

	"github.com/markdingo/edgedns/internal/constants"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for edgedns-proxy.
type Config struct {
	Listen   ListenConfig   `toml:"listen"`
	Upstream UpstreamConfig `toml:"upstream"`
	Core     CoreConfig     `toml:"core"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// ListenConfig holds the client-facing UDP listen address.
type ListenConfig struct {
	Address string `toml:"address"`
}

// UpstreamConfig holds the configured pool of upstream DNS servers.
type UpstreamConfig struct {
	Addresses      []string `toml:"addresses"`
	OutboundSocket int      `toml:"outbound_sockets"`
}

// CoreConfig holds the knobs named by the resolution core: admission limits and the load-balancing
// policy.
type CoreConfig struct {
	MaxActiveQueries      int    `toml:"max_active_queries"`
	MaxWaitingClients     int    `toml:"max_waiting_clients"`
	LBMode                string `toml:"lbmode"`
	CacheSize             int    `toml:"cache_size"`
	ProbesDelayMs         uint64 `toml:"upstream_probes_delay_ms"`
	QueryMaxTimeoutMs     uint64 `toml:"upstream_query_max_timeout_ms"`
	UpstreamFailThreshold int    `toml:"upstream_failure_threshold"`
}

// MetricsConfig holds the /metrics listener settings, including the optional HTTPS material wired
// through internal/tlsutil.
type MetricsConfig struct {
	Address  string `toml:"address"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// Defaults returns a Config populated with the defaults named in internal/constants, suitable as a
// starting point before a TOML file's values are overlaid on top.
func Defaults() *Config {
	consts := constants.Get()

	return &Config{
		Listen: ListenConfig{Address: ":" + consts.DNSDefaultPort},
		Upstream: UpstreamConfig{
			OutboundSocket: consts.DefaultOutboundSockets,
		},
		Core: CoreConfig{
			MaxActiveQueries:      consts.DefaultMaxActiveQueries,
			MaxWaitingClients:     consts.DefaultMaxWaitingClients,
			LBMode:                "fallback",
			CacheSize:             4096,
			ProbesDelayMs:         consts.UpstreamProbesDelayMs,
			QueryMaxTimeoutMs:     consts.UpstreamQueryMaxTimeoutMs,
			UpstreamFailThreshold: consts.UpstreamFailureThreshold,
		},
		Metrics: MetricsConfig{Address: ":9153"},
	}
}

// Load reads and parses a TOML config file on top of Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Upstream.Addresses) == 0 {
		return fmt.Errorf("upstream.addresses must list at least one upstream DNS server")
	}
	switch cfg.Core.LBMode {
	case "fallback", "uniform", "p2":
	default:
		return fmt.Errorf("core.lbmode %q must be one of fallback, uniform, p2", cfg.Core.LBMode)
	}
	if cfg.Core.MaxWaitingClients <= 0 {
		return fmt.Errorf("core.max_waiting_clients must be positive")
	}
	if cfg.Core.MaxActiveQueries <= 0 {
		return fmt.Errorf("core.max_active_queries must be positive")
	}

	return nil
}
