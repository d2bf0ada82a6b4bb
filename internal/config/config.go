// Package config provides configuration loading for the orchestration core.
// Configuration sources (in priority order): env vars > config file >
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/blackflagsec/sentinel/internal/network"
)

// Config holds all core configuration.
type Config struct {
	// Listen address for the HTTP/WebSocket API (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/sentinel")
	DataDir string `json:"data_dir"`
	// DatabaseURL holds DATABASE_URL (or the config file's database_url).
	// It is loaded but not applied: the stores opened by cmd/sentinel-core
	// always use the file paths derived from DataDir.
	DatabaseURL string `json:"database_url,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	Darkweb DarkwebConfig `json:"darkweb"`
	Network NetworkConfig `json:"network"`
}

// DarkwebConfig bounds the worker pool and per-stage timeouts used by
// darkweb-intelligence capability executors.
type DarkwebConfig struct {
	MaxWorkers       int           `json:"max_workers"`
	DiscoveryTimeout time.Duration `json:"discovery_timeout"`
	CrawlTimeout     time.Duration `json:"crawl_timeout"`
}

// NetworkConfig configures the Gatekeeper pipeline and its supporting
// stores.
type NetworkConfig struct {
	RateLimitIP           int                `json:"rate_limit_ip"`
	RateLimitEndpoint     int                `json:"rate_limit_endpoint"`
	LogTTLDays            int                `json:"log_ttl_days"`
	EnableBlocking        bool               `json:"enable_blocking"`
	EnableLogging         bool               `json:"enable_logging"`
	EnableTunnelDetection bool               `json:"enable_tunnel_detection"`
	TunnelConfidenceMin   network.Confidence `json:"tunnel_confidence_min"`
	MaxBodySize           int64              `json:"max_body_size"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/sentinel",
		LogLevel:   "info",
		Darkweb: DarkwebConfig{
			MaxWorkers:       4,
			DiscoveryTimeout: 30 * time.Second,
			CrawlTimeout:     2 * time.Minute,
		},
		Network: NetworkConfig{
			RateLimitIP:           100,
			RateLimitEndpoint:     60,
			LogTTLDays:            90,
			EnableBlocking:        true,
			EnableLogging:         true,
			EnableTunnelDetection: true,
			TunnelConfidenceMin:   network.ConfidenceHigh,
			MaxBodySize:           1 << 20,
		},
	}
}

// Load reads configuration from a file, if path is non-empty, then overlays
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SENTINEL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SENTINEL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("DARKWEB_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Darkweb.MaxWorkers = n
		}
	}
	if v := os.Getenv("DARKWEB_DISCOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Darkweb.DiscoveryTimeout = d
		}
	}
	if v := os.Getenv("DARKWEB_CRAWL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Darkweb.CrawlTimeout = d
		}
	}

	if v := os.Getenv("NETWORK_RATE_LIMIT_IP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.RateLimitIP = n
		}
	}
	if v := os.Getenv("NETWORK_RATE_LIMIT_ENDPOINT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.RateLimitEndpoint = n
		}
	}
	if v := os.Getenv("NETWORK_LOG_TTL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.LogTTLDays = n
		}
	}
	if v := os.Getenv("NETWORK_ENABLE_BLOCKING"); v != "" {
		cfg.Network.EnableBlocking = v == "true" || v == "1"
	}
	if v := os.Getenv("NETWORK_ENABLE_LOGGING"); v != "" {
		cfg.Network.EnableLogging = v == "true" || v == "1"
	}
	if v := os.Getenv("NETWORK_ENABLE_TUNNEL_DETECTION"); v != "" {
		cfg.Network.EnableTunnelDetection = v == "true" || v == "1"
	}
	if v := os.Getenv("NETWORK_TUNNEL_CONFIDENCE_THRESHOLD"); v != "" {
		if c, ok := network.ParseConfidence(v); ok {
			cfg.Network.TunnelConfidenceMin = c
		}
	}
	if v := os.Getenv("NETWORK_MAX_BODY_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Network.MaxBodySize = n
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
