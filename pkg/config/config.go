package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// LoggingConfig holds the configuration for the logging system.
type LoggingConfig struct {
	Destination string `yaml:"dest" toml:"dest" envconfig:"DEST"`
	Level       string `yaml:"level" toml:"level" envconfig:"LEVEL"`
}

// Config holds the application configuration.
type Config struct {
	// General settings
	Daemon   bool          `yaml:"daemon" toml:"daemon" envconfig:"DAEMON"`
	PIDFile  string        `yaml:"pidfile" toml:"pidfile" envconfig:"PIDFILE"`
	Interval time.Duration `yaml:"checkinterval" toml:"checkinterval" envconfig:"CHECKINTERVAL"`
	Logging  LoggingConfig `yaml:"logging" toml:"logging"`

	// Gateway settings
	GatewayInterface string    `yaml:"gatewayinterface" toml:"gatewayinterface" envconfig:"GATEWAYINTERFACE"`
	GatewayNetStr    string    `yaml:"gatewaynet" toml:"gatewaynet" envconfig:"GATEWAYNET"`
	GatewayNet       net.IPNet `yaml:"-" toml:"-" ignored:"true"` // Parsed from GatewayNetStr
	GatewayKeyStr    string    `yaml:"gateway_key" toml:"gateway_key" envconfig:"GATEWAY_KEY"`
	GatewayPort      int       `yaml:"gatewayport" toml:"gatewayport" envconfig:"GATEWAYPORT"` // splash page port

	// Clients
	MaxClients int `yaml:"maxclients" toml:"maxclients" envconfig:"MAXCLIENTS"` // 0 means no limit

	// Client timeouts
	PreauthIdleTimeout time.Duration `yaml:"preauthidletimeout" toml:"preauthidletimeout" envconfig:"PREAUTHIDLETIMEOUT"`
	AuthIdleTimeout    time.Duration `yaml:"authidletimeout" toml:"authidletimeout" envconfig:"AUTHIDLETIMEOUT"`
	SessionTimeout     time.Duration `yaml:"sessiontimeout" toml:"sessiontimeout" envconfig:"SESSIONTIMEOUT"`

	// Default rates (kbit/s) and quotas (kB). Zero means unlimited.
	UploadRate    uint64 `yaml:"uploadrate" toml:"uploadrate" envconfig:"UPLOADRATE"`
	DownloadRate  uint64 `yaml:"downloadrate" toml:"downloadrate" envconfig:"DOWNLOADRATE"`
	UploadQuota   uint64 `yaml:"uploadquota" toml:"uploadquota" envconfig:"UPLOADQUOTA"`
	DownloadQuota uint64 `yaml:"downloadquota" toml:"downloadquota" envconfig:"DOWNLOADQUOTA"`

	// Rate limiting
	UploadBucketRatio     uint64 `yaml:"uploadbucketratio" toml:"uploadbucketratio" envconfig:"UPLOADBUCKETRATIO"`
	DownloadBucketRatio   uint64 `yaml:"downloadbucketratio" toml:"downloadbucketratio" envconfig:"DOWNLOADBUCKETRATIO"`
	MaxUploadBucketSize   uint64 `yaml:"maxuploadbucketsize" toml:"maxuploadbucketsize" envconfig:"MAXUPLOADBUCKETSIZE"`
	MaxDownloadBucketSize uint64 `yaml:"maxdownloadbucketsize" toml:"maxdownloadbucketsize" envconfig:"MAXDOWNLOADBUCKETSIZE"`
	RateThreshold         int    `yaml:"ratethreshold" toml:"ratethreshold" envconfig:"RATETHRESHOLD"`
	MTU                   uint64 `yaml:"mtu" toml:"mtu" envconfig:"MTU"`
	MaxFirewallFailures   int    `yaml:"maxfirewallfailures" toml:"maxfirewallfailures" envconfig:"MAXFIREWALLFAILURES"`

	// Hooks
	BinAuth string `yaml:"binauth" toml:"binauth" envconfig:"BINAUTH"`

	// Management
	CmdSocket string `yaml:"cmdsocket" toml:"cmdsocket" envconfig:"CMDSOCKET"`

	Firewall FirewallConfig `yaml:"firewall" toml:"firewall"`
	Counters CountersConfig `yaml:"counters" toml:"counters"`
	AdminAPI AdminAPIConfig `yaml:"admin_api" toml:"admin_api"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// FirewallConfig selects and tunes the firewall backend.
type FirewallConfig struct {
	Backend string        `yaml:"backend" toml:"backend" envconfig:"BACKEND"` // iptables, none
	Breaker BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// BreakerConfig tunes the circuit breaker placed in front of the firewall backend.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	FailureThreshold uint32        `yaml:"failure_threshold" toml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`
	OpenTimeout      time.Duration `yaml:"open_timeout" toml:"open_timeout" envconfig:"OPEN_TIMEOUT"`
}

// CountersConfig selects where per-client traffic counters come from.
type CountersConfig struct {
	Source string `yaml:"source" toml:"source" envconfig:"SOURCE"` // iptables, conntrack
}

// AdminAPIConfig holds the configuration for the admin API.
type AdminAPIConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	Listen         string        `yaml:"listen" toml:"listen" envconfig:"LISTEN"`
	AuthTokenHash  string        `yaml:"auth_token_hash" toml:"auth_token_hash" envconfig:"AUTH_TOKEN_HASH"` // bcrypt
	ReadTimeout    time.Duration `yaml:"read_timeout" toml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" toml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	RateLimit      float64       `yaml:"rate_limit" toml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateLimitBurst int           `yaml:"rate_limit_burst" toml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
}

// MetricsConfig holds the configuration for the metrics system.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	Backend string `yaml:"backend" toml:"backend" envconfig:"BACKEND"`
}

// Load loads the configuration from a YAML or TOML file, and then overrides with environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		// If the file doesn't exist, config may be provided entirely by env vars.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if len(data) > 0 {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return nil, fmt.Errorf("failed to decode toml config: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
			}
		}
	}

	// Override with environment variables, e.g. OPENNDS_CHECKINTERVAL=30s.
	if err := envconfig.Process("opennds", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if cfg.GatewayNetStr != "" {
		_, ipnet, err := net.ParseCIDR(cfg.GatewayNetStr)
		if err != nil {
			return nil, fmt.Errorf("invalid 'gatewaynet' CIDR value: %w", err)
		}
		cfg.GatewayNet = *ipnet
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config populated with the gateway defaults. Load decodes the
// file on top of it, so keys absent from the file keep these values while explicit
// zeros (e.g. a bucket ratio of 0 to disable limiting) are preserved.
func Default() Config {
	return Config{
		Interval:              15 * time.Second,
		MaxClients:            250,
		GatewayInterface:      "br-lan",
		GatewayPort:           2050,
		PreauthIdleTimeout:    30 * time.Minute,
		AuthIdleTimeout:       120 * time.Minute,
		UploadBucketRatio:     10,
		DownloadBucketRatio:   10,
		MaxUploadBucketSize:   250,
		MaxDownloadBucketSize: 250,
		RateThreshold:         2,
		MTU:                   1500,
		MaxFirewallFailures:   5,
		CmdSocket:             "/tmp/ndsctl.sock",
		Logging:               LoggingConfig{Level: "info"},
		Firewall: FirewallConfig{
			Backend: "iptables",
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Counters: CountersConfig{Source: "iptables"},
		AdminAPI: AdminAPIConfig{
			Listen:         "127.0.0.1:2051",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			RateLimit:      5,
			RateLimitBurst: 10,
		},
		Metrics: MetricsConfig{Backend: "prometheus"},
	}
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("checkinterval must be at least 1s, got %s", c.Interval)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("maxclients must not be negative, got %d", c.MaxClients)
	}
	if c.GatewayPort < 1 || c.GatewayPort > 65535 {
		return fmt.Errorf("gatewayport out of range: %d", c.GatewayPort)
	}
	if c.MTU == 0 {
		return fmt.Errorf("mtu must be positive")
	}
	if c.MaxFirewallFailures < 1 {
		return fmt.Errorf("maxfirewallfailures must be at least 1, got %d", c.MaxFirewallFailures)
	}
	if c.RateThreshold < 1 {
		return fmt.Errorf("ratethreshold must be at least 1, got %d", c.RateThreshold)
	}
	switch c.Firewall.Backend {
	case "iptables", "none":
	default:
		return fmt.Errorf("unknown firewall backend %q", c.Firewall.Backend)
	}
	switch c.Counters.Source {
	case "iptables", "conntrack":
	default:
		return fmt.Errorf("unknown counter source %q", c.Counters.Source)
	}
	if c.Counters.Source == "conntrack" && c.GatewayNet.IP == nil {
		return fmt.Errorf("counter source conntrack requires 'gatewaynet'")
	}
	return nil
}
