package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultRelayConfigFile is looked up in the working directory when no path is given.
	DefaultRelayConfigFile = "relay.yaml"
	// DefaultLinkAddress is where relays accept participant links.
	DefaultLinkAddress = ":7420"
	// DefaultHTTPAddress serves health, metrics and the WebSocket gateway.
	DefaultHTTPAddress = ":7421"
	// DefaultSignalRetention bounds how long signals stay in the relay store.
	DefaultSignalRetention = 10 * time.Minute
	// DefaultPruneSchedule runs retention every minute.
	DefaultPruneSchedule = "@every 1m"
)

// RelayConfig represents the complete relay configuration
type RelayConfig struct {
	Server    RelayServerConfig `yaml:"server"`
	HTTP      HTTPConfig        `yaml:"http"`
	Storage   StorageConfig     `yaml:"storage"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// RelayServerConfig contains link listener configuration
type RelayServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	Name              string        `yaml:"name"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepAliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	SubscriberQueue   int           `yaml:"subscriber_queue"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	// AllowedOrigins lists browser origins, besides the relay's own, that may open the
	// WebSocket gateway. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig contains the signal store configuration
type StorageConfig struct {
	DataDir         string        `yaml:"data_dir"`
	SignalRetention time.Duration `yaml:"signal_retention"`
	PruneSchedule   string        `yaml:"prune_schedule"`
}

// DiscoveryConfig controls mDNS advertisement
type DiscoveryConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadRelayConfig reads relay.yaml, fills defaults and validates. An empty path yields the
// defaults alone.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	var cfg RelayConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *RelayConfig) ApplyDefaults() error {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultLinkAddress
	}
	if c.Server.Name == "" {
		c.Server.Name = hostDisplayName() + " relay"
	}
	if c.HTTP.Enabled == nil {
		c.HTTP.Enabled = boolPtr(true)
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = DefaultHTTPAddress
	}
	if c.Storage.DataDir == "" {
		dataDir, err := ResolveDataDir()
		if err != nil {
			return err
		}
		c.Storage.DataDir = filepath.Join(dataDir, "relay")
	}
	if c.Storage.SignalRetention == 0 {
		c.Storage.SignalRetention = DefaultSignalRetention
	}
	if c.Storage.PruneSchedule == "" {
		c.Storage.PruneSchedule = DefaultPruneSchedule
	}
	if c.Discovery.Enabled == nil {
		c.Discovery.Enabled = boolPtr(true)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}

// Validate performs validation of the configuration
func (c *RelayConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates link listener configuration
func (s *RelayServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
		return fmt.Errorf("listen_address %q: %w", s.ListenAddress, err)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if s.KeepAliveInterval < 0 || s.KeepAliveTimeout < 0 {
		return fmt.Errorf("keepalive durations cannot be negative")
	}
	if s.SubscriberQueue < 0 {
		return fmt.Errorf("subscriber_queue cannot be negative, got %d", s.SubscriberQueue)
	}
	return nil
}

// IsEnabled reports whether the HTTP server should run.
func (h *HTTPConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.IsEnabled() {
		return nil
	}
	if _, _, err := net.SplitHostPort(h.Address); err != nil {
		return fmt.Errorf("address %q: %w", h.Address, err)
	}
	for _, origin := range h.AllowedOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("allowed_origins entry %q must be \"*\" or scheme://host[:port]", origin)
		}
	}
	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if s.SignalRetention <= 0 {
		return fmt.Errorf("signal_retention must be positive, got %s", s.SignalRetention)
	}
	if _, err := cron.ParseStandard(s.PruneSchedule); err != nil {
		return fmt.Errorf("prune_schedule %q: %w", s.PruneSchedule, err)
	}
	return nil
}

// IsEnabled reports whether the relay advertises itself over mDNS.
func (d *DiscoveryConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error; got %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}

func boolPtr(v bool) *bool {
	return &v
}
