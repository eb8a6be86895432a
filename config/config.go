// Package config loads the YAML configuration shared by the broker daemon
// and by processes connecting to it. Durations are whole seconds except the
// manager barriers, which are milliseconds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrConfigNotFound = errors.New("config file not found")

// Config application configuration structure
type Config struct {
	Router    RouterConfig    `yaml:"router"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Client    ClientConfig    `yaml:"client"`
	Manager   ManagerConfig   `yaml:"manager"`
	Limits    LimitsConfig    `yaml:"limits"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RouterConfig broker listening configuration
type RouterConfig struct {
	Address          string `yaml:"address"`           // Listen address, e.g. ":8181"
	Name             string `yaml:"name"`              // Instance name; a random one is generated if empty
	AdvertiseAddress string `yaml:"advertise_address"` // Routable address published to discovery; defaults to Address
	Codec            string `yaml:"codec"`             // json or binary
}

// DiscoveryConfig broker discovery. No endpoints means static addressing
// through Client.RouterAddress.
type DiscoveryConfig struct {
	Endpoints  []string `yaml:"endpoints"`
	TTLSeconds int64    `yaml:"ttl_seconds"`
	Service    string   `yaml:"service"`
}

// ClientConfig a process's connection to the broker
type ClientConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RouterAddress     string `yaml:"router_address"`
	DialTimeout       int    `yaml:"dial_timeout"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	ReconnectInterval int    `yaml:"reconnect_interval"` // Base backoff, doubled per failed attempt
	MaxReconnect      int    `yaml:"max_reconnect"`      // 0 means infinite
}

// ManagerConfig service manager barriers in milliseconds
type ManagerConfig struct {
	StartTimeout int `yaml:"start_timeout"`
	StopTimeout  int `yaml:"stop_timeout"`
}

// LimitsConfig router message handling limits
type LimitsConfig struct {
	Rate           float64 `yaml:"rate"` // Messages per second over all peers
	Burst          int     `yaml:"burst"`
	HandlerTimeout int     `yaml:"handler_timeout"`
	WriteTimeout   int     `yaml:"write_timeout"` // Bound on one frame write, both ends
	Backlog        int     `yaml:"backlog"`       // Queued frames per connection before the peer is dropped
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig prometheus endpoint
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// Default returns a configuration with every default applied and the
// environment overrides on top.
func Default() *Config {
	c := &Config{Client: ClientConfig{Enabled: true}}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// Load reads configPath. An empty path yields Default().
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults and environment overrides.
func Parse(data []byte) (*Config, error) {
	c := &Config{Client: ClientConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Router.Address == "" {
		c.Router.Address = ":8181"
	}
	if c.Router.AdvertiseAddress == "" {
		c.Router.AdvertiseAddress = c.Router.Address
	}
	if c.Router.Codec == "" {
		c.Router.Codec = "json"
	}

	if c.Discovery.TTLSeconds == 0 {
		c.Discovery.TTLSeconds = 10
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = "mcrouter"
	}

	if c.Client.RouterAddress == "" {
		c.Client.RouterAddress = "127.0.0.1:8181"
	}
	if c.Client.DialTimeout == 0 {
		c.Client.DialTimeout = 5
	}
	if c.Client.HeartbeatInterval == 0 {
		c.Client.HeartbeatInterval = 3
	}
	if c.Client.ReconnectInterval == 0 {
		c.Client.ReconnectInterval = 1
	}

	if c.Manager.StartTimeout == 0 {
		c.Manager.StartTimeout = 10000
	}
	if c.Manager.StopTimeout == 0 {
		c.Manager.StopTimeout = 10000
	}

	if c.Limits.Rate == 0 {
		c.Limits.Rate = 1000
	}
	if c.Limits.Burst == 0 {
		c.Limits.Burst = 200
	}
	if c.Limits.HandlerTimeout == 0 {
		c.Limits.HandlerTimeout = 5
	}
	if c.Limits.WriteTimeout == 0 {
		c.Limits.WriteTimeout = 5
	}
	if c.Limits.Backlog == 0 {
		c.Limits.Backlog = 1024
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9181"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ApplyEnvOverrides applies MINIBROKER_* environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("MINIBROKER_ROUTER_ADDRESS"); val != "" {
		c.Router.Address = val
	}
	if val := os.Getenv("MINIBROKER_ROUTER_NAME"); val != "" {
		c.Router.Name = val
	}
	if val := os.Getenv("MINIBROKER_ADVERTISE_ADDRESS"); val != "" {
		c.Router.AdvertiseAddress = val
	}
	if val := os.Getenv("MINIBROKER_CODEC"); val != "" {
		c.Router.Codec = val
	}

	if val := os.Getenv("MINIBROKER_ETCD_ENDPOINTS"); val != "" {
		c.Discovery.Endpoints = splitList(val)
	}
	if val := os.Getenv("MINIBROKER_DISCOVERY_SERVICE"); val != "" {
		c.Discovery.Service = val
	}

	if val := os.Getenv("MINIBROKER_CLIENT_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Client.Enabled = b
		}
	}
	if val := os.Getenv("MINIBROKER_CLIENT_ROUTER_ADDRESS"); val != "" {
		c.Client.RouterAddress = val
	}
	if val := os.Getenv("MINIBROKER_CLIENT_RECONNECT_INTERVAL"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Client.ReconnectInterval = i
		}
	}
	if val := os.Getenv("MINIBROKER_CLIENT_MAX_RECONNECT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Client.MaxReconnect = i
		}
	}

	if val := os.Getenv("MINIBROKER_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("MINIBROKER_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("MINIBROKER_METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetDialTimeout gets dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Client.DialTimeout) * time.Second
}

// GetHeartbeatInterval gets heartbeat interval
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Client.HeartbeatInterval) * time.Second
}

// GetIdleTimeout is how long the broker waits for any frame from a peer
// before dropping it: three missed heartbeats.
func (c *Config) GetIdleTimeout() time.Duration {
	return 3 * c.GetHeartbeatInterval()
}

// GetReconnectInterval gets reconnect base interval
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Client.ReconnectInterval) * time.Second
}

func (c *Config) GetHandlerTimeout() time.Duration {
	return time.Duration(c.Limits.HandlerTimeout) * time.Second
}

func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Limits.WriteTimeout) * time.Second
}

func (c *Config) GetStartTimeout() time.Duration {
	return time.Duration(c.Manager.StartTimeout) * time.Millisecond
}

func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Manager.StopTimeout) * time.Millisecond
}
