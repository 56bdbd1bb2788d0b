// Package config provides configuration parsing and validation for the
// tunnelmux CLI demo. The core tunnelmgr library itself takes no
// files/env/CLI configuration; this package only feeds cmd/tunnelmux.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for a tunnelmux node.
type Config struct {
	Node    NodeConfig     `yaml:"node"`
	Listen  *ListenConfig  `yaml:"listen,omitempty"`
	Dial    *DialConfig    `yaml:"dial,omitempty"`
	Tunnels []TunnelConfig `yaml:"tunnels"`
	Limits  LimitsConfig   `yaml:"limits"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// NodeConfig contains process-wide settings.
type NodeConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenConfig accepts an inbound WebSocket connection and serves as
// the passive side of the control channel.
type ListenConfig struct {
	Address string    `yaml:"address"` // e.g. ":8443"
	Path    string    `yaml:"path"`    // HTTP path the peer connects to
	TLS     TLSConfig `yaml:"tls"`
}

// DialConfig dials out to a peer's ListenConfig to become the active
// side of the control channel.
type DialConfig struct {
	URL string    `yaml:"url"` // ws:// or wss:// URL
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig configures the WebSocket transport's TLS. Only meaningful
// for wss:// dial URLs and Listen; the tunnel multiplexer itself never
// touches TLS.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // dev only
}

// TunnelConfig describes one tunnel to establish once the control
// channel is up.
type TunnelConfig struct {
	Direction  string `yaml:"direction"`   // forward, reverse
	LocalPort  int    `yaml:"local_port"`
	RemotePort int    `yaml:"remote_port"`
	Family     string `yaml:"family"` // ipv4, ipv6
}

// LimitsConfig tunes the tunnel manager's timeouts and accept-rate
// limiting.
type LimitsConfig struct {
	CreateTimeout time.Duration `yaml:"create_timeout"`
	AcceptRate    float64       `yaml:"accept_rate"`  // connections/sec, 0 = unlimited
	AcceptBurst   int           `yaml:"accept_burst"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values and no listen/dial/
// tunnels configured; callers must supply those.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Tunnels: []TunnelConfig{},
		Limits: LimitsConfig{
			CreateTimeout: 30 * time.Second,
			AcceptRate:    0,
			AcceptBurst:   0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if c.Listen == nil && c.Dial == nil {
		errs = append(errs, "one of listen or dial is required")
	}
	if c.Listen != nil && c.Dial != nil {
		errs = append(errs, "listen and dial are mutually exclusive")
	}
	if c.Listen != nil && c.Listen.Address == "" {
		errs = append(errs, "listen.address is required")
	}
	if c.Dial != nil && c.Dial.URL == "" {
		errs = append(errs, "dial.url is required")
	}

	for i, tun := range c.Tunnels {
		if err := validateTunnel(tun); err != nil {
			errs = append(errs, fmt.Sprintf("tunnels[%d]: %v", i, err))
		}
	}

	if c.Limits.CreateTimeout <= 0 {
		errs = append(errs, "limits.create_timeout must be positive")
	}
	if c.Limits.AcceptRate < 0 {
		errs = append(errs, "limits.accept_rate must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidDirection(direction string) bool {
	switch direction {
	case "forward", "reverse":
		return true
	default:
		return false
	}
}

func isValidFamily(family string) bool {
	switch family {
	case "", "ipv4", "ipv6":
		return true
	default:
		return false
	}
}

func validateTunnel(tun TunnelConfig) error {
	if !isValidDirection(tun.Direction) {
		return fmt.Errorf("invalid direction: %s (must be forward or reverse)", tun.Direction)
	}
	if !isValidFamily(tun.Family) {
		return fmt.Errorf("invalid family: %s (must be ipv4 or ipv6)", tun.Family)
	}
	if tun.RemotePort < 1 || tun.RemotePort > 65535 {
		return fmt.Errorf("remote_port out of range: %d", tun.RemotePort)
	}
	if tun.Direction == "forward" && (tun.LocalPort < 1 || tun.LocalPort > 65535) {
		return fmt.Errorf("local_port out of range for forward tunnel: %d", tun.LocalPort)
	}
	if tun.Direction == "reverse" && (tun.LocalPort < 1 || tun.LocalPort > 65535) {
		return fmt.Errorf("local_port out of range for reverse tunnel: %d", tun.LocalPort)
	}
	return nil
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// String returns a redacted YAML representation, safe to log.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns the full YAML representation including any
// key file paths. Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Redacted returns a deep copy of the config with TLS key paths
// redacted, since a leaked key path can be as sensitive as the key
// itself in a container/CI environment.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	if redacted.Listen != nil && redacted.Listen.TLS.Key != "" {
		redacted.Listen.TLS.Key = redactedValue
	}
	if redacted.Dial != nil && redacted.Dial.TLS.Key != "" {
		redacted.Dial.TLS.Key = redactedValue
	}
	return redacted
}

// HasSensitiveData returns true if the config carries TLS key material.
func (c *Config) HasSensitiveData() bool {
	if c.Listen != nil && c.Listen.TLS.Key != "" {
		return true
	}
	if c.Dial != nil && c.Dial.TLS.Key != "" {
		return true
	}
	return false
}
