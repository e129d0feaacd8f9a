// Package config handles YAML configuration parsing, defaults, and validation
// for the restbase gateway.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for restbase.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Zone     []ZoneConfig   `yaml:"zone"`
	Security SecurityConfig `yaml:"security"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Reload   ReloadConfig   `yaml:"reload"`
}

// ListenConfig defines the listener addresses and connection limits.
type ListenConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	GRPCPort       int      `yaml:"grpc_port"`
	MaxConnections int      `yaml:"max_connections"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// UpstreamConfig points at the application behind the gateway.
type UpstreamConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// ZoneConfig is one zone entry. Empty fields match every request.
type ZoneConfig struct {
	Path    string     `yaml:"path"`
	Host    string     `yaml:"host"`
	Methods CommaList  `yaml:"methods"`
	IPs     StringList `yaml:"ips"`
}

// SecurityConfig holds the limits and authentication applied by the gateway.
type SecurityConfig struct {
	// GlobalRateLimit is in requests per minute across all clients. 0 disables it.
	GlobalRateLimit int             `yaml:"global_rate_limit"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Auth            AuthConfig      `yaml:"auth"`
	Body            BodyConfig      `yaml:"body"`
}

// RateLimitConfig defines per-IP rate limiting for in-zone requests.
type RateLimitConfig struct {
	Enabled         bool     `yaml:"enabled"`
	PerIP           int      `yaml:"per_ip"` // requests per minute
	Burst           int      `yaml:"burst"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// AuthConfig defines authentication for in-zone requests.
type AuthConfig struct {
	Mode     string `yaml:"mode"` // "none" or "bearer"
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwks_url"`
}

// BodyConfig controls request body checks for in-zone requests.
type BodyConfig struct {
	ValidateJSON bool  `yaml:"validate_json"` // reject in-zone bodies that are not well-formed JSON
	MaxBytes     int64 `yaml:"max_bytes"`
}

// HealthConfig defines health check endpoint paths.
type HealthConfig struct {
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

// LoggingConfig defines log output format and access log sampling.
type LoggingConfig struct {
	Level  string       `yaml:"level"`
	Format string       `yaml:"format"`
	Output string       `yaml:"output"`
	Access AccessConfig `yaml:"access"`
}

// AccessConfig controls access log sampling rates.
type AccessConfig struct {
	SamplingRate      float64 `yaml:"sampling_rate"`
	ErrorSamplingRate float64 `yaml:"error_sampling_rate"`
}

// ShutdownConfig defines the graceful shutdown timeout.
type ShutdownConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// ReloadConfig controls config hot-reload behavior (SIGHUP and file watching).
type ReloadConfig struct {
	Enabled   bool     `yaml:"enabled"`
	WatchFile bool     `yaml:"watch_file"`
	Debounce  Duration `yaml:"debounce"`
}

// Duration is a time.Duration that supports YAML string parsing (e.g., "60s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration, parsing strings like "60s" or "5m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

var commaSep = regexp.MustCompile(`\s*,\s*`)

// CommaList is a list of strings written either as a YAML sequence or as a
// single comma-separated string ("GET, POST").
type CommaList []string

// UnmarshalYAML implements yaml.Unmarshaler for CommaList.
func (l *CommaList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*l = nil
			return nil
		}
		*l = commaSep.Split(s, -1)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
}

// StringList is a list of strings written either as a YAML sequence or as a
// bare string, which becomes a one-element list.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler for StringList.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
}

// Load reads, parses, applies defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
