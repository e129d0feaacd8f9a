package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Validate checks the configuration for errors. It collects ALL errors
// rather than stopping at the first one, returning them as a joined message.
func Validate(cfg *Config) error {
	var errs []string

	// ── Ports ──
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be 1-65535 (got %d)", cfg.Listen.Port))
	}
	if cfg.Listen.GRPCPort != 0 && (cfg.Listen.GRPCPort < 1 || cfg.Listen.GRPCPort > 65535) {
		errs = append(errs, fmt.Sprintf("listen.grpc_port must be 0 (disabled) or 1-65535 (got %d)", cfg.Listen.GRPCPort))
	}
	if cfg.Listen.GRPCPort != 0 && cfg.Listen.GRPCPort == cfg.Listen.Port {
		errs = append(errs, fmt.Sprintf("listen.grpc_port must differ from listen.port (both %d)", cfg.Listen.GRPCPort))
	}

	// ── Connection limits ──
	if cfg.Listen.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("listen.max_connections must be positive (got %d)", cfg.Listen.MaxConnections))
	}
	for i, p := range cfg.Listen.TrustedProxies {
		if err := checkIPEntry(p); err != nil {
			errs = append(errs, fmt.Sprintf("listen.trusted_proxies[%d]: %v", i, err))
		}
	}

	// ── Upstream ──
	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("upstream.url must be an absolute http(s) URL (got %q)", cfg.Upstream.URL))
		}
	}
	if cfg.Upstream.Timeout.Duration < 0 {
		errs = append(errs, "upstream.timeout must be positive")
	}

	// ── Zone ──
	for i, z := range cfg.Zone {
		errs = append(errs, validateZone(i, z)...)
	}

	// ── Security ──
	if cfg.Security.GlobalRateLimit < 0 {
		errs = append(errs, fmt.Sprintf("security.global_rate_limit must be 0 (disabled) or positive (got %d)", cfg.Security.GlobalRateLimit))
	}
	if cfg.Security.RateLimit.PerIP < 1 {
		errs = append(errs, fmt.Sprintf("security.rate_limit.per_ip must be positive (got %d)", cfg.Security.RateLimit.PerIP))
	}
	if cfg.Security.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Sprintf("security.rate_limit.burst must be positive (got %d)", cfg.Security.RateLimit.Burst))
	}
	if cfg.Security.Body.MaxBytes < 1 {
		errs = append(errs, fmt.Sprintf("security.body.max_bytes must be positive (got %d)", cfg.Security.Body.MaxBytes))
	}
	if !isValidAuthMode(cfg.Security.Auth.Mode) {
		errs = append(errs, fmt.Sprintf("security.auth.mode must be one of: none, bearer (got %q)", cfg.Security.Auth.Mode))
	}
	if cfg.Security.Auth.Mode == "bearer" {
		if u, err := url.Parse(cfg.Security.Auth.JWKSURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("security.auth.jwks_url must be a valid URL when mode is bearer (got %q)", cfg.Security.Auth.JWKSURL))
		}
	}

	// ── Logging ──
	if !isValidLogFormat(cfg.Logging.Format) {
		errs = append(errs, fmt.Sprintf("logging.format must be one of: json, text (got %q)", cfg.Logging.Format))
	}
	if !isValidLogLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level))
	}
	if cfg.Logging.Access.SamplingRate < 0 || cfg.Logging.Access.SamplingRate > 1.0 {
		errs = append(errs, fmt.Sprintf("logging.access.sampling_rate must be between 0.0 and 1.0 (got %f)", cfg.Logging.Access.SamplingRate))
	}
	if cfg.Logging.Access.ErrorSamplingRate < 0 || cfg.Logging.Access.ErrorSamplingRate > 1.0 {
		errs = append(errs, fmt.Sprintf("logging.access.error_sampling_rate must be between 0.0 and 1.0 (got %f)", cfg.Logging.Access.ErrorSamplingRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateZone mirrors the checks zone.NewMatcher performs so a bad entry
// aborts startup instead of surfacing on the first request.
func validateZone(i int, z ZoneConfig) []string {
	var errs []string
	if z.Path != "" {
		if _, err := regexp.Compile(z.Path); err != nil {
			errs = append(errs, fmt.Sprintf("zone[%d].path: invalid pattern %q: %v", i, z.Path, err))
		}
	}
	if z.Host != "" {
		if _, err := regexp.Compile("(?i)" + z.Host); err != nil {
			errs = append(errs, fmt.Sprintf("zone[%d].host: invalid pattern %q: %v", i, z.Host, err))
		}
	}
	for j, m := range z.Methods {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, fmt.Sprintf("zone[%d].methods[%d]: empty method", i, j))
		}
	}
	for j, ip := range z.IPs {
		if err := checkIPEntry(ip); err != nil {
			errs = append(errs, fmt.Sprintf("zone[%d].ips[%d]: %v", i, j, err))
		}
	}
	return errs
}

func checkIPEntry(entry string) error {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("invalid CIDR %q", entry)
		}
		return nil
	}
	if net.ParseIP(entry) == nil {
		return fmt.Errorf("invalid IP address %q", entry)
	}
	return nil
}

func isValidAuthMode(m string) bool {
	switch m {
	case "none", "bearer":
		return true
	}
	return false
}

func isValidLogFormat(f string) bool {
	switch f {
	case "json", "text":
		return true
	}
	return false
}

func isValidLogLevel(l string) bool {
	switch strings.ToLower(l) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
