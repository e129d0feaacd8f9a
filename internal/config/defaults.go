package config

import "time"

// ApplyDefaults fills zero-valued fields with their defaults.
// It is called after YAML parsing and before validation.
func ApplyDefaults(cfg *Config) {
	// ── Listen ──
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8080
	}
	if cfg.Listen.MaxConnections == 0 {
		cfg.Listen.MaxConnections = 1000
	}
	if cfg.Listen.TrustedProxies == nil {
		cfg.Listen.TrustedProxies = []string{}
	}

	// ── Upstream ──
	if cfg.Upstream.Timeout.Duration == 0 {
		cfg.Upstream.Timeout.Duration = 30 * time.Second
	}

	// ── Health ──
	if cfg.Health.LivenessPath == "" {
		cfg.Health.LivenessPath = "/healthz"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/readyz"
	}

	// ── Security ──
	applyRateLimitDefaults(&cfg.Security.RateLimit)
	if cfg.Security.Auth.Mode == "" {
		cfg.Security.Auth.Mode = "none"
	}
	if cfg.Security.Body.MaxBytes == 0 {
		cfg.Security.Body.MaxBytes = 1 << 20
	}

	// ── Logging ──
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	applyAccessDefaults(&cfg.Logging.Access)

	// ── Shutdown ──
	if cfg.Shutdown.Timeout.Duration == 0 {
		cfg.Shutdown.Timeout.Duration = 30 * time.Second
	}

	// ── Reload ──
	// enabled and watch_file are opt-in; bool zero values stay false.
	if cfg.Reload.Debounce.Duration == 0 {
		cfg.Reload.Debounce.Duration = 2 * time.Second
	}
}

func applyRateLimitDefaults(rl *RateLimitConfig) {
	if rl.PerIP == 0 {
		rl.PerIP = 200
	}
	if rl.Burst == 0 {
		rl.Burst = 50
	}
	if rl.CleanupInterval.Duration == 0 {
		rl.CleanupInterval.Duration = 5 * time.Minute
	}
}

func applyAccessDefaults(a *AccessConfig) {
	if a.SamplingRate == 0 {
		a.SamplingRate = 1.0
	}
	if a.ErrorSamplingRate == 0 {
		a.ErrorSamplingRate = 1.0
	}
}
