package config

import (
	"fmt"
	"reflect"
)

// Change describes a single configuration field that differs between two configs.
type Change struct {
	Field      string      // dot-separated field path (e.g., "security.rate_limit.per_ip")
	OldValue   interface{} // previous value
	NewValue   interface{} // new value
	Reloadable bool        // whether this change can be applied without restart
}

// Diff compares two Config values and returns a list of changes.
// Each change is annotated with whether it is reloadable at runtime.
func Diff(old, new *Config) []Change {
	var changes []Change

	// ── Non-reloadable: listen ──
	diffField(&changes, "listen.host", old.Listen.Host, new.Listen.Host, false)
	diffField(&changes, "listen.port", old.Listen.Port, new.Listen.Port, false)
	diffField(&changes, "listen.grpc_port", old.Listen.GRPCPort, new.Listen.GRPCPort, false)
	diffField(&changes, "listen.max_connections", old.Listen.MaxConnections, new.Listen.MaxConnections, false)
	diffStringSlice(&changes, "listen.trusted_proxies", old.Listen.TrustedProxies, new.Listen.TrustedProxies, false)

	// ── Non-reloadable: upstream ──
	diffField(&changes, "upstream.url", old.Upstream.URL, new.Upstream.URL, false)
	diffField(&changes, "upstream.timeout", old.Upstream.Timeout.Duration, new.Upstream.Timeout.Duration, false)

	// ── Reloadable: zone ──
	diffZones(&changes, old.Zone, new.Zone)

	// ── Reloadable: security ──
	diffField(&changes, "security.global_rate_limit", old.Security.GlobalRateLimit, new.Security.GlobalRateLimit, true)
	diffField(&changes, "security.rate_limit.enabled", old.Security.RateLimit.Enabled, new.Security.RateLimit.Enabled, true)
	diffField(&changes, "security.rate_limit.per_ip", old.Security.RateLimit.PerIP, new.Security.RateLimit.PerIP, true)
	diffField(&changes, "security.rate_limit.burst", old.Security.RateLimit.Burst, new.Security.RateLimit.Burst, true)
	diffField(&changes, "security.rate_limit.cleanup_interval", old.Security.RateLimit.CleanupInterval.Duration, new.Security.RateLimit.CleanupInterval.Duration, false)

	// ── Non-reloadable: auth (the JWKS cache is built once) ──
	diffField(&changes, "security.auth.mode", old.Security.Auth.Mode, new.Security.Auth.Mode, false)
	diffField(&changes, "security.auth.issuer", old.Security.Auth.Issuer, new.Security.Auth.Issuer, false)
	diffField(&changes, "security.auth.audience", old.Security.Auth.Audience, new.Security.Auth.Audience, false)
	diffField(&changes, "security.auth.jwks_url", old.Security.Auth.JWKSURL, new.Security.Auth.JWKSURL, false)

	// ── Non-reloadable: body checks (captured by the application stage) ──
	diffField(&changes, "security.body.validate_json", old.Security.Body.ValidateJSON, new.Security.Body.ValidateJSON, false)
	diffField(&changes, "security.body.max_bytes", old.Security.Body.MaxBytes, new.Security.Body.MaxBytes, false)

	// ── Reloadable: logging ──
	diffField(&changes, "logging.level", old.Logging.Level, new.Logging.Level, true)
	diffField(&changes, "logging.format", old.Logging.Format, new.Logging.Format, false)
	diffField(&changes, "logging.access.sampling_rate", old.Logging.Access.SamplingRate, new.Logging.Access.SamplingRate, true)
	diffField(&changes, "logging.access.error_sampling_rate", old.Logging.Access.ErrorSamplingRate, new.Logging.Access.ErrorSamplingRate, true)

	// ── Non-reloadable: health, shutdown ──
	diffField(&changes, "health.liveness_path", old.Health.LivenessPath, new.Health.LivenessPath, false)
	diffField(&changes, "health.readiness_path", old.Health.ReadinessPath, new.Health.ReadinessPath, false)
	diffField(&changes, "shutdown.timeout", old.Shutdown.Timeout.Duration, new.Shutdown.Timeout.Duration, false)

	return changes
}

// diffField appends a Change if old != new using reflect.DeepEqual for comparison.
func diffField(changes *[]Change, field string, oldVal, newVal interface{}, reloadable bool) {
	if !reflect.DeepEqual(oldVal, newVal) {
		*changes = append(*changes, Change{
			Field:      field,
			OldValue:   oldVal,
			NewValue:   newVal,
			Reloadable: reloadable,
		})
	}
}

// diffStringSlice compares two string slices and appends a Change if they differ.
func diffStringSlice(changes *[]Change, field string, oldVal, newVal []string, reloadable bool) {
	if !reflect.DeepEqual(oldVal, newVal) {
		*changes = append(*changes, Change{
			Field:      field,
			OldValue:   oldVal,
			NewValue:   newVal,
			Reloadable: reloadable,
		})
	}
}

// diffZones compares zone entries by position, since order is significant.
// Every zone change is reloadable.
func diffZones(changes *[]Change, oldZones, newZones []ZoneConfig) {
	n := max(len(oldZones), len(newZones))
	for i := 0; i < n; i++ {
		field := fmt.Sprintf("zone[%d]", i)
		switch {
		case i >= len(oldZones):
			*changes = append(*changes, Change{Field: field, NewValue: newZones[i], Reloadable: true})
		case i >= len(newZones):
			*changes = append(*changes, Change{Field: field, OldValue: oldZones[i], Reloadable: true})
		default:
			diffField(changes, field+".path", oldZones[i].Path, newZones[i].Path, true)
			diffField(changes, field+".host", oldZones[i].Host, newZones[i].Host, true)
			diffStringSlice(changes, field+".methods", oldZones[i].Methods, newZones[i].Methods, true)
			diffStringSlice(changes, field+".ips", oldZones[i].IPs, newZones[i].IPs, true)
		}
	}
}
