// Package ctxkeys defines context keys for passing data through the request pipeline.
// All context keys are unexported to prevent collisions. Use the With*/From accessor pairs.
package ctxkeys

import (
	"context"
	"time"
)

// ── Key types (unexported, collision-proof) ──

type zoneResultKey struct{}
type clientIPKey struct{}
type authInfoKey struct{}
type auditEntryKey struct{}

// ── Data types ──

// ZoneResult is the zone classification outcome of one request.
// It is written once by the zone stage and only read afterwards.
type ZoneResult struct {
	InZone bool
}

// AuthInfo holds authentication information extracted by the zone auth middleware.
type AuthInfo struct {
	Mode     string // "none", "bearer"
	Subject  string // token subject
	Scheme   string // "bearer"
	Verified bool   // true when the token signature and claims were validated
}

// AuditEntry holds access log data accumulated during request processing.
type AuditEntry struct {
	Method      string // HTTP method or "POST" for gRPC
	Path        string
	ClientIP    string
	InZone      bool
	AuthSubject string
	Status      int    // response status, 0 until known
	ProblemType string // type of the problem response, empty on success
	BlockReason string // "rate_limit", "auth", "capacity"; empty when not blocked
	StartTime   time.Time
}

// ── Getter/Setter (With*/From pattern) ──

// WithZoneResult stores the zone classification result in the context.
func WithZoneResult(ctx context.Context, result ZoneResult) context.Context {
	return context.WithValue(ctx, zoneResultKey{}, result)
}

// ZoneResultFrom retrieves the zone classification result from the context.
// ok is false when no classifier ran for this request.
func ZoneResultFrom(ctx context.Context) (ZoneResult, bool) {
	result, ok := ctx.Value(zoneResultKey{}).(ZoneResult)
	return result, ok
}

// InZone reports whether the request was classified into the zone.
// Unclassified requests are out of zone.
func InZone(ctx context.Context) bool {
	result, _ := ZoneResultFrom(ctx)
	return result.InZone
}

// WithClientIP stores the resolved client IP in the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFrom retrieves the resolved client IP from the context.
func ClientIPFrom(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey{}).(string)
	return ip, ok
}

// WithAuthInfo stores AuthInfo in the context.
func WithAuthInfo(ctx context.Context, info AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFrom retrieves AuthInfo from the context.
func AuthInfoFrom(ctx context.Context) (AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey{}).(AuthInfo)
	return info, ok
}

// WithAuditEntry stores an AuditEntry pointer in the context.
func WithAuditEntry(ctx context.Context, entry *AuditEntry) context.Context {
	return context.WithValue(ctx, auditEntryKey{}, entry)
}

// AuditEntryFrom retrieves the AuditEntry pointer from the context.
func AuditEntryFrom(ctx context.Context) (*AuditEntry, bool) {
	entry, ok := ctx.Value(auditEntryKey{}).(*AuditEntry)
	return entry, ok
}
