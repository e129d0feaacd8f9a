// Package security implements the gateway middleware pipeline.
//
// Order: Recover, GlobalRateLimiter, the zone classification stage,
// ZoneRateLimiter, ZoneAuth. The zone consumers act only on requests the
// classification stage put into the zone; every rejection is rendered by the
// problem factory.
package security

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/visualcraft/restbase/internal/config"
	"github.com/visualcraft/restbase/internal/ctxkeys"
	"github.com/visualcraft/restbase/internal/problem"
)

// Middleware is a processing step in the pipeline.
type Middleware interface {
	Process(next http.Handler) http.Handler
	Name() string
}

// Recorder observes security decisions. *audit.Metrics satisfies it.
type Recorder interface {
	RecordRateLimitHit(layer string)
	RecordSecurityBlock(reason string)
}

type noopRecorder struct{}

func (noopRecorder) RecordRateLimitHit(string)  {}
func (noopRecorder) RecordSecurityBlock(string) {}

// PipelineConfig holds config needed for the pipeline.
type PipelineConfig struct {
	Auth            AuthPipelineConfig
	RateLimit       RateLimitPipelineConfig
	GlobalRateLimit int // requests per minute, 0 disables
	TrustedProxies  []string
}

// AuthPipelineConfig holds authentication configuration.
type AuthPipelineConfig struct {
	Mode     string // "none", "bearer"
	Issuer   string
	Audience string
	JWKSURL  string
}

// RateLimitPipelineConfig holds rate limiting configuration.
type RateLimitPipelineConfig struct {
	Enabled         bool
	PerIP           int // requests per minute
	Burst           int
	CleanupInterval time.Duration
}

// PipelineConfigFrom extracts the pipeline settings from cfg.
func PipelineConfigFrom(cfg *config.Config) PipelineConfig {
	return PipelineConfig{
		Auth: AuthPipelineConfig{
			Mode:     cfg.Security.Auth.Mode,
			Issuer:   cfg.Security.Auth.Issuer,
			Audience: cfg.Security.Auth.Audience,
			JWKSURL:  cfg.Security.Auth.JWKSURL,
		},
		RateLimit: RateLimitPipelineConfig{
			Enabled:         cfg.Security.RateLimit.Enabled,
			PerIP:           cfg.Security.RateLimit.PerIP,
			Burst:           cfg.Security.RateLimit.Burst,
			CleanupInterval: cfg.Security.RateLimit.CleanupInterval.Duration,
		},
		GlobalRateLimit: cfg.Security.GlobalRateLimit,
		TrustedProxies:  cfg.Listen.TrustedProxies,
	}
}

// Deps are the collaborators shared by all pipeline stages.
type Deps struct {
	Factory  *problem.Factory
	Recorder Recorder
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Factory == nil {
		d.Factory = problem.DefaultFactory()
	}
	if d.Recorder == nil {
		d.Recorder = noopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Pipeline is the built middleware chain plus handles to its reloadable stages.
type Pipeline struct {
	Middlewares []Middleware
	Global      *GlobalRateLimiter
	ZoneLimiter *ZoneRateLimiter
	Auth        *ZoneAuth // nil when auth mode is "none"
}

// BuildPipeline constructs the ordered middleware chain around the zone
// classification stage. classify may be nil, in which case every request is
// out of zone and the zone consumers never act.
//
// ctx bounds background work (JWKS refresh, limiter cleanup); cancel it on shutdown.
func BuildPipeline(ctx context.Context, cfg PipelineConfig, classify Middleware, deps Deps) (*Pipeline, error) {
	deps = deps.withDefaults()

	p := &Pipeline{
		Global:      NewGlobalRateLimiter(cfg.GlobalRateLimit, deps),
		ZoneLimiter: NewZoneRateLimiter(ctx, cfg.RateLimit, deps).WithTrustedProxies(cfg.TrustedProxies),
	}

	p.Middlewares = append(p.Middlewares, NewRecover(deps), p.Global)
	if classify != nil {
		p.Middlewares = append(p.Middlewares, classify)
	}
	p.Middlewares = append(p.Middlewares, p.ZoneLimiter)

	if cfg.Auth.Mode == "bearer" {
		auth, err := NewZoneAuth(ctx, cfg.Auth, deps)
		if err != nil {
			return nil, err
		}
		p.Auth = auth
		p.Middlewares = append(p.Middlewares, auth)
	}

	return p, nil
}

// Handler wraps h with the pipeline.
func (p *Pipeline) Handler(h http.Handler) http.Handler {
	return ApplyPipeline(h, p.Middlewares)
}

// Consumers returns the stages that act on the zone result, in order:
// the global limiter, the zone rate limiter and, when enabled, zone auth.
// Transports that classify on their own (gRPC) run only these.
func (p *Pipeline) Consumers() []Middleware {
	out := []Middleware{p.Global, p.ZoneLimiter}
	if p.Auth != nil {
		out = append(out, p.Auth)
	}
	return out
}

// OnConfigReload applies the reloadable security settings.
func (p *Pipeline) OnConfigReload(newCfg *config.Config) error {
	pc := PipelineConfigFrom(newCfg)
	p.Global.SetLimit(pc.GlobalRateLimit)
	p.ZoneLimiter.Update(pc.RateLimit)
	return nil
}

// ApplyPipeline wraps a handler with all middleware in order.
// Apply in reverse order so first middleware executes first.
func ApplyPipeline(handler http.Handler, middlewares []Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i].Process(handler)
	}
	return handler
}

// reject renders err through the factory and records the block on the
// request's audit entry.
func reject(w http.ResponseWriter, r *http.Request, deps Deps, reason string, err error) {
	deps.Recorder.RecordSecurityBlock(reason)
	if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok {
		entry.BlockReason = reason
	}
	deps.Factory.WriteResponse(w, r, err)
}
