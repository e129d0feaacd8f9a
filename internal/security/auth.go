package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/visualcraft/restbase/internal/ctxkeys"
	apierrors "github.com/visualcraft/restbase/internal/errors"
)

// ZoneAuth requires a valid bearer JWT on in-zone requests.
// Out-of-zone requests pass through untouched.
type ZoneAuth struct {
	issuer   string
	audience string
	keys     jwk.Set
	deps     Deps
}

// NewZoneAuth creates a ZoneAuth that verifies tokens against the JWKS at
// cfg.JWKSURL. Keys are fetched lazily through a jwk.Cache and refreshed in
// the background until ctx is done.
func NewZoneAuth(ctx context.Context, cfg AuthPipelineConfig, deps Deps) (*ZoneAuth, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("zone auth: jwks_url is required for bearer mode")
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("zone auth: registering JWKS %q: %w", cfg.JWKSURL, err)
	}
	return newZoneAuth(cfg, jwk.NewCachedSet(cache, cfg.JWKSURL), deps), nil
}

func newZoneAuth(cfg AuthPipelineConfig, keys jwk.Set, deps Deps) *ZoneAuth {
	return &ZoneAuth{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		keys:     keys,
		deps:     deps.withDefaults(),
	}
}

// Process returns an http.Handler that authenticates in-zone requests.
func (a *ZoneAuth) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ctxkeys.InZone(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}

		info, err := a.authenticate(r)
		if err != nil {
			if err == apierrors.ErrAuthRequired {
				w.Header().Set("WWW-Authenticate", `Bearer realm="restbase"`)
			} else {
				w.Header().Set("WWW-Authenticate", `Bearer realm="restbase", error="invalid_token"`)
			}
			reject(w, r, a.deps, "auth", err)
			return
		}

		if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok {
			entry.AuthSubject = info.Subject
		}
		ctx := ctxkeys.WithAuthInfo(r.Context(), info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Name returns the middleware name.
func (a *ZoneAuth) Name() string {
	return "zone_auth"
}

func (a *ZoneAuth) authenticate(r *http.Request) (ctxkeys.AuthInfo, *apierrors.APIError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ctxkeys.AuthInfo{}, apierrors.ErrAuthRequired
	}

	scheme, tokenStr := parseAuthHeader(header)
	if scheme != "bearer" || tokenStr == "" {
		return ctxkeys.AuthInfo{}, apierrors.ErrAuthInvalid
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(a.keys),
		jwt.WithValidate(true),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.Parse([]byte(tokenStr), opts...)
	if err != nil {
		a.deps.Logger.Debug("bearer token rejected", "error", err, "path", r.URL.Path)
		return ctxkeys.AuthInfo{}, apierrors.ErrAuthInvalid
	}

	return ctxkeys.AuthInfo{
		Mode:     "bearer",
		Subject:  token.Subject(),
		Scheme:   scheme,
		Verified: true,
	}, nil
}

// parseAuthHeader splits "Scheme Token" into its parts. The scheme is lower-cased.
func parseAuthHeader(header string) (scheme, token string) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) == 2 {
		return strings.ToLower(parts[0]), strings.TrimSpace(parts[1])
	}
	return "", header
}
