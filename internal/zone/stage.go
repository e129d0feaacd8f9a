package zone

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/visualcraft/restbase/internal/config"
	"github.com/visualcraft/restbase/internal/ctxkeys"
)

// Recorder observes classification outcomes. *audit.Metrics satisfies it.
type Recorder interface {
	RecordZoneClassification(inZone bool)
}

// Stage is the pipeline step that classifies each request before the
// application handler runs. It writes exactly one ctxkeys.ZoneResult per
// request and the resolved client IP.
//
// A Stage whose classifier is empty behaves as if it were not installed:
// requests pass through without a ZoneResult, which downstream code reads as
// out of zone (ctxkeys.InZone returns false).
type Stage struct {
	current        atomic.Pointer[Classifier]
	trustedProxies []string
	recorder       Recorder
	logger         *slog.Logger
}

// NewStage creates a Stage serving c. A nil classifier is treated as empty.
// A nil logger is replaced with slog.Default().
func NewStage(c *Classifier, trustedProxies []string, recorder Recorder, logger *slog.Logger) *Stage {
	if c == nil {
		c = NewClassifier()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stage{
		trustedProxies: trustedProxies,
		recorder:       recorder,
		logger:         logger,
	}
	s.current.Store(c)
	return s
}

// Classifier returns the classifier currently in use.
func (s *Stage) Classifier() *Classifier {
	return s.current.Load()
}

// Swap replaces the classifier atomically. In-flight requests finish with
// the classifier they started with.
func (s *Stage) Swap(c *Classifier) {
	if c == nil {
		c = NewClassifier()
	}
	s.current.Store(c)
}

// Installed reports whether the stage currently classifies requests.
func (s *Stage) Installed() bool {
	return s.current.Load().Len() > 0
}

// Process returns an http.Handler that classifies the request and stores the result.
func (s *Stage) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Installed() {
			next.ServeHTTP(w, r)
			return
		}
		ctx := s.Annotate(r.Context(), RequestInfoFrom(r, s.trustedProxies))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Annotate classifies info and returns ctx carrying the ZoneResult and the
// client IP. The audit entry in ctx, if any, is updated as well. When the
// stage is not installed ctx is returned unchanged.
func (s *Stage) Annotate(ctx context.Context, info RequestInfo) context.Context {
	c := s.current.Load()
	if c.Len() == 0 {
		return ctx
	}

	inZone := c.Classify(info)

	if s.recorder != nil {
		s.recorder.RecordZoneClassification(inZone)
	}
	if entry, ok := ctxkeys.AuditEntryFrom(ctx); ok {
		entry.InZone = inZone
		entry.ClientIP = info.ClientIP
	}
	s.logger.Debug("zone classified",
		"path", info.Path,
		"host", info.Host,
		"method", info.Method,
		"client_ip", info.ClientIP,
		"in_zone", inZone,
	)

	ctx = ctxkeys.WithZoneResult(ctx, ctxkeys.ZoneResult{InZone: inZone})
	return ctxkeys.WithClientIP(ctx, info.ClientIP)
}

// TrustedProxies returns the proxies whose X-Forwarded-For is believed.
func (s *Stage) TrustedProxies() []string {
	return s.trustedProxies
}

// Name returns the middleware name for logging and debugging.
func (s *Stage) Name() string {
	return "zone_classifier"
}

// OnConfigReload compiles the new zone list and swaps it in. An invalid list
// is rejected and the current classifier stays in place.
func (s *Stage) OnConfigReload(newCfg *config.Config) error {
	c, err := FromRules(RulesFromConfig(newCfg.Zone))
	if err != nil {
		return fmt.Errorf("zone reload: %w", err)
	}
	s.Swap(c)
	s.logger.Info("zone rules updated", "count", c.Len())
	return nil
}
