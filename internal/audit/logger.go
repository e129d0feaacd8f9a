// Package audit records what the gateway did with each request: Prometheus
// metrics and a sampled structured access log.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/visualcraft/restbase/internal/config"
	"github.com/visualcraft/restbase/internal/ctxkeys"
)

// Logger writes one structured access log record per sampled request.
type Logger struct {
	slogger  *slog.Logger
	sampling atomic.Pointer[SamplingConfig]
}

// NewLogger creates an access logger with the given sampling configuration.
func NewLogger(slogger *slog.Logger, sampling SamplingConfig) *Logger {
	if slogger == nil {
		slogger = slog.Default()
	}
	l := &Logger{slogger: slogger}
	l.sampling.Store(&sampling)
	return l
}

// Sampling returns the sampling rates in effect.
func (l *Logger) Sampling() SamplingConfig {
	return *l.sampling.Load()
}

// OnConfigReload applies new sampling rates.
func (l *Logger) OnConfigReload(newCfg *config.Config) error {
	l.sampling.Store(&SamplingConfig{
		Rate:      newCfg.Logging.Access.SamplingRate,
		ErrorRate: newCfg.Logging.Access.ErrorSamplingRate,
	})
	return nil
}

// LogRequest logs the audit entry carried by ctx, if any.
func (l *Logger) LogRequest(ctx context.Context) {
	entry, ok := ctxkeys.AuditEntryFrom(ctx)
	if !ok {
		return
	}

	failed := entry.Status >= 400 || entry.ProblemType != "" || entry.BlockReason != ""
	if !l.sampling.Load().ShouldLog(failed) {
		return
	}

	attrs := []slog.Attr{
		slog.String("http.request.method", entry.Method),
		slog.String("url.path", entry.Path),
		slog.String("client.address", entry.ClientIP),
		slog.Bool("restbase.in_zone", entry.InZone),
		slog.Int("http.response.status_code", entry.Status),
	}
	if entry.ProblemType != "" {
		attrs = append(attrs, slog.String("restbase.problem_type", entry.ProblemType))
	}
	if entry.BlockReason != "" {
		attrs = append(attrs, slog.String("restbase.block_reason", entry.BlockReason))
	}
	if entry.AuthSubject != "" {
		attrs = append(attrs, slog.String("enduser.id", entry.AuthSubject))
	}
	if !entry.StartTime.IsZero() {
		attrs = append(attrs, slog.Int64("duration_ms", time.Since(entry.StartTime).Milliseconds()))
	}

	level := slog.LevelInfo
	if entry.Status >= 500 {
		level = slog.LevelWarn
	}
	l.slogger.LogAttrs(ctx, level, "access", attrs...)
}
