// Package server integrates all components into the restbase gateway:
// the audited HTTP pipeline in front of the upstream application, the
// optional gRPC listener, health and metrics endpoints, and config reload.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visualcraft/restbase/internal/audit"
	"github.com/visualcraft/restbase/internal/config"
	"github.com/visualcraft/restbase/internal/ctxkeys"
	apierrors "github.com/visualcraft/restbase/internal/errors"
	rbgrpc "github.com/visualcraft/restbase/internal/grpc"
	"github.com/visualcraft/restbase/internal/health"
	"github.com/visualcraft/restbase/internal/problem"
	"github.com/visualcraft/restbase/internal/proxy"
	"github.com/visualcraft/restbase/internal/security"
	"github.com/visualcraft/restbase/internal/zone"
)

// Option customizes a Server.
type Option func(*Server)

// WithListener makes Start serve HTTP on ln instead of listening itself.
func WithListener(ln net.Listener) Option {
	return func(s *Server) { s.listener = ln }
}

// WithGRPCListener makes Start serve gRPC on ln. It has no effect unless
// listen.grpc_port is set.
func WithGRPCListener(ln net.Listener) Option {
	return func(s *Server) { s.grpcListener = ln }
}

// WithConfigPath names the file the config was loaded from. Hot reload
// needs it; without it reload.enabled is ignored.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.configPath = path }
}

// WithFactory replaces the default problem factory, for example to register
// application-specific converters.
func WithFactory(f *problem.Factory) Option {
	return func(s *Server) { s.factory = f }
}

// WithApplication serves requests that pass the pipeline with h instead of
// the upstream proxy.
func WithApplication(h problem.HandlerFunc) Option {
	return func(s *Server) { s.app = h }
}

// WithLogOutput overrides the logging.output destination.
func WithLogOutput(w io.Writer) Option {
	return func(s *Server) { s.logOutput = w }
}

// Server is the main restbase server assembling all components.
type Server struct {
	cfg          *config.Config
	version      string
	configPath   string
	listener     net.Listener // if non-nil, Start uses this instead of creating one
	grpcListener net.Listener
	logOutput    io.Writer

	mu         sync.Mutex
	httpServer *http.Server
	grpcServer *rbgrpc.Server
	reloader   *config.ConfigReloader

	factory        *problem.Factory
	zoneStage      *zone.Stage
	pipeline       *security.Pipeline
	httpProxy      *proxy.HTTPProxy
	app            problem.HandlerFunc
	healthHandler  *health.Handler
	access         *audit.Access
	accessLog      *audit.Logger
	metrics        *audit.Metrics
	logger         *slog.Logger
	level          *slog.LevelVar
	draining       atomic.Bool
	stopBackground context.CancelFunc
}

// New creates a new Server from configuration. cfg must already be validated.
func New(cfg *config.Config, version string, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, version: version}
	for _, opt := range opts {
		opt(s)
	}

	s.level = new(slog.LevelVar)
	s.level.Set(parseLevel(cfg.Logging.Level))
	s.logger = buildLogger(cfg, s.level, s.logOutput)

	s.metrics = audit.NewMetrics()
	s.metrics.SetBuildInfo(version, runtime.Version())

	if s.factory == nil {
		s.factory = problem.DefaultFactory()
	}

	classifier, err := zone.FromRules(zone.RulesFromConfig(cfg.Zone))
	if err != nil {
		return nil, fmt.Errorf("building zone classifier: %w", err)
	}
	s.zoneStage = zone.NewStage(classifier, cfg.Listen.TrustedProxies, s.metrics, s.logger)

	bgCtx, cancel := context.WithCancel(context.Background())
	s.stopBackground = cancel
	s.pipeline, err = security.BuildPipeline(bgCtx, security.PipelineConfigFrom(cfg), s.zoneStage, security.Deps{
		Factory:  s.factory,
		Recorder: s.metrics,
		Logger:   s.logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building security pipeline: %w", err)
	}

	if cfg.Upstream.URL != "" {
		p, err := proxy.NewHTTPProxy(cfg.Upstream.URL, proxy.NewHTTPTransport(cfg.Upstream.Timeout.Duration), s.logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.httpProxy = p.WithObserver(s.metrics)
	}
	if s.app == nil {
		s.app = s.forward
	}

	s.accessLog = audit.NewLogger(s.logger, audit.SamplingConfig{
		Rate:      cfg.Logging.Access.SamplingRate,
		ErrorRate: cfg.Logging.Access.ErrorSamplingRate,
	})
	s.access = audit.NewAccess(s.accessLog, s.metrics)

	s.healthHandler = health.NewHandler(health.ReadinessFunc(s.readiness), version,
		cfg.Health.LivenessPath, cfg.Health.ReadinessPath)

	if cfg.Listen.GRPCPort > 0 {
		s.grpcServer = rbgrpc.NewServer(rbgrpc.Options{
			Zone:      s.zoneStage,
			Consumers: s.pipeline.Consumers(),
			Factory:   s.factory,
			Recorder:  s.metrics,
			Logger:    s.logger,
		})
		s.logger.Info("gRPC server configured", "port", cfg.Listen.GRPCPort)
	}

	if cfg.Reload.Enabled && s.configPath != "" {
		s.reloader = config.NewConfigReloader(s.configPath, cfg, s.logger)
		s.reloader.Register(s.zoneStage)
		s.reloader.Register(s.pipeline)
		s.reloader.Register(s.accessLog)
		s.reloader.Register(config.ReloadFunc(s.applyLogLevel))
		s.reloader.Observe(s.metrics.RecordConfigReload)
	}

	s.logger.Info("server configured",
		"zones", classifier.Len(),
		"upstream", cfg.Upstream.URL,
		"auth", cfg.Security.Auth.Mode,
		"converters", s.factory.Len(),
	)
	return s, nil
}

// Start begins listening and serving. It blocks until the context is canceled
// or an unrecoverable error occurs, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listenAddr := net.JoinHostPort(s.cfg.Listen.Host, fmt.Sprint(s.cfg.Listen.Port))

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", listenAddr, err)
		}
		if s.cfg.Listen.MaxConnections > 0 {
			ln = newLimitedListener(ln, s.cfg.Listen.MaxConnections)
		}
	}

	var grpcLn net.Listener
	if s.grpcServer != nil {
		grpcLn = s.grpcListener
		if grpcLn == nil {
			grpcAddr := net.JoinHostPort(s.cfg.Listen.Host, fmt.Sprint(s.cfg.Listen.GRPCPort))
			var err error
			grpcLn, err = net.Listen("tcp", grpcAddr)
			if err != nil {
				ln.Close()
				return fmt.Errorf("listening gRPC on %s: %w", grpcAddr, err)
			}
		}
	}

	if s.reloader != nil {
		if err := s.reloader.Start(ctx); err != nil {
			ln.Close()
			if grpcLn != nil {
				grpcLn.Close()
			}
			return fmt.Errorf("starting config reloader: %w", err)
		}
		defer s.reloader.Stop()
	}

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	if grpcLn != nil {
		go func() {
			errCh <- s.grpcServer.Serve(grpcLn)
		}()
	}

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.Timeout.Duration)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("shutdown error: %w", err))
	}
	if serveErr != nil {
		return serveErr
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

// Shutdown stops accepting work, waits for in-flight requests until ctx is
// done and stops background tasks. Readiness reports not_ready from here on.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	defer s.stopBackground()

	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()

	var httpErr error
	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			httpErr = fmt.Errorf("http server shutdown: %w", err)
		}
	}

	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpcServer.Stop()
			<-done
		}
	}

	return httpErr
}

// handler builds the complete HTTP handler: health and metrics endpoints
// bypass the pipeline, everything else is audited, classified and secured.
func (s *Server) handler() http.Handler {
	app := s.factory.Handler(s.app)
	secured := s.access.Process(s.pipeline.Handler(app))

	mux := http.NewServeMux()
	mux.Handle(s.healthHandler.LivenessPath(), s.healthHandler)
	mux.Handle(s.healthHandler.ReadinessPath(), s.healthHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/", secured)
	return mux
}

// forward is the default application: the upstream proxy. With body
// validation on, in-zone request bodies must be JSON before they are sent on.
func (s *Server) forward(w http.ResponseWriter, r *http.Request) error {
	if s.cfg.Security.Body.ValidateJSON && r.ContentLength != 0 && ctxkeys.InZone(r.Context()) {
		if err := problem.PeekJSON(w, r, s.cfg.Security.Body.MaxBytes); err != nil {
			return err
		}
	}
	if s.httpProxy == nil {
		return apierrors.ErrNotFound
	}
	return s.httpProxy.Forward(w, r)
}

func (s *Server) readiness() health.Readiness {
	state := health.Readiness{
		Zones:      s.zoneStage.Classifier().Len(),
		Converters: s.factory.Len(),
		Draining:   s.draining.Load(),
	}
	if s.httpProxy != nil {
		state.Upstream = s.httpProxy.Target()
	}
	return state
}

// applyLogLevel is the reload hook for logging.level.
func (s *Server) applyLogLevel(newCfg *config.Config) error {
	s.level.Set(parseLevel(newCfg.Logging.Level))
	return nil
}

// Metrics returns the server's metrics collector.
func (s *Server) Metrics() *audit.Metrics {
	return s.metrics
}

// Reloader returns the config reloader, or nil when hot reload is off.
func (s *Server) Reloader() *config.ConfigReloader {
	return s.reloader
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger creates an slog.Logger based on configuration. The level is
// read through level so reloads take effect without rebuilding handlers.
func buildLogger(cfg *config.Config, level *slog.LevelVar, output io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if output == nil {
		switch cfg.Logging.Output {
		case "stderr":
			output = os.Stderr
		default:
			output = os.Stdout
		}
	}

	var handler slog.Handler
	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// ── LimitedListener ──

// limitedListener wraps a net.Listener to limit maximum concurrent connections.
type limitedListener struct {
	net.Listener
	sem chan struct{}
}

// newLimitedListener creates a listener that limits concurrent connections.
func newLimitedListener(l net.Listener, maxConns int) net.Listener {
	return &limitedListener{
		Listener: l,
		sem:      make(chan struct{}, maxConns),
	}
}

// Accept waits for and returns the next connection, blocking if at limit.
func (l *limitedListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	c, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &limitedConn{Conn: c, sem: l.sem}, nil
}

// limitedConn wraps a net.Conn to release the semaphore slot on close.
type limitedConn struct {
	net.Conn
	sem    chan struct{}
	closed sync.Once
}

// Close releases the connection and frees the semaphore slot.
func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.closed.Do(func() { <-c.sem })
	return err
}
