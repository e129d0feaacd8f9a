// Package grpc serves the optional gRPC listener. RPCs pass through the same
// zone classification, zone consumers and problem conversion as HTTP requests.
package grpc

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/visualcraft/restbase/internal/problem"
	"github.com/visualcraft/restbase/internal/security"
	"github.com/visualcraft/restbase/internal/zone"
)

// Options configures a Server. Every field is optional.
type Options struct {
	// Zone classifies RPCs. Nil leaves every RPC out of zone.
	Zone *zone.Stage
	// Consumers are the security stages run after classification.
	Consumers []security.Middleware
	// Factory converts handler errors. Nil uses problem.DefaultFactory().
	Factory  *problem.Factory
	Recorder Recorder
	Logger   *slog.Logger
}

// Server wraps a grpc.Server with the restbase interceptor chain and the
// standard health service.
type Server struct {
	server *grpc.Server
	health *grpchealth.Server
	logger *slog.Logger
}

// NewServer creates a Server. Services may be registered on Server() before Serve.
func NewServer(opts Options, serverOpts ...grpc.ServerOption) *Server {
	if opts.Factory == nil {
		opts.Factory = problem.DefaultFactory()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	unary := []grpc.UnaryServerInterceptor{
		AuditUnaryInterceptor(opts.Recorder),
		ProblemUnaryInterceptor(opts.Factory, opts.Logger),
	}
	stream := []grpc.StreamServerInterceptor{
		AuditStreamInterceptor(opts.Recorder),
		ProblemStreamInterceptor(opts.Factory, opts.Logger),
	}
	if opts.Zone != nil {
		unary = append(unary, ZoneUnaryInterceptor(opts.Zone))
		stream = append(stream, ZoneStreamInterceptor(opts.Zone))
	}
	if len(opts.Consumers) > 0 {
		unary = append(unary, SecurityUnaryInterceptor(opts.Consumers))
		stream = append(stream, SecurityStreamInterceptor(opts.Consumers))
	}

	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	gs := grpc.NewServer(serverOpts...)

	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{server: gs, health: hs, logger: opts.Logger}
}

// Serve accepts connections on lis until Stop or GracefulStop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING and waits for pending RPCs.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// Stop closes all connections immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.Stop()
}

// Server returns the underlying grpc.Server for service registration.
func (s *Server) Server() *grpc.Server {
	return s.server
}

// Health returns the health service so callers can publish per-service status.
func (s *Server) Health() *grpchealth.Server {
	return s.health
}
