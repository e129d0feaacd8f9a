package grpc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/visualcraft/restbase/internal/ctxkeys"
	apierrors "github.com/visualcraft/restbase/internal/errors"
	"github.com/visualcraft/restbase/internal/problem"
	"github.com/visualcraft/restbase/internal/security"
	"github.com/visualcraft/restbase/internal/zone"
)

// Recorder observes finished RPCs. *audit.Metrics satisfies it.
type Recorder interface {
	RecordGRPCRequest(inZone bool, code string, d time.Duration)
}

// AuditUnaryInterceptor creates the RPC's audit entry and records the final
// status code once the handler chain returns.
func AuditUnaryInterceptor(recorder Recorder) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		entry := &ctxkeys.AuditEntry{Method: http.MethodPost, Path: info.FullMethod, StartTime: time.Now()}
		resp, err := handler(ctxkeys.WithAuditEntry(ctx, entry), req)
		if recorder != nil {
			recorder.RecordGRPCRequest(entry.InZone, status.Code(err).String(), time.Since(entry.StartTime))
		}
		return resp, err
	}
}

// AuditStreamInterceptor is the streaming counterpart of AuditUnaryInterceptor.
func AuditStreamInterceptor(recorder Recorder) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		entry := &ctxkeys.AuditEntry{Method: http.MethodPost, Path: info.FullMethod, StartTime: time.Now()}
		err := handler(srv, wrapStream(ss, ctxkeys.WithAuditEntry(ss.Context(), entry)))
		if recorder != nil {
			recorder.RecordGRPCRequest(entry.InZone, status.Code(err).String(), time.Since(entry.StartTime))
		}
		return err
	}
}

// ZoneUnaryInterceptor classifies each RPC with the stage's current rules.
// The full method name is the path, :authority the host and POST the method.
func ZoneUnaryInterceptor(stage *zone.Stage) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = stage.Annotate(ctx, RequestInfoFromContext(ctx, info.FullMethod, stage.TrustedProxies()))
		return handler(ctx, req)
	}
}

// ZoneStreamInterceptor is the streaming counterpart of ZoneUnaryInterceptor.
func ZoneStreamInterceptor(stage *zone.Stage) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		ctx = stage.Annotate(ctx, RequestInfoFromContext(ctx, info.FullMethod, stage.TrustedProxies()))
		return handler(srv, wrapStream(ss, ctx))
	}
}

// RequestInfoFromContext extracts the classified fields of an RPC.
func RequestInfoFromContext(ctx context.Context, fullMethod string, trustedProxies []string) zone.RequestInfo {
	info := zone.RequestInfo{
		Path:   "/" + strings.TrimPrefix(fullMethod, "/"),
		Method: http.MethodPost,
	}

	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(":authority"); len(v) > 0 {
		info.Host = authorityHost(v[0])
	}

	var remote string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	info.ClientIP = security.TrustedClientIP(remote, strings.Join(md.Get("x-forwarded-for"), ", "), trustedProxies)
	return info
}

func authorityHost(authority string) string {
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

// SecurityUnaryInterceptor runs the HTTP zone consumers (rate limiters,
// auth) against a synthetic request built from the RPC metadata. A rejection
// comes back as the problem response those stages wrote and is returned as
// the equivalent status.
func SecurityUnaryInterceptor(consumers []security.Middleware) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := applyConsumers(ctx, info.FullMethod, consumers)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// SecurityStreamInterceptor is the streaming counterpart of SecurityUnaryInterceptor.
func SecurityStreamInterceptor(consumers []security.Middleware) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := applyConsumers(ss.Context(), info.FullMethod, consumers)
		if err != nil {
			return err
		}
		return handler(srv, wrapStream(ss, ctx))
	}
}

// buildSyntheticRequest creates an http.Request from gRPC metadata so the
// HTTP-based security middlewares can process it. Its context is ctx.
func buildSyntheticRequest(ctx context.Context, fullMethod string) *http.Request {
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, "/"+strings.TrimPrefix(fullMethod, "/"), io.NopCloser(bytes.NewReader(nil)))

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for key, values := range md {
			if strings.HasPrefix(key, ":") {
				continue
			}
			for _, v := range values {
				httpReq.Header.Add(key, v)
			}
		}
		if v := md.Get(":authority"); len(v) > 0 {
			httpReq.Host = v[0]
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		httpReq.RemoteAddr = p.Addr.String()
	}
	return httpReq
}

// applyConsumers returns the context the consumers passed on, or the status
// error for the problem response they wrote.
func applyConsumers(ctx context.Context, fullMethod string, consumers []security.Middleware) (context.Context, error) {
	if len(consumers) == 0 {
		return ctx, nil
	}

	var passed context.Context
	handler := security.ApplyPipeline(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		passed = r.Context()
	}), consumers)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, buildSyntheticRequest(ctx, fullMethod))
	if passed != nil {
		return passed, nil
	}

	p, err := problem.Decode(rec.Code, rec.Body)
	if err != nil {
		return ctx, status.Error(CodeFromHTTPStatus(rec.Code), http.StatusText(rec.Code))
	}
	return ctx, StatusFromProblem(p, nil).Err()
}

// ProblemUnaryInterceptor converts handler errors that are not already gRPC
// statuses through the problem factory. Handler panics are recovered and
// rendered as the fallback problem; a converter panic is not.
func ProblemUnaryInterceptor(factory *problem.Factory, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if v := recover(); v != nil {
				err = recovered(ctx, factory, logger, info.FullMethod, v)
			}
		}()
		resp, err = handler(ctx, req)
		if err != nil {
			return nil, toStatusError(ctx, factory, err)
		}
		return resp, nil
	}
}

// ProblemStreamInterceptor is the streaming counterpart of ProblemUnaryInterceptor.
func ProblemStreamInterceptor(factory *problem.Factory, logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		ctx := ss.Context()
		defer func() {
			if v := recover(); v != nil {
				err = recovered(ctx, factory, logger, info.FullMethod, v)
			}
		}()
		if err = handler(srv, ss); err != nil {
			return toStatusError(ctx, factory, err)
		}
		return nil
	}
}

func recovered(ctx context.Context, factory *problem.Factory, logger *slog.Logger, method string, v any) error {
	if err, ok := v.(error); ok {
		var cp *problem.ConverterPanic
		if errors.As(err, &cp) {
			panic(v)
		}
	}
	logger.Error("panic recovered",
		"method", method,
		"panic", v,
		"stack", string(debug.Stack()),
	)
	return toStatusError(ctx, factory, &security.PanicError{Value: v})
}

func toStatusError(ctx context.Context, factory *problem.Factory, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	p := factory.Build(err)
	if entry, ok := ctxkeys.AuditEntryFrom(ctx); ok {
		entry.ProblemType = p.Type
		entry.Status = p.Status
	}
	violations, _ := apierrors.AsValidationError(err)
	return StatusFromProblem(p, violations).Err()
}

// contextServerStream wraps a grpc.ServerStream with a custom context.
type contextServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (s *contextServerStream) Context() context.Context {
	return s.ctx
}

func wrapStream(ss grpc.ServerStream, ctx context.Context) grpc.ServerStream {
	return &contextServerStream{ServerStream: ss, ctx: ctx}
}
