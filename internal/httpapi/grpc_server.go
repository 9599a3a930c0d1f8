package httpapi

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
	"agrivet.store/internal/ids"
)

// Metadata keys read by the auth interceptor.
const (
	mdAuthorization = "authorization"
	mdBranchID      = "x-branch-id"
	mdRequestID     = "x-request-id"
)

// DefaultGRPCMethods is the method table the api binary serves with. Health
// stays public for load balancers; reflection exposes the service schema and
// is limited to operators.
func DefaultGRPCMethods() map[string]string {
	return map[string]string{
		reflectionpb.ServerReflection_ServerReflectionInfo_FullMethodName: auth.ActionServiceInspect,
	}
}

// GRPCServer serves grpc.health.v1 and server reflection, and guards methods
// listed in its method table with the token verifier and role gate.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness ReadinessChecker
	auth      *auth.Service
	gate      *auth.Gate
	methods   map[string]string
	logger    *zap.Logger
}

// NewGRPCServer creates the gRPC service wrapper. methods maps a full method
// name to the gate action it requires; unlisted methods are public.
func NewGRPCServer(r ReadinessChecker, svc *auth.Service, gate *auth.Gate, methods map[string]string, logger *zap.Logger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	table := make(map[string]string, len(methods))
	for m, action := range methods {
		table[m] = action
	}
	return &GRPCServer{
		readiness: r,
		auth:      svc,
		gate:      gate,
		methods:   table,
		logger:    logger,
	}
}

// NewServer builds a grpc.Server with the auth interceptors and registers
// the health and reflection services.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(s.StreamInterceptor()),
	)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s)
	reflection.RegisterV1(srv)
	return srv
}

// Check reports SERVING when the readiness probe passes and Unavailable otherwise.
func (s *GRPCServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// UnaryInterceptor authenticates and authorizes calls to guarded methods.
func (s *GRPCServer) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := s.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor applies the same checks to streaming methods.
func (s *GRPCServer) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := s.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authorizedStream{ServerStream: ss, ctx: ctx})
	}
}

type authorizedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (a *authorizedStream) Context() context.Context { return a.ctx }

// authorize returns ctx unchanged for public methods. For guarded ones it
// verifies the bearer token, runs the gate and returns ctx carrying claims.
func (s *GRPCServer) authorize(ctx context.Context, method string) (context.Context, error) {
	action, guarded := s.methods[method]
	if !guarded {
		return ctx, nil
	}
	if s.auth == nil || s.gate == nil {
		return nil, status.Error(codes.Unavailable, "authentication is not configured")
	}

	md, _ := metadata.FromIncomingContext(ctx)
	ctx = withCallMetadata(ctx, md)

	token, err := extractBearerToken(firstValue(md, mdAuthorization))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	v := s.auth.Verify(token)
	if v.Outcome != auth.TokenValid {
		return nil, status.Error(codes.Unauthenticated, v.Err().Error())
	}
	if err := s.gate.Check(ctx, action, v.Claims, firstValue(md, mdBranchID)); err != nil {
		return nil, s.grpcError(method, err)
	}

	ctx = auth.ContextWithClaims(ctx, v.Claims)
	return auth.ContextWithToken(ctx, token), nil
}

func (s *GRPCServer) grpcError(method string, err error) error {
	var forbidden *auth.ForbiddenError
	switch {
	case errors.As(err, &forbidden):
		return status.Errorf(codes.PermissionDenied, "forbidden: %s", forbidden.Reason)
	case errors.Is(err, auth.ErrStorageUnavailable):
		return status.Error(codes.Unavailable, "storage unavailable")
	default:
		s.logger.Error("grpc authorization failed", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

// withCallMetadata carries request id and peer address into the context
// for audit entries written by the gate.
func withCallMetadata(ctx context.Context, md metadata.MD) context.Context {
	rid := firstValue(md, mdRequestID)
	if rid == "" || len(rid) > maxRequestIDBytes {
		rid = ids.NewRequestID()
	}
	ctx = audit.WithRequestID(ctx, rid)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		ctx = audit.WithSourceAddr(ctx, addr)
	}
	return ctx
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
