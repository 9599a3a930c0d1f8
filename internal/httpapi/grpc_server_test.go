package httpapi

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
	"agrivet.store/internal/store/memory"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := srv.NewServer()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

type grpcFixture struct {
	svc   *auth.Service
	gate  *auth.Gate
	audit *audit.Memory
}

func newGRPCFixture(t *testing.T) *grpcFixture {
	t.Helper()
	idents := memory.NewIdentities()
	mem := audit.NewMemory()
	rec := audit.NewRecorder(zap.NewNop(), audit.WithSink(mem))
	svc, err := auth.NewService(idents, memory.NewRefreshTokens(),
		auth.WithTokenSecret(testSecret),
		auth.WithAuditor(rec),
		auth.WithPasswordCost(bcrypt.MinCost),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	gate, err := auth.NewGate(auth.DefaultPolicy(), auth.WithGateAuditor(rec))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	for _, u := range []struct {
		id    string
		email string
		role  auth.Role
	}{
		{"a1", "admin@agrivet.test", auth.RoleAdmin},
		{"c1", "customer@agrivet.test", auth.RoleCustomer},
	} {
		hash, err := auth.HashPassword("hunter22", bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if err := idents.Create(context.Background(), &auth.Identity{
			ID: u.id, Email: u.email, PasswordHash: hash, Role: u.role, Status: auth.StatusActive,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return &grpcFixture{svc: svc, gate: gate, audit: mem}
}

func (f *grpcFixture) token(t *testing.T, email string) string {
	t.Helper()
	pair, _, err := f.svc.Login(context.Background(), email, "hunter22")
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return pair.AccessToken
}

func TestGRPCServer_PublicHealth(t *testing.T) {
	conn := startBufGRPC(t, NewGRPCServer(ReadyProbe{}, nil, nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestGRPCServer_HealthFailure(t *testing.T) {
	conn := startBufGRPC(t, NewGRPCServer(failingReadiness{}, nil, nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unavailable {
		t.Fatalf("unexpected status: %v", err)
	}
}

func TestGRPCServer_GuardedMethod(t *testing.T) {
	f := newGRPCFixture(t)
	methods := map[string]string{healthpb.Health_Check_FullMethodName: auth.ActionAuditRead}
	conn := startBufGRPC(t, NewGRPCServer(ReadyProbe{}, f.svc, f.gate, methods, zap.NewNop()))
	client := healthpb.NewHealthClient(conn)

	call := func(token string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		}
		_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err
	}

	cases := []struct {
		name  string
		token string
		code  codes.Code
	}{
		{"missing token", "", codes.Unauthenticated},
		{"garbage token", "not-a-jwt", codes.Unauthenticated},
		{"wrong role", f.token(t, "customer@agrivet.test"), codes.PermissionDenied},
		{"allowed", f.token(t, "admin@agrivet.test"), codes.OK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := status.Code(call(tc.token)); got != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, got)
			}
		})
	}

	var denied bool
	for _, e := range f.audit.Entries() {
		if e.Action == "access_denied" && e.ActorID == "c1" {
			denied = true
			if e.RequestID == "" || e.SourceAddr == "" {
				t.Fatalf("call metadata missing from audit entry: %+v", e)
			}
		}
	}
	if !denied {
		t.Fatal("expected audited denial")
	}
}

func TestGRPCServer_GuardedMethodWithoutAuthIsUnavailable(t *testing.T) {
	methods := map[string]string{healthpb.Health_Check_FullMethodName: auth.ActionAuditRead}
	conn := startBufGRPC(t, NewGRPCServer(ReadyProbe{}, nil, nil, methods, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

// The binary's own method table keeps health public and puts reflection, a
// streaming method, behind the verifier and gate.
func TestGRPCServer_DefaultMethodsGuardReflection(t *testing.T) {
	f := newGRPCFixture(t)
	conn := startBufGRPC(t, NewGRPCServer(ReadyProbe{}, f.svc, f.gate, DefaultGRPCMethods(), zap.NewNop()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("health should stay public: %v", err)
	}

	listServices := func(token string) ([]string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		}
		stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
		if err != nil {
			return nil, err
		}
		if err := stream.Send(&reflectionpb.ServerReflectionRequest{
			MessageRequest: &reflectionpb.ServerReflectionRequest_ListServices{},
		}); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		resp, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		_ = stream.CloseSend()
		var names []string
		for _, svc := range resp.GetListServicesResponse().GetService() {
			names = append(names, svc.GetName())
		}
		return names, nil
	}

	if _, err := listServices(""); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without token, got %v", err)
	}
	if _, err := listServices(f.token(t, "customer@agrivet.test")); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied for customer, got %v", err)
	}
	names, err := listServices(f.token(t, "admin@agrivet.test"))
	if err != nil {
		t.Fatalf("admin reflection: %v", err)
	}
	var sawHealth bool
	for _, n := range names {
		if n == healthpb.Health_ServiceDesc.ServiceName {
			sawHealth = true
		}
	}
	if !sawHealth {
		t.Fatalf("expected health service in %v", names)
	}
}
