package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/middleware"
	"github.com/mohammadhprp/admission/internal/service"
	"github.com/mohammadhprp/admission/internal/storage"
)

// AdmissionServiceName is the fully qualified gRPC service name.
const AdmissionServiceName = "admission.v1.Admission"

// DefaultHealthInterval is how often store pings refresh the gRPC health status.
const DefaultHealthInterval = 5 * time.Second

// Full method names of the admission service
const (
	DecideMethod = "/" + AdmissionServiceName + "/Decide"
	ResetMethod  = "/" + AdmissionServiceName + "/Reset"
)

// AdmissionServer is the server API of the admission service. Requests and
// responses are google.protobuf.Struct messages.
//
//	Decide {algorithm, key} -> {allowed, remaining, retry_after_ms}
//	Reset  {algorithm, key} -> {message, key}, requires "authorization: Bearer <token>"
type AdmissionServer interface {
	Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// AdmissionServiceDesc describes the admission service for grpc.Server.RegisterService.
var AdmissionServiceDesc = grpc.ServiceDesc{
	ServiceName: AdmissionServiceName,
	HandlerType: (*AdmissionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decide", Handler: decideHandler},
		{MethodName: "Reset", Handler: resetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admission/v1/admission.proto",
}

func decideHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdmissionServer).Decide(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DecideMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdmissionServer).Decide(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdmissionServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResetMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdmissionServer).Reset(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// AdmissionClient calls the admission service over a client connection.
type AdmissionClient struct {
	cc grpc.ClientConnInterface
}

// NewAdmissionClient creates a client for the admission service
func NewAdmissionClient(cc grpc.ClientConnInterface) *AdmissionClient {
	return &AdmissionClient{cc: cc}
}

// Decide asks whether key may proceed under algorithm.
func (c *AdmissionClient) Decide(ctx context.Context, algorithm, key string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, DecideMethod, algorithm, key, opts...)
}

// Reset clears the limiter state of key. The token is sent as bearer metadata.
func (c *AdmissionClient) Reset(ctx context.Context, token, algorithm, key string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	return c.call(ctx, ResetMethod, algorithm, key, opts...)
}

func (c *AdmissionClient) call(ctx context.Context, method, algorithm, key string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"algorithm": algorithm, "key": key})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer implements the Server interface for gRPC transport
type GRPCServer struct {
	server         *grpc.Server
	health         *health.Server
	address        string
	logger         *zap.Logger
	handlers       *ServiceHandlers
	healthInterval time.Duration
	done           chan struct{}
	stopOnce       sync.Once
}

// NewGRPCServer creates a new gRPC server
func NewGRPCServer(cfg ServerConfig) *GRPCServer {
	gsrv := grpc.NewServer()

	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	grpcSrv := &GRPCServer{
		address:        cfg.Address,
		logger:         cfg.Logger,
		handlers:       newServiceHandlers(cfg),
		server:         gsrv,
		health:         health.NewServer(),
		healthInterval: interval,
		done:           make(chan struct{}),
	}

	gsrv.RegisterService(&AdmissionServiceDesc, &admissionServer{
		rateLimit:  cfg.RateLimit,
		adminToken: cfg.Admin.Token,
		logger:     cfg.Logger,
	})
	healthpb.RegisterHealthServer(gsrv, grpcSrv.health)
	return grpcSrv
}

// Start starts the gRPC server
func (gs *GRPCServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", gs.address)
	if err != nil {
		gs.logger.Error("Failed to listen on address", zap.String("address", gs.address), zap.Error(err))
		return err
	}

	gs.logger.Info("Starting gRPC server", zap.String("address", gs.address))

	go func() {
		if err := gs.Serve(ctx, listener); err != nil {
			gs.logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	return nil
}

// Serve serves on lis until the server stops, refreshing the health status
// while it runs.
func (gs *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	gs.SyncHealth(ctx)
	go gs.watchHealth(ctx)

	return gs.server.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (gs *GRPCServer) Stop(ctx context.Context) error {
	gs.logger.Info("Stopping gRPC server")
	gs.stopOnce.Do(func() { close(gs.done) })
	gs.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		gs.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		gs.server.Stop()
		return ctx.Err()
	}
}

// Addr returns the address the gRPC server is listening on
func (gs *GRPCServer) Addr() string {
	return gs.address
}

// SyncHealth pings the store once and publishes the result for the overall
// server and the admission service.
func (gs *GRPCServer) SyncHealth(ctx context.Context) {
	next := healthpb.HealthCheckResponse_SERVING
	if err := gs.handlers.HealthCheck.Ping(ctx); err != nil {
		next = healthpb.HealthCheckResponse_NOT_SERVING
	}
	gs.health.SetServingStatus("", next)
	gs.health.SetServingStatus(AdmissionServiceName, next)
}

func (gs *GRPCServer) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(gs.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gs.done:
			return
		case <-ticker.C:
			gs.SyncHealth(ctx)
		}
	}
}

type admissionServer struct {
	rateLimit  *service.RateLimitService
	adminToken string
	logger     *zap.Logger
}

func (s *admissionServer) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	algorithm, key := requestFields(req)

	decision, err := s.rateLimit.Decide(ctx, algorithm, key)
	if err != nil {
		return nil, s.statusError("admission decision failed", key, err)
	}

	return structpb.NewStruct(map[string]any{
		"allowed":        decision.Allowed,
		"remaining":      decision.Remaining,
		"retry_after_ms": decision.RetryAfterMillis(),
	})
}

func (s *admissionServer) Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}

	algorithm, key := requestFields(req)
	if err := s.rateLimit.Reset(ctx, algorithm, key); err != nil {
		return nil, s.statusError("failed to reset rate limit", key, err)
	}

	return structpb.NewStruct(map[string]any{
		"message": "rate limit reset",
		"key":     key,
	})
}

func (s *admissionServer) authorize(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing bearer token")
	}
	token := middleware.ExtractBearerToken(values[0])
	if token == "" {
		return status.Error(codes.Unauthenticated, "missing bearer token")
	}
	if !middleware.TokenMatches(token, s.adminToken) {
		return status.Error(codes.PermissionDenied, "invalid bearer token")
	}
	return nil
}

// statusError maps domain errors to gRPC status codes.
func (s *admissionServer) statusError(msg, key string, err error) error {
	switch {
	case errors.Is(err, limiter.ErrInvalidKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, limiter.ErrUnknownAlgorithm):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		s.logger.Error(msg, zap.String("key", key), zap.Error(err))
		return status.Error(codes.Unavailable, "rate limit store unavailable")
	default:
		s.logger.Error(msg, zap.String("key", key), zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

func requestFields(req *structpb.Struct) (algorithm, key string) {
	fields := req.GetFields()
	return fields["algorithm"].GetStringValue(), fields["key"].GetStringValue()
}
