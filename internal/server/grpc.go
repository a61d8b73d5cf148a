package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"ConfidentialFutures/internal/authn"
	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/observability"
	"ConfidentialFutures/internal/rpc"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer hosts the gateway callback service and, when the coordinator
// runs the in-process engine, the development resolver.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	grpcAddr   string
	logger     zerolog.Logger
}

// ServerDeps holds the dependencies of the gRPC services.
type ServerDeps struct {
	Coordinator *core.Coordinator
	// Decrypter, if set, is exposed as fhe.v1.Resolver.
	Decrypter fhe.Decrypter
	// SignatureWindow bounds callback timestamp drift.
	SignatureWindow time.Duration
	Clock           func() time.Time
	Metrics         *observability.Metrics
	Logger          zerolog.Logger
}

func NewGRPCServer(grpcAddr string, deps ServerDeps) *GRPCServer {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.SignatureWindow <= 0 {
		deps.SignatureWindow = authn.DefaultWindow
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		recoveryInterceptor(deps.Logger),
		observeInterceptor(deps.Metrics, deps.Logger),
	))

	rpc.RegisterCoordinatorServer(grpcServer, &callbackService{
		coord:  deps.Coordinator,
		clock:  deps.Clock,
		window: deps.SignatureWindow,
		logger: deps.Logger,
	})
	if deps.Decrypter != nil {
		rpc.RegisterResolverServer(grpcServer, &resolverService{dec: deps.Decrypter})
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(rpc.Coordinator_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		logger:     deps.Logger,
	}
}

// SetServing flips the gRPC health status once recovery has completed.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(rpc.Coordinator_ServiceDesc.ServiceName, st)
}

// Start listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(ctx, lis)
}

func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()
	return s.grpcServer.Serve(lis)
}

// ============================================================================
// settlement.v1.Coordinator
// ============================================================================

type callbackService struct {
	coord  *core.Coordinator
	clock  func() time.Time
	window time.Duration
	logger zerolog.Logger
}

func (s *callbackService) authenticate(creds authn.Credentials, payload func(int64) []byte) (common.Address, error) {
	addr, err := authn.Verify(creds, payload, s.clock(), s.window)
	if err != nil {
		return addr, status.Errorf(codes.Unauthenticated, "%v", err)
	}
	return addr, nil
}

func (s *callbackService) SettlementCallback(ctx context.Context, req *rpc.SettlementCallbackRequest) (*rpc.CallbackResponse, error) {
	id, err := rpc.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	signer, err := s.authenticate(req.Auth, req.SigningPayload)
	if err != nil {
		return nil, err
	}

	before, err := s.coord.GetDecryptionRequest(id)
	if err != nil {
		return nil, grpcError(err)
	}
	if err := s.coord.HandleSettlementCallback(signer, id, req.Plaintext); err != nil {
		return nil, grpcError(err)
	}
	after, err := s.coord.GetDecryptionRequest(id)
	if err != nil {
		return nil, grpcError(err)
	}

	s.logger.Info().
		Str("request_id", req.RequestID).
		Str("status", after.Status.String()).
		Bool("duplicate", before.Status.IsTerminal()).
		Msg("settlement callback")
	return callbackResponse(before.Status, after.Status), nil
}

func (s *callbackService) WithdrawalCallback(ctx context.Context, req *rpc.WithdrawalCallbackRequest) (*rpc.CallbackResponse, error) {
	id, err := rpc.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	signer, err := s.authenticate(req.Auth, req.SigningPayload)
	if err != nil {
		return nil, err
	}

	before, err := s.coord.GetWithdrawalRequest(id)
	if err != nil {
		return nil, grpcError(err)
	}
	if err := s.coord.HandleWithdrawalCallback(signer, id, req.Plaintext); err != nil {
		return nil, grpcError(err)
	}
	after, err := s.coord.GetWithdrawalRequest(id)
	if err != nil {
		return nil, grpcError(err)
	}

	s.logger.Info().
		Str("request_id", req.RequestID).
		Str("status", after.Status.String()).
		Msg("withdrawal callback")
	return callbackResponse(before.Status, after.Status), nil
}

func (s *callbackService) TriggerTimeout(ctx context.Context, req *rpc.TriggerTimeoutRequest) (*rpc.TriggerTimeoutResponse, error) {
	id, err := rpc.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	signer, err := s.authenticate(req.Auth, req.SigningPayload)
	if err != nil {
		return nil, err
	}
	res, err := s.coord.TriggerTimeout(signer, id)
	if err != nil {
		return nil, grpcError(err)
	}
	return &rpc.TriggerTimeoutResponse{Refunded: res.Refunded, Processed: res.Processed}, nil
}

func callbackResponse(before, after state.RequestStatus) *rpc.CallbackResponse {
	return &rpc.CallbackResponse{
		Accepted:  after != state.RequestPending,
		Duplicate: before.IsTerminal(),
		Status:    after.String(),
	}
}

// ============================================================================
// fhe.v1.Resolver
// ============================================================================

type resolverService struct {
	dec fhe.Decrypter
}

func (s *resolverService) Decrypt(ctx context.Context, req *rpc.DecryptRequest) (*rpc.DecryptResponse, error) {
	id, err := rpc.ParseRequestID(req.RequestID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	v, err := s.dec.Decrypt(ctx, id)
	switch {
	case err == nil:
		return &rpc.DecryptResponse{Plaintext: v}, nil
	case errors.Is(err, fhe.ErrUnknownRequest):
		return nil, status.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, fhe.ErrOracleUnavailable):
		return nil, status.Errorf(codes.Unavailable, "%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, status.FromContextError(err).Err()
	default:
		return nil, status.Errorf(codes.Internal, "decrypt: %v", err)
	}
}

// ============================================================================
// Interceptors
// ============================================================================

func observeInterceptor(m *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if m != nil {
			m.GRPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
		}
		if err != nil {
			logger.Debug().
				Str("method", info.FullMethod).
				Str("code", code.String()).
				Dur("elapsed", time.Since(start)).
				Err(err).
				Msg("rpc failed")
		}
		return resp, err
	}
}

// recoveryInterceptor turns a panic in a handler into codes.Internal. The
// coordinator only panics on invariant violations, so the process is left
// running for the operator to inspect.
func recoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("rpc handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// grpcError maps coordinator errors onto gRPC status codes.
func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, core.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrOverflow):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, core.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, core.ErrContractInactive),
		errors.Is(err, core.ErrRequestNotPending),
		errors.Is(err, core.ErrSettlementNotDue),
		errors.Is(err, core.ErrRefundNotAvailable):
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
