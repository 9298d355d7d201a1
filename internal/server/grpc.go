package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"CTFLedger/internal/observability"
	"CTFLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ctfledger.v1.LedgerService"

// LedgerServer is the handler type registered with gRPC.
type LedgerServer interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*SubmitCommandResponse, error)
	GetBalances(context.Context, *GetBalancesRequest) (*query.HolderBalances, error)
	GetCondition(context.Context, *GetConditionRequest) (*query.ConditionResponse, error)
	ListConditions(context.Context, *ListConditionsRequest) (*ListConditionsResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*query.OrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	ListFills(context.Context, *ListFillsRequest) (*ListFillsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	GetOrderBook(context.Context, *GetOrderBookRequest) (*GetOrderBookResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*VerifyIntegrityResponse, error)
	GetCommandLogInfo(context.Context, *Empty) (*CommandLogInfoResponse, error)
	TakeSnapshot(context.Context, *Empty) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildProjectionsResponse, error)
}

var _ LedgerServer = (*LedgerService)(nil)

// ServiceDesc is written by hand; messages travel with the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitCommand", LedgerServer.SubmitCommand),
		unary("GetBalances", LedgerServer.GetBalances),
		unary("GetCondition", LedgerServer.GetCondition),
		unary("ListConditions", LedgerServer.ListConditions),
		unary("GetOrder", LedgerServer.GetOrder),
		unary("ListOrders", LedgerServer.ListOrders),
		unary("ListFills", LedgerServer.ListFills),
		unary("ListJournals", LedgerServer.ListJournals),
		unary("GetOrderBook", LedgerServer.GetOrderBook),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("GetCommandLogInfo", LedgerServer.GetCommandLogInfo),
		unary("TakeSnapshot", LedgerServer.TakeSnapshot),
		unary("RebuildProjections", LedgerServer.RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ctfledger/v1/ledger.json",
}

func unary[Req any, Resp any](name string, call func(LedgerServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, r interface{}) (interface{}, error) {
				return call(srv.(LedgerServer), ctx, r.(*Req))
			})
		},
	}
}

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *LedgerService
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the ledger, health and reflection
// services registered.
func NewGRPCServer(
	grpcAddr, httpAddr string,
	service *LedgerService,
	healthChecker *observability.HealthChecker,
	logger zerolog.Logger,
) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpcServer.RegisterService(&ServiceDesc, service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       service,
		healthChecker: healthChecker,
		healthServer:  healthServer,
		logger:        logger,
	}
}

// SetServing flips the gRPC health status of the ledger service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(ServiceName, st)
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes and health probes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           NewHTTPHandler(s.service, s.healthChecker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			st := status.Convert(err)
			logger.Debug().
				Str("method", info.FullMethod).
				Str("code", st.Code().String()).
				Str("error", st.Message()).
				Dur("duration", time.Since(start)).
				Msg("rpc failed")
		}
		return resp, err
	}
}
