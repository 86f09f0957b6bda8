package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// BackendServicePrefix prefixes the health service name reported for each
// backend, e.g. "queryrouter.backend.sql".
const BackendServicePrefix = "queryrouter.backend."

// Server is a gRPC server with graceful shutdown. It serves QueryRouter,
// grpc.health.v1.Health and reflection.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	address    string
	logger     observability.Logger

	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewServer creates a Server for address. With no opts the standard
// interceptors from ServerOptions are installed.
func NewServer(address string, service QueryRouterServer, logger observability.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.Bind("component", "grpc")
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterQueryRouterServer(grpcServer, service)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		health:     hs,
		address:    address,
		logger:     logger,
	}
}

// Start listens on the configured address and serves until ctx is done,
// then stops gracefully.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.listener = lis
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.ShutdownWithTimeout(15 * time.Second)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// UpdateHealth publishes a health report: the server and QueryRouter serve
// unless every backend is down, and each backend gets its own entry.
func (s *Server) UpdateHealth(report *commbus.HealthCheckResponse) {
	if report == nil {
		return
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if report.Status == commbus.HealthStatusUnhealthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ServiceName, overall)

	for name, c := range report.Components {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if c.Status == commbus.HealthStatusHealthy {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(BackendServicePrefix+name, st)
	}
}

// GracefulStop marks every service NOT_SERVING, stops accepting
// connections and waits for in-flight calls.
func (s *Server) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Warn("grpc_immediate_stop")
	s.health.Shutdown()
	s.grpcServer.Stop()
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop once
// timeout elapses. Open Watch streams only end on the forced stop.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// GRPCServer returns the underlying grpc.Server.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the bound address once serving, else the configured one.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
