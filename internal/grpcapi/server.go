// Package grpcapi exposes the service health over the standard gRPC health protocol.
package grpcapi

import (
	"fmt"
	"net"

	"topic-chat/backend/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name clients pass to Check/Watch for the relay
const ServiceName = "topic-chat.Relay"

// Server serves grpc.health.v1.Health for the whole process ("") and for ServiceName
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *logger.Logger
}

func NewServer(log *logger.Logger) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	// NOT_SERVING until the first health run says otherwise
	s.SetHealthy(false)
	return s
}

// SetHealthy updates the serving status; wire it to health.Checker.OnChange
func (s *Server) SetHealthy(healthy bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on :port and serves
func (s *Server) ListenAndServe(port string) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", port, err)
	}
	return s.Serve(lis)
}

// Stop marks everything NOT_SERVING so watchers drain, then stops gracefully
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
