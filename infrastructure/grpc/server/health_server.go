package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RelayService is the service name reported next to the overall "" entry.
const RelayService = "chat.relay"

// HealthServer exposes grpc.health.v1 for orchestrators probing the relay.
type HealthServer struct {
	log    *slog.Logger
	server *grpc.Server
	health *health.Server

	mu      sync.Mutex
	serving bool
}

func NewHealthServer(log *slog.Logger) *HealthServer {
	s := &HealthServer{
		log:    log,
		server: grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.SetServing(true)
	return s
}

// SetServing flips both entries. It is driven by the health monitoring worker.
func (s *HealthServer) SetServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving == serving {
		return
	}
	s.serving = serving
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(RelayService, status)
	s.log.Info("Health status changed", "status", status.String())
}

// Serve blocks on listener until Stop.
func (s *HealthServer) Serve(listener net.Listener) error {
	s.log.Info("Starting gRPC health server", "address", listener.Addr().String())
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server error: %w", err)
	}
	return nil
}

// ListenAndServe binds address then serves on it.
func (s *HealthServer) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(listener)
}

// Stop reports NOT_SERVING to watchers then drains in-flight calls until ctx expires.
func (s *HealthServer) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
}
