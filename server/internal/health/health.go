package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/qrankd/qrankd/server/internal/rank"
)

// ServiceName is the health-checked service name for lookups.
const ServiceName = "qrankd.Lookup"

// Server wraps a gRPC server exposing the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a Server whose services start as NOT_SERVING.
func New() *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor()))
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{grpc: gs, health: hs}
}

// Published is a cache.OnPublish hook: any published mapping means lookups
// can be served.
func (s *Server) Published(m *rank.Mapping) {
	if m == nil {
		return
	}
	s.SetServing(true)
}

// SetServing flips every registered service between SERVING and NOT_SERVING.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("health: gRPC server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("health: serve: %w", err)
	}
}
