package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"flowbit.dev/internal/obs"
)

// ServiceName is the health service name reported next to the overall ("") status.
const ServiceName = "flowbit.api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer publishes readiness over the standard gRPC health protocol.
type HealthServer struct {
	health    *health.Server
	readiness readinessChecker
	logger    *zap.Logger
}

// NewHealthServer starts NOT_SERVING until the first Refresh.
func NewHealthServer(r readinessChecker, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = obs.Logger()
	}
	s := &HealthServer{health: health.NewServer(), readiness: r, logger: logger}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh checks readiness once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch refreshes every interval until ctx ends, then reports NOT_SERVING
// to in-flight watchers.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

func (s *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
