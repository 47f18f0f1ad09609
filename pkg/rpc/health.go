package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the grpc service name reported by the health server.
const HealthService = "tfxvm.Inspector"

// HealthServer serves the standard grpc health protocol next to the
// JSON-RPC inspector.
type HealthServer struct {
	addr   string
	health *health.Server
	server *grpc.Server
}

// NewHealthServer creates a health server. Both the overall status and
// HealthService start as NOT_SERVING.
func NewHealthServer(addr string) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{addr: addr, health: hs, server: srv}
}

// SetServing updates the reported status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Listen opens the listener. Serve must be called to accept connections.
func (h *HealthServer) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return nil, fmt.Errorf("health listen %s: %w", h.addr, err)
	}
	return lis, nil
}

// Serve reports SERVING and serves on lis until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.server.GracefulStop()
	}()

	h.SetServing(true)
	log.Infof("health service listening on %s", lis.Addr())
	if err := h.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (h *HealthServer) Start(ctx context.Context) error {
	lis, err := h.Listen()
	if err != nil {
		return err
	}
	return h.Serve(ctx, lis)
}
