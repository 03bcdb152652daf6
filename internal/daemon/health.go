package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/agape-platform/convsync/internal/bus"
	"github.com/agape-platform/convsync/internal/metrics"
	"github.com/agape-platform/convsync/internal/profile"
	"github.com/agape-platform/convsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ChannelService is the health service name that tracks realtime
// connectivity. The empty service name reports process liveness.
const ChannelService = "convsync.Channel"

// HealthServer serves the gRPC health protocol on the profile's unix socket.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
	done       chan struct{}
}

// NewHealthServer binds the health service to the profile's socket.
func NewHealthServer(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*HealthServer, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}

	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()

	srv := grpc.NewServer(grpc.UnaryInterceptor(metrics.GRPCServerMetricsUnaryInterceptor()))
	healthpb.RegisterHealthServer(srv, hs)

	s := &HealthServer{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		done:       make(chan struct{}),
	}
	s.follow(b)
	hs.SetServingStatus(ChannelService, servingStatus(machine.Current()))
	return s, nil
}

// follow mirrors channel status changes into the health service.
func (s *HealthServer) follow(b *bus.Bus) {
	events, unsub := b.Subscribe(bus.KindChannelStatus, 16)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-events:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.health.SetServingStatus(ChannelService, servingStatus(change.To))
				}
			case <-s.done:
				return
			}
		}
	}()
}

// Start serves until stopped.
func (s *HealthServer) Start() error {
	s.logger.Info("health server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop marks every service NOT_SERVING, shuts down gracefully and removes
// the socket file.
func (s *HealthServer) Stop(_ context.Context) {
	s.logger.Info("health server stopping")
	close(s.done)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

func servingStatus(st status.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == status.Connected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
