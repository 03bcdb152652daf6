package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/agape-platform/convsync/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes Prometheus metrics over HTTP. It is inert when no
// address is configured.
type MetricsServer struct {
	srv    *http.Server
	addr   string
	logger *zap.Logger
}

func NewMetricsServer(cfg *config.Config, logger *zap.Logger) *MetricsServer {
	if cfg.MetricsAddr == "" {
		return &MetricsServer{logger: logger}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		srv: &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the listener synchronously and serves in the background.
func (m *MetricsServer) Start() error {
	if m.srv == nil {
		return nil
	}
	ln, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return err
	}
	m.addr = ln.Addr().String()
	m.logger.Info("metrics server starting", zap.String("addr", m.addr))
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start or when disabled.
func (m *MetricsServer) Addr() string {
	return m.addr
}

func (m *MetricsServer) Stop(ctx context.Context) {
	if m.srv == nil {
		return
	}
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
