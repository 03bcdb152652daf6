package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	channelStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convsync_channel_status",
			Help: "1 for the current realtime channel status, 0 otherwise.",
		},
		[]string{"status"},
	)
	reconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_channel_reconnect_attempts_total",
			Help: "Reconnect attempts made by the realtime channel.",
		},
		[]string{"outcome"},
	)
	channelEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_channel_events_total",
			Help: "Inbound realtime events by type.",
		},
		[]string{"event"},
	)
	dedupMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_dedup_matches_total",
			Help: "Inbound events matched against pending actions.",
		},
		[]string{"by"},
	)
	droppedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_dropped_messages_total",
			Help: "Malformed messages dropped during aggregation.",
		},
		[]string{"source"},
	)
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_actions_total",
			Help: "Pending actions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
)

func init() {
	prometheus.MustRegister(
		channelStatus,
		reconnectAttemptsTotal,
		channelEventsTotal,
		dedupMatchesTotal,
		droppedMessagesTotal,
		actionsTotal,
		grpcServerHandledTotal,
	)
}

// SetChannelStatus marks current as the only active status.
func SetChannelStatus(all []string, current string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		channelStatus.WithLabelValues(s).Set(v)
	}
}

func IncReconnect(outcome string) {
	reconnectAttemptsTotal.WithLabelValues(outcome).Inc()
}

func IncChannelEvent(event string) {
	channelEventsTotal.WithLabelValues(event).Inc()
}

func IncDedupMatch(by string) {
	dedupMatchesTotal.WithLabelValues(by).Inc()
}

func IncDropped(source string) {
	droppedMessagesTotal.WithLabelValues(source).Inc()
}

func IncAction(kind, outcome string) {
	actionsTotal.WithLabelValues(kind, outcome).Inc()
}

// GRPCServerMetricsUnaryInterceptor counts handled unary calls by code.
func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}
