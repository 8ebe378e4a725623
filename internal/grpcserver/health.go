package grpcserver

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter keeps a gRPC health service in step with the ledger
// connection: SERVING while the store pings, NOT_SERVING otherwise.
type HealthReporter struct {
	Server   *health.Server
	Service  string
	Store    Pinger
	Interval time.Duration
	Timeout  time.Duration
}

func NewHealthReporter(service string, store Pinger) *HealthReporter {
	hs := health.NewServer()
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{
		Server:   hs,
		Service:  service,
		Store:    store,
		Interval: 5 * time.Second,
		Timeout:  2 * time.Second,
	}
}

// Check pings once and publishes the result.
func (h *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.Store.Ping(ctx); err != nil {
		slog.Warn("ledger_ping_failed", "error", err.Error())
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.Server.SetServingStatus(h.Service, status)
	h.Server.SetServingStatus("", status)
	return status
}

// Run checks every Interval until ctx is done, then reports NOT_SERVING for good.
func (h *HealthReporter) Run(ctx context.Context) {
	t := time.NewTicker(h.Interval)
	defer t.Stop()
	for {
		h.Check(ctx)
		select {
		case <-ctx.Done():
			h.Server.Shutdown()
			return
		case <-t.C:
		}
	}
}
