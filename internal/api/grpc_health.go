package api

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name for the assistant.
const ServiceName = "movi.Assistant"

// Pinger reports backing store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthProbe keeps a gRPC health server in step with the store.
type HealthProbe struct {
	server   *health.Server
	pinger   Pinger
	interval time.Duration
}

// NewHealthProbe creates a probe over a fresh health server.
func NewHealthProbe(pinger Pinger, interval time.Duration) *HealthProbe {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthProbe{server: health.NewServer(), pinger: pinger, interval: interval}
}

// Server returns the health server to register on a gRPC server.
func (p *HealthProbe) Server() *health.Server {
	return p.server
}

// Check pings the store once and publishes the status.
func (p *HealthProbe) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := p.pinger.Ping(ctx); err != nil {
		slog.Warn("Store ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	p.server.SetServingStatus("", status)
	p.server.SetServingStatus(ServiceName, status)
	return status
}

// Run checks until ctx is done, then marks the server as shutting down.
func (p *HealthProbe) Run(ctx context.Context) error {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.server.Shutdown()
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
