// Package grpcserver exposes the capvault gRPC health surface.
package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ReadinessCheck is implemented by every backing store the service needs.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
}

// Options tune the health loop.
type Options struct {
	Interval     time.Duration // how often checks run; default 5s
	CheckTimeout time.Duration // per check; default 500ms
	Reflection   bool          // register server reflection (dev only)
}

// Server is a gRPC server carrying the standard health service.
type Server struct {
	GRPC   *grpc.Server
	Health *grpchealth.Server

	checks []ReadinessCheck
	opts   Options
	log    *zap.Logger
}

// New builds the gRPC server with recovery and logging interceptors. Health
// starts NOT_SERVING until the first round of checks passes.
func New(log *zap.Logger, opts Options, checks ...ReadinessCheck) *Server {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 500 * time.Millisecond
	}
	log = log.Named("grpc")

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	if opts.Reflection {
		reflection.Register(s)
	}

	return &Server{GRPC: s, Health: hs, checks: checks, opts: opts, log: log}
}

// Probe runs every check once and publishes the result.
func (s *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for _, c := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, s.opts.CheckTimeout)
		err := c.IsReady(cctx)
		cancel()
		if err != nil {
			s.log.Warn("readiness check failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	s.Health.SetServingStatus("", status)
	return status
}

// Watch probes on every tick until ctx is done, then marks the server as
// shutting down.
func (s *Server) Watch(ctx context.Context) {
	s.Probe(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Health.Shutdown()
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}
