// Package grpcserver runs the daemon's gRPC side channel: the standard health service,
// optional reflection and the shared interceptor chain.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service is the health service name the daemon reports on.
const Service = "notify"

// Probe checks one dependency of the daemon.
type Probe func(ctx context.Context) error

// Server wraps a grpc.Server with a health service.
type Server struct {
	gs     *grpc.Server
	health *health.Server
	log    *zap.Logger
}

// New builds the server. key guards everything but the health service.
func New(log *zap.Logger, key []byte, withReflection bool) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("grpc")
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
			AuthUnary(key, "/grpc.health.v1.Health/"),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	if withReflection {
		reflection.Register(gs)
	}
	return &Server{gs: gs, health: hs, log: log}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error { return s.gs.Serve(lis) }

// Stop drains in-flight calls for up to grace, then closes everything.
func (s *Server) Stop(grace time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.gs.Stop()
	}
}

// SetServing reports the daemon status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, st)
}

// Watch runs probes every interval and reports SERVING only while all of them pass.
func (s *Server) Watch(ctx context.Context, interval time.Duration, probes ...Probe) {
	check := func() {
		for _, p := range probes {
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := p(pctx)
			cancel()
			if err != nil {
				s.log.Warn("health probe failed", zap.Error(err))
				s.SetServing(false)
				return
			}
		}
		s.SetServing(true)
	}
	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
