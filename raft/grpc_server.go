package raft

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported by the node's health server.
const HealthService = "raft.fsmcaller.Node"

// healthServer exposes the standard gRPC health service. The node is
// SERVING while it is the leader and no fault is recorded.
type healthServer struct {
	n      *Node
	addr   string
	health *health.Server
	server *grpc.Server
	lis    net.Listener
}

func newHealthServer(n *Node, addr string) *healthServer {
	h := health.NewServer()
	h.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h)
	return &healthServer{
		n:      n,
		addr:   addr,
		health: h,
		server: s,
	}
}

// start starts the gRPC server. Without an address the health status is
// still tracked but not served.
func (s *healthServer) start() error {
	if s.addr == "" {
		return nil
	}

	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.lis = l
	s.n.logger.Info("starting health server", "addr", l.Addr().String())

	s.n.wg.Go(func() {
		if err := s.server.Serve(l); err != nil && err != grpc.ErrServerStopped {
			s.n.logger.Error("gRPC server failed", logger.ErrAttr(err))
		}
	})
	return nil
}

func (s *healthServer) setServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, st)
	s.n.logger.Debug("health status changed", slog.String("status", st.String()))
}

// Addr returns the bound address, empty if the server is not running.
func (s *healthServer) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// stop stops the gRPC server, closing open health watches.
func (s *healthServer) stop() error {
	s.health.Shutdown()
	if s.lis != nil {
		s.server.Stop()
	}
	return nil
}
