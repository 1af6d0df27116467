package raft

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
)

// status represents the node's status.
type status struct {
	NodeID        string `json:"nodeId"`
	State         string `json:"state"`
	CurrentTerm   int64  `json:"currentTerm"`
	StateMachine  string `json:"stateMachine"`
	ApplyingIndex int64  `json:"applyingIndex"`
	Fault         string `json:"fault,omitempty"`

	Applied struct {
		Index          int64 `json:"index"`
		Term           int64 `json:"term"`
		PersistedIndex int64 `json:"persistedIndex"`
	} `json:"applied"`

	LogInfo struct {
		LastIndex int64 `json:"lastIndex"`
		LastTerm  int64 `json:"lastTerm"`
	} `json:"logInfo"`

	PendingClosures   int    `json:"pendingClosures"`
	AppliedListeners  int    `json:"appliedListeners"`
	LastSnapshotIndex int64  `json:"lastSnapshotIndex"`
	SnapshotBreaker   string `json:"snapshotBreaker"`
}

// getStatus collects the current status from the node.
func (n *Node) getStatus() status {
	term, _ := n.State()
	c := n.caller

	s := status{
		NodeID:            n.id,
		State:             stateToString(n.loadState()),
		CurrentTerm:       term,
		StateMachine:      c.String(),
		ApplyingIndex:     c.ApplyingIndex(),
		PendingClosures:   n.closures.Len(),
		AppliedListeners:  c.listeners.len(),
		LastSnapshotIndex: n.lastSnapshot.Load(),
		SnapshotBreaker:   n.breaker.State().String(),
	}
	if f := c.Fault(); f != nil {
		s.Fault = f.Error()
	}
	applied := c.LastAppliedID()
	s.Applied.Index = applied.Index
	s.Applied.Term = applied.Term
	s.Applied.PersistedIndex = n.log.AppliedID().Index

	last := n.log.LastLogID()
	s.LogInfo.LastIndex = last.Index
	s.LogInfo.LastTerm = last.Term
	return s
}

func (n *Node) statusHandler(w http.ResponseWriter, r *http.Request) {
	s := n.getStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		n.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

func (n *Node) routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", n.statusHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// monitoringServer serves /status and /metrics. It is disabled when addr is empty.
type monitoringServer struct {
	n       *Node
	addr    string
	handler http.Handler
	server  *http.Server
	lis     net.Listener
}

func newMonitoringServer(n *Node, addr string, gatherer prometheus.Gatherer) *monitoringServer {
	return &monitoringServer{
		n:       n,
		addr:    addr,
		handler: n.routes(gatherer),
	}
}

func (m *monitoringServer) start() error {
	if m.addr == "" {
		return nil
	}

	l, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.lis = l
	m.server = &http.Server{Handler: m.handler}
	m.n.logger.Info("starting monitoring server", "addr", l.Addr().String())

	m.n.wg.Go(func() {
		if err := m.server.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			m.n.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	})
	return nil
}

// Addr returns the bound address, empty if the server is not running.
func (m *monitoringServer) Addr() string {
	if m.lis == nil {
		return ""
	}
	return m.lis.Addr().String()
}

func (m *monitoringServer) stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
