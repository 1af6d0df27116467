package raft

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestMonitoring(t *testing.T) {
	fsm := newKVFSM()
	n := newTestRaftNode(t, testNodeConfig(t.TempDir(), "wal"), fsm)
	require.NoError(t, n.Start())
	submitAndWait(t, n, "a=1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.caller.flush(ctx))

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		n.monitoring.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var s status
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
		assert.Equal(t, "n1", s.NodeID)
		assert.Equal(t, "leader", s.State)
		assert.Equal(t, int64(1), s.CurrentTerm)
		assert.Equal(t, "StateMachine [Idle]", s.StateMachine)
		assert.Equal(t, int64(3), s.Applied.Index)
		assert.Equal(t, int64(3), s.LogInfo.LastIndex)
		assert.Equal(t, "closed", s.SnapshotBreaker)
		assert.Empty(t, s.Fault)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		n.monitoring.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "raft_fsm_task_duration_seconds")
		assert.Contains(t, body, `name="fsm-commit"`)
		assert.Contains(t, body, `node="n1"`)
	})

	t.Run("only GET is routed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		n.monitoring.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestMonitoringServer(t *testing.T) {
	cfg := testNodeConfig(t.TempDir(), "etcd")
	cfg.MonitoringAddr = "127.0.0.1:0"
	n := newTestRaftNode(t, cfg, newKVFSM())
	require.NoError(t, n.Start())

	addr := n.monitoring.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthServer(t *testing.T) {
	cfg := testNodeConfig(t.TempDir(), "etcd")
	cfg.HealthAddr = "127.0.0.1:0"
	n := newTestRaftNode(t, cfg, newKVFSM())

	check := func(t *testing.T) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := n.health.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t), "not serving before start")
	require.NoError(t, n.Start())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t))

	t.Run("served over grpc", func(t *testing.T) {
		conn, err := grpc.NewClient(n.health.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
		require.NoError(t, err)
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	})

	t.Run("fault flips to not serving", func(t *testing.T) {
		n.caller.OnError(newTestFault())
		require.Eventually(t, func() bool {
			return check(t) == healthpb.HealthCheckResponse_NOT_SERVING
		}, time.Second, 5*time.Millisecond)
	})
}
