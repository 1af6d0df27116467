package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/internal/cbreaker"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
	"github.com/shrtyk/raft-fsmcaller/pkg/metrics"
	"github.com/shrtyk/raft-fsmcaller/storage"
)

// NodeBuilder assembles a Node. Everything but the id and the state
// machine has a default derived from the config.
type NodeBuilder struct {
	id  string
	fsm api.StateMachine

	cfg       *api.Config
	logger    *slog.Logger
	log       api.LogStore
	snapshots api.SnapshotStore
	executor  *Executor
	registry  *prometheus.Registry
}

func NewNodeBuilder(id string, fsm api.StateMachine) *NodeBuilder {
	return &NodeBuilder{
		id:  id,
		fsm: fsm,
		cfg: DefaultConfig(),
	}
}

// WithConfig sets the configuration.
// If not provided, a DefaultConfig will be used.
func (b *NodeBuilder) WithConfig(cfg *api.Config) *NodeBuilder {
	b.cfg = cfg
	return b
}

func (b *NodeBuilder) WithLogger(l *slog.Logger) *NodeBuilder {
	b.logger = l
	return b
}

// WithLogStore overrides the log selected by storage.backend.
func (b *NodeBuilder) WithLogStore(s api.LogStore) *NodeBuilder {
	b.log = s
	return b
}

func (b *NodeBuilder) WithSnapshotStore(s api.SnapshotStore) *NodeBuilder {
	b.snapshots = s
	return b
}

// WithExecutor shares an executor between nodes. The node does not stop it.
func (b *NodeBuilder) WithExecutor(e *Executor) *NodeBuilder {
	b.executor = e
	return b
}

// WithRegistry sets the registry metrics are registered in and served from.
func (b *NodeBuilder) WithRegistry(r *prometheus.Registry) *NodeBuilder {
	b.registry = r
	return b
}

func (b *NodeBuilder) Build() (*Node, error) {
	if b.id == "" || b.fsm == nil {
		return nil, fmt.Errorf("%w: node id and state machine are required", api.ErrInvalidArgument)
	}
	if err := validateConfig(b.cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrInvalidArgument, err)
	}

	log := b.logger
	if log == nil {
		log = logger.NewLogger(b.cfg.Log.Env, b.cfg.Log.AddSource)
	}
	nodeLog := log.With(slog.String("node", b.id))

	logStore := b.log
	if logStore == nil {
		var err error
		logStore, err = openLogStore(b.cfg, nodeLog)
		if err != nil {
			return nil, err
		}
	}

	snapshots := b.snapshots
	if snapshots == nil {
		s, err := storage.NewSnapshotStorage(filepath.Join(b.cfg.Storage.Dir, "snapshots"), nodeLog, b.cfg.Snapshots.VersionsToKeep)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open snapshot storage: %w", err), logStore.Close())
		}
		snapshots = s
	}

	registry := b.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	sink, err := metrics.NewPrometheusSink(registry, prometheus.Labels{"node": b.id})
	if err != nil {
		return nil, errors.Join(err, logStore.Close())
	}

	executor, owns := b.executor, false
	if executor == nil {
		executor, owns = NewExecutor(b.cfg.Executor.Stripes, log), true
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		state:        follower,
		id:           b.id,
		cfg:          b.cfg,
		logger:       nodeLog,
		log:          logStore,
		snapshots:    snapshots,
		closures:     NewClosureQueue(nodeLog),
		executor:     executor,
		ownsExecutor: owns,
		breaker: cbreaker.NewCircuitBreaker(
			b.cfg.CBreaker.FailureThreshold,
			b.cfg.CBreaker.SuccessThreshold,
			b.cfg.CBreaker.ResetTimeout,
		),
		ctx:    ctx,
		cancel: cancel,
	}
	if ce := logStore.ConfigurationAt(logStore.LastLogID().Index); ce != nil {
		n.conf = ce.Conf.Clone()
	}
	n.monitoring = newMonitoringServer(n, b.cfg.MonitoringAddr, registry)
	n.health = newHealthServer(n, b.cfg.HealthAddr)

	// The state machine is rebuilt from the latest snapshot and the log,
	// so the caller starts from the beginning.
	caller, err := NewCallerBuilder(b.id, executor, logStore, n.closures, b.fsm).
		WithConfig(b.cfg).
		WithLogger(log).
		WithNode(n).
		WithMetrics(sink).
		WithAfterShutdown(api.ClosureFunc(func(error) {
			nodeLog.Debug("state machine detached from node")
		})).
		Build()
	if err != nil {
		cancel()
		if owns {
			executor.Stop()
		}
		return nil, errors.Join(err, logStore.Close())
	}
	n.caller = caller.(*FSMCaller)
	return n, nil
}

func openLogStore(cfg *api.Config, log *slog.Logger) (api.LogStore, error) {
	switch cfg.Storage.Backend {
	case "etcd":
		return storage.NewEtcdLog(log), nil
	default:
		s, err := storage.NewWALStorage(filepath.Join(cfg.Storage.Dir, "wal"), log, cfg.Fsync)
		if err != nil {
			return nil, fmt.Errorf("failed to open wal storage: %w", err)
		}
		return s, nil
	}
}
