package raft

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
	"github.com/shrtyk/raft-fsmcaller/pkg/metrics"
)

type callerBuilder struct {
	// required
	nodeID       string
	executor     *Executor
	logManager   api.LogManager
	closureQueue api.ClosureQueue
	fsm          api.StateMachine

	// optional with defaults
	cfg           *api.Config
	logger        *slog.Logger
	node          api.Node
	metrics       api.MetricsSink
	bootstrapID   api.LogID
	afterShutdown api.Closure
}

func NewCallerBuilder(
	nodeID string,
	executor *Executor,
	logManager api.LogManager,
	closureQueue api.ClosureQueue,
	fsm api.StateMachine,
) api.CallerBuilder {
	return &callerBuilder{
		nodeID:       nodeID,
		executor:     executor,
		logManager:   logManager,
		closureQueue: closureQueue,
		fsm:          fsm,
		cfg:          DefaultConfig(),
	}
}

func (b *callerBuilder) Build() (api.FSMCaller, error) {
	var err error
	if b.nodeID == "" {
		err = errors.Join(err, errors.New("node id is empty"))
	}
	if b.executor == nil {
		err = errors.Join(err, errors.New("executor is nil"))
	}
	if b.logManager == nil {
		err = errors.Join(err, errors.New("log manager is nil"))
	}
	if b.closureQueue == nil {
		err = errors.Join(err, errors.New("closure queue is nil"))
	}
	if b.fsm == nil {
		err = errors.Join(err, errors.New("state machine is nil"))
	}
	if err != nil {
		return nil, fmt.Errorf("builder: %w: %w", api.ErrInvalidArgument, err)
	}

	log := b.logger
	if log == nil {
		log = logger.NewLogger(b.cfg.Log.Env, b.cfg.Log.AddSource)
	}
	log = log.With(slog.String("node", b.nodeID))

	sink := b.metrics
	if sink == nil {
		sink = metrics.Noop{}
	}

	c := &FSMCaller{
		shutdownDone:      make(chan struct{}),
		nodeID:            b.nodeID,
		executor:          b.executor,
		logManager:        b.logManager,
		closureQueue:      b.closureQueue,
		fsm:               b.fsm,
		node:              b.node,
		metrics:           sink,
		logger:            log,
		afterShutdown:     b.afterShutdown,
		listeners:         newListenerSet(),
		maxCommittedIndex: noCommittedIndex,
	}
	c.setApplied(b.bootstrapID)

	mailbox, err := b.executor.Subscribe(b.nodeID, c.runApplyTask)
	if err != nil {
		return nil, fmt.Errorf("builder: failed to subscribe fsm caller: %w", err)
	}
	c.mailbox = mailbox

	log.Info("fsm caller started",
		slog.Int64("applied_index", b.bootstrapID.Index),
		slog.Int64("applied_term", b.bootstrapID.Term))
	return c, nil
}

func (b *callerBuilder) WithConfig(cfg *api.Config) api.CallerBuilder {
	b.cfg = cfg
	return b
}

func (b *callerBuilder) WithLogger(l *slog.Logger) api.CallerBuilder {
	b.logger = l
	return b
}

func (b *callerBuilder) WithNode(n api.Node) api.CallerBuilder {
	b.node = n
	return b
}

func (b *callerBuilder) WithMetrics(m api.MetricsSink) api.CallerBuilder {
	b.metrics = m
	return b
}

func (b *callerBuilder) WithBootstrapID(id api.LogID) api.CallerBuilder {
	b.bootstrapID = id
	return b
}

func (b *callerBuilder) WithAfterShutdown(done api.Closure) api.CallerBuilder {
	b.afterShutdown = done
	return b
}
