package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/internal/cbreaker"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
)

// Node is a single-voter replica: every appended entry is committed at
// once and handed to the FSM caller. It owns the log, the snapshot store,
// the closure queue and the servers exposing status and health.
type Node struct {
	wg sync.WaitGroup
	// Serializes appends so that indexes are registered and committed in order.
	mu    sync.Mutex
	state State
	term  int64
	conf  api.Configuration

	id        string
	cfg       *api.Config
	logger    *slog.Logger
	log       api.LogStore
	snapshots api.SnapshotStore
	closures  *ClosureQueue
	caller    *FSMCaller

	executor     *Executor
	ownsExecutor bool

	monitoring *monitoringServer
	health     *healthServer
	breaker    *cbreaker.CircuitBreaker

	snapshotting atomic.Bool
	lastSnapshot atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

var _ api.Node = (*Node)(nil)

func (n *Node) NodeID() string {
	return n.id
}

// Caller exposes the node's FSM caller.
func (n *Node) Caller() api.FSMCaller {
	return n.caller
}

// Configuration returns the latest appended membership.
func (n *Node) Configuration() api.Configuration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conf.Clone()
}

// OnError is called by the caller once a fault is recorded. The node stops
// accepting proposals and reports itself unhealthy.
func (n *Node) OnError(err *api.RaftError) {
	n.logger.Error("node received fatal error", slog.String("type", err.Type.String()), logger.ErrAttr(err))
	n.health.setServing(false)
	n.stepDown(follower)
}

// Submit appends data and commits it. done, if not nil, runs exactly once
// with the apply outcome, also when an error is returned after the entry
// was appended.
func (n *Node) Submit(data []byte, done api.Closure) (index, term int64, err error) {
	if f := n.caller.Fault(); f != nil {
		return 0, 0, fmt.Errorf("%w: %v", api.ErrBadStatus, f)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.isState(leader) {
		return 0, 0, api.ErrNotLeader
	}
	id, err := n.appendLocked(&api.LogEntry{Type: api.EntryTypeData, Data: data}, done)
	if err != nil {
		return 0, 0, err
	}
	return id.Index, id.Term, nil
}

// ChangeConfiguration moves the group to the given membership and waits
// until it is applied. When the voter set changes it passes through a
// joint configuration first.
func (n *Node) ChangeConfiguration(ctx context.Context, peers, learners []api.PeerID) error {
	next := api.Configuration{Peers: slices.Clone(peers), Learners: slices.Clone(learners)}
	if next.IsEmpty() {
		return fmt.Errorf("%w: configuration without peers", api.ErrInvalidArgument)
	}

	result := make(chan error, 1)
	err := func() error {
		n.mu.Lock()
		defer n.mu.Unlock()

		if !n.isState(leader) {
			return api.ErrNotLeader
		}
		if n.conf.Equal(next) {
			result <- nil
			return nil
		}

		if !n.conf.IsEmpty() && !slices.Equal(n.conf.Peers, next.Peers) {
			joint := &api.LogEntry{
				Type:        api.EntryTypeConfiguration,
				Peers:       next.Peers,
				Learners:    next.Learners,
				OldPeers:    n.conf.Peers,
				OldLearners: n.conf.Learners,
			}
			if _, err := n.appendLocked(joint, nil); err != nil {
				return err
			}
		}

		stable := &api.LogEntry{
			Type:     api.EntryTypeConfiguration,
			Peers:    next.Peers,
			Learners: next.Learners,
		}
		done := api.ClosureFunc(func(err error) { result <- err })
		if _, err := n.appendLocked(stable, done); err != nil {
			return err
		}
		return nil
	}()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// appendLocked assigns the next log id to e, appends it, registers done
// and commits it.
//
// Assumes the lock is held when called
func (n *Node) appendLocked(e *api.LogEntry, done api.Closure) (api.LogID, error) {
	e.ID = api.LogID{Index: n.log.LastLogID().Index + 1, Term: n.term}
	if err := n.log.Append(e); err != nil {
		return api.LogID{}, fmt.Errorf("failed to append entry: %w", err)
	}
	if e.Type == api.EntryTypeConfiguration {
		n.conf = api.Configuration{Peers: slices.Clone(e.Peers), Learners: slices.Clone(e.Learners)}
	}
	if done != nil {
		if err := n.closures.Register(e.ID.Index, done); err != nil {
			return api.LogID{}, err
		}
	}
	if !n.caller.OnCommitted(e.ID.Index) {
		// The closure is failed by Stop.
		return e.ID, api.ErrShutdown
	}
	return e.ID, nil
}

// Start replays the log into the state machine and makes the node the
// leader of a new term.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.isState(follower) {
		return fmt.Errorf("%w: node is %s", api.ErrInvalidArgument, stateToString(n.loadState()))
	}

	last := n.log.LastLogID()
	term := last.Term

	src, err := n.snapshots.Open()
	if err != nil {
		return fmt.Errorf("failed to open latest snapshot: %w", err)
	}
	if src != nil {
		meta, err := src.Load()
		if err != nil {
			return errors.Join(fmt.Errorf("failed to read snapshot meta: %w", err), src.Close())
		}
		term = max(term, meta.LastIncludedTerm)
		n.lastSnapshot.Store(meta.LastIncludedIndex)
		if n.conf.IsEmpty() && meta.HasConfiguration() {
			n.conf = api.Configuration{Peers: slices.Clone(meta.Peers), Learners: slices.Clone(meta.Learners)}
		}
		// Errors are reported through the caller's fault.
		n.caller.OnSnapshotLoad(newLoadClosure(src, nil))
	}

	n.logger.Info(
		"replaying log",
		slog.Int64("last_index", last.Index),
		slog.Int64("last_term", last.Term),
		slog.Int64("persisted_applied_index", n.log.AppliedID().Index),
	)
	n.caller.OnCommitted(last.Index)

	n.becomeLeader(term + 1)
	if n.conf.IsEmpty() {
		bootstrap := &api.LogEntry{Type: api.EntryTypeConfiguration, Peers: []api.PeerID{api.PeerID(n.id)}}
		if _, err := n.appendLocked(bootstrap, nil); err != nil {
			return err
		}
	}
	if _, err := n.appendLocked(&api.LogEntry{Type: api.EntryTypeNoOp}, nil); err != nil {
		return err
	}
	n.caller.OnLeaderStart(n.term)

	if err := n.monitoring.start(); err != nil {
		return err
	}
	if err := n.health.start(); err != nil {
		return err
	}
	n.health.setServing(true)

	n.wg.Go(n.snapshotter)
	return nil
}

// Stop shuts the node down and waits for the state machine to drain.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.isState(stopped) {
		n.mu.Unlock()
		return nil
	}
	wasLeader := n.isState(leader)
	atomic.StoreUint32(&n.state, stopped)
	n.mu.Unlock()

	n.logger.Info("stopping node")
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()

	n.cancel()
	n.health.setServing(false)
	err := errors.Join(n.monitoring.stop(ctx), n.health.stop())
	n.wg.Wait()

	if wasLeader {
		n.caller.OnLeaderStop(api.ErrShutdown)
	}
	n.caller.Shutdown()
	err = errors.Join(err, n.caller.Join(ctx))

	n.closures.Clear(api.ErrShutdown)
	if n.ownsExecutor {
		n.executor.Stop()
	}
	err = errors.Join(err, n.log.Close())

	if err != nil {
		n.logger.Warn("node stopped with errors", logger.ErrAttr(err))
		return err
	}
	n.logger.Info("node stopped")
	return nil
}
