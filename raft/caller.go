package raft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/internal/stripe"
)

// Executor is the striped worker pool shared by the callers of a process.
type Executor = stripe.Executor[*task]

// NewExecutor starts an executor with the given number of stripes.
func NewExecutor(stripes int, log *slog.Logger) *Executor {
	return stripe.NewExecutor[*task](stripes, log)
}

// FSMCaller serializes every event touching a state machine into one
// ordered pipeline per node.
type FSMCaller struct {
	// Held for reading while publishing a task and for writing while
	// publishing the shutdown task, so nothing can follow it.
	mu           sync.RWMutex
	shuttingDown atomic.Bool
	shutdownDone chan struct{}
	joinOnce     sync.Once

	nodeID       string
	executor     *Executor
	mailbox      *stripe.Mailbox[*task]
	logManager   api.LogManager
	closureQueue api.ClosureQueue
	fsm          api.StateMachine
	metrics      api.MetricsSink
	logger       *slog.Logger

	afterShutdown api.Closure

	applied   atomic.Pointer[api.LogID]
	fault     atomic.Pointer[api.RaftError]
	listeners *listenerSet

	// Owned by the consumer.
	node              api.Node
	maxCommittedIndex int64

	currTask      atomic.Int32
	applyingIndex atomic.Int64
}

var _ api.FSMCaller = (*FSMCaller)(nil)

func (c *FSMCaller) enqueue(t *task) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.shuttingDown.Load() {
		c.logger.Warn("fsm caller is stopped, can not apply new task", slog.String("task", t.typ.String()))
		return false
	}
	c.mailbox.Publish(t)
	return true
}

func (c *FSMCaller) OnCommitted(committedIndex int64) bool {
	return c.enqueue(&task{typ: taskCommitted, committedIndex: committedIndex})
}

func (c *FSMCaller) OnSnapshotSave(done api.SaveSnapshotClosure) bool {
	return c.enqueue(&task{typ: taskSnapshotSave, saveDone: done})
}

func (c *FSMCaller) OnSnapshotLoad(done api.LoadSnapshotClosure) bool {
	return c.enqueue(&task{typ: taskSnapshotLoad, loadDone: done})
}

func (c *FSMCaller) OnLeaderStart(term int64) bool {
	return c.enqueue(&task{typ: taskLeaderStart, term: term})
}

func (c *FSMCaller) OnLeaderStop(status error) bool {
	return c.enqueue(&task{typ: taskLeaderStop, status: status})
}

func (c *FSMCaller) OnStartFollowing(ctx api.LeaderChangeContext) bool {
	return c.enqueue(&task{typ: taskStartFollowing, leaderChange: ctx})
}

func (c *FSMCaller) OnStopFollowing(ctx api.LeaderChangeContext) bool {
	return c.enqueue(&task{typ: taskStopFollowing, leaderChange: ctx})
}

func (c *FSMCaller) OnError(err *api.RaftError) bool {
	if err == nil {
		c.logger.Warn("ignoring nil fault")
		return false
	}
	if cur := c.fault.Load(); cur != nil {
		c.logger.Warn(
			"fsm caller already in error status, ignoring new error",
			slog.String("current", cur.Error()),
			slog.String("new", err.Error()),
		)
		return false
	}
	return c.enqueue(&task{typ: taskError, fault: err})
}

func (c *FSMCaller) AddLastAppliedListener(l api.LastAppliedListener) func() {
	return c.listeners.add(l)
}

func (c *FSMCaller) LastAppliedIndex() int64 {
	return c.applied.Load().Index
}

func (c *FSMCaller) LastAppliedID() api.LogID {
	return *c.applied.Load()
}

func (c *FSMCaller) Fault() *api.RaftError {
	return c.fault.Load()
}

// Shutdown publishes the shutdown task. Calling it more than once is a no-op.
func (c *FSMCaller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown.Load() {
		return
	}
	c.logger.Info("shutting down fsm caller")
	c.shuttingDown.Store(true)
	c.mailbox.Publish(&task{typ: taskShutdown, signal: c.shutdownDone})
}

// Join blocks until the shutdown task has been handled, then detaches the
// caller from the executor and runs the after-shutdown closure. It returns
// immediately if Shutdown was never called.
func (c *FSMCaller) Join(ctx context.Context) error {
	if !c.shuttingDown.Load() {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("fsm caller join: %w", ctx.Err())
	case <-c.shutdownDone:
	}

	c.joinOnce.Do(func() {
		c.executor.Unsubscribe(c.nodeID)
		if c.afterShutdown != nil {
			c.afterShutdown.Run(nil)
		}
		c.logger.Info("fsm caller joined")
	})
	return nil
}

// flush waits until every task published before it has been handled.
func (c *FSMCaller) flush(ctx context.Context) error {
	signal := make(chan struct{})
	if !c.enqueue(&task{typ: taskFlush, signal: signal}) {
		return api.ErrShutdown
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-signal:
		return nil
	}
}

// ApplyingIndex returns the index of the entry being applied.
func (c *FSMCaller) ApplyingIndex() int64 {
	return c.applyingIndex.Load()
}

func (c *FSMCaller) String() string {
	return "StateMachine [" + describe(taskType(c.currTask.Load()), c.applyingIndex.Load()) + "]"
}

func (c *FSMCaller) setCurrTask(t taskType) {
	c.currTask.Store(int32(t))
}

func (c *FSMCaller) setApplied(id api.LogID) {
	c.applied.Store(&id)
}

// setError records e unless a fault is already recorded. Runs on the consumer.
func (c *FSMCaller) setError(e *api.RaftError) bool {
	if !c.fault.CompareAndSwap(nil, e) {
		c.logger.Warn("fault already recorded, dropping new one", slog.String("dropped", e.Error()))
		return false
	}

	c.logger.Error("fsm caller entered error status", slog.String("type", e.Type.String()), slog.String("error", e.Error()))
	c.fsm.OnError(e)
	if c.node != nil {
		c.node.OnError(e)
	}
	return true
}

// passByStatus fails done when a fault is recorded.
func (c *FSMCaller) passByStatus(done api.Closure) bool {
	f := c.fault.Load()
	if f == nil {
		return true
	}
	if done != nil {
		done.Run(fmt.Errorf("%w: %v", api.ErrBadStatus, f))
	}
	return false
}
