package raft

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shrtyk/raft-fsmcaller/api"
)

const noCommittedIndex int64 = -1

// runApplyTask is the mailbox handler. Committed tasks are coalesced into
// maxCommittedIndex, which is applied before any other task and at the end
// of every batch.
func (c *FSMCaller) runApplyTask(t *task, endOfBatch bool) {
	var signal chan struct{}
	defer func() {
		c.setCurrTask(taskIdle)
		if signal != nil {
			close(signal)
		}
	}()

	if t.typ == taskCommitted {
		c.maxCommittedIndex = max(c.maxCommittedIndex, t.committedIndex)
	} else {
		c.flushCommitted()
		if t.typ == taskShutdown || t.typ == taskFlush {
			signal = t.signal
		}

		start := time.Now()
		c.setCurrTask(t.typ)
		c.guard(t.typ, func() { c.dispatch(t) })
		c.metrics.RecordLatency(t.typ.metricName(), time.Since(start))
	}

	if endOfBatch {
		c.flushCommitted()
	}
}

func (c *FSMCaller) flushCommitted() {
	if c.maxCommittedIndex == noCommittedIndex {
		return
	}
	idx := c.maxCommittedIndex
	c.maxCommittedIndex = noCommittedIndex

	c.setCurrTask(taskCommitted)
	c.guard(taskCommitted, func() { c.doCommitted(idx) })
}

func (c *FSMCaller) dispatch(t *task) {
	switch t.typ {
	case taskSnapshotSave:
		if c.passByStatus(t.saveDone) {
			c.doSnapshotSave(t.saveDone)
		}
	case taskSnapshotLoad:
		if c.passByStatus(t.loadDone) {
			c.doSnapshotLoad(t.loadDone)
		}
	case taskLeaderStop:
		c.fsm.OnLeaderStop(t.status)
	case taskLeaderStart:
		c.fsm.OnLeaderStart(t.term)
	case taskStartFollowing:
		c.fsm.OnStartFollowing(t.leaderChange)
	case taskStopFollowing:
		c.fsm.OnStopFollowing(t.leaderChange)
	case taskError:
		c.setError(t.fault)
	case taskShutdown:
		c.doShutdown()
	case taskFlush:
	default:
		c.logger.Error("unexpected task type", slog.String("task", t.typ.String()))
	}
}

// guard turns a panicking state machine hook into a state machine fault.
func (c *FSMCaller) guard(typ taskType, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state machine panicked", slog.String("task", typ.String()), slog.Any("panic", r))
			c.setError(api.NewRaftError(
				api.ErrorTypeStateMachine,
				fmt.Errorf("%w: panic while handling %s: %v", api.ErrStateMachine, typ, r),
			))
		}
	}()
	fn()
}

func (c *FSMCaller) doShutdown() {
	c.node = nil
	c.fsm.OnShutdown()
}

// doCommitted applies every entry in (lastApplied, committedIndex].
func (c *FSMCaller) doCommitted(committedIndex int64) {
	if c.fault.Load() != nil {
		return
	}
	lastApplied := c.LastAppliedIndex()
	// commits may arrive out of order
	if lastApplied >= committedIndex {
		return
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordLatency(metricCommit, time.Since(start))
	}()

	closures, firstClosureIndex := c.closureQueue.PopClosureUntil(committedIndex)
	for _, done := range closures {
		if tc, ok := done.(api.TaskClosure); ok {
			tc.OnCommitted()
		}
	}

	it := newApplyIterator(c.logManager, closures, firstClosureIndex, lastApplied, committedIndex, &c.applyingIndex)
	for !c.shuttingDown.Load() && it.isGood() {
		e := it.entry()
		if e.Type != api.EntryTypeData {
			if e.Type == api.EntryTypeConfiguration {
				c.commitConfiguration(e)
			}
			if done := it.done(); done != nil {
				done.Run(nil)
			}
			it.next()
			continue
		}
		c.doApplyTasks(it)
	}

	if it.hasError() {
		c.setError(it.err)
		it.runTheRestClosureWithError()
	} else if c.shuttingDown.Load() {
		it.runTheRestClosureWithShutdown()
	}

	lastIndex := it.index() - 1
	id := api.LogID{Index: lastIndex, Term: c.logManager.Term(lastIndex)}
	c.setApplied(id)
	if err := c.logManager.SetAppliedID(id); err != nil {
		c.setError(api.NewRaftError(api.ErrorTypeLog, fmt.Errorf("%w: %w", api.ErrLogPersistence, err)))
	}

	c.logger.Debug(
		"applied committed entries",
		slog.Int64("from", lastApplied+1),
		slog.Int64("to", lastIndex),
		slog.Int64("committed", committedIndex),
	)
	c.listeners.notify(lastIndex)
}

// commitConfiguration fires the membership hooks. The joint stage is not
// reported through OnConfigurationCommitted.
func (c *FSMCaller) commitConfiguration(e *api.LogEntry) {
	ce := api.NewConfigurationEntry(e)
	c.fsm.OnRawConfigurationCommitted(ce, e.ID.Index, e.ID.Term)
	if !ce.IsJoint() {
		c.fsm.OnConfigurationCommitted(api.Configuration{Peers: slices.Clone(ce.Conf.Peers)})
	}
}

func (c *FSMCaller) doApplyTasks(impl *applyIterator) {
	iter := newIteratorWrapper(impl, c.shuttingDown.Load)
	start := time.Now()
	startIndex := impl.index()

	c.applyGuarded(impl, iter)

	c.metrics.RecordLatency(metricApplyTasks, time.Since(start))
	c.metrics.RecordSize(metricApplyTasksCount, impl.index()-startIndex)

	if iter.Valid() {
		c.logger.Error(
			"iterator is still valid, state machine returned before reaching the end",
			slog.Int64("index", impl.index()),
		)
	}
	// Skip the current entry so it is not applied twice. While shutting
	// down it stays unapplied and its closure gets the shutdown error.
	if !c.shuttingDown.Load() {
		iter.Next()
	}
	iter.close()
}

func (c *FSMCaller) applyGuarded(impl *applyIterator, iter *iteratorWrapper) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state machine panicked in OnApply", slog.Int64("index", impl.index()), slog.Any("panic", r))
			impl.setError(fmt.Errorf("%w: panic in OnApply at index=%d: %v", api.ErrStateMachine, impl.index(), r))
		}
	}()
	c.fsm.OnApply(iter)
}
