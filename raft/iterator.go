package raft

import (
	"fmt"
	"sync/atomic"

	"github.com/shrtyk/raft-fsmcaller/api"
)

// applyIterator is a cursor over (lastApplied, committedIndex] bound to
// one doCommitted call.
type applyIterator struct {
	logManager        api.LogManager
	closures          []api.Closure
	firstClosureIndex int64
	startIndex        int64
	currentIndex      int64
	committedIndex    int64
	currEntry         *api.LogEntry
	applyingIndex     *atomic.Int64
	err               *api.RaftError
}

func newApplyIterator(
	lm api.LogManager,
	closures []api.Closure,
	firstClosureIndex int64,
	lastAppliedIndex int64,
	committedIndex int64,
	applyingIndex *atomic.Int64,
) *applyIterator {
	wrapped := make([]api.Closure, len(closures))
	for i, done := range closures {
		if done != nil {
			wrapped[i] = &onceClosure{Closure: done}
		}
	}
	it := &applyIterator{
		logManager:        lm,
		closures:          wrapped,
		firstClosureIndex: firstClosureIndex,
		startIndex:        lastAppliedIndex + 1,
		currentIndex:      lastAppliedIndex,
		committedIndex:    committedIndex,
		applyingIndex:     applyingIndex,
	}
	it.next()
	return it
}

func (it *applyIterator) entry() *api.LogEntry {
	return it.currEntry
}

func (it *applyIterator) index() int64 {
	return it.currentIndex
}

func (it *applyIterator) hasError() bool {
	return it.err != nil
}

func (it *applyIterator) isGood() bool {
	return it.currentIndex <= it.committedIndex && !it.hasError()
}

func (it *applyIterator) next() {
	it.currEntry = nil
	if it.currentIndex > it.committedIndex {
		return
	}

	it.currentIndex++
	if it.currentIndex <= it.committedIndex {
		e, err := it.logManager.Entry(it.currentIndex)
		if err != nil || e == nil {
			if err == nil {
				err = api.ErrLogEntryNotFound
			}
			it.err = api.NewRaftError(api.ErrorTypeLog, fmt.Errorf(
				"fail to get entry at index=%d while committed_index=%d: %w",
				it.currentIndex, it.committedIndex, err,
			))
			return
		}
		it.currEntry = e
	}
	it.applyingIndex.Store(it.currentIndex)
}

func (it *applyIterator) closureAt(index int64) api.Closure {
	if index < it.firstClosureIndex {
		return nil
	}
	i := index - it.firstClosureIndex
	if i >= int64(len(it.closures)) {
		return nil
	}
	return it.closures[i]
}

func (it *applyIterator) done() api.Closure {
	return it.closureAt(it.currentIndex)
}

// setError stops the iteration at the current entry with a state machine fault.
func (it *applyIterator) setError(err error) {
	it.currEntry = nil
	if it.err == nil {
		it.err = api.NewRaftError(api.ErrorTypeStateMachine, err)
	}
}

// setErrorAndRollback marks the last ntail entries as not applied. The
// current entry counts as one of them only when it is a DATA entry.
func (it *applyIterator) setErrorAndRollback(ntail int64, err error) {
	if ntail <= 0 {
		it.setError(fmt.Errorf("%w: invalid rollback ntail=%d: %v", api.ErrStateMachine, ntail, err))
		return
	}

	if it.currEntry == nil || it.currEntry.Type != api.EntryTypeData {
		it.currentIndex -= ntail
	} else {
		it.currentIndex -= ntail - 1
	}
	it.currentIndex = max(it.currentIndex, it.startIndex)
	it.setError(fmt.Errorf(
		"%w: state machine meet critical error when applying one or more tasks since index=%d: %v",
		api.ErrStateMachine, it.currentIndex, err,
	))
}

func (it *applyIterator) runTheRestClosureWithError() {
	it.runTheRest(it.err)
}

func (it *applyIterator) runTheRestClosureWithShutdown() {
	it.runTheRest(api.ErrShutdown)
}

func (it *applyIterator) runTheRest(err error) {
	for i := max(it.currentIndex, it.firstClosureIndex); i <= it.committedIndex; i++ {
		if done := it.closureAt(i); done != nil {
			done.Run(err)
		}
	}
}

// onceClosure drops every Run after the first. A rollback moves the cursor
// back over entries the state machine may have completed already.
type onceClosure struct {
	api.Closure
	ran atomic.Bool
}

func (c *onceClosure) Run(err error) {
	if c.ran.CompareAndSwap(false, true) {
		c.Closure.Run(err)
	}
}

// iteratorWrapper is the api.Iterator handed to the state machine. It stops
// at the first non-DATA entry and is closed once OnApply returns.
type iteratorWrapper struct {
	impl         *applyIterator
	shuttingDown func() bool
	closed       bool
}

var _ api.Iterator = (*iteratorWrapper)(nil)

func newIteratorWrapper(impl *applyIterator, shuttingDown func() bool) *iteratorWrapper {
	return &iteratorWrapper{impl: impl, shuttingDown: shuttingDown}
}

func (w *iteratorWrapper) Valid() bool {
	if w.closed || !w.impl.isGood() {
		return false
	}
	e := w.impl.entry()
	return e != nil && e.Type == api.EntryTypeData && !w.shuttingDown()
}

func (w *iteratorWrapper) Next() {
	if w.Valid() {
		w.impl.next()
	}
}

func (w *iteratorWrapper) Data() []byte {
	if e := w.impl.entry(); e != nil && !w.closed {
		return e.Data
	}
	return nil
}

func (w *iteratorWrapper) Index() int64 {
	return w.impl.index()
}

func (w *iteratorWrapper) Term() int64 {
	if e := w.impl.entry(); e != nil {
		return e.ID.Term
	}
	return 0
}

func (w *iteratorWrapper) Done() api.Closure {
	if w.closed {
		return nil
	}
	return w.impl.done()
}

func (w *iteratorWrapper) SetErrorAndRollback(ntail int64, err error) {
	if w.closed {
		return
	}
	w.impl.setErrorAndRollback(ntail, err)
}

func (w *iteratorWrapper) close() {
	w.closed = true
}
