package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
	"github.com/stretchr/testify/require"
)

// memLog is an in-memory api.LogManager with injectable failures.
type memLog struct {
	mu         sync.RWMutex
	entries    map[int64]*api.LogEntry
	applied    []api.LogID
	appliedErr error
}

func newMemLog(entries ...*api.LogEntry) *memLog {
	l := &memLog{entries: make(map[int64]*api.LogEntry)}
	l.add(entries...)
	return l
}

func (l *memLog) add(entries ...*api.LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.entries[e.ID.Index] = e
	}
}

func (l *memLog) remove(index int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, index)
}

func (l *memLog) Entry(index int64) (*api.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", api.ErrLogEntryNotFound, index)
	}
	return e, nil
}

func (l *memLog) Term(index int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.entries[index]; ok {
		return e.ID.Term
	}
	return 0
}

func (l *memLog) ConfigurationAt(index int64) *api.ConfigurationEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := index; i > 0; i-- {
		if e, ok := l.entries[i]; ok && e.Type == api.EntryTypeConfiguration {
			return api.NewConfigurationEntry(e)
		}
	}
	return nil
}

func (l *memLog) SetAppliedID(id api.LogID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, id)
	return l.appliedErr
}

func (l *memLog) appliedIDs() []api.LogID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]api.LogID(nil), l.applied...)
}

func data(index, term int64) *api.LogEntry {
	return &api.LogEntry{
		ID:   api.LogID{Index: index, Term: term},
		Type: api.EntryTypeData,
		Data: fmt.Appendf(nil, "cmd-%d", index),
	}
}

func conf(index, term int64, peers, oldPeers []api.PeerID) *api.LogEntry {
	return &api.LogEntry{
		ID:       api.LogID{Index: index, Term: term},
		Type:     api.EntryTypeConfiguration,
		Peers:    peers,
		OldPeers: oldPeers,
	}
}

func noop(index, term int64) *api.LogEntry {
	return &api.LogEntry{ID: api.LogID{Index: index, Term: term}, Type: api.EntryTypeNoOp}
}

// recordingFSM records every callback in order.
type recordingFSM struct {
	mu     sync.Mutex
	events []string
	faults []*api.RaftError

	// optional overrides
	apply   func(it api.Iterator)
	save    func(w api.SnapshotWriter, done api.Closure)
	loadErr error
	onStart func(term int64)
}

func (f *recordingFSM) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf(format, args...))
}

func (f *recordingFSM) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *recordingFSM) Faults() []*api.RaftError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*api.RaftError(nil), f.faults...)
}

func (f *recordingFSM) OnApply(it api.Iterator) {
	if f.apply != nil {
		f.apply(it)
		return
	}
	for ; it.Valid(); it.Next() {
		f.record("apply:%d", it.Index())
		if done := it.Done(); done != nil {
			done.Run(nil)
		}
	}
}

func (f *recordingFSM) OnSnapshotSave(w api.SnapshotWriter, done api.Closure) {
	f.record("snapshot-save:%d", w.Meta().LastIncludedIndex)
	if f.save != nil {
		f.save(w, done)
		return
	}
	done.Run(nil)
}

func (f *recordingFSM) OnSnapshotLoad(r api.SnapshotReader) error {
	f.record("snapshot-load")
	return f.loadErr
}

func (f *recordingFSM) OnLeaderStart(term int64) {
	f.record("leader-start:%d", term)
	if f.onStart != nil {
		f.onStart(term)
	}
}

func (f *recordingFSM) OnLeaderStop(status error) {
	f.record("leader-stop")
}

func (f *recordingFSM) OnStartFollowing(ctx api.LeaderChangeContext) {
	f.record("start-following:%s:%d", ctx.LeaderID, ctx.Term)
}

func (f *recordingFSM) OnStopFollowing(ctx api.LeaderChangeContext) {
	f.record("stop-following:%s:%d", ctx.LeaderID, ctx.Term)
}

func (f *recordingFSM) OnConfigurationCommitted(conf api.Configuration) {
	f.record("conf:%v", conf.Peers)
}

func (f *recordingFSM) OnRawConfigurationCommitted(entry *api.ConfigurationEntry, index, term int64) {
	f.record("raw-conf:%d:%d:joint=%t", index, term, entry.IsJoint())
}

func (f *recordingFSM) OnError(err *api.RaftError) {
	f.mu.Lock()
	f.faults = append(f.faults, err)
	f.mu.Unlock()
	f.record("error:%s", err.Type)
}

func (f *recordingFSM) OnShutdown() {
	f.record("shutdown")
}

// result collects closure outcomes.
type result struct {
	mu   sync.Mutex
	errs map[int64]error
	ran  map[int64]int
}

func newResult() *result {
	return &result{errs: make(map[int64]error), ran: make(map[int64]int)}
}

func (r *result) closure(index int64) api.Closure {
	return api.ClosureFunc(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs[index] = err
		r.ran[index]++
	})
}

// get returns how many times the closure at index ran and its last error.
func (r *result) get(index int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ran[index], r.errs[index]
}

type testNode struct {
	mu     sync.Mutex
	faults []*api.RaftError
}

func (n *testNode) NodeID() string { return "test-node" }

func (n *testNode) OnError(err *api.RaftError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults = append(n.faults, err)
}

func (n *testNode) Faults() []*api.RaftError {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*api.RaftError(nil), n.faults...)
}

type testCaller struct {
	*FSMCaller
	log      *memLog
	fsm      *recordingFSM
	closures *ClosureQueue
	node     *testNode
}

type callerOption func(b api.CallerBuilder)

func newTestCaller(t *testing.T, lm *memLog, fsm *recordingFSM, opts ...callerOption) *testCaller {
	t.Helper()
	_, log := logger.NewTestLogger()

	executor := NewExecutor(2, log)
	closures := NewClosureQueue(log)
	node := &testNode{}

	b := NewCallerBuilder("n1", executor, lm, closures, fsm).
		WithConfig(TestsConfig()).
		WithLogger(log).
		WithNode(node)
	for _, opt := range opts {
		opt(b)
	}
	c, err := b.Build()
	require.NoError(t, err)

	caller := c.(*FSMCaller)
	t.Cleanup(func() {
		caller.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = caller.Join(ctx)
		executor.Stop()
	})

	return &testCaller{
		FSMCaller: caller,
		log:       lm,
		fsm:       fsm,
		closures:  closures,
		node:      node,
	}
}

// sync waits until every task published so far is handled.
func (c *testCaller) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.flush(ctx))
}

func newTestFault() *api.RaftError {
	return api.NewRaftError(api.ErrorTypeStateMachine, fmt.Errorf("%w: injected", api.ErrStateMachine))
}
