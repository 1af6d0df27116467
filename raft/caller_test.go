package raft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaller_Committed(t *testing.T) {
	t.Run("applies entries in order and persists applied id", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(data(1, 1), data(2, 1), data(3, 2)), &recordingFSM{})

		assert.True(t, c.OnCommitted(3))
		c.sync(t)

		assert.Equal(t, []string{"apply:1", "apply:2", "apply:3"}, c.fsm.Events())
		assert.Equal(t, api.LogID{Index: 3, Term: 2}, c.LastAppliedID())
		assert.Equal(t, int64(3), c.LastAppliedIndex())
		assert.Equal(t, []api.LogID{{Index: 3, Term: 2}}, c.log.appliedIDs())
	})

	t.Run("stale and duplicate commits are ignored", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(data(1, 1), data(2, 1), data(3, 1)), &recordingFSM{})

		c.OnCommitted(3)
		c.sync(t)
		c.OnCommitted(2)
		c.OnCommitted(3)
		c.sync(t)

		assert.Equal(t, []string{"apply:1", "apply:2", "apply:3"}, c.fsm.Events())
		assert.Equal(t, int64(3), c.LastAppliedIndex())
		assert.Len(t, c.log.appliedIDs(), 1)
	})

	t.Run("applied index only grows", func(t *testing.T) {
		lm := newMemLog()
		for i := int64(1); i <= 50; i++ {
			lm.add(data(i, 1))
		}
		c := newTestCaller(t, lm, &recordingFSM{})

		var mu sync.Mutex
		var seen []int64
		c.AddLastAppliedListener(api.LastAppliedListenerFunc(func(idx int64) {
			mu.Lock()
			seen = append(seen, idx)
			mu.Unlock()
		}))

		var wg sync.WaitGroup
		for i := int64(1); i <= 50; i++ {
			wg.Go(func() { c.OnCommitted(i) })
		}
		wg.Wait()
		c.sync(t)

		assert.Equal(t, int64(50), c.LastAppliedIndex())
		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, seen)
		for i := 1; i < len(seen); i++ {
			assert.Greater(t, seen[i], seen[i-1])
		}
		assert.Len(t, c.fsm.Events(), 50, "every entry is applied exactly once")
	})

	t.Run("commits queued behind a busy consumer are applied in one pass", func(t *testing.T) {
		lm := newMemLog()
		for i := int64(1); i <= 5; i++ {
			lm.add(data(i, 1))
		}
		started := make(chan struct{})
		release := make(chan struct{})
		fsm := &recordingFSM{onStart: func(int64) {
			close(started)
			<-release
		}}
		sink := &recordingSink{latencies: map[string]int{}, sizes: map[string]int64{}}
		c := newTestCaller(t, lm, fsm, func(b api.CallerBuilder) { b.WithMetrics(sink) })

		var mu sync.Mutex
		var order []string
		c.AddLastAppliedListener(api.LastAppliedListenerFunc(func(idx int64) {
			mu.Lock()
			order = append(order, fmt.Sprintf("listener:%d", idx))
			mu.Unlock()
		}))
		for i := int64(1); i <= 5; i++ {
			require.NoError(t, c.closures.Register(i, api.ClosureFunc(func(error) {
				mu.Lock()
				order = append(order, fmt.Sprintf("closure:%d", i))
				mu.Unlock()
			})))
		}

		require.True(t, c.OnLeaderStart(1))
		<-started
		for i := int64(1); i <= 5; i++ {
			require.True(t, c.OnCommitted(i))
		}
		close(release)
		c.sync(t)

		sink.mu.Lock()
		assert.Equal(t, 1, sink.latencies[metricCommit])
		assert.Equal(t, 1, sink.latencies[metricApplyTasks])
		assert.Equal(t, int64(5), sink.sizes[metricApplyTasksCount])
		sink.mu.Unlock()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{
			"closure:1", "closure:2", "closure:3", "closure:4", "closure:5", "listener:5",
		}, order)
		assert.Equal(t, []api.LogID{{Index: 5, Term: 1}}, c.log.appliedIDs())
	})

	t.Run("closures run once in index order", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(data(1, 1), noop(2, 1), data(3, 1)), &recordingFSM{})
		res := newResult()

		var order []int64
		var mu sync.Mutex
		for i := int64(1); i <= 3; i++ {
			require.NoError(t, c.closures.Register(i, api.ClosureFunc(func(err error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				res.closure(i).Run(err)
			})))
		}

		c.OnCommitted(3)
		c.sync(t)

		assert.Equal(t, []int64{1, 2, 3}, order)
		for i := int64(1); i <= 3; i++ {
			ran, err := res.get(i)
			assert.Equal(t, 1, ran)
			assert.NoError(t, err)
		}
		assert.Zero(t, c.closures.Len())
		assert.Equal(t, []string{"apply:1", "apply:3"}, c.fsm.Events(), "no-op entries reach no hook")
	})

	t.Run("task closures are notified before apply", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(data(1, 1)), &recordingFSM{})

		var steps []string
		tc := &taskClosure{
			onCommitted: func() { steps = append(steps, "committed") },
			run:         func(error) { steps = append(steps, "run") },
		}
		require.NoError(t, c.closures.Register(1, tc))

		c.OnCommitted(1)
		c.sync(t)
		assert.Equal(t, []string{"committed", "run"}, steps)
	})
}

type taskClosure struct {
	onCommitted func()
	run         func(error)
}

func (c *taskClosure) OnCommitted()  { c.onCommitted() }
func (c *taskClosure) Run(err error) { c.run(err) }

func TestCaller_Configuration(t *testing.T) {
	t.Run("joint then stable configuration", func(t *testing.T) {
		lm := newMemLog(
			data(1, 1),
			conf(2, 1, []api.PeerID{"a", "b"}, []api.PeerID{"a"}),
			conf(3, 1, []api.PeerID{"a", "b"}, nil),
			data(4, 1),
		)
		c := newTestCaller(t, lm, &recordingFSM{})
		res := newResult()
		require.NoError(t, c.closures.Register(2, res.closure(2)))
		require.NoError(t, c.closures.Register(3, res.closure(3)))

		c.OnCommitted(4)
		c.sync(t)

		assert.Equal(t, []string{
			"apply:1",
			"raw-conf:2:1:joint=true",
			"raw-conf:3:1:joint=false",
			"conf:[a b]",
			"apply:4",
		}, c.fsm.Events())

		ran, err := res.get(2)
		assert.Equal(t, 1, ran)
		assert.NoError(t, err)
		ran, err = res.get(3)
		assert.Equal(t, 1, ran)
		assert.NoError(t, err)
	})
}

func TestCaller_Lifecycle(t *testing.T) {
	c := newTestCaller(t, newMemLog(data(1, 5)), &recordingFSM{})
	status := errors.New("stepped down")

	c.OnLeaderStart(5)
	c.OnCommitted(1)
	c.OnLeaderStop(status)
	c.OnStartFollowing(api.LeaderChangeContext{LeaderID: "b", Term: 6})
	c.OnStopFollowing(api.LeaderChangeContext{LeaderID: "b", Term: 6})
	c.sync(t)

	assert.Equal(t, []string{
		"leader-start:5",
		"apply:1",
		"leader-stop",
		"start-following:b:6",
		"stop-following:b:6",
	}, c.fsm.Events())
	assert.Equal(t, "StateMachine [Idle]", c.String())
}

type testSaveClosure struct {
	buf      bytes.Buffer
	meta     *api.SnapshotMeta
	noWriter bool
	result   chan error
}

func newTestSaveClosure() *testSaveClosure {
	return &testSaveClosure{result: make(chan error, 1)}
}

func (c *testSaveClosure) Start(meta *api.SnapshotMeta) api.SnapshotWriter {
	c.meta = meta
	if c.noWriter {
		return nil
	}
	return &bufferWriter{Buffer: &c.buf, meta: *meta}
}

func (c *testSaveClosure) Run(err error) { c.result <- err }

func (c *testSaveClosure) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.result:
		return err
	case <-time.After(time.Second):
		require.FailNow(t, "save closure did not run")
		return nil
	}
}

type bufferWriter struct {
	*bytes.Buffer
	meta api.SnapshotMeta
}

func (w *bufferWriter) Meta() api.SnapshotMeta { return w.meta }

func TestCaller_SnapshotSave(t *testing.T) {
	t.Run("meta describes the applied position", func(t *testing.T) {
		lm := newMemLog(
			conf(1, 1, []api.PeerID{"a", "b"}, []api.PeerID{"a"}),
			data(2, 2),
		)
		lm.entries[1].OldLearners = []api.PeerID{"l"}
		fsm := &recordingFSM{save: func(w api.SnapshotWriter, done api.Closure) {
			_, err := w.Write([]byte("state"))
			done.Run(err)
		}}
		c := newTestCaller(t, lm, fsm)
		c.OnCommitted(2)

		done := newTestSaveClosure()
		require.True(t, c.OnSnapshotSave(done))
		require.NoError(t, done.wait(t))

		assert.Equal(t, &api.SnapshotMeta{
			LastIncludedIndex: 2,
			LastIncludedTerm:  2,
			CfgIndex:          1,
			CfgTerm:           1,
			Peers:             []api.PeerID{"a", "b"},
			OldPeers:          []api.PeerID{"a"},
			OldLearners:       []api.PeerID{"l"},
		}, done.meta)
		assert.Equal(t, "state", done.buf.String())
		assert.Contains(t, fsm.Events(), "snapshot-save:2")
	})

	t.Run("empty configuration is rejected", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(data(1, 1)), &recordingFSM{})
		c.OnCommitted(1)

		done := newTestSaveClosure()
		c.OnSnapshotSave(done)
		assert.ErrorIs(t, done.wait(t), api.ErrInvalidArgument)
		assert.NotContains(t, c.fsm.Events(), "snapshot-save:1")
	})

	t.Run("missing writer is rejected", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(conf(1, 1, []api.PeerID{"a"}, nil)), &recordingFSM{})
		c.OnCommitted(1)

		done := newTestSaveClosure()
		done.noWriter = true
		c.OnSnapshotSave(done)
		assert.ErrorIs(t, done.wait(t), api.ErrInvalidArgument)
	})
}

type testReader struct {
	*bytes.Reader
	meta *api.SnapshotMeta
	err  error
}

func (r *testReader) Load() (*api.SnapshotMeta, error) { return r.meta, r.err }

type testLoadClosure struct {
	reader api.SnapshotReader
	result chan error
}

func newTestLoadClosure(meta *api.SnapshotMeta, err error) *testLoadClosure {
	return &testLoadClosure{
		reader: &testReader{Reader: bytes.NewReader(nil), meta: meta, err: err},
		result: make(chan error, 1),
	}
}

func (c *testLoadClosure) Start() api.SnapshotReader { return c.reader }
func (c *testLoadClosure) Run(err error)             { c.result <- err }

func (c *testLoadClosure) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.result:
		return err
	case <-time.After(time.Second):
		require.FailNow(t, "load closure did not run")
		return nil
	}
}

func withBootstrap(id api.LogID) callerOption {
	return func(b api.CallerBuilder) { b.WithBootstrapID(id) }
}

func TestCaller_SnapshotLoad(t *testing.T) {
	applied := api.LogID{Index: 10, Term: 3}

	t.Run("stale snapshots are refused", func(t *testing.T) {
		for _, id := range []api.LogID{{Index: 5, Term: 2}, {Index: 10, Term: 3}, {Index: 9, Term: 4}} {
			c := newTestCaller(t, newMemLog(), &recordingFSM{}, withBootstrap(applied))

			done := newTestLoadClosure(&api.SnapshotMeta{LastIncludedIndex: id.Index, LastIncludedTerm: id.Term}, nil)
			c.OnSnapshotLoad(done)

			assert.ErrorIs(t, done.wait(t), api.ErrStale, "snapshot %+v", id)
			assert.Equal(t, applied, c.LastAppliedID())
			assert.Empty(t, c.fsm.Events())
			assert.Nil(t, c.Fault())
		}
	})

	t.Run("newer snapshot moves applied id and fires hooks", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(), &recordingFSM{}, withBootstrap(applied))

		done := newTestLoadClosure(&api.SnapshotMeta{
			LastIncludedIndex: 20,
			LastIncludedTerm:  4,
			Peers:             []api.PeerID{"a", "b"},
		}, nil)
		c.OnSnapshotLoad(done)

		require.NoError(t, done.wait(t))
		assert.Equal(t, api.LogID{Index: 20, Term: 4}, c.LastAppliedID())
		assert.Equal(t, []string{"snapshot-load", "raw-conf:20:4:joint=false", "conf:[a b]"}, c.fsm.Events())
	})

	t.Run("joint snapshot only fires the raw hook", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(), &recordingFSM{})

		done := newTestLoadClosure(&api.SnapshotMeta{
			LastIncludedIndex: 7,
			LastIncludedTerm:  1,
			Peers:             []api.PeerID{"a", "b"},
			OldPeers:          []api.PeerID{"a"},
		}, nil)
		c.OnSnapshotLoad(done)

		require.NoError(t, done.wait(t))
		assert.Equal(t, []string{"snapshot-load", "raw-conf:7:1:joint=true"}, c.fsm.Events())
	})

	t.Run("snapshot without membership fires no hook", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(), &recordingFSM{})

		done := newTestLoadClosure(&api.SnapshotMeta{LastIncludedIndex: 7, LastIncludedTerm: 1}, nil)
		c.OnSnapshotLoad(done)

		require.NoError(t, done.wait(t))
		assert.Equal(t, []string{"snapshot-load"}, c.fsm.Events())
	})

	t.Run("invalid meta is refused", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(), &recordingFSM{})

		done := newTestLoadClosure(&api.SnapshotMeta{
			LastIncludedIndex: 7,
			LastIncludedTerm:  1,
			Peers:             []api.PeerID{"a"},
			OldLearners:       []api.PeerID{"l"},
		}, nil)
		c.OnSnapshotLoad(done)

		assert.ErrorIs(t, done.wait(t), api.ErrInvalidArgument)
		assert.Empty(t, c.fsm.Events())
	})

	t.Run("meta i/o failure records a snapshot fault", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(), &recordingFSM{})

		done := newTestLoadClosure(nil, api.ErrSnapshotIO)
		c.OnSnapshotLoad(done)

		assert.ErrorIs(t, done.wait(t), api.ErrInvalidArgument)
		c.sync(t)
		require.NotNil(t, c.Fault())
		assert.Equal(t, api.ErrorTypeSnapshot, c.Fault().Type)
	})

	t.Run("state machine failure records a fault", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(), &recordingFSM{loadErr: errors.New("corrupt")})

		done := newTestLoadClosure(&api.SnapshotMeta{LastIncludedIndex: 3, LastIncludedTerm: 1}, nil)
		c.OnSnapshotLoad(done)

		assert.ErrorIs(t, done.wait(t), api.ErrStateMachine)
		c.sync(t)
		require.NotNil(t, c.Fault())
		assert.Equal(t, api.ErrorTypeStateMachine, c.Fault().Type)
		assert.Equal(t, api.LogID{}, c.LastAppliedID())
	})
}

func TestCaller_Fault(t *testing.T) {
	t.Run("first fault sticks", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(data(1, 1)), &recordingFSM{})

		first := api.NewRaftError(api.ErrorTypeLog, errors.New("disk"))
		second := api.NewRaftError(api.ErrorTypeStateMachine, errors.New("boom"))
		assert.True(t, c.OnError(first))
		c.sync(t)
		assert.False(t, c.OnError(second))
		c.sync(t)

		assert.Same(t, first, c.Fault())
		assert.Len(t, c.fsm.Faults(), 1)
		require.Len(t, c.node.Faults(), 1)
		assert.Same(t, first, c.node.Faults()[0])
	})

	t.Run("faulted caller applies nothing", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(data(1, 1), conf(2, 1, []api.PeerID{"a"}, nil)), &recordingFSM{})
		c.OnError(api.NewRaftError(api.ErrorTypeStable, errors.New("meta")))

		c.OnCommitted(2)
		c.sync(t)
		assert.Equal(t, int64(0), c.LastAppliedIndex())

		save := newTestSaveClosure()
		c.OnSnapshotSave(save)
		assert.ErrorIs(t, save.wait(t), api.ErrBadStatus)

		load := newTestLoadClosure(&api.SnapshotMeta{LastIncludedIndex: 5, LastIncludedTerm: 1}, nil)
		c.OnSnapshotLoad(load)
		assert.ErrorIs(t, load.wait(t), api.ErrBadStatus)
	})

	t.Run("missing entry records a log fault", func(t *testing.T) {
		lm := newMemLog(data(1, 1), data(3, 1))
		c := newTestCaller(t, lm, &recordingFSM{})
		res := newResult()
		require.NoError(t, c.closures.Register(3, res.closure(3)))

		c.OnCommitted(3)
		c.sync(t)

		require.NotNil(t, c.Fault())
		assert.Equal(t, api.ErrorTypeLog, c.Fault().Type)
		assert.ErrorIs(t, c.Fault(), api.ErrLogEntryNotFound)
		assert.Equal(t, int64(1), c.LastAppliedIndex())
		_, err := res.get(3)
		assert.ErrorIs(t, err, api.ErrLogEntryNotFound)
	})

	t.Run("applied id persistence failure records a log fault", func(t *testing.T) {
		lm := newMemLog(data(1, 1))
		lm.appliedErr = errors.New("disk full")
		c := newTestCaller(t, lm, &recordingFSM{})

		c.OnCommitted(1)
		c.sync(t)

		assert.Equal(t, int64(1), c.LastAppliedIndex())
		require.NotNil(t, c.Fault())
		assert.Equal(t, api.ErrorTypeLog, c.Fault().Type)
		assert.ErrorIs(t, c.Fault(), api.ErrLogPersistence)
	})

	t.Run("rollback reports a state machine fault", func(t *testing.T) {
		lm := newMemLog(data(1, 1), data(2, 1), data(3, 1), data(4, 1))
		fsm := &recordingFSM{}
		fsm.apply = func(it api.Iterator) {
			for ; it.Valid(); it.Next() {
				if it.Index() == 3 {
					it.SetErrorAndRollback(2, errors.New("bad command"))
					return
				}
				fsm.record("apply:%d", it.Index())
			}
		}
		c := newTestCaller(t, lm, fsm)
		res := newResult()
		for i := int64(3); i <= 4; i++ {
			require.NoError(t, c.closures.Register(i, res.closure(i)))
		}

		c.OnCommitted(4)
		c.sync(t)

		require.NotNil(t, c.Fault())
		assert.Equal(t, api.ErrorTypeStateMachine, c.Fault().Type)
		assert.Equal(t, int64(1), c.LastAppliedIndex())
		for i := int64(3); i <= 4; i++ {
			ran, err := res.get(i)
			assert.Equal(t, 1, ran)
			assert.ErrorIs(t, err, api.ErrStateMachine)
		}
	})

	t.Run("rollback leaves already completed closures alone", func(t *testing.T) {
		lm := newMemLog(data(1, 1), data(2, 1), data(3, 1), data(4, 1))
		fsm := &recordingFSM{}
		fsm.apply = func(it api.Iterator) {
			for ; it.Valid(); it.Next() {
				if it.Index() == 3 {
					it.SetErrorAndRollback(2, errors.New("bad command"))
					return
				}
				it.Done().Run(nil)
			}
		}
		c := newTestCaller(t, lm, fsm)
		res := newResult()
		for i := int64(1); i <= 4; i++ {
			require.NoError(t, c.closures.Register(i, res.closure(i)))
		}

		c.OnCommitted(4)
		c.sync(t)

		require.NotNil(t, c.Fault())
		assert.Equal(t, int64(1), c.LastAppliedIndex())
		for i := int64(1); i <= 2; i++ {
			ran, err := res.get(i)
			assert.Equal(t, 1, ran, "closure %d", i)
			assert.NoError(t, err, "closure %d", i)
		}
		for i := int64(3); i <= 4; i++ {
			ran, err := res.get(i)
			assert.Equal(t, 1, ran, "closure %d", i)
			assert.ErrorIs(t, err, api.ErrStateMachine)
		}
	})

	t.Run("nil fault is refused", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(data(1, 1)), &recordingFSM{})

		assert.False(t, c.OnError(nil))
		c.OnCommitted(1)
		c.sync(t)

		assert.Nil(t, c.Fault())
		assert.Empty(t, c.node.Faults())
		assert.Equal(t, int64(1), c.LastAppliedIndex())
	})

	t.Run("apply panic becomes a fault", func(t *testing.T) {
		fsm := &recordingFSM{apply: func(it api.Iterator) { panic("kaboom") }}
		c := newTestCaller(t, newMemLog(data(1, 1), data(2, 1)), fsm)
		res := newResult()
		require.NoError(t, c.closures.Register(1, res.closure(1)))

		c.OnCommitted(2)
		c.sync(t)

		require.NotNil(t, c.Fault())
		assert.Equal(t, api.ErrorTypeStateMachine, c.Fault().Type)
		assert.Equal(t, int64(0), c.LastAppliedIndex())
		_, err := res.get(1)
		assert.ErrorIs(t, err, api.ErrStateMachine)
	})

	t.Run("hook panic becomes a fault", func(t *testing.T) {
		fsm := &recordingFSM{onStart: func(int64) { panic("kaboom") }}
		c := newTestCaller(t, newMemLog(), fsm)

		c.OnLeaderStart(1)
		c.sync(t)

		require.NotNil(t, c.Fault())
		assert.Equal(t, api.ErrorTypeStateMachine, c.Fault().Type)
	})
}

func TestCaller_Shutdown(t *testing.T) {
	t.Run("fences new tasks and runs hooks once", func(t *testing.T) {
		_, log := logger.NewTestLogger()
		executor := NewExecutor(1, log)
		defer executor.Stop()

		fsm := &recordingFSM{}
		var after atomic.Int32
		built, err := NewCallerBuilder("n1", executor, newMemLog(data(1, 1)), NewClosureQueue(log), fsm).
			WithLogger(log).
			WithAfterShutdown(api.ClosureFunc(func(error) { after.Add(1) })).
			Build()
		require.NoError(t, err)
		c := built.(*FSMCaller)

		require.NoError(t, c.Join(context.Background()), "join before shutdown returns at once")

		c.Shutdown()
		c.Shutdown()
		assert.False(t, c.OnCommitted(1))
		assert.False(t, c.OnLeaderStart(1))
		assert.False(t, c.OnError(api.NewRaftError(api.ErrorTypeLog, errors.New("late"))))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, c.Join(ctx))
		require.NoError(t, c.Join(ctx))

		assert.Equal(t, []string{"shutdown"}, fsm.Events())
		assert.Equal(t, int32(1), after.Load())
		assert.Nil(t, c.Fault())

		_, err = executor.Subscribe("n1", c.runApplyTask)
		assert.NoError(t, err, "join releases the executor slot")
	})

	t.Run("commits pending at shutdown fail their closures", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		fsm := &recordingFSM{}
		fsm.apply = func(it api.Iterator) {
			close(entered)
			<-release
			for ; it.Valid(); it.Next() {
				fsm.record("apply:%d", it.Index())
			}
		}
		c := newTestCaller(t, newMemLog(data(1, 1), data(2, 1), data(3, 1)), fsm)
		res := newResult()
		for i := int64(1); i <= 3; i++ {
			require.NoError(t, c.closures.Register(i, res.closure(i)))
		}

		c.OnCommitted(1)
		<-entered
		c.OnCommitted(3)
		c.Shutdown()
		close(release)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, c.Join(ctx))

		for i := int64(1); i <= 3; i++ {
			ran, err := res.get(i)
			assert.Equal(t, 1, ran, "closure %d", i)
			assert.ErrorIs(t, err, api.ErrShutdown, "closure %d", i)
		}
		assert.Equal(t, []string{"shutdown"}, fsm.Events())
		assert.Equal(t, int64(0), c.LastAppliedIndex())
	})

	t.Run("faults after shutdown are not forwarded to the node", func(t *testing.T) {
		c := newTestCaller(t, newMemLog(), &recordingFSM{})
		c.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, c.Join(ctx))

		assert.Nil(t, c.FSMCaller.node)
	})
}

func TestCaller_Listeners(t *testing.T) {
	c := newTestCaller(t, newMemLog(data(1, 1), data(2, 1)), &recordingFSM{})

	var got atomic.Int64
	var calls atomic.Int32
	remove := c.AddLastAppliedListener(api.LastAppliedListenerFunc(func(idx int64) {
		got.Store(idx)
		calls.Add(1)
	}))

	c.OnCommitted(1)
	c.sync(t)
	assert.Equal(t, int64(1), got.Load())

	remove()
	c.OnCommitted(2)
	c.sync(t)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, c.listeners.len())
}

type recordingSink struct {
	mu        sync.Mutex
	latencies map[string]int
	sizes     map[string]int64
}

func (s *recordingSink) RecordLatency(name string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies[name]++
}

func (s *recordingSink) RecordSize(name string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes[name] += n
}

func TestCaller_Metrics(t *testing.T) {
	sink := &recordingSink{latencies: map[string]int{}, sizes: map[string]int64{}}
	c := newTestCaller(t, newMemLog(data(1, 1), data(2, 1)), &recordingFSM{}, func(b api.CallerBuilder) {
		b.WithMetrics(sink)
	})

	c.OnLeaderStart(1)
	c.OnCommitted(2)
	c.sync(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.latencies[metricCommit])
	assert.Equal(t, 1, sink.latencies[metricApplyTasks])
	assert.Equal(t, 1, sink.latencies["fsm-leader-start"])
	assert.Equal(t, int64(2), sink.sizes[metricApplyTasksCount])
}

func TestCallerBuilder_Validation(t *testing.T) {
	_, err := NewCallerBuilder("", nil, nil, nil, nil).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "node id is empty")
	assert.Contains(t, err.Error(), "state machine is nil")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Idle", describe(taskIdle, 0))
	assert.Equal(t, "Applying logIndex=42", describe(taskCommitted, 42))
	assert.Equal(t, "Saving snapshot", describe(taskSnapshotSave, 0))
	assert.Equal(t, "fsm-snapshot-load", taskSnapshotLoad.metricName())
}
