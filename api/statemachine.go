package api

import "io"

// Iterator walks a contiguous run of committed DATA entries.
//
// An Iterator is only valid inside the StateMachine.OnApply call that
// received it.
type Iterator interface {
	// Data returns the payload of the current entry.
	Data() []byte
	Index() int64
	Term() int64

	// Done returns the completion callback registered for the current
	// entry, or nil if the entry was not proposed on this node.
	Done() Closure

	// Valid reports whether the iterator points at a DATA entry that can
	// be applied.
	Valid() bool

	// Next moves to the following entry.
	Next()

	// SetErrorAndRollback reports a critical failure. The last ntail
	// applied entries are considered not applied and the caller stops
	// with a state machine fault. Closures of rolled back entries that were
	// not run yet get the fault; those already run are left alone.
	SetErrorAndRollback(ntail int64, err error)
}

// LeaderChangeContext describes a leadership transition seen by a follower.
type LeaderChangeContext struct {
	LeaderID PeerID
	Term     int64
	Status   error
}

// StateMachine is the user's replicated state machine.
//
// All methods are called from a single goroutine, one at a time.
type StateMachine interface {
	// OnApply applies a batch of committed DATA entries. Implementations
	// should call Next until Valid reports false and run Done for every
	// entry that has one.
	OnApply(it Iterator)

	// OnSnapshotSave writes the state into w. The implementation must
	// run done once the snapshot is complete or has failed.
	OnSnapshotSave(w SnapshotWriter, done Closure)

	// OnSnapshotLoad replaces the state with the snapshot read from r.
	OnSnapshotLoad(r SnapshotReader) error

	OnLeaderStart(term int64)
	OnLeaderStop(status error)
	OnStartFollowing(ctx LeaderChangeContext)
	OnStopFollowing(ctx LeaderChangeContext)

	// OnConfigurationCommitted is called with the new peer set every time
	// a non-joint configuration is committed.
	OnConfigurationCommitted(conf Configuration)

	// OnRawConfigurationCommitted is called for every committed
	// configuration, joint ones included.
	OnRawConfigurationCommitted(entry *ConfigurationEntry, index, term int64)

	OnError(err *RaftError)
	OnShutdown()
}

// StateMachineAdapter provides no-op defaults. Embed it and override what
// you need.
type StateMachineAdapter struct{}

var _ StateMachine = (*StateMachineAdapter)(nil)

// OnApply acknowledges every entry without touching any state.
func (StateMachineAdapter) OnApply(it Iterator) {
	for ; it.Valid(); it.Next() {
		if done := it.Done(); done != nil {
			done.Run(nil)
		}
	}
}

func (StateMachineAdapter) OnSnapshotSave(_ SnapshotWriter, done Closure) {
	done.Run(ErrInvalidArgument)
}

func (StateMachineAdapter) OnSnapshotLoad(SnapshotReader) error {
	return ErrInvalidArgument
}

func (StateMachineAdapter) OnLeaderStart(int64) {}
func (StateMachineAdapter) OnLeaderStop(error) {}
func (StateMachineAdapter) OnStartFollowing(LeaderChangeContext) {}
func (StateMachineAdapter) OnStopFollowing(LeaderChangeContext) {}
func (StateMachineAdapter) OnConfigurationCommitted(Configuration) {}
func (StateMachineAdapter) OnRawConfigurationCommitted(*ConfigurationEntry, int64, int64) {}
func (StateMachineAdapter) OnError(*RaftError) {}
func (StateMachineAdapter) OnShutdown() {}

// Closure is a completion callback. A nil error means success.
type Closure interface {
	Run(err error)
}

// ClosureFunc adapts a function to Closure.
type ClosureFunc func(err error)

func (f ClosureFunc) Run(err error) { f(err) }

// TaskClosure is notified when its entry is committed, before it is applied.
type TaskClosure interface {
	Closure
	OnCommitted()
}

// SnapshotWriter receives the state machine's snapshot bytes.
type SnapshotWriter interface {
	io.Writer
	Meta() SnapshotMeta
}

// SnapshotReader exposes a stored snapshot.
type SnapshotReader interface {
	io.Reader
	// Load returns the snapshot's metadata. An error wrapping
	// ErrSnapshotIO marks an i/o failure.
	Load() (*SnapshotMeta, error)
}

// SaveSnapshotClosure opens a writer for the given metadata. Start
// returning nil means no writer could be created.
type SaveSnapshotClosure interface {
	Closure
	Start(meta *SnapshotMeta) SnapshotWriter
}

// LoadSnapshotClosure opens the snapshot to load. Start returning nil
// means there is nothing to read.
type LoadSnapshotClosure interface {
	Closure
	Start() SnapshotReader
}
