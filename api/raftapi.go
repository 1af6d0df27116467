/*
Package api defines the public contracts of the FSM caller: the component of a
Raft node that feeds committed log entries, snapshot requests and lifecycle
events into a user state machine, strictly in order.

# Mandatory User Implementations

  - StateMachine: your application's logic. Committed DATA entries are handed
    to StateMachine.OnApply through an Iterator. Embed StateMachineAdapter to
    get no-op defaults for the hooks you do not care about.

# Collaborators

The caller does not own the log. It reads entries and terms from a LogManager
and pops completion callbacks from a ClosureQueue. Default implementations
live in `github.com/shrtyk/raft-fsmcaller/storage` (WAL and etcd-raft backed
log managers, snapshot storage) and `github.com/shrtyk/raft-fsmcaller/raft`
(closure queue, caller, single-voter node).
*/
package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument  = errors.New("raft: invalid argument")
	ErrStale            = errors.New("raft: stale snapshot")
	ErrStateMachine     = errors.New("raft: state machine failure")
	ErrSnapshotIO       = errors.New("raft: snapshot i/o failure")
	ErrBadStatus        = errors.New("raft: fsm caller is in bad status")
	ErrShutdown         = errors.New("raft: fsm caller is shutting down")
	ErrLogEntryNotFound = errors.New("raft: log entry not found")
	ErrLogPersistence   = errors.New("raft: failed to persist applied id")

	ErrNotLeader          = errors.New("raft: node is not the leader")
	ErrSnapshotInProgress = errors.New("raft: snapshot already in progress")
	ErrNoSnapshot         = errors.New("raft: no snapshot stored")
)

// ErrorType classifies a fatal fault.
type ErrorType int

const (
	ErrorTypeNone ErrorType = iota
	ErrorTypeLog
	ErrorTypeStable
	ErrorTypeSnapshot
	ErrorTypeStateMachine
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNone:
		return "none"
	case ErrorTypeLog:
		return "log"
	case ErrorTypeStable:
		return "stable"
	case ErrorTypeSnapshot:
		return "snapshot"
	case ErrorTypeStateMachine:
		return "state-machine"
	default:
		return "unknown"
	}
}

// RaftError is a fatal fault. Once the caller records one it stays
// recorded for the caller's lifetime.
type RaftError struct {
	Type ErrorType
	Err  error
}

func NewRaftError(typ ErrorType, err error) *RaftError {
	return &RaftError{Type: typ, Err: err}
}

func (e *RaftError) Error() string {
	return fmt.Sprintf("raft: %s fault: %v", e.Type, e.Err)
}

func (e *RaftError) Unwrap() error {
	return e.Err
}

// FSMCaller is the ordered event pipeline in front of a StateMachine.
//
// Every On* method is non-blocking: it enqueues a task and reports whether
// the task was accepted. Once Shutdown has been called every enqueue is
// refused and returns false.
type FSMCaller interface {
	// OnCommitted tells the caller that every entry up to committedIndex
	// is committed. Adjacent notifications are coalesced.
	OnCommitted(committedIndex int64) bool

	// OnSnapshotSave asks the state machine to save a snapshot at the
	// current applied position.
	OnSnapshotSave(done SaveSnapshotClosure) bool

	// OnSnapshotLoad replaces the state machine's state with a snapshot.
	OnSnapshotLoad(done LoadSnapshotClosure) bool

	OnLeaderStart(term int64) bool
	OnLeaderStop(status error) bool
	OnStartFollowing(ctx LeaderChangeContext) bool
	OnStopFollowing(ctx LeaderChangeContext) bool

	// OnError records a fatal fault. It returns false if a fault has
	// already been recorded.
	OnError(err *RaftError) bool

	// AddLastAppliedListener registers l and returns a function removing it.
	AddLastAppliedListener(l LastAppliedListener) (remove func())

	LastAppliedIndex() int64
	LastAppliedID() LogID

	// Fault returns the recorded fault or nil.
	Fault() *RaftError

	// Shutdown stops accepting tasks. Tasks already queued are still processed.
	Shutdown()

	// Join waits until the shutdown task has been processed.
	Join(ctx context.Context) error
}
