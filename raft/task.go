package raft

import (
	"fmt"

	"github.com/shrtyk/raft-fsmcaller/api"
)

type taskType int32

const (
	taskIdle taskType = iota
	taskCommitted
	taskSnapshotSave
	taskSnapshotLoad
	taskLeaderStop
	taskLeaderStart
	taskStartFollowing
	taskStopFollowing
	taskShutdown
	taskFlush
	taskError
)

func (t taskType) String() string {
	switch t {
	case taskIdle:
		return "idle"
	case taskCommitted:
		return "committed"
	case taskSnapshotSave:
		return "snapshot-save"
	case taskSnapshotLoad:
		return "snapshot-load"
	case taskLeaderStop:
		return "leader-stop"
	case taskLeaderStart:
		return "leader-start"
	case taskStartFollowing:
		return "start-following"
	case taskStopFollowing:
		return "stop-following"
	case taskShutdown:
		return "shutdown"
	case taskFlush:
		return "flush"
	case taskError:
		return "error"
	default:
		return "unknown"
	}
}

func (t taskType) metricName() string {
	return "fsm-" + t.String()
}

const (
	metricCommit          = "fsm-commit"
	metricApplyTasks      = "fsm-apply-tasks"
	metricApplyTasksCount = "fsm-apply-tasks-count"
)

// task is a single event in a caller's mailbox.
// Only the fields matching typ are set.
type task struct {
	typ            taskType
	committedIndex int64
	term           int64
	status         error
	leaderChange   api.LeaderChangeContext
	fault          *api.RaftError
	saveDone       api.SaveSnapshotClosure
	loadDone       api.LoadSnapshotClosure
	// released once the task has been handled
	signal chan struct{}
}

// describe renders the task the consumer is busy with.
func describe(t taskType, applyingIndex int64) string {
	switch t {
	case taskIdle:
		return "Idle"
	case taskCommitted:
		return fmt.Sprintf("Applying logIndex=%d", applyingIndex)
	case taskSnapshotSave:
		return "Saving snapshot"
	case taskSnapshotLoad:
		return "Loading snapshot"
	case taskError:
		return "Notifying error"
	case taskLeaderStop:
		return "Notifying leader stop"
	case taskLeaderStart:
		return "Notifying leader start"
	case taskStartFollowing:
		return "Notifying start following"
	case taskStopFollowing:
		return "Notifying stop following"
	case taskShutdown:
		return "Shutting down"
	case taskFlush:
		return "Flushing"
	default:
		return ""
	}
}
