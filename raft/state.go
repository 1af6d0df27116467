package raft

import (
	"sync/atomic"
)

type State = uint32

const (
	_ State = iota
	follower
	leader
	stopped
)

// stateToString converts a State to its string representation.
func stateToString(s State) string {
	switch s {
	case follower:
		return "follower"
	case leader:
		return "leader"
	case stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (n *Node) isState(state State) bool {
	return atomic.LoadUint32(&n.state) == state
}

// becomeLeader transitions the node to the leader state in a new term.
//
// Assumes the lock is held when called
func (n *Node) becomeLeader(term int64) {
	n.logger.Info("transitioning to leader", "from_state", stateToString(atomic.LoadUint32(&n.state)), "term", term)
	n.term = term
	atomic.StoreUint32(&n.state, leader)
}

// stepDown stops accepting proposals. Returns false if the node was not the leader.
func (n *Node) stepDown(to State) bool {
	if !atomic.CompareAndSwapUint32(&n.state, leader, to) {
		return false
	}
	n.logger.Info("stepping down", "to_state", stateToString(to))
	return true
}

// State returns current term and whether this node believes it is the leader
func (n *Node) State() (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term, n.isState(leader)
}

func (n *Node) loadState() State {
	return atomic.LoadUint32(&n.state)
}
