package raft

import (
	"sync/atomic"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/zhangyunhao116/skipmap"
)

// listenerSet is an add/remove-only set of last-applied listeners.
// Iteration sees a best-effort view of concurrent additions.
type listenerSet struct {
	nextID    atomic.Uint64
	listeners *skipmap.FuncMap[uint64, api.LastAppliedListener]
}

func newListenerSet() *listenerSet {
	return &listenerSet{
		listeners: skipmap.NewFunc[uint64, api.LastAppliedListener](func(a, b uint64) bool {
			return a < b
		}),
	}
}

func (s *listenerSet) add(l api.LastAppliedListener) func() {
	id := s.nextID.Add(1)
	s.listeners.Store(id, l)
	return func() {
		s.listeners.Delete(id)
	}
}

func (s *listenerSet) notify(lastAppliedIndex int64) {
	s.listeners.Range(func(_ uint64, l api.LastAppliedListener) bool {
		l.OnApplied(lastAppliedIndex)
		return true
	})
}

func (s *listenerSet) len() int {
	return s.listeners.Len()
}
