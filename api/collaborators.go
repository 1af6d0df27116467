package api

import "time"

// LogManager is the caller's view of the replicated log.
type LogManager interface {
	// Entry returns the entry at index or an error wrapping
	// ErrLogEntryNotFound.
	Entry(index int64) (*LogEntry, error)

	// Term returns the term of the entry at index, 0 if unknown.
	Term(index int64) int64

	// ConfigurationAt returns the configuration active at index, nil if none.
	ConfigurationAt(index int64) *ConfigurationEntry

	// SetAppliedID persists the applied position.
	SetAppliedID(id LogID) error
}

// ClosureQueue holds completion callbacks of proposals awaiting commit.
type ClosureQueue interface {
	// PopClosureUntil removes every closure registered at an index up to
	// and including index. The returned slice is contiguous starting at
	// firstIndex and holds nil for indexes without a closure. When nothing
	// is pending firstIndex is index+1.
	PopClosureUntil(index int64) (closures []Closure, firstIndex int64)
}

// Node is the owner notified about fatal faults.
type Node interface {
	NodeID() string
	OnError(err *RaftError)
}

// LastAppliedListener observes applied index updates.
type LastAppliedListener interface {
	OnApplied(lastAppliedIndex int64)
}

// LastAppliedListenerFunc adapts a function to LastAppliedListener.
type LastAppliedListenerFunc func(lastAppliedIndex int64)

func (f LastAppliedListenerFunc) OnApplied(idx int64) { f(idx) }

// MetricsSink receives the caller's latency and size observations.
type MetricsSink interface {
	RecordLatency(name string, d time.Duration)
	RecordSize(name string, n int64)
}
