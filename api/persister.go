package api

// LogStore is a durable LogManager a node can append to.
//
// Implementations must be safe for concurrent use: the node appends while
// the caller reads entries and persists the applied id.
type LogStore interface {
	LogManager

	// Append durably adds entries to the end of the log.
	Append(entries ...*LogEntry) error

	// LastLogID returns the id of the last entry, or the compaction point
	// when the log is empty.
	LastLogID() LogID

	// AppliedID returns the last persisted applied position.
	AppliedID() LogID

	// Compact drops entries up to and including index. Configurations
	// committed at or before index stay resolvable through ConfigurationAt.
	Compact(index int64) error

	// Close releases any underlying resources, like file handles.
	Close() error
}

// SnapshotSink receives a new snapshot version.
type SnapshotSink interface {
	SnapshotWriter
	// Commit makes the snapshot the latest one.
	Commit() error
	// Abort discards everything written.
	Abort() error
}

// SnapshotSource is an opened snapshot.
type SnapshotSource interface {
	SnapshotReader
	Close() error
}

// SnapshotStore keeps snapshot versions.
type SnapshotStore interface {
	// Create starts a new snapshot version described by meta.
	Create(meta *SnapshotMeta) (SnapshotSink, error)

	// Open returns the latest committed snapshot, or nil when there is none.
	Open() (SnapshotSource, error)
}
