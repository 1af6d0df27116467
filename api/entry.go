package api

import (
	"fmt"
	"slices"
)

// EntryType is the kind of a replicated log entry.
type EntryType int8

const (
	EntryTypeNoOp EntryType = iota
	EntryTypeData
	EntryTypeConfiguration
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeNoOp:
		return "no-op"
	case EntryTypeData:
		return "data"
	case EntryTypeConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

type PeerID string

// LogID identifies a log position.
type LogID struct {
	Index int64
	Term  int64
}

// Compare orders ids by index first and term second.
func (id LogID) Compare(other LogID) int {
	switch {
	case id.Index < other.Index:
		return -1
	case id.Index > other.Index:
		return 1
	case id.Term < other.Term:
		return -1
	case id.Term > other.Term:
		return 1
	default:
		return 0
	}
}

// LogEntry is a single entry of the replicated log.
//
// Peers and Learners are set on configuration entries only. OldPeers and
// OldLearners are set while the cluster is in the joint stage.
type LogEntry struct {
	ID          LogID
	Type        EntryType
	Data        []byte
	Peers       []PeerID
	Learners    []PeerID
	OldPeers    []PeerID
	OldLearners []PeerID
}

func (e *LogEntry) HasOldPeers() bool {
	return len(e.OldPeers) > 0
}

// Configuration is a membership set.
type Configuration struct {
	Peers    []PeerID
	Learners []PeerID
}

func (c Configuration) IsEmpty() bool {
	return len(c.Peers) == 0
}

func (c Configuration) Equal(other Configuration) bool {
	return slices.Equal(c.Peers, other.Peers) && slices.Equal(c.Learners, other.Learners)
}

func (c Configuration) Clone() Configuration {
	return Configuration{
		Peers:    slices.Clone(c.Peers),
		Learners: slices.Clone(c.Learners),
	}
}

// ConfigurationEntry is a membership configuration bound to the log
// position it was committed at. OldConf is non-empty only in the joint stage.
type ConfigurationEntry struct {
	ID      LogID
	Conf    Configuration
	OldConf Configuration
}

// NewConfigurationEntry builds a configuration entry from a CONFIGURATION
// log entry. The old configuration is kept only when the entry carries a
// non-empty old peer set.
func NewConfigurationEntry(e *LogEntry) *ConfigurationEntry {
	ce := &ConfigurationEntry{
		ID:   e.ID,
		Conf: Configuration{Peers: slices.Clone(e.Peers), Learners: slices.Clone(e.Learners)},
	}
	if e.HasOldPeers() {
		ce.OldConf = Configuration{Peers: slices.Clone(e.OldPeers), Learners: slices.Clone(e.OldLearners)}
	}
	return ce
}

// IsJoint reports whether the entry belongs to the joint stage.
func (e *ConfigurationEntry) IsJoint() bool {
	return !e.OldConf.IsEmpty()
}

func (e *ConfigurationEntry) IsEmpty() bool {
	return e.Conf.IsEmpty()
}

// SnapshotMeta describes a snapshot.
type SnapshotMeta struct {
	LastIncludedIndex int64
	LastIncludedTerm  int64
	CfgIndex          int64
	CfgTerm           int64
	Peers             []PeerID
	Learners          []PeerID
	OldPeers          []PeerID
	OldLearners       []PeerID
}

func (m *SnapshotMeta) LastIncludedID() LogID {
	return LogID{Index: m.LastIncludedIndex, Term: m.LastIncludedTerm}
}

// HasConfiguration reports whether the meta carries membership data.
func (m *SnapshotMeta) HasConfiguration() bool {
	return len(m.Peers) > 0
}

// ConfigurationEntry builds the membership carried by the snapshot, or nil
// when it carries none. The entry is bound to the snapshot's last included id.
func (m *SnapshotMeta) ConfigurationEntry() *ConfigurationEntry {
	if !m.HasConfiguration() {
		return nil
	}
	ce := &ConfigurationEntry{
		ID:   m.LastIncludedID(),
		Conf: Configuration{Peers: slices.Clone(m.Peers), Learners: slices.Clone(m.Learners)},
	}
	if len(m.OldPeers) > 0 {
		ce.OldConf = Configuration{Peers: slices.Clone(m.OldPeers), Learners: slices.Clone(m.OldLearners)}
	}
	return ce
}

// Validate rejects metadata the caller cannot turn into a membership.
func (m *SnapshotMeta) Validate() error {
	if len(m.OldPeers) == 0 && len(m.OldLearners) > 0 {
		return fmt.Errorf("%w: snapshot meta has old learners without old peers", ErrInvalidArgument)
	}
	if !m.HasConfiguration() && len(m.OldPeers) > 0 {
		return fmt.Errorf("%w: snapshot meta has old peers without peers", ErrInvalidArgument)
	}
	return nil
}
