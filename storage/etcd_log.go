package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/shrtyk/raft-fsmcaller/api"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Normal etcd entries with an empty payload are leader no-ops, so data
// payloads carry a one byte tag.
const dataTag byte = 0x01

// EtcdLog is an in-memory api.LogStore backed by etcd's raft.MemoryStorage.
// It lets a replication layer built on go.etcd.io/etcd/raft hand its stable
// entries to the caller without copying them into another log.
//
// Safe for concurrent use.
type EtcdLog struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	storage *raft.MemoryStorage
	confs   []*api.ConfigurationEntry
	// configuration active at the compaction point
	compactedConf *api.ConfigurationEntry
}

var _ api.LogStore = (*EtcdLog)(nil)

func NewEtcdLog(log *slog.Logger) *EtcdLog {
	return &EtcdLog{
		logger:  log,
		storage: raft.NewMemoryStorage(),
	}
}

// MemoryStorage exposes the underlying storage, e.g. to pass it to raft.Config.
func (l *EtcdLog) MemoryStorage() *raft.MemoryStorage {
	return l.storage
}

func toEtcdEntry(e *api.LogEntry) raftpb.Entry {
	ent := raftpb.Entry{
		Term:  uint64(e.ID.Term),
		Index: uint64(e.ID.Index),
	}
	switch e.Type {
	case api.EntryTypeData:
		ent.Type = raftpb.EntryNormal
		ent.Data = append([]byte{dataTag}, e.Data...)
	case api.EntryTypeConfiguration:
		ent.Type = raftpb.EntryConfChangeV2
		ent.Data = marshalEntry(&api.LogEntry{
			Peers:       e.Peers,
			Learners:    e.Learners,
			OldPeers:    e.OldPeers,
			OldLearners: e.OldLearners,
		})
	default:
		ent.Type = raftpb.EntryNormal
	}
	return ent
}

func fromEtcdEntry(ent raftpb.Entry) (*api.LogEntry, error) {
	e := &api.LogEntry{
		ID: api.LogID{Index: int64(ent.Index), Term: int64(ent.Term)},
	}
	switch ent.Type {
	case raftpb.EntryNormal:
		if len(ent.Data) == 0 {
			e.Type = api.EntryTypeNoOp
			return e, nil
		}
		if ent.Data[0] != dataTag {
			return nil, fmt.Errorf("%w: unknown payload tag %#x at index %d", ErrCorruptedEntry, ent.Data[0], ent.Index)
		}
		e.Type = api.EntryTypeData
		e.Data = ent.Data[1:]
	case raftpb.EntryConfChangeV2, raftpb.EntryConfChange:
		conf, err := unmarshalEntry(ent.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode configuration at index %d: %w", ent.Index, err)
		}
		e.Type = api.EntryTypeConfiguration
		e.Peers = conf.Peers
		e.Learners = conf.Learners
		e.OldPeers = conf.OldPeers
		e.OldLearners = conf.OldLearners
	default:
		return nil, fmt.Errorf("%w: unknown entry type %v at index %d", ErrCorruptedEntry, ent.Type, ent.Index)
	}
	return e, nil
}

func (l *EtcdLog) Append(entries ...*api.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.storage.LastIndex()
	if err != nil {
		return err
	}
	if err := checkContiguous(int64(last)+1, entries); err != nil {
		return err
	}

	ents := make([]raftpb.Entry, len(entries))
	for i, e := range entries {
		ents[i] = toEtcdEntry(e)
	}
	if err := l.storage.Append(ents); err != nil {
		return fmt.Errorf("failed to append to memory storage: %w", err)
	}
	for _, e := range entries {
		if e.Type == api.EntryTypeConfiguration {
			l.confs = append(l.confs, api.NewConfigurationEntry(e))
		}
	}
	return nil
}

func (l *EtcdLog) Entry(index int64) (*api.LogEntry, error) {
	if index <= 0 {
		return nil, fmt.Errorf("%w: index %d", api.ErrLogEntryNotFound, index)
	}
	// MemoryStorage panics on reads past the last index
	last, err := l.storage.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrLogEntryNotFound, err)
	}
	if uint64(index) > last {
		return nil, fmt.Errorf("%w: %w: index %d", api.ErrLogEntryNotFound, ErrIndexOutOfLog, index)
	}
	ents, err := l.storage.Entries(uint64(index), uint64(index)+1, math.MaxUint64)
	switch {
	case errors.Is(err, raft.ErrCompacted):
		return nil, fmt.Errorf("%w: %w: index %d", api.ErrLogEntryNotFound, ErrCompacted, index)
	case errors.Is(err, raft.ErrUnavailable):
		return nil, fmt.Errorf("%w: %w: index %d", api.ErrLogEntryNotFound, ErrIndexOutOfLog, index)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", api.ErrLogEntryNotFound, err)
	case len(ents) == 0:
		return nil, fmt.Errorf("%w: index %d", api.ErrLogEntryNotFound, index)
	}
	return fromEtcdEntry(ents[0])
}

func (l *EtcdLog) Term(index int64) int64 {
	if index < 0 {
		return 0
	}
	t, err := l.storage.Term(uint64(index))
	if err != nil {
		return 0
	}
	return int64(t)
}

func (l *EtcdLog) ConfigurationAt(index int64) *api.ConfigurationEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.configurationAtLocked(index)
}

// Assumes the lock is held when called
func (l *EtcdLog) configurationAtLocked(index int64) *api.ConfigurationEntry {
	i := sort.Search(len(l.confs), func(i int) bool { return l.confs[i].ID.Index > index })
	if i > 0 {
		return l.confs[i-1]
	}
	if l.compactedConf != nil && l.compactedConf.ID.Index <= index {
		return l.compactedConf
	}
	return nil
}

// SetAppliedID records the applied position in the storage's hard state.
func (l *EtcdLog) SetAppliedID(id api.LogID) error {
	return l.storage.SetHardState(raftpb.HardState{
		Term:   uint64(id.Term),
		Commit: uint64(id.Index),
	})
}

func (l *EtcdLog) AppliedID() api.LogID {
	hs, _, err := l.storage.InitialState()
	if err != nil {
		return api.LogID{}
	}
	return api.LogID{Index: int64(hs.Commit), Term: int64(hs.Term)}
}

func (l *EtcdLog) LastLogID() api.LogID {
	last, err := l.storage.LastIndex()
	if err != nil {
		return api.LogID{}
	}
	return api.LogID{Index: int64(last), Term: l.Term(int64(last))}
}

func (l *EtcdLog) Compact(index int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.storage.LastIndex()
	if err != nil {
		return err
	}
	if uint64(index) > last {
		return fmt.Errorf("%w: compact index %d, last index %d", ErrIndexOutOfLog, index, last)
	}

	conf := l.configurationAtLocked(index)
	if err := l.storage.Compact(uint64(index)); err != nil {
		if errors.Is(err, raft.ErrCompacted) {
			return nil
		}
		return fmt.Errorf("failed to compact memory storage: %w", err)
	}

	l.compactedConf = conf
	i := sort.Search(len(l.confs), func(i int) bool { return l.confs[i].ID.Index > index })
	l.confs = append([]*api.ConfigurationEntry(nil), l.confs[i:]...)
	l.logger.Debug("etcd log compacted", slog.Int64("index", index))
	return nil
}

func (l *EtcdLog) Close() error {
	return nil
}
