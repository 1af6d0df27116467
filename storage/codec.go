package storage

import (
	"errors"
	"fmt"

	"github.com/shrtyk/raft-fsmcaller/api"
	"google.golang.org/protobuf/encoding/protowire"
)

// Entries and snapshot metas are encoded as protobuf messages written with
// protowire, so the files stay readable by any protobuf tooling:
//
//	message LogEntry {
//	  int64 index = 1; int64 term = 2; int32 type = 3; bytes data = 4;
//	  repeated string peers = 5; repeated string learners = 6;
//	  repeated string old_peers = 7; repeated string old_learners = 8;
//	}
//
//	message SnapshotMeta {
//	  int64 last_included_index = 1; int64 last_included_term = 2;
//	  int64 cfg_index = 3; int64 cfg_term = 4;
//	  repeated string peers = 5; repeated string learners = 6;
//	  repeated string old_peers = 7; repeated string old_learners = 8;
//	}

const (
	fieldIndex       protowire.Number = 1
	fieldTerm        protowire.Number = 2
	fieldType        protowire.Number = 3
	fieldData        protowire.Number = 4
	fieldPeers       protowire.Number = 5
	fieldLearners    protowire.Number = 6
	fieldOldPeers    protowire.Number = 7
	fieldOldLearners protowire.Number = 8

	fieldCfgIndex protowire.Number = 3
	fieldCfgTerm  protowire.Number = 4
)

var errMalformed = errors.New("storage: malformed record")

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendPeers(b []byte, num protowire.Number, peers []api.PeerID) []byte {
	for _, p := range peers {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, string(p))
	}
	return b
}

func marshalEntry(e *api.LogEntry) []byte {
	b := make([]byte, 0, len(e.Data)+16)
	b = appendVarintField(b, fieldIndex, e.ID.Index)
	b = appendVarintField(b, fieldTerm, e.ID.Term)
	b = appendVarintField(b, fieldType, int64(e.Type))
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	b = appendPeers(b, fieldPeers, e.Peers)
	b = appendPeers(b, fieldLearners, e.Learners)
	b = appendPeers(b, fieldOldPeers, e.OldPeers)
	b = appendPeers(b, fieldOldLearners, e.OldLearners)
	return b
}

// fieldVisitor receives every decoded field. Exactly one of v and raw is
// meaningful, depending on typ.
type fieldVisitor func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error

func walkFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", errMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := visit(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", errMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := visit(num, typ, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", errMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalEntry(b []byte) (*api.LogEntry, error) {
	e := &api.LogEntry{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldIndex && typ == protowire.VarintType:
			e.ID.Index = int64(v)
		case num == fieldTerm && typ == protowire.VarintType:
			e.ID.Term = int64(v)
		case num == fieldType && typ == protowire.VarintType:
			e.Type = api.EntryType(v)
		case num == fieldData && typ == protowire.BytesType:
			e.Data = append([]byte(nil), raw...)
		case num == fieldPeers && typ == protowire.BytesType:
			e.Peers = append(e.Peers, api.PeerID(raw))
		case num == fieldLearners && typ == protowire.BytesType:
			e.Learners = append(e.Learners, api.PeerID(raw))
		case num == fieldOldPeers && typ == protowire.BytesType:
			e.OldPeers = append(e.OldPeers, api.PeerID(raw))
		case num == fieldOldLearners && typ == protowire.BytesType:
			e.OldLearners = append(e.OldLearners, api.PeerID(raw))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func marshalSnapshotMeta(m *api.SnapshotMeta) []byte {
	var b []byte
	b = appendVarintField(b, fieldIndex, m.LastIncludedIndex)
	b = appendVarintField(b, fieldTerm, m.LastIncludedTerm)
	b = appendVarintField(b, fieldCfgIndex, m.CfgIndex)
	b = appendVarintField(b, fieldCfgTerm, m.CfgTerm)
	b = appendPeers(b, fieldPeers, m.Peers)
	b = appendPeers(b, fieldLearners, m.Learners)
	b = appendPeers(b, fieldOldPeers, m.OldPeers)
	b = appendPeers(b, fieldOldLearners, m.OldLearners)
	return b
}

func unmarshalSnapshotMeta(b []byte) (*api.SnapshotMeta, error) {
	m := &api.SnapshotMeta{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldIndex && typ == protowire.VarintType:
			m.LastIncludedIndex = int64(v)
		case num == fieldTerm && typ == protowire.VarintType:
			m.LastIncludedTerm = int64(v)
		case num == fieldCfgIndex && typ == protowire.VarintType:
			m.CfgIndex = int64(v)
		case num == fieldCfgTerm && typ == protowire.VarintType:
			m.CfgTerm = int64(v)
		case num == fieldPeers && typ == protowire.BytesType:
			m.Peers = append(m.Peers, api.PeerID(raw))
		case num == fieldLearners && typ == protowire.BytesType:
			m.Learners = append(m.Learners, api.PeerID(raw))
		case num == fieldOldPeers && typ == protowire.BytesType:
			m.OldPeers = append(m.OldPeers, api.PeerID(raw))
		case num == fieldOldLearners && typ == protowire.BytesType:
			m.OldLearners = append(m.OldLearners, api.PeerID(raw))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
