package storage

import (
	"testing"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func newTestEtcdLog(t *testing.T) *EtcdLog {
	t.Helper()
	_, log := logger.NewTestLogger()
	return NewEtcdLog(log)
}

func TestEtcdLog_EntryMapping(t *testing.T) {
	l := newTestEtcdLog(t)
	require.NoError(t, l.Append(
		&api.LogEntry{ID: api.LogID{Index: 1, Term: 1}, Type: api.EntryTypeNoOp},
		dataEntry(2, 1, "payload"),
		confEntry(3, 1, []api.PeerID{"a", "b"}, []api.PeerID{"a"}),
		dataEntry(4, 2, ""),
	))

	t.Run("round trips every entry type", func(t *testing.T) {
		noop, err := l.Entry(1)
		require.NoError(t, err)
		assert.Equal(t, api.EntryTypeNoOp, noop.Type)

		data, err := l.Entry(2)
		require.NoError(t, err)
		assert.Equal(t, api.EntryTypeData, data.Type)
		assert.Equal(t, []byte("payload"), data.Data)

		conf, err := l.Entry(3)
		require.NoError(t, err)
		assert.Equal(t, api.EntryTypeConfiguration, conf.Type)
		assert.Equal(t, []api.PeerID{"a", "b"}, conf.Peers)
		assert.Equal(t, []api.PeerID{"a"}, conf.OldPeers)

		empty, err := l.Entry(4)
		require.NoError(t, err)
		assert.Equal(t, api.EntryTypeData, empty.Type, "empty data is not confused with a no-op")
		assert.Empty(t, empty.Data)
	})

	t.Run("stores etcd entry types", func(t *testing.T) {
		ents, err := l.MemoryStorage().Entries(1, 5, 1<<20)
		require.NoError(t, err)
		require.Len(t, ents, 4)
		assert.Equal(t, raftpb.EntryNormal, ents[0].Type)
		assert.Empty(t, ents[0].Data)
		assert.Equal(t, raftpb.EntryConfChangeV2, ents[2].Type)
	})

	t.Run("reads past the end", func(t *testing.T) {
		_, err := l.Entry(5)
		assert.ErrorIs(t, err, api.ErrLogEntryNotFound)
		assert.ErrorIs(t, err, ErrIndexOutOfLog)
		_, err = l.Entry(0)
		assert.ErrorIs(t, err, api.ErrLogEntryNotFound)
	})

	t.Run("terms and last id", func(t *testing.T) {
		assert.Equal(t, int64(2), l.Term(4))
		assert.Equal(t, int64(0), l.Term(10))
		assert.Equal(t, api.LogID{Index: 4, Term: 2}, l.LastLogID())
	})

	t.Run("configuration lookups", func(t *testing.T) {
		assert.Nil(t, l.ConfigurationAt(2))
		ce := l.ConfigurationAt(4)
		require.NotNil(t, ce)
		assert.True(t, ce.IsJoint())
	})
}

func TestEtcdLog_ForeignPayload(t *testing.T) {
	l := newTestEtcdLog(t)
	require.NoError(t, l.MemoryStorage().Append([]raftpb.Entry{
		{Index: 1, Term: 1, Type: raftpb.EntryNormal, Data: []byte{0x7f, 0x01}},
	}))

	_, err := l.Entry(1)
	assert.ErrorIs(t, err, ErrCorruptedEntry)
}

func TestEtcdLog_AppendContiguity(t *testing.T) {
	l := newTestEtcdLog(t)
	require.NoError(t, l.Append(dataEntry(1, 1, "a")))
	assert.ErrorIs(t, l.Append(dataEntry(3, 1, "c")), ErrNonContiguous)
	assert.NoError(t, l.Append())
}

func TestEtcdLog_AppliedID(t *testing.T) {
	l := newTestEtcdLog(t)
	assert.Equal(t, api.LogID{}, l.AppliedID())

	require.NoError(t, l.SetAppliedID(api.LogID{Index: 3, Term: 2}))
	assert.Equal(t, api.LogID{Index: 3, Term: 2}, l.AppliedID())
}

func TestEtcdLog_Compact(t *testing.T) {
	l := newTestEtcdLog(t)
	require.NoError(t, l.Append(
		confEntry(1, 1, []api.PeerID{"a"}, nil),
		dataEntry(2, 1, "b"),
		dataEntry(3, 1, "c"),
	))

	assert.ErrorIs(t, l.Compact(9), ErrIndexOutOfLog)
	require.NoError(t, l.Compact(2))
	assert.NoError(t, l.Compact(1), "compacting twice is a no-op")

	_, err := l.Entry(1)
	assert.ErrorIs(t, err, ErrCompacted)

	ce := l.ConfigurationAt(3)
	require.NotNil(t, ce)
	assert.Equal(t, []api.PeerID{"a"}, ce.Conf.Peers)

	e, err := l.Entry(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), e.Data)
	assert.NoError(t, l.Close())
}
