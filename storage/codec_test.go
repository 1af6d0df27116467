package storage

import (
	"testing"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestSnapshotMetaCodec(t *testing.T) {
	t.Run("joint configuration", func(t *testing.T) {
		meta := &api.SnapshotMeta{
			LastIncludedIndex: 42,
			LastIncludedTerm:  7,
			CfgIndex:          40,
			CfgTerm:           6,
			Peers:             []api.PeerID{"a", "b", "c"},
			OldPeers:          []api.PeerID{"a", "b"},
			OldLearners:       []api.PeerID{"d"},
		}

		decoded, err := unmarshalSnapshotMeta(marshalSnapshotMeta(meta))
		require.NoError(t, err)
		assert.Equal(t, meta, decoded)
	})

	t.Run("zero meta encodes to nothing", func(t *testing.T) {
		assert.Empty(t, marshalSnapshotMeta(&api.SnapshotMeta{}))
	})
}

func TestEntryCodec(t *testing.T) {
	t.Run("unknown fields are skipped", func(t *testing.T) {
		b := marshalEntry(dataEntry(3, 2, "x"))
		b = protowire.AppendTag(b, 99, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, 12345)

		decoded, err := unmarshalEntry(b)
		require.NoError(t, err)
		assert.Equal(t, dataEntry(3, 2, "x"), decoded)
	})

	t.Run("truncated input is malformed", func(t *testing.T) {
		b := marshalEntry(dataEntry(3, 2, "payload"))
		_, err := unmarshalEntry(b[:len(b)-3])
		assert.ErrorIs(t, err, errMalformed)
	})
}
