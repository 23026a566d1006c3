// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logstore

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ledgercore/internal/txmodel"
)

func blockAt(h uint64) txmodel.Block {
	return txmodel.Block{Height: h, Term: 1, Timestamp: time.Unix(int64(h), 0)}
}

func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AppendOutOfOrder", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append([]txmodel.Block{blockAt(2)})
		require.Error(t, err)
	})

	t.Run("AppendReadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Append([]txmodel.Block{blockAt(1), blockAt(2), blockAt(3)})
		require.NoError(t, err)
		require.Equal(t, uint64(1), res.FirstHeight)
		require.Equal(t, uint64(3), res.LastHeight)

		entries, err := s.Read(Range{From: 1, To: 3})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, uint64(2), entries[1].Height)
	})

	t.Run("MarkCommittedIdempotentMonotonic", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append([]txmodel.Block{blockAt(1), blockAt(2)})
		require.NoError(t, err)
		require.NoError(t, s.MarkCommitted(2))
		require.NoError(t, s.MarkCommitted(1)) // no-op, monotonic
		require.Equal(t, uint64(2), s.CommittedHeight())
	})

	t.Run("TruncateSuffixRejectsCommitted", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append([]txmodel.Block{blockAt(1), blockAt(2), blockAt(3)})
		require.NoError(t, err)
		require.NoError(t, s.MarkCommitted(2))

		err = s.TruncateSuffix(2)
		require.Error(t, err)

		require.NoError(t, s.TruncateSuffix(3))
		require.Equal(t, uint64(2), s.LastHeight())
	})

	t.Run("InstallSnapshotRebasesLog", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append([]txmodel.Block{blockAt(1), blockAt(2)})
		require.NoError(t, err)

		meta := SnapshotMeta{Height: 5, StateHash: ids.GenerateTestID(), StateBlob: []byte("s")}
		require.NoError(t, s.InstallSnapshot(meta))
		require.Equal(t, uint64(5), s.LastHeight())
		require.Equal(t, uint64(5), s.CommittedHeight())

		// Compacted history is gone; the snapshot attests it instead.
		_, err = s.Read(Range{From: 1, To: 2})
		require.Error(t, err)

		// The log resumes exactly at the snapshot height + 1.
		_, err = s.Append([]txmodel.Block{blockAt(5)})
		require.Error(t, err)
		res, err := s.Append([]txmodel.Block{blockAt(6)})
		require.NoError(t, err)
		require.Equal(t, uint64(6), res.LastHeight)

		got, ok, err := s.LoadSnapshot()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(5), got.Height)
	})

	t.Run("SnapshotLoadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append([]txmodel.Block{blockAt(1)})
		require.NoError(t, err)
		require.NoError(t, s.MarkCommitted(1))

		ref := SnapshotMeta{Height: 1, StateHash: ids.GenerateTestID(), StateBlob: []byte("state")}
		require.NoError(t, s.Snapshot(ref))

		got, ok, err := s.LoadSnapshot()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ref.Height, got.Height)
		require.Equal(t, ref.StateHash, got.StateHash)
	})
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestBoltStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		dir := t.TempDir()
		s, err := OpenBolt(dir)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
