// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statemachine

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

func newHasher(t *testing.T) crypto.Provider {
	reg := crypto.NewRegistry()
	p, err := crypto.NewEd25519Provider(ids.GenerateTestNodeID(), reg)
	require.NoError(t, err)
	return p
}

func block(h uint64, txs ...txmodel.Tx) txmodel.Block {
	return txmodel.Block{Height: h, Entries: txs}
}

func TestApplyInOrderProducesDeterministicHash(t *testing.T) {
	hasher := newHasher(t)
	m1 := New(hasher, nil)
	m2 := New(hasher, nil)

	tx := txmodel.Tx{TxID: ids.GenerateTestID()}
	b1 := block(1, tx)

	r1 := m1.Apply(b1)
	r2 := m2.Apply(b1)
	require.Equal(t, r1.NewStateHash, r2.NewStateHash)
	require.Equal(t, uint64(1), m1.LastAppliedHeight())
}

func TestApplyOutOfOrderPanics(t *testing.T) {
	hasher := newHasher(t)
	m := New(hasher, nil)
	require.Panics(t, func() {
		m.Apply(block(2))
	})
}

func TestApplySequenceChangesHashEachHeight(t *testing.T) {
	hasher := newHasher(t)
	m := New(hasher, nil)
	r1 := m.Apply(block(1, txmodel.Tx{TxID: ids.GenerateTestID()}))
	r2 := m.Apply(block(2, txmodel.Tx{TxID: ids.GenerateTestID()}))
	require.NotEqual(t, r1.NewStateHash, r2.NewStateHash)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	hasher := newHasher(t)
	m := New(hasher, func(state []byte, tx txmodel.Tx) ([]byte, Receipt) {
		return append(state, tx.TxID[:]...), Receipt{TxID: tx.TxID, Status: ReceiptOK}
	})
	m.Apply(block(1, txmodel.Tx{TxID: ids.GenerateTestID()}))
	snap := m.Snapshot()

	fresh := New(hasher, nil)
	fresh.Restore(snap)
	require.Equal(t, m.LastAppliedHeight(), fresh.LastAppliedHeight())
	require.Equal(t, m.StateHash(), fresh.StateHash())
}

func TestApplyEquivocationSlashes(t *testing.T) {
	hasher := newHasher(t)
	m := New(hasher, nil)
	offender := ids.GenerateTestNodeID()
	require.False(t, m.Slashed(offender))
	m.ApplyEquivocation(EquivocationProof{Offender: offender, Height: 3, TermA: 1, TermB: 1})
	require.True(t, m.Slashed(offender))
}
