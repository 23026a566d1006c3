// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/crypto"
)

// TestChunkRoundTripOutOfOrder covers spec §8 scenario 5: chunks
// "AAA","BBB","CCC" delivered out of order (3,1,2) reassemble to
// "AAABBBCCC" with a matching content_hash.
func TestChunkRoundTripOutOfOrder(t *testing.T) {
	reg := crypto.NewRegistry()
	self := ids.GenerateTestNodeID()
	cp, err := crypto.NewEd25519Provider(self, reg)
	require.NoError(t, err)

	r := NewChunkReassembler()
	r.SetHasher(cp)

	require.NoError(t, r.AddChunk("tx-L", 2, 3, []byte("CCC")))
	require.NoError(t, r.AddChunk("tx-L", 0, 3, []byte("AAA")))
	require.NoError(t, r.AddChunk("tx-L", 1, 3, []byte("BBB")))

	resp := r.Finish("tx-L")
	require.True(t, resp.Success)
	require.Equal(t, int64(9), resp.TotalBytes)
	require.Equal(t, cp.Hash([]byte("AAABBBCCC")), resp.ContentHash)
}

func TestChunkIncompleteReportsFailure(t *testing.T) {
	r := NewChunkReassembler()
	require.NoError(t, r.AddChunk("tx-M", 0, 3, []byte("AAA")))
	resp := r.Finish("tx-M")
	require.False(t, resp.Success)
	require.Equal(t, "incomplete", resp.Error)
}

func TestChunkIdempotentOnChunkNumber(t *testing.T) {
	r := NewChunkReassembler()
	require.NoError(t, r.AddChunk("tx-N", 0, 1, []byte("A")))
	require.NoError(t, r.AddChunk("tx-N", 0, 1, []byte("A")))
	resp := r.Finish("tx-N")
	require.True(t, resp.Success)
	require.Equal(t, int64(1), resp.TotalBytes)
}

func TestChunkRejectsOutOfRangeChunkNumber(t *testing.T) {
	r := NewChunkReassembler()
	err := r.AddChunk("tx-O", 5, 3, []byte("x"))
	require.Error(t, err)
}
