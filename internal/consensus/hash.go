// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"bytes"
	"encoding/binary"

	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// merkleRoot computes a Merkle root over txIDs using hasher, per spec
// §3's tx_root invariant. An empty set hashes to the zero ID.
func merkleRoot(hasher crypto.Provider, txIDs []ids.ID) ids.ID {
	if len(txIDs) == 0 {
		return ids.ID{}
	}
	level := make([]ids.ID, len(txIDs))
	copy(level, txIDs)
	for len(level) > 1 {
		next := make([]ids.ID, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, hasher.Hash(append(append([]byte(nil), level[i][:]...), level[i][:]...)))
				continue
			}
			buf := append(append([]byte(nil), level[i][:]...), level[i+1][:]...)
			next = append(next, hasher.Hash(buf))
		}
		level = next
	}
	return level[0]
}

// blockSigningBytes returns the deterministic byte encoding of b's
// identity fields from which blockHash computes its hash. Acks and
// votes sign their own encodings that carry that hash, not these bytes.
func blockSigningBytes(b txmodel.Block) []byte {
	var buf bytes.Buffer
	var h8 [8]byte
	binary.BigEndian.PutUint64(h8[:], b.Height)
	buf.Write(h8[:])
	binary.BigEndian.PutUint64(h8[:], b.Term)
	buf.Write(h8[:])
	buf.Write(b.PrevHash[:])
	buf.Write(b.TxRoot[:])
	buf.Write(b.ProposerID[:])
	for _, tx := range b.Entries {
		buf.Write(tx.TxID[:])
	}
	return buf.Bytes()
}

func blockHash(hasher crypto.Provider, b txmodel.Block) ids.ID {
	return hasher.Hash(blockSigningBytes(b))
}

// ackSigningBytes is the message a follower signs on every AppendEntries
// reply (spec §4.5.5). Binding the follower's identity, term, height
// and its own view of the hash at that height means a leader can never
// forge an Ack purporting a different log than the follower actually
// holds.
func ackSigningBytes(follower ids.NodeID, term, height uint64, hash ids.ID) []byte {
	var buf bytes.Buffer
	var h8 [8]byte
	binary.BigEndian.PutUint64(h8[:], term)
	buf.Write(h8[:])
	binary.BigEndian.PutUint64(h8[:], height)
	buf.Write(h8[:])
	buf.Write(hash[:])
	buf.Write(follower[:])
	return buf.Bytes()
}

func voteSigningBytes(voter ids.NodeID, term, height uint64, targetHash ids.ID, kind txmodel.VoteKind) []byte {
	var buf bytes.Buffer
	var h8 [8]byte
	binary.BigEndian.PutUint64(h8[:], term)
	buf.Write(h8[:])
	binary.BigEndian.PutUint64(h8[:], height)
	buf.Write(h8[:])
	buf.Write(targetHash[:])
	buf.WriteByte(byte(kind))
	buf.Write(voter[:])
	return buf.Bytes()
}
