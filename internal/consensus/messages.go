// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/txmodel"
)

// Message variants follow spec §9's tagged-union guidance
// ({AppendEntries | RequestVote | Vote | InstallSnapshot |
// EquivocationEvidence}) rather than a class hierarchy.

type RequestVoteMsg struct {
	Term       uint64
	PreVote    bool
	LastTerm   uint64
	LastHeight uint64
	LastHash   ids.ID
	Candidate  ids.NodeID
}

type RequestVoteReply struct {
	Term      uint64
	PreVote   bool
	Granted   bool
	Voter     ids.NodeID
	Signature []byte
}

type AppendEntriesMsg struct {
	Term         uint64
	Leader       ids.NodeID
	PrevHeight   uint64
	PrevHash     ids.ID
	Entries      []txmodel.Block
	LeaderCommit uint64
}

type AppendEntriesReply struct {
	Term          uint64
	Follower      ids.NodeID
	Success       bool
	MatchedHeight uint64
	// ConflictHint is the height the leader should resume sending from,
	// letting it jump next_index straight to the follower's divergence
	// point instead of decrementing by one (spec §4.5.3's "decrements
	// next_index[peer] on rejection").
	ConflictHint uint64
	// Signature is the follower's signature over (follower, term,
	// matched_height, hash-at-matched-height) — spec §4.5.5's "each Ack
	// is signed", so a leader can never forge replication progress that
	// the real followers didn't attest to.
	Signature []byte
}

type InstallSnapshotMsg struct {
	Term      uint64
	Leader    ids.NodeID
	Height    uint64
	StateHash ids.ID
	StateBlob []byte
}

type InstallSnapshotReply struct {
	Term     uint64
	Follower ids.NodeID
	// Height is the follower's log head after the install (or its
	// current head, if the snapshot was stale); the leader resumes
	// AppendEntries from Height+1.
	Height uint64
}

// EquivocationEvidenceMsg carries proof that a validator double-signed
// two distinct blocks at the same (term, height) (spec §4.5.5).
type EquivocationEvidenceMsg struct {
	Offender ids.NodeID
	Term     uint64
	Height   uint64
	HashA    ids.ID
	HashB    ids.ID
	SigA     []byte
	SigB     []byte
}
