// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package txmodel defines the canonical transaction, batch, block, vote
// and validator records of spec §3 (C4). Types here are immutable value
// objects; no package owns mutable state except through the ownership
// boundaries documented on each type.
package txmodel

import (
	"encoding/binary"
	"time"

	"github.com/luxfi/ids"
)

// PriorityClass is the tagged enum of spec §3/§4.7.3.
type PriorityClass uint8

const (
	PriorityCritical PriorityClass = iota
	PriorityHigh
	PriorityNormal
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// MaxBatch is the hard ceiling on |batch| from spec §3; the configured
// cluster MaxBatch must never exceed it.
const MaxBatch = 1_000_000

// Tx is an immutable transaction. TxID, once computed, never changes.
type Tx struct {
	TxID      ids.ID
	Payload   []byte
	Nonce     uint64
	Sender    ids.NodeID
	Signature []byte
}

// TxSigningBytes is the canonical byte encoding of a transaction's
// identity, payload ‖ nonce ‖ sender. It is both the message the
// sender signs and the preimage of tx_id, so a signature always
// authorizes the exact (payload, nonce, sender) triple — a relay that
// observed the signature cannot re-pair it with a different nonce.
func TxSigningBytes(payload []byte, nonce uint64, sender ids.NodeID) []byte {
	buf := make([]byte, 0, len(payload)+8+len(sender))
	buf = append(buf, payload...)
	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], nonce)
	buf = append(buf, n8[:]...)
	buf = append(buf, sender[:]...)
	return buf
}

// TxIDOf derives the canonical tx_id, hash(payload ‖ nonce ‖ sender);
// admission rejects any Tx whose TxID does not match this derivation.
func TxIDOf(hash func([]byte) ids.ID, payload []byte, nonce uint64, sender ids.NodeID) ids.ID {
	return hash(TxSigningBytes(payload, nonce, sender))
}

// Batch is an ephemeral ordered sequence of Tx formed by the pipeline or
// the leader's batcher. It lives only between ingress and block
// formation (spec §3).
type Batch struct {
	BatchID       ids.ID
	Txs           []Tx
	PriorityClass PriorityClass
	ShardHint     uint32
}

// Vote is a signed PRE_VOTE or COMMIT_VOTE (spec §3, §4.5.2, §4.5.4).
type VoteKind uint8

const (
	VoteKindPreVote VoteKind = iota
	VoteKindCommitVote
)

func (k VoteKind) String() string {
	if k == VoteKindPreVote {
		return "PRE_VOTE"
	}
	return "COMMIT_VOTE"
}

type Vote struct {
	VoterID      ids.NodeID
	Term         uint64
	TargetHeight uint64
	TargetHash   ids.ID
	Kind         VoteKind
	Signature    []byte
}

// Block is a committed (or proposed) log entry (spec §3).
type Block struct {
	Height     uint64
	Term       uint64
	PrevHash   ids.ID
	TxRoot     ids.ID
	ProposerID ids.NodeID
	Timestamp  time.Time
	Entries    []Tx

	// ConfigChange carries a committed membership change (spec §4.5.6).
	// At most one may be in flight cluster-wide at a time; it takes
	// effect strictly at Height+1.
	ConfigChange *ClusterConfig
}

// ValidatorStatus is the tagged enum of spec §3.
type ValidatorStatus uint8

const (
	ValidatorActive ValidatorStatus = iota
	ValidatorJailed
	ValidatorRemoved
)

func (s ValidatorStatus) String() string {
	switch s {
	case ValidatorActive:
		return "ACTIVE"
	case ValidatorJailed:
		return "JAILED"
	case ValidatorRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// ValidatorRecord is spec §3's Validator Record.
type ValidatorRecord struct {
	ValidatorID  ids.NodeID
	Stake        uint64
	Status       ValidatorStatus
	PeerEndpoint string
}

// ClusterConfig is a versioned set of validator records plus quorum
// parameters (spec §3). Config changes are themselves committed log
// entries (spec §4.5.6); Version increments on every committed change.
type ClusterConfig struct {
	Version       uint64
	Validators    []ValidatorRecord
	QuorumCommit  int
	QuorumViewChg int
}

// ActiveValidators returns the subset of Validators with ACTIVE status.
func (c ClusterConfig) ActiveValidators() []ValidatorRecord {
	out := make([]ValidatorRecord, 0, len(c.Validators))
	for _, v := range c.Validators {
		if v.Status == ValidatorActive {
			out = append(out, v)
		}
	}
	return out
}

// IsActive reports whether nodeID is an ACTIVE validator in this config.
func (c ClusterConfig) IsActive(nodeID ids.NodeID) bool {
	for _, v := range c.Validators {
		if v.ValidatorID == nodeID {
			return v.Status == ValidatorActive
		}
	}
	return false
}

// Stake returns the stake of nodeID, or 0 if absent.
func (c ClusterConfig) Stake(nodeID ids.NodeID) uint64 {
	for _, v := range c.Validators {
		if v.ValidatorID == nodeID {
			return v.Stake
		}
	}
	return 0
}

// N returns the active validator count used for quorum arithmetic.
func (c ClusterConfig) N() int {
	return len(c.ActiveValidators())
}
