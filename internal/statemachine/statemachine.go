// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package statemachine implements C7 (spec §4.6): deterministic,
// total, no-external-I/O apply of committed entries, with state_hash as
// a deterministic function of the committed entry sequence, plus
// snapshot production and equivocation-driven slashing.
package statemachine

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// ReceiptStatus is the outcome of applying a single Tx.
type ReceiptStatus int

const (
	ReceiptOK ReceiptStatus = iota
	ReceiptError
)

type Receipt struct {
	TxID   ids.ID
	Status ReceiptStatus
	Error  string
}

// Applier is the application-defined callback invoked once per Tx in
// commit order; it must be a pure function of (state, tx) with no
// external I/O, satisfying spec §4.6's determinism requirement. The
// default Applier used by tests/benchmarks just records receipts;
// real deployments supply their own.
type Applier func(state []byte, tx txmodel.Tx) (newState []byte, receipt Receipt)

// EquivocationProof is a committed entry type carrying evidence of
// double-signing (spec §4.5.5/§4.6); applying it slashes the offender.
type EquivocationProof struct {
	Offender ids.NodeID
	Height   uint64
	TermA    uint64
	TermB    uint64
}

// Snapshot captures (state, height, state_hash) per spec §4.6.
type Snapshot struct {
	State     []byte
	Height    uint64
	StateHash ids.ID
}

// Machine is the State Machine. It exclusively owns its State (spec §3)
// and is mutated only by Apply, called in strict committed-height order
// (spec §5), by Restore and by ApplyEquivocation.
type Machine struct {
	hasher crypto.Provider

	lastApplied uint64
	state       []byte
	stateHash   ids.ID
	applier     Applier

	// slashed records every offender passed to ApplyEquivocation;
	// Slashed() reads it.
	slashed map[ids.NodeID]bool
}

func New(hasher crypto.Provider, applier Applier) *Machine {
	if applier == nil {
		applier = func(state []byte, tx txmodel.Tx) ([]byte, Receipt) {
			return state, Receipt{TxID: tx.TxID, Status: ReceiptOK}
		}
	}
	return &Machine{
		hasher:  hasher,
		applier: applier,
		slashed: make(map[ids.NodeID]bool),
	}
}

// ApplyResult is Apply's return value (spec §4.6).
type ApplyResult struct {
	Receipts     []Receipt
	NewStateHash ids.ID
}

// Apply deterministically applies block, in Tx order. Equivocation
// proofs are not part of Apply; see ApplyEquivocation for the slashing
// path. state_hash = hash(prev_state_hash || hash_each(receipt tx_ids)),
// so a receipt's status and error do not enter the hash.
func (m *Machine) Apply(block txmodel.Block) ApplyResult {
	if block.Height != m.lastApplied+1 {
		panic("statemachine: Apply called out of committed-height order")
	}
	receipts := make([]Receipt, 0, len(block.Entries))
	for _, tx := range block.Entries {
		newState, r := m.applier(m.state, tx)
		m.state = newState
		receipts = append(receipts, r)
	}
	m.lastApplied = block.Height
	m.stateHash = m.foldHash(receipts)
	return ApplyResult{Receipts: receipts, NewStateHash: m.stateHash}
}

// ApplyEquivocation records proof.Offender as slashed. It does not
// change the offender's stake or status (membership lives in C6; the
// state machine only records the fact — see spec §9's
// two-one-way-ports resolution: SM never reaches back into consensus).
// internal/node calls it as soon as the engine reports an equivocation;
// the proof is not committed as a log entry first.
func (m *Machine) ApplyEquivocation(proof EquivocationProof) {
	m.slashed[proof.Offender] = true
}

// Slashed reports whether nodeID has been recorded by ApplyEquivocation.
func (m *Machine) Slashed(nodeID ids.NodeID) bool {
	return m.slashed[nodeID]
}

func (m *Machine) foldHash(receipts []Receipt) ids.ID {
	buf := make([]byte, 0, 32+len(receipts)*32)
	buf = append(buf, m.stateHash[:]...)
	for _, r := range receipts {
		h := m.hasher.Hash(append([]byte(nil), r.TxID[:]...))
		buf = append(buf, h[:]...)
	}
	return m.hasher.Hash(buf)
}

func (m *Machine) LastAppliedHeight() uint64 { return m.lastApplied }
func (m *Machine) StateHash() ids.ID         { return m.stateHash }

// Snapshot produces a (state, height, state_hash) image on demand (spec
// §4.6).
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:     append([]byte(nil), m.state...),
		Height:    m.lastApplied,
		StateHash: m.stateHash,
	}
}

// Restore installs a previously produced Snapshot, e.g. after crash
// recovery or InstallSnapshot (spec §4.5.7).
func (m *Machine) Restore(s Snapshot) {
	m.state = append([]byte(nil), s.State...)
	m.lastApplied = s.Height
	m.stateHash = s.StateHash
}
