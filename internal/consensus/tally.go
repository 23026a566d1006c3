// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"sync"

	"github.com/luxfi/ids"
)

// Tally is the Byzantine vote tally of spec §4.5.5, generalized from the
// teacher's quorum.Static/WeightedStatic (quorum/static.go): instead of
// a generic bool-response poll, it tracks signed grants for a single
// (term, height) round and enforces "a voter emits at most one vote per
// round" (spec §3's Vote invariant) directly, rather than leaving
// last-write-wins semantics to the caller.
type Tally struct {
	mu        sync.Mutex
	threshold int
	granted   map[ids.NodeID][]byte // voter -> signature
}

func NewTally(threshold int) *Tally {
	return &Tally{threshold: threshold, granted: make(map[ids.NodeID][]byte)}
}

// Record records a grant from voter. Returns false if voter already
// voted in this round (spec §3: at most one vote per (term,height)).
func (t *Tally) Record(voter ids.NodeID, sig []byte) (fresh bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.granted[voter]; exists {
		return false
	}
	t.granted[voter] = sig
	return true
}

// Count returns the number of distinct granting voters.
func (t *Tally) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.granted)
}

// Achieved reports whether the threshold has been met.
func (t *Tally) Achieved() bool {
	return t.Count() >= t.threshold
}

// Voters returns the set of voters and their signatures, for
// aggregate_verify.
func (t *Tally) Voters() ([]ids.NodeID, [][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	voters := make([]ids.NodeID, 0, len(t.granted))
	sigs := make([][]byte, 0, len(t.granted))
	for v, s := range t.granted {
		voters = append(voters, v)
		sigs = append(sigs, s)
	}
	return voters, sigs
}
