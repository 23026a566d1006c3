// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"

	"github.com/luxfi/ids"
)

// isStrictQuorum reports whether approved out of n oracles is a strict
// majority greater than 2/3, per spec §4.8.1's normatively-resolved
// open question (SPEC_FULL.md §9): strict ">2/3", never "any approval
// counts". Comparing approved*3 > n*2 avoids floating point.
func isStrictQuorum(approved, n int) bool {
	if n == 0 {
		return false
	}
	return approved*3 > n*2
}

// rejectThreshold is ⌈n/3⌉+1, the rejection count at which a transfer
// moves directly to TIMED_OUT without waiting for the deadline (spec
// §4.8.2).
func rejectThreshold(n int) int {
	return (n+2)/3 + 1
}

// approvals splits verifications into the subset matching want
// (true=approved, false=rejected), returning parallel oracle-ID/
// signature slices suitable for AggregateVerify.
func approvals(votes map[ids.NodeID]Verification, want bool) ([]ids.NodeID, [][]byte) {
	oracleIDs := make([]ids.NodeID, 0, len(votes))
	sigs := make([][]byte, 0, len(votes))
	for id, v := range votes {
		if v.Approved == want {
			oracleIDs = append(oracleIDs, id)
			sigs = append(sigs, v.Signature)
		}
	}
	return oracleIDs, sigs
}

// verifyMessage/refundMessage are the deterministic signing bytes
// oracles sign over when casting a verify/refund vote for bridgeID,
// binding their signature to exactly this transfer and this phase so a
// signature over one can never be replayed as the other.
func verifyMessage(bridgeID ids.ID) []byte {
	var buf bytes.Buffer
	buf.WriteString("bridge-verify:")
	buf.Write(bridgeID[:])
	return buf.Bytes()
}

func refundMessage(bridgeID ids.ID) []byte {
	var buf bytes.Buffer
	buf.WriteString("bridge-refund:")
	buf.Write(bridgeID[:])
	return buf.Bytes()
}
