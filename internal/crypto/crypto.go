// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto defines the Crypto Port (C1, spec §4.1): an opaque
// interface for signing, verification, hashing and aggregate
// verification. The core never depends on a concrete signature
// algorithm — PQ or classical providers plug in beneath Provider.
package crypto

import (
	"context"

	"github.com/luxfi/ids"
)

// Provider is the Crypto Port consumed by the rest of the core.
type Provider interface {
	// Sign signs msg under the provider's own identity key.
	Sign(ctx context.Context, msg []byte) (sig []byte, err error)

	// Verify reports whether sig is a valid signature over msg under
	// the identity id. Returns a *ledgererr.Error{Kind: InvalidSignature}
	// on mismatch, never a bare bool-false-with-nil-error.
	Verify(ctx context.Context, id ids.NodeID, msg []byte, sig []byte) error

	// Hash is deterministic: Hash(x) == Hash(x) always, for any x.
	Hash(data []byte) ids.ID

	// AggregateVerify reports whether every (ids[i], sigs[i]) pair is a
	// valid signature over the same msg. It is the multi-party
	// verification primitive behind bridge oracle quorums (spec §4.8.1)
	// and Byzantine vote tallies; a concrete provider may implement it
	// as true signature aggregation (e.g. BLS) or as an all-of loop
	// over Verify — both satisfy the contract.
	AggregateVerify(ctx context.Context, ids []ids.NodeID, msg []byte, sigs [][]byte) error
}

// Identity returns the NodeID this Provider signs as. Split out of
// Provider because not every caller needs it (e.g. a verify-only
// follower-side stub), mirroring the teacher's habit of keeping port
// interfaces narrow (core/appsender.AppSender vs the sender that also
// knows its own address).
type Identity interface {
	NodeID() ids.NodeID
}
