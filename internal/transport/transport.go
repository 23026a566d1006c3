// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport defines the Transport Port (C3, spec §4.3): ordered
// reliable message channels between peers. Reconnection and physical
// networking are the transport's job; consensus only consumes the
// interface below and tolerates PeerUnreachable/StreamAborted.
package transport

import (
	"context"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

// Message is an opaque envelope; the payload's concrete type is decided
// by the caller (AppendEntries, RequestVote, Vote, InstallSnapshot,
// EquivocationEvidence per spec §9's tagged-union guidance).
type Message struct {
	From    ids.NodeID
	Payload any
}

// Stream is an in-order, at-most-once-delivery, abortable channel to a
// single peer (spec §4.3).
type Stream interface {
	Send(ctx context.Context, payload any) error
	Recv(ctx context.Context) (any, error)
	Abort(reason error)
	Close() error
}

// Transport is the Transport Port.
type Transport interface {
	// Send is best-effort with no ordering guarantee across peers.
	Send(ctx context.Context, peer ids.NodeID, payload any) error

	// OpenStream opens an in-order, at-most-once stream to peer.
	OpenStream(ctx context.Context, peer ids.NodeID) (Stream, error)

	// Broadcast sends payload to every peer in the transport's current
	// configured peer set.
	Broadcast(ctx context.Context, payload any) error

	// Subscribe returns a channel of messages addressed to this node.
	// Close does not close the returned channel.
	Subscribe() <-chan Message

	// Configure updates the current peer set (cluster membership
	// changes propagate here per spec §4.5.6).
	Configure(peers set.Set[ids.NodeID])

	Close() error
}
