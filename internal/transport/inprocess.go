// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/ledgercore/internal/ledgererr"
)

// Network is an in-process rendezvous for InProcessTransport instances,
// used by unit and integration tests to simulate a multi-node cluster
// without real sockets (cf. spec §8's scripted 5-node scenarios).
type Network struct {
	mu    sync.RWMutex
	nodes map[ids.NodeID]*InProcessTransport
	// partitioned[a][b] == true means a cannot reach b (spec §8 scenario 3).
	partitioned map[ids.NodeID]map[ids.NodeID]bool
}

func NewNetwork() *Network {
	return &Network{
		nodes:       make(map[ids.NodeID]*InProcessTransport),
		partitioned: make(map[ids.NodeID]map[ids.NodeID]bool),
	}
}

// Partition marks every pair (a in groupA, b in groupB) as mutually
// unreachable. Partition(nil, nil) heals all partitions.
func (n *Network) Partition(groupA, groupB []ids.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if groupA == nil && groupB == nil {
		n.partitioned = make(map[ids.NodeID]map[ids.NodeID]bool)
		return
	}
	for _, a := range groupA {
		if n.partitioned[a] == nil {
			n.partitioned[a] = make(map[ids.NodeID]bool)
		}
		for _, b := range groupB {
			n.partitioned[a][b] = true
			if n.partitioned[b] == nil {
				n.partitioned[b] = make(map[ids.NodeID]bool)
			}
			n.partitioned[b][a] = true
		}
	}
}

func (n *Network) reachable(a, b ids.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if m, ok := n.partitioned[a]; ok && m[b] {
		return false
	}
	return true
}

func (n *Network) register(t *InProcessTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.self] = t
}

func (n *Network) unregister(id ids.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

func (n *Network) lookup(id ids.NodeID) (*InProcessTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[id]
	return t, ok
}

// InProcessTransport is the reference Transport implementation: delivery
// is via buffered Go channels, honoring the Network's partition state.
type InProcessTransport struct {
	self    ids.NodeID
	net     *Network
	inbox   chan Message
	mu      sync.RWMutex
	peers   set.Set[ids.NodeID]
	closeCh chan struct{}
	once    sync.Once
}

func NewInProcessTransport(self ids.NodeID, net *Network) *InProcessTransport {
	t := &InProcessTransport{
		self:    self,
		net:     net,
		inbox:   make(chan Message, 4096),
		closeCh: make(chan struct{}),
	}
	net.register(t)
	return t
}

func (t *InProcessTransport) Configure(peers set.Set[ids.NodeID]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = set.Of(peers.List()...)
}

func (t *InProcessTransport) Send(ctx context.Context, peer ids.NodeID, payload any) error {
	if !t.net.reachable(t.self, peer) {
		return ledgererr.New(ledgererr.KindPeerUnreachable, "peer unreachable (partitioned)")
	}
	dst, ok := t.net.lookup(peer)
	if !ok {
		return ledgererr.New(ledgererr.KindPeerUnreachable, "peer not registered")
	}
	msg := Message{From: t.self, Payload: payload}
	select {
	case dst.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ledgererr.Wrap(ledgererr.KindTimeout, "send", ctx.Err())
	case <-dst.closeCh:
		return ledgererr.New(ledgererr.KindPeerUnreachable, "peer closed")
	}
}

func (t *InProcessTransport) Broadcast(ctx context.Context, payload any) error {
	t.mu.RLock()
	peers := t.peers.List()
	t.mu.RUnlock()
	var firstErr error
	for _, p := range peers {
		if p == t.self {
			continue
		}
		if err := t.Send(ctx, p, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *InProcessTransport) Subscribe() <-chan Message {
	return t.inbox
}

func (t *InProcessTransport) OpenStream(ctx context.Context, peer ids.NodeID) (Stream, error) {
	if !t.net.reachable(t.self, peer) {
		return nil, ledgererr.New(ledgererr.KindPeerUnreachable, "peer unreachable (partitioned)")
	}
	dst, ok := t.net.lookup(peer)
	if !ok {
		return nil, ledgererr.New(ledgererr.KindPeerUnreachable, "peer not registered")
	}
	return newInProcessStream(t, dst), nil
}

func (t *InProcessTransport) Close() error {
	t.once.Do(func() {
		close(t.closeCh)
		t.net.unregister(t.self)
	})
	return nil
}

// inProcessStream delivers payloads in send order via a dedicated
// buffered channel, satisfying the in-order/at-most-once contract.
type inProcessStream struct {
	from, to  *InProcessTransport
	ch        chan any
	aborted   chan error
	closeOnce sync.Once
}

func newInProcessStream(from, to *InProcessTransport) *inProcessStream {
	return &inProcessStream{
		from:    from,
		to:      to,
		ch:      make(chan any, 256),
		aborted: make(chan error, 1),
	}
}

func (s *inProcessStream) Send(ctx context.Context, payload any) error {
	if !s.from.net.reachable(s.from.self, s.to.self) {
		return ledgererr.New(ledgererr.KindStreamAborted, "stream peer unreachable")
	}
	select {
	case s.ch <- payload:
		return nil
	case <-ctx.Done():
		return ledgererr.Wrap(ledgererr.KindTimeout, "stream send", ctx.Err())
	case err := <-s.aborted:
		return ledgererr.Wrap(ledgererr.KindStreamAborted, "stream aborted", err)
	}
}

func (s *inProcessStream) Recv(ctx context.Context) (any, error) {
	select {
	case p := <-s.ch:
		return p, nil
	case <-ctx.Done():
		return nil, ledgererr.Wrap(ledgererr.KindTimeout, "stream recv", ctx.Err())
	case err := <-s.aborted:
		return nil, ledgererr.Wrap(ledgererr.KindStreamAborted, "stream aborted", err)
	}
}

func (s *inProcessStream) Abort(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ledgererr.New(ledgererr.KindStreamAborted, "aborted")
		}
		s.aborted <- reason
		close(s.aborted)
	})
}

func (s *inProcessStream) Close() error {
	return nil
}
