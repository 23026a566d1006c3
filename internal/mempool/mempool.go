// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mempool implements C5 (spec §4.4): admission, dedup,
// broadcast and a per-priority-class take_batch over a concurrent-safe
// pool. Ownership: the mempool exclusively owns admitted Tx until block
// commit (spec §3).
package mempool

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/transport"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// AdmitOutcome is the tagged result of admit() (spec §4.4).
type AdmitOutcome int

const (
	Accepted AdmitOutcome = iota
	Duplicate
	Invalid
	Rejected
)

func (o AdmitOutcome) String() string {
	switch o {
	case Accepted:
		return "Accepted"
	case Duplicate:
		return "Duplicate"
	case Invalid:
		return "Invalid"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

type AdmitResult struct {
	Outcome AdmitOutcome
	Reason  string
}

type entry struct {
	tx        txmodel.Tx
	admitted  time.Time
	broadcast set.Set[ids.NodeID]

	// inflight marks a tx already handed out by TakeBatch and not yet
	// evicted by commit. TakeBatch skips inflight entries so the same tx
	// can never appear in two proposed blocks (spec §8's mempool
	// no-duplication property); commit-driven Remove or the TTL sweep
	// clears the entry either way.
	inflight bool
}

// Pool is the concurrent-safe mempool. Multiple admitters may call Admit
// concurrently; TakeBatch serializes per priority class via a per-class
// mutex (spec §4.4: "one batch-taker per priority class at a time").
type Pool struct {
	mu        sync.RWMutex
	capacity  int
	entries   map[ids.ID]*entry
	byClass   map[txmodel.PriorityClass][]ids.ID // FIFO order
	lastNonce map[ids.NodeID]uint64
	ttl       time.Duration
	nowFunc   func() time.Time

	takerMu map[txmodel.PriorityClass]*sync.Mutex

	crypto    crypto.Provider
	transport transport.Transport
}

func New(capacity int, ttl time.Duration, cp crypto.Provider, tp transport.Transport) *Pool {
	p := &Pool{
		capacity:  capacity,
		entries:   make(map[ids.ID]*entry),
		byClass:   make(map[txmodel.PriorityClass][]ids.ID),
		lastNonce: make(map[ids.NodeID]uint64),
		ttl:       ttl,
		nowFunc:   time.Now,
		takerMu: map[txmodel.PriorityClass]*sync.Mutex{
			txmodel.PriorityCritical: {},
			txmodel.PriorityHigh:     {},
			txmodel.PriorityNormal:   {},
		},
		crypto:    cp,
		transport: tp,
	}
	return p
}

// Admit validates and inserts tx, per the rejection rules of spec §4.4.
// The signature is verified over the canonical payload ‖ nonce ‖ sender
// bytes, never the bare payload: the sender's signature must authorize
// the nonce too, or anyone observing a broadcast (payload, signature)
// pair could re-submit the payload under nonces the sender never
// signed for.
func (p *Pool) Admit(ctx context.Context, tx txmodel.Tx, class txmodel.PriorityClass) AdmitResult {
	signed := txmodel.TxSigningBytes(tx.Payload, tx.Nonce, tx.Sender)
	if tx.TxID != p.crypto.Hash(signed) {
		return AdmitResult{Outcome: Invalid, Reason: "tx_id does not match hash(payload, nonce, sender)"}
	}
	if err := p.crypto.Verify(ctx, tx.Sender, signed, tx.Signature); err != nil {
		return AdmitResult{Outcome: Invalid, Reason: "invalid signature"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[tx.TxID]; exists {
		return AdmitResult{Outcome: Duplicate}
	}
	if last, ok := p.lastNonce[tx.Sender]; ok && tx.Nonce <= last {
		return AdmitResult{Outcome: Invalid, Reason: "stale nonce"}
	}
	if len(p.entries) >= p.capacity {
		return AdmitResult{Outcome: Rejected, Reason: "Full"}
	}

	p.entries[tx.TxID] = &entry{tx: tx, admitted: p.nowFunc(), broadcast: set.NewSet[ids.NodeID](4)}
	p.byClass[class] = append(p.byClass[class], tx.TxID)
	p.lastNonce[tx.Sender] = tx.Nonce
	return AdmitResult{Outcome: Accepted}
}

// TakeBatch forms an ordered batch of up to limit Tx from the given
// priority class's FIFO queue, marking them in-flight rather than
// removing them — removal happens only via commit-driven eviction in
// Remove (or the TTL sweep, which also reclaims tx stranded by a
// leader that lost leadership before its proposal committed).
func (p *Pool) TakeBatch(class txmodel.PriorityClass, limit int) txmodel.Batch {
	mu := p.takerMu[class]
	mu.Lock()
	defer mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	txs := make([]txmodel.Tx, 0, limit)
	for _, id := range p.byClass[class] {
		if len(txs) >= limit {
			break
		}
		e, ok := p.entries[id]
		if !ok || e.inflight {
			continue
		}
		e.inflight = true
		txs = append(txs, e.tx)
	}
	return txmodel.Batch{Txs: txs, PriorityClass: class}
}

// Remove evicts the given tx IDs, e.g. on commit (spec §4.4 "commit-
// driven eviction") or via TTL sweep (EvictExpired).
func (p *Pool) Remove(txIDs []ids.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := make(map[ids.ID]bool, len(txIDs))
	for _, id := range txIDs {
		set[id] = true
		delete(p.entries, id)
	}
	for class, list := range p.byClass {
		kept := list[:0:0]
		for _, id := range list {
			if !set[id] {
				kept = append(kept, id)
			}
		}
		p.byClass[class] = kept
	}
}

// EvictExpired removes every entry older than the pool's TTL.
func (p *Pool) EvictExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFunc()
	var expired []ids.ID
	for id, e := range p.entries {
		if now.Sub(e.admitted) > p.ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(p.entries, id)
	}
	for class, list := range p.byClass {
		kept := list[:0:0]
		for _, id := range list {
			if _, still := p.entries[id]; still {
				kept = append(kept, id)
			}
		}
		p.byClass[class] = kept
	}
}

// Broadcast sends tx to every peer that has not yet received it,
// deduping at-most-once per tx per peer via the entry's broadcast set.
func (p *Pool) Broadcast(ctx context.Context, peers set.Set[ids.NodeID], tx txmodel.Tx) error {
	p.mu.Lock()
	e, ok := p.entries[tx.TxID]
	if !ok {
		p.mu.Unlock()
		return ledgererr.New(ledgererr.KindNotFound, "broadcast: unknown tx")
	}
	toSend := make([]ids.NodeID, 0, peers.Len())
	for _, peer := range peers.List() {
		if !e.broadcast.Contains(peer) {
			e.broadcast.Add(peer)
			toSend = append(toSend, peer)
		}
	}
	p.mu.Unlock()

	var firstErr error
	for _, peer := range toSend {
		if err := p.transport.Send(ctx, peer, tx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size returns the current number of admitted tx.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Has reports whether txID is currently in the pool.
func (p *Pool) Has(txID ids.ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[txID]
	return ok
}
