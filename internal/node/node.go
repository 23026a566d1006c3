// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node is the top-level supervisor (spec §9): it owns the
// consensus Engine and the State Machine, resolving their cyclic
// reference through the two one-way ports spec §9 calls for (the
// engine's ApplyHandler feeds events into node, node's
// ClusterConfigView feeds the current Cluster Config back out) without
// either package importing the other. It also wires C5/C8/C9/C10/C11
// together and exposes the "ports exposed to adapters" of spec §6 as
// plain Go methods for an (out-of-scope) RPC layer to call.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/ledgercore/internal/breaker"
	"github.com/luxfi/ledgercore/internal/bridge"
	"github.com/luxfi/ledgercore/internal/config"
	"github.com/luxfi/ledgercore/internal/consensus"
	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/logstore"
	"github.com/luxfi/ledgercore/internal/mempool"
	"github.com/luxfi/ledgercore/internal/pipeline"
	"github.com/luxfi/ledgercore/internal/statemachine"
	"github.com/luxfi/ledgercore/internal/telemetry"
	"github.com/luxfi/ledgercore/internal/transport"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// Node wires every SPEC_FULL.md component into one running replica.
type Node struct {
	self          ids.NodeID
	cfg           config.Cluster
	log           log.Logger
	engine        *consensus.Engine
	pool          *mempool.Pool
	sm            *statemachine.Machine
	bridge        *bridge.Coordinator
	bridgeBreaker *breaker.Breaker
	pl            *pipeline.Pipeline
	health        *telemetry.Health
	metrics       *telemetry.Metrics

	receipts *receiptRouter
}

// Deps bundles the port bindings fixed at startup (spec §9: "Port
// bindings must be configured at startup and are immutable thereafter
// — do not depend on runtime reconfiguration").
type Deps struct {
	Self       ids.NodeID
	Cfg        config.Cluster
	ClusterCfg *txmodel.ClusterConfig
	Store      logstore.Store
	Transport  transport.Transport
	Crypto     crypto.Provider
	Applier    statemachine.Applier
	Metrics    *telemetry.Metrics
	Log        log.Logger
}

// New builds a Node from Deps, constructing the mempool, state machine,
// consensus engine, pipeline and bridge coordinator and wiring the
// consensus ApplyHandler into the receipt router the pipeline's
// Submitter depends on.
func New(d Deps) *Node {
	metrics := d.Metrics
	if metrics == nil {
		metrics = telemetry.New(prometheus.NewRegistry())
	}
	logger := d.Log
	if logger == nil {
		logger = log.NewNoOpLogger()
	}

	pool := mempool.New(int(d.Cfg.MempoolCapacity), 10*time.Minute, d.Crypto, d.Transport)
	sm := statemachine.New(d.Crypto, d.Applier)
	eng := consensus.New(d.Self, d.Cfg, d.ClusterCfg, d.Store, d.Transport, d.Crypto, pool, sm, metrics)

	router := newReceiptRouter()
	submitter := &engineSubmitter{pool: pool, router: router, metrics: metrics}
	submitter.setPeers(d.Self, d.ClusterCfg.ActiveValidators())
	eng.SetApplyHandler(func(b txmodel.Block, result statemachine.ApplyResult) {
		router.onApply(b, result)
		if b.ConfigChange != nil {
			submitter.setPeers(d.Self, b.ConfigChange.ActiveValidators())
		}
	})
	eng.SetEquivocationHandler(func(proof statemachine.EquivocationProof) {
		logger.Warn("equivocation detected", "offender", proof.Offender, "height", proof.Height, "termA", proof.TermA, "termB", proof.TermB)
		sm.ApplyEquivocation(proof)
	})
	eng.SetFatalHandler(func(err error) {
		// CommittedTruncation/SnapshotCorrupt halt the replica; continuing
		// would risk committing divergent state.
		logger.Error("consensus fatal condition, halting", "error", err)
		panic(err)
	})

	brk := breaker.New("consensus-submit",
		d.Cfg.Breaker.FailureThreshold,
		time.Duration(d.Cfg.Breaker.ResetMS)*time.Millisecond,
	)
	sla := pipeline.PrioritySLAConfig{
		Critical: time.Duration(d.Cfg.PrioritySLAMS.CriticalMS) * time.Millisecond,
		High:     time.Duration(d.Cfg.PrioritySLAMS.HighMS) * time.Millisecond,
		Normal:   time.Duration(d.Cfg.PrioritySLAMS.NormalMS) * time.Millisecond,
	}
	// The rate limiter's burst and refill track the mempool's capacity:
	// admitting faster than the pool can absorb only converts Unavailable
	// into Full further downstream.
	limiter := breaker.NewAdaptiveLimiter(float64(d.Cfg.MempoolCapacity), float64(d.Cfg.MempoolCapacity))
	pl := pipeline.New(submitter, sla, brk, metrics, pipeline.WithLimiter(limiter))
	pl.Chunks().SetHasher(d.Crypto)

	bc := bridge.New(d.Crypto, d.Cfg.BridgeCfg, metrics)
	bridgeBreaker := breaker.New("bridge-oracle",
		d.Cfg.Breaker.FailureThreshold,
		time.Duration(d.Cfg.Breaker.ResetMS)*time.Millisecond,
	)

	h := telemetry.NewHealth("ledgercore", time.Now())
	n := &Node{
		self:          d.Self,
		cfg:           d.Cfg,
		log:           logger,
		engine:        eng,
		pool:          pool,
		sm:            sm,
		bridge:        bc,
		bridgeBreaker: bridgeBreaker,
		pl:            pl,
		health:        h,
		metrics:       metrics,
		receipts:      router,
	}
	n.registerHealthChecks(brk)
	return n
}

// Run starts the consensus loop and blocks until ctx is canceled or a
// fatal error occurs, per spec §5's single-consensus-loop-goroutine
// model plus a periodic sweep goroutine that evicts expired mempool
// entries and times out overdue bridge transfers.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("node starting", "nodeID", n.self)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.engine.Run(gctx) })
	g.Go(func() error { return n.sweepLoop(gctx) })
	err := g.Wait()
	n.log.Info("node stopped", "nodeID", n.self, "error", err)
	return err
}

func (n *Node) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.pool.EvictExpired()
			n.bridge.Sweep(time.Now())
		}
	}
}

// engineSubmitter implements pipeline.Submitter atop the mempool +
// consensus engine + receipt router: admit to the pool, broadcast to
// the current peer set, and block on the router until a commit receipt
// for this tx arrives. The peer set tracks committed membership changes
// via the engine's ApplyHandler.
type engineSubmitter struct {
	pool    *mempool.Pool
	router  *receiptRouter
	metrics *telemetry.Metrics

	peersMu sync.RWMutex
	peers   set.Set[ids.NodeID]
}

func (s *engineSubmitter) setPeers(self ids.NodeID, validators []txmodel.ValidatorRecord) {
	peers := set.NewSet[ids.NodeID](len(validators))
	for _, v := range validators {
		if v.ValidatorID != self {
			peers.Add(v.ValidatorID)
		}
	}
	s.peersMu.Lock()
	s.peers = peers
	s.peersMu.Unlock()
}

func (s *engineSubmitter) peerSet() set.Set[ids.NodeID] {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return s.peers
}

func (s *engineSubmitter) Submit(ctx context.Context, tx txmodel.Tx, class txmodel.PriorityClass) (statemachine.Receipt, error) {
	wait := s.router.register(tx.TxID)
	result := s.pool.Admit(ctx, tx, class)
	if result.Outcome != mempool.Accepted {
		s.router.cancel(tx.TxID)
		if s.metrics != nil {
			s.metrics.TxRejected.WithLabelValues(result.Outcome.String()).Inc()
		}
		return statemachine.Receipt{}, ledgererr.New(mempoolOutcomeKind(result.Outcome), "submit: "+result.Reason)
	}
	if s.metrics != nil {
		s.metrics.TxAdmitted.Inc()
	}
	// Best-effort gossip so whichever replica is leader can include this
	// tx; the pool dedups at-most-once per tx per peer (spec §4.4).
	_ = s.pool.Broadcast(ctx, s.peerSet(), tx)
	select {
	case r := <-wait:
		return r, nil
	case <-ctx.Done():
		s.router.cancel(tx.TxID)
		return statemachine.Receipt{}, ledgererr.New(ledgererr.KindTimeout, "submit: deadline exceeded waiting for commit receipt")
	}
}

func mempoolOutcomeKind(o mempool.AdmitOutcome) ledgererr.Kind {
	switch o {
	case mempool.Duplicate:
		return ledgererr.KindInvalidInput
	case mempool.Invalid:
		return ledgererr.KindInvalidSignature
	default:
		return ledgererr.KindFull
	}
}

// receiptRouter fulfills submit_transaction's "emits commit receipts as
// they finalize" port (spec §6) by bridging the engine's
// ApplyHandler callback (called on the consensus loop) to whichever
// goroutine is blocked in Submit waiting for a specific tx_id.
type receiptRouter struct {
	mu      sync.Mutex
	waiters map[ids.ID]chan statemachine.Receipt
}

func newReceiptRouter() *receiptRouter {
	return &receiptRouter{waiters: make(map[ids.ID]chan statemachine.Receipt)}
}

func (r *receiptRouter) register(txID ids.ID) <-chan statemachine.Receipt {
	ch := make(chan statemachine.Receipt, 1)
	r.mu.Lock()
	r.waiters[txID] = ch
	r.mu.Unlock()
	return ch
}

func (r *receiptRouter) cancel(txID ids.ID) {
	r.mu.Lock()
	delete(r.waiters, txID)
	r.mu.Unlock()
}

// onApply is wired as the consensus Engine's ApplyHandler; it must
// never block, since it runs on the single consensus-loop goroutine
// (spec §5) — every channel send below is on a buffer-1 channel this
// same router created, so it never blocks a waiter that's still
// listening, and is a harmless no-op for tx nobody is waiting on
// (e.g. tx gossiped in from other replicas).
func (r *receiptRouter) onApply(_ txmodel.Block, result statemachine.ApplyResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, receipt := range result.Receipts {
		if ch, ok := r.waiters[receipt.TxID]; ok {
			ch <- receipt
			delete(r.waiters, receipt.TxID)
		}
	}
}
