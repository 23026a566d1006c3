// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package node

import (
	"context"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/breaker"
	"github.com/luxfi/ledgercore/internal/bridge"
	"github.com/luxfi/ledgercore/internal/consensus"
	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/pipeline"
	"github.com/luxfi/ledgercore/internal/statemachine"
	"github.com/luxfi/ledgercore/internal/telemetry"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// registerHealthChecks wires each subsystem's own health signal into
// the shared registry (SPEC_FULL.md §4.11's health-aggregation
// supplement), so health() reflects the whole node, not just the
// consensus engine.
func (n *Node) registerHealthChecks(brk *breaker.Breaker) {
	n.health.Register("consensus", func() telemetry.Check {
		st := n.engine.Status()
		status := telemetry.StatusUp
		if st.Role == consensus.Follower && st.Leader == (ids.NodeID{}) {
			status = telemetry.StatusDegraded
		}
		return telemetry.Check{
			Name:   "consensus",
			Status: status,
			Data: map[string]any{
				"role":         st.Role.String(),
				"term":         st.Term,
				"commit_index": st.CommitIndex,
			},
		}
	})
	n.health.Register("mempool", func() telemetry.Check {
		return telemetry.Check{Name: "mempool", Status: telemetry.StatusUp, Data: map[string]any{"size": n.pool.Size()}}
	})
	n.health.Register("breaker.consensus-submit", n.breakerCheck(brk))
	n.health.Register("breaker.bridge-oracle", n.breakerCheck(n.bridgeBreaker))
}

// breakerCheck builds a health check for one breaker and mirrors its
// state into the C10 gauge on every evaluation.
func (n *Node) breakerCheck(b *breaker.Breaker) telemetry.CheckFunc {
	return func() telemetry.Check {
		st := b.State()
		status := telemetry.StatusUp
		var gauge float64
		switch st {
		case breaker.Open:
			status = telemetry.StatusDown
			gauge = 2
		case breaker.HalfOpen:
			status = telemetry.StatusDegraded
			gauge = 1
		}
		n.metrics.BreakerState.WithLabelValues(b.Name()).Set(gauge)
		return telemetry.Check{Name: "breaker." + b.Name(), Status: status, Data: map[string]any{"state": st.String()}}
	}
}

// Health implements spec §6's health() port.
func (n *Node) Health() telemetry.Report {
	return n.health.Evaluate(time.Now())
}

// SubmitTransaction implements spec §6's submit_transaction port: admit
// tx into the mempool and return its eventual commit receipt, surfaced
// here as a single blocking call — internal/node's caller (an
// out-of-scope RPC adapter) is expected to wrap this in its own
// server-streaming response if it wants to emit partial progress.
func (n *Node) SubmitTransaction(ctx context.Context, tx txmodel.Tx, class txmodel.PriorityClass) (statemachine.Receipt, error) {
	return n.pl.Submit(ctx, tx, class)
}

// MultiplexedStream implements spec §4.7.1/§6.
func (n *Node) MultiplexedStream(ctx context.Context, batch txmodel.Batch) pipeline.MultiplexedResult {
	return n.pl.ProcessMultiplexed(ctx, batch)
}

// AdaptiveStream implements spec §4.7.2/§6: reports the batch size the
// pipeline would currently choose given queueDepth. ObserveAdaptiveBatch
// records the observed processing time once the caller has actually run
// a batch of that size.
func (n *Node) AdaptiveStream(queueDepth int) int {
	return n.pl.Batcher().NextSize(queueDepth)
}

// ObserveAdaptiveBatch feeds a completed batch's measurements back into
// the adaptive batcher's smoothed latency estimate (spec §4.7.2).
func (n *Node) ObserveAdaptiveBatch(size int, processingUS int64) float64 {
	return n.pl.Batcher().Observe(size, processingUS)
}

// PriorityEnqueue implements the ingress half of spec §4.7.3's
// priority_stream port.
func (n *Node) PriorityEnqueue(ctx context.Context, tx txmodel.Tx, class txmodel.PriorityClass) error {
	return n.pl.Scheduler().Enqueue(ctx, pipeline.PriorityItem{Tx: tx, Class: class, EnqueuedAt: time.Now()})
}

// PriorityNext implements the egress half of priority_stream: pull the
// next item under strict priority, submit it, and fold the result into
// a PriorityResult.
func (n *Node) PriorityNext(ctx context.Context) (pipeline.PriorityResult, bool) {
	item, ok := n.pl.Scheduler().Next(ctx)
	if !ok {
		return pipeline.PriorityResult{}, false
	}
	receipt, err := n.pl.Submit(ctx, item.Tx, item.Class)
	if err != nil {
		receipt = statemachine.Receipt{TxID: item.Tx.TxID, Status: statemachine.ReceiptError, Error: err.Error()}
	}
	result := n.pl.Scheduler().Complete(item, receipt, time.Now())
	if !result.SLAMet {
		n.metrics.SLAMisses.WithLabelValues(result.Class.String()).Inc()
	}
	return result, true
}

// ShardAggregator implements spec §4.7.4/§6.
func (n *Node) ShardAggregator(ctx context.Context, aggregatorID ids.ID, numShards int, filterShard *int, work pipeline.ShardWorker) <-chan pipeline.AggregatedShardResult {
	return n.pl.Shards().Run(ctx, aggregatorID, numShards, filterShard, work)
}

// LargeTransferChunk implements spec §4.7.5/§6's ingress half.
func (n *Node) LargeTransferChunk(transferID string, chunkNumber, totalChunks int, data []byte) error {
	return n.pl.Chunks().AddChunk(transferID, chunkNumber, totalChunks, data)
}

// LargeTransferFinish implements spec §4.7.5/§6's completion half.
func (n *Node) LargeTransferFinish(transferID string) pipeline.LargeTransferResponse {
	return n.pl.Chunks().Finish(transferID)
}

// BridgeInitiate implements spec §4.8/§6.
func (n *Node) BridgeInitiate(req bridge.InitiateRequest) (bridge.Transfer, error) {
	return n.bridge.Initiate(req)
}

// BridgeStatus implements spec §4.8/§6.
func (n *Node) BridgeStatus(bridgeID ids.ID) (bridge.Transfer, error) {
	return n.bridge.Status(bridgeID)
}

// BridgeVerify implements spec §4.8.1/§6, wrapped in the bridge-oracle
// circuit breaker (spec §4.7.6): a struggling oracle quorum fails fast
// with Unavailable instead of hanging every verify call behind it.
func (n *Node) BridgeVerify(ctx context.Context, bridgeID ids.ID, oracleID ids.NodeID, approved bool, signature []byte) (bridge.Status, error) {
	allowed, _ := n.bridgeBreaker.Allow()
	if !allowed {
		return bridge.Pending, ledgererr.New(ledgererr.KindUnavailable, "bridge oracle breaker open")
	}
	st, err := n.bridge.Verify(ctx, bridgeID, oracleID, approved, signature)
	// Only dependency-class failures trip the breaker; a caller's bad
	// bridge_id or out-of-set oracle is their error, not the oracle
	// quorum's.
	switch ledgererr.KindOf(err) {
	case ledgererr.KindTimeout, ledgererr.KindUnavailable:
		n.bridgeBreaker.Failure()
	default:
		n.bridgeBreaker.Success()
	}
	return st, err
}

// BridgeExecuteCallback implements spec §4.8.1/§6.
func (n *Node) BridgeExecuteCallback(ctx context.Context, bridgeID ids.ID, destTxHash ids.ID, oracleSignature []byte) (bridge.Status, error) {
	return n.bridge.ExecuteCallback(ctx, bridgeID, destTxHash, oracleSignature)
}

// BridgeBatch implements spec §4.8.3/§6.
func (n *Node) BridgeBatch(requests []bridge.InitiateRequest, k int) bridge.BatchResult {
	return n.bridge.InitiateBatch(requests, k)
}

// BridgeMonitor implements spec §6's background-sweep-facing port: a
// caller-driven poll that sweeps timed-out transfers and returns which
// bridge_ids changed state, suitable for an adapter to turn into a
// server-streaming notification feed.
func (n *Node) BridgeMonitor(now time.Time) []ids.ID {
	return n.bridge.Sweep(now)
}

// ConfigChange implements membership changes (spec §4.5.6/§6) by
// forwarding to the consensus engine.
func (n *Node) ConfigChange(ctx context.Context, next txmodel.ClusterConfig) bool {
	return n.engine.SubmitConfigChange(ctx, next)
}

// Status returns the consensus engine's point-in-time status.
func (n *Node) Status() consensus.Status {
	return n.engine.Status()
}
