// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pipeline implements C8 (spec §4.7): the bidirectional
// streaming execution pipeline that multiplexes transactions into
// adaptive batches, routes by priority class with per-class latency
// SLAs, aggregates results across shards and reassembles chunked
// payloads. It never talks to the network directly — a Submitter port
// narrow enough to be faked in tests stands in for "admit to the
// mempool and wait for a commit receipt", and every downstream call
// through that port is wrapped in a C11 circuit breaker (spec §4.7.6)
// so a struggling consensus engine degrades the pipeline instead of
// hanging it.
package pipeline

import (
	"context"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/breaker"
	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/statemachine"
	"github.com/luxfi/ledgercore/internal/telemetry"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// Submitter is the narrow port the pipeline needs from the rest of the
// node: admit tx into the mempool under class and block until its
// commit receipt is available (or ctx expires). internal/node's
// engineSubmitter implements this atop mempool.Pool and a receiptRouter
// fed by the consensus ApplyHandler; tests use a hand-written fake.
type Submitter interface {
	Submit(ctx context.Context, tx txmodel.Tx, class txmodel.PriorityClass) (statemachine.Receipt, error)
}

// Pipeline bundles every C8 sub-component (adaptive batching, priority
// scheduling, shard aggregation, chunk reassembly) behind the single
// breaker-wrapped Submitter port, plus the C10 metrics each emits.
type Pipeline struct {
	submit  Submitter
	metrics *telemetry.Metrics

	submitBreaker *breaker.Breaker
	limiter       *breaker.AdaptiveLimiter
	batcher       *AdaptiveBatcher
	scheduler     *PriorityScheduler
	shards        *ShardAggregator
	chunks        *ChunkReassembler

	nowFunc func() time.Time
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithClock overrides the pipeline's time source for deterministic
// tests of the adaptive-batching and SLA paths.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.nowFunc = now }
}

// WithLimiter installs the C11 adaptive rate limiter in front of the
// submit path: once the token bucket runs dry, submits shed load with
// Unavailable before the breaker or the downstream ever sees the call.
func WithLimiter(l *breaker.AdaptiveLimiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

func New(submit Submitter, slas PrioritySLAConfig, brk *breaker.Breaker, metrics *telemetry.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		submit:        submit,
		metrics:       metrics,
		submitBreaker: brk,
		batcher:       NewAdaptiveBatcher(5 * time.Millisecond),
		scheduler:     NewPriorityScheduler(slas),
		shards:        NewShardAggregator(),
		chunks:        NewChunkReassembler(),
		nowFunc:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// MultiplexedResult is emitted once per MultiplexedBatch, in the order
// batches were received on the stream (spec §4.7.1).
type MultiplexedResult struct {
	BatchID      ids.ID
	Receipts     []statemachine.Receipt
	ProcessingUS int64
	AllOK        bool
}

// ProcessMultiplexed processes a single batch to completion, submitting
// every tx through the breaker-wrapped Submitter and folding the
// results into one MultiplexedResult. Called sequentially per stream by
// the caller (e.g. internal/node's gRPC-shaped adapter loop) to
// preserve "one response per batch in received order" — the pipeline
// itself holds no per-stream state, so ordering is the caller's to keep
// by not calling this concurrently for the same stream.
func (p *Pipeline) ProcessMultiplexed(ctx context.Context, batch txmodel.Batch) MultiplexedResult {
	start := p.nowFunc()
	receipts := make([]statemachine.Receipt, 0, len(batch.Txs))
	allOK := true
	for _, tx := range batch.Txs {
		r, err := p.submitThroughBreaker(ctx, tx, batch.PriorityClass)
		if err != nil {
			r = statemachine.Receipt{TxID: tx.TxID, Status: statemachine.ReceiptError, Error: err.Error()}
		}
		if r.Status != statemachine.ReceiptOK {
			allOK = false
		}
		receipts = append(receipts, r)
	}
	us := p.nowFunc().Sub(start).Microseconds()
	if p.metrics != nil {
		p.metrics.BatchSize.Observe(float64(len(batch.Txs)))
		if us > 0 {
			p.metrics.BatchThroughput.Observe(float64(len(batch.Txs)) * 1e6 / float64(us))
		}
	}
	return MultiplexedResult{BatchID: batch.BatchID, Receipts: receipts, ProcessingUS: us, AllOK: allOK}
}

// submitThroughBreaker wraps a single Submit call in the C11 breaker
// (spec §4.7.6): while OPEN, calls fail fast with Unavailable rather
// than blocking on a downstream that is already known to be unhealthy.
func (p *Pipeline) submitThroughBreaker(ctx context.Context, tx txmodel.Tx, class txmodel.PriorityClass) (statemachine.Receipt, error) {
	if p.limiter != nil && !p.limiter.ShouldAdmit() {
		return statemachine.Receipt{}, ledgererr.New(ledgererr.KindUnavailable, "submit rate limit exceeded")
	}
	if p.submitBreaker != nil {
		allowed, _ := p.submitBreaker.Allow()
		if !allowed {
			return statemachine.Receipt{}, ledgererr.New(ledgererr.KindUnavailable, "consensus submit breaker open")
		}
		r, err := p.submit.Submit(ctx, tx, class)
		if err != nil {
			p.submitBreaker.Failure()
			return r, err
		}
		p.submitBreaker.Success()
		return r, nil
	}
	return p.submit.Submit(ctx, tx, class)
}

// Batcher exposes the adaptive batcher for callers that size their own
// ingress reads (spec §4.7.2).
func (p *Pipeline) Batcher() *AdaptiveBatcher { return p.batcher }

// Scheduler exposes the priority scheduler (spec §4.7.3).
func (p *Pipeline) Scheduler() *PriorityScheduler { return p.scheduler }

// Shards exposes the shard aggregator (spec §4.7.4).
func (p *Pipeline) Shards() *ShardAggregator { return p.shards }

// Chunks exposes the large-transfer chunk reassembler (spec §4.7.5).
func (p *Pipeline) Chunks() *ChunkReassembler { return p.chunks }

// Submit exposes the single-tx submit path, used by the priority stream
// and by submit_transaction's client-streaming port (spec §6).
func (p *Pipeline) Submit(ctx context.Context, tx txmodel.Tx, class txmodel.PriorityClass) (statemachine.Receipt, error) {
	return p.submitThroughBreaker(ctx, tx, class)
}
