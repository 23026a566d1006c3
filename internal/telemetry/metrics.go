// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package telemetry implements C10: counters, histograms and health
// checks. Grounded on the teacher's metrics.Metrics{Registry} wrapper
// (metrics/metrics.go), generalized from a bare registerer holder to the
// concrete counter/histogram set this ledger core needs, and extended
// with the health-check registry of spec §6's health() port.
package telemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-global metrics registry mentioned in spec §5 —
// the only legitimate process-global besides port bindings. It wraps a
// prometheus.Registerer the same way the teacher's Metrics type does.
type Metrics struct {
	Registry prometheus.Registerer

	TxAdmitted      prometheus.Counter
	TxRejected      *prometheus.CounterVec
	BlocksCommitted prometheus.Counter
	ElectionsTotal  prometheus.Counter
	CommitLatency   prometheus.Histogram
	BatchSize       prometheus.Histogram
	BatchThroughput prometheus.Histogram
	SLAMisses       *prometheus.CounterVec
	BridgeTransfers *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec

	// consensusLoopLag is a lock-free atomic updated by the consensus
	// loop itself per spec §5's "metrics counters: lock-free atomic
	// updates" guarantee; read back through ConsensusLoopLag, it is not
	// registered as a prometheus collector.
	consensusLoopLagNS atomic.Int64
}

// New creates Metrics and registers every collector with reg. Panics are
// never raised on duplicate registration; callers should create exactly
// one Metrics per process, mirroring the teacher's NewMetrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registry: reg,
		TxAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgercore_tx_admitted_total",
			Help: "Transactions accepted into the mempool.",
		}),
		TxRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgercore_tx_rejected_total",
			Help: "Transactions rejected by the mempool, by reason.",
		}, []string{"reason"}),
		BlocksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgercore_blocks_committed_total",
			Help: "Blocks committed by this replica.",
		}),
		ElectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgercore_elections_total",
			Help: "Leader elections started by this replica.",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgercore_commit_latency_seconds",
			Help:    "Time from block proposal to commit.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgercore_pipeline_batch_size",
			Help:    "Adaptive batch size chosen per batch.",
			Buckets: prometheus.LinearBuckets(1, 10, 10),
		}),
		BatchThroughput: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgercore_pipeline_throughput_tx_per_sec",
			Help:    "Throughput reported per completed batch.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10),
		}),
		SLAMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgercore_pipeline_sla_misses_total",
			Help: "SLA misses by priority class.",
		}, []string{"priority"}),
		BridgeTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgercore_bridge_transfers_total",
			Help: "Bridge transfers by terminal status.",
		}, []string{"status"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledgercore_breaker_state",
			Help: "Circuit breaker state (0=CLOSED,1=HALF_OPEN,2=OPEN) by dependency.",
		}, []string{"dependency"}),
	}
	for _, c := range []prometheus.Collector{
		m.TxAdmitted, m.TxRejected, m.BlocksCommitted, m.ElectionsTotal,
		m.CommitLatency, m.BatchSize, m.BatchThroughput, m.SLAMisses,
		m.BridgeTransfers, m.BreakerState,
	} {
		_ = m.Registry.Register(c) // idempotent for tests that reuse a registry
	}
	return m
}

// Register registers an additional prometheus collector, matching the
// teacher's Metrics.Register passthrough.
func (m *Metrics) Register(c prometheus.Collector) error {
	return m.Registry.Register(c)
}

// SetConsensusLoopLag records the most recent consensus loop tick
// latency via a lock-free atomic store.
func (m *Metrics) SetConsensusLoopLag(ns int64) {
	m.consensusLoopLagNS.Store(ns)
}

func (m *Metrics) ConsensusLoopLag() int64 {
	return m.consensusLoopLagNS.Load()
}
