// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"math"
	"sync"
	"time"
)

// minBatch/maxBatch are the hard clamp bounds of spec §4.7.2.
const (
	minBatch = 1
	maxBatch = 100

	// ewmaAlpha weights the most recent observation against the running
	// per-tx latency estimate. Chosen small enough that one outlier
	// batch doesn't whipsaw the size decision, matching the "smoothed
	// estimate" language of spec §4.7.2.
	ewmaAlpha = 0.2

	// initialLatencyUS seeds the estimator before any batch has
	// completed, sized for a no-contention local apply.
	initialLatencyUS = 50.0
)

// AdaptiveBatcher sizes batches in [1,100] from two signals: current
// ingress queue depth and a server-side smoothed estimate of
// downstream per-tx latency (spec §4.7.2). Any caller-supplied latency
// hint is advisory only per SPEC_FULL.md §9's resolved open question —
// Observe always derives its update from the server's own measured
// processing_us, never from a client-reported value.
type AdaptiveBatcher struct {
	mu         sync.Mutex
	targetUS   float64
	emaLatency float64 // microseconds per tx
}

// NewAdaptiveBatcher creates a batcher targeting batchServiceTime as the
// per-batch service time (B_target, default 5ms per spec §4.7.2).
func NewAdaptiveBatcher(batchServiceTime time.Duration) *AdaptiveBatcher {
	return &AdaptiveBatcher{
		targetUS:   float64(batchServiceTime.Microseconds()),
		emaLatency: initialLatencyUS,
	}
}

// NextSize computes size = clamp(B_target/ℓ · f(d), 1, 100), with f
// growing sub-linearly in the ingress queue depth d (spec §4.7.2). f is
// sqrt(d+1): doubling the queue less than doubles the batch, which
// keeps single-batch service time from blowing past B_target under a
// bursty ingress.
func (b *AdaptiveBatcher) NextSize(queueDepth int) int {
	b.mu.Lock()
	ell := b.emaLatency
	target := b.targetUS
	b.mu.Unlock()

	if ell <= 0 {
		ell = initialLatencyUS
	}
	f := math.Sqrt(float64(queueDepth) + 1)
	size := int(math.Round(target / ell * f))
	if size < minBatch {
		size = minBatch
	}
	if size > maxBatch {
		size = maxBatch
	}
	if size > queueDepth && queueDepth > 0 {
		size = queueDepth
	}
	return size
}

// Observe updates the smoothed per-tx latency estimate from a completed
// batch's measured processing_us and size, and returns the throughput
// to report for that batch: size*10^6/processing_us (spec §4.7.2).
func (b *AdaptiveBatcher) Observe(size int, processingUS int64) (throughputTxPerSec float64) {
	if size <= 0 || processingUS <= 0 {
		return 0
	}
	perTx := float64(processingUS) / float64(size)

	b.mu.Lock()
	b.emaLatency = ewmaAlpha*perTx + (1-ewmaAlpha)*b.emaLatency
	b.mu.Unlock()

	return float64(size) * 1e6 / float64(processingUS)
}

// EstimatedLatencyUS returns the current smoothed per-tx latency
// estimate, for observability/tests.
func (b *AdaptiveBatcher) EstimatedLatencyUS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emaLatency
}
