// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/statemachine"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// antiStarvationWindow is the number of CRITICAL items the scheduler
// will service back-to-back before yielding one NORMAL item, per spec
// §4.7.3.
const antiStarvationWindow = 64

// PrioritySLAConfig holds the per-class end-to-end latency budgets of
// spec §4.7.3, expressed as durations rather than config.PrioritySLA's
// raw milliseconds so the scheduler never has to re-derive a
// time.Duration on every poll.
type PrioritySLAConfig struct {
	Critical time.Duration
	High     time.Duration
	Normal   time.Duration
}

// DefaultPrioritySLA is the {2ms, 5ms, 20ms} default of spec §4.7.3.
func DefaultPrioritySLA() PrioritySLAConfig {
	return PrioritySLAConfig{Critical: 2 * time.Millisecond, High: 5 * time.Millisecond, Normal: 20 * time.Millisecond}
}

func (c PrioritySLAConfig) forClass(class txmodel.PriorityClass) time.Duration {
	switch class {
	case txmodel.PriorityCritical:
		return c.Critical
	case txmodel.PriorityHigh:
		return c.High
	default:
		return c.Normal
	}
}

// PriorityItem is a single tx enqueued into the scheduler, stamped with
// its arrival time so PriorityResult can compute actual_latency_ms.
type PriorityItem struct {
	Tx         txmodel.Tx
	Class      txmodel.PriorityClass
	EnqueuedAt time.Time
}

// PriorityResult is emitted once per enqueued item (spec §4.7.3).
type PriorityResult struct {
	TxID            ids.ID
	Class           txmodel.PriorityClass
	Receipt         statemachine.Receipt
	ActualLatencyMS float64
	SLAMet          bool
}

// PriorityScheduler holds the three CRITICAL/HIGH/NORMAL queues and
// polls them under strict priority, CRITICAL before HIGH before NORMAL,
// yielding one NORMAL item after every antiStarvationWindow CRITICAL
// items to avoid starving NORMAL under sustained CRITICAL load (spec
// §4.7.3). Within a class, enqueue order is preserved (FIFO channel).
type PriorityScheduler struct {
	sla PrioritySLAConfig

	critical chan PriorityItem
	high     chan PriorityItem
	normal   chan PriorityItem

	mu                  sync.Mutex
	criticalSinceNormal int

	slaMisses map[txmodel.PriorityClass]int
}

func NewPriorityScheduler(sla PrioritySLAConfig) *PriorityScheduler {
	return &PriorityScheduler{
		sla:       sla,
		critical:  make(chan PriorityItem, 4096),
		high:      make(chan PriorityItem, 4096),
		normal:    make(chan PriorityItem, 4096),
		slaMisses: make(map[txmodel.PriorityClass]int),
	}
}

// Enqueue admits item into its class's FIFO queue. Blocks if that
// queue's buffer is full, applying backpressure to the ingress side
// rather than silently dropping (spec §4.7.6 "MUST NOT silently succeed
// writes" applies equally to silently dropping one).
func (s *PriorityScheduler) Enqueue(ctx context.Context, item PriorityItem) error {
	var ch chan PriorityItem
	switch item.Class {
	case txmodel.PriorityCritical:
		ch = s.critical
	case txmodel.PriorityHigh:
		ch = s.high
	default:
		ch = s.normal
	}
	select {
	case ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next item to service under strict priority with the
// anti-starvation rule, blocking until one is available or ctx expires.
func (s *PriorityScheduler) Next(ctx context.Context) (PriorityItem, bool) {
	s.mu.Lock()
	forceNormal := s.criticalSinceNormal >= antiStarvationWindow
	s.mu.Unlock()

	if forceNormal {
		select {
		case item := <-s.normal:
			s.mu.Lock()
			s.criticalSinceNormal = 0
			s.mu.Unlock()
			return item, true
		default:
		}
	}

	select {
	case item := <-s.critical:
		s.mu.Lock()
		s.criticalSinceNormal++
		s.mu.Unlock()
		return item, true
	default:
	}
	select {
	case item := <-s.high:
		return item, true
	default:
	}
	select {
	case item := <-s.normal:
		s.mu.Lock()
		s.criticalSinceNormal = 0
		s.mu.Unlock()
		return item, true
	case item := <-s.critical:
		s.mu.Lock()
		s.criticalSinceNormal++
		s.mu.Unlock()
		return item, true
	case item := <-s.high:
		return item, true
	case <-ctx.Done():
		return PriorityItem{}, false
	}
}

// Complete folds a finished item and its receipt into a PriorityResult,
// computing actual_latency_ms against now and recording an SLA miss if
// the class's budget was exceeded (spec §4.7.3).
func (s *PriorityScheduler) Complete(item PriorityItem, receipt statemachine.Receipt, now time.Time) PriorityResult {
	latency := now.Sub(item.EnqueuedAt)
	budget := s.sla.forClass(item.Class)
	met := latency <= budget
	if !met {
		s.mu.Lock()
		s.slaMisses[item.Class]++
		s.mu.Unlock()
	}
	return PriorityResult{
		TxID:            item.Tx.TxID,
		Class:           item.Class,
		Receipt:         receipt,
		ActualLatencyMS: float64(latency.Microseconds()) / 1000.0,
		SLAMet:          met,
	}
}

// SLAMisses returns the count of misses recorded for class so far.
func (s *PriorityScheduler) SLAMisses(class txmodel.PriorityClass) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slaMisses[class]
}
