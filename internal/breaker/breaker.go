// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package breaker implements the circuit breaker / backpressure glue of
// C11 (spec §4.7.6). No circuit-breaker library appears anywhere in the
// retrieval pack (see DESIGN.md), so this is built directly on sync
// primitives in the teacher's quorum.Static style (a small mutex-guarded
// struct with Add/Check-shaped methods) rather than adopting an
// out-of-pack dependency for a ~80-line state machine.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's tagged state (spec §4.7.6).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Breaker wraps a single downstream dependency (consensus submit,
// crypto, bridge oracle, per spec §4.7.6).
type Breaker struct {
	name    string
	fOpen   uint32
	tReset  time.Duration
	nowFunc func() time.Time

	mu          sync.Mutex
	state       State
	consecutive uint32
	openedAt    time.Time
	probing     bool
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

// WithClock overrides the breaker's time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = now }
}

func New(name string, failureThreshold uint32, resetAfter time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:    name,
		fOpen:   failureThreshold,
		tReset:  resetAfter,
		nowFunc: time.Now,
		state:   Closed,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether a call may proceed, transitioning CLOSED/OPEN/
// HALF_OPEN as needed. When it returns true with probing=true, the
// caller MUST report the outcome via Success/Failure exactly once — the
// breaker admits only a single concurrent probe in HALF_OPEN.
func (b *Breaker) Allow() (allowed bool, probing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if b.nowFunc().Sub(b.openedAt) < b.tReset {
			return false, false
		}
		b.state = HalfOpen
		b.probing = true
		return true, true
	case HalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
	return false, false
}

// Success reports a successful call outcome.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	if b.state == HalfOpen {
		b.state = Closed
	}
	b.probing = false
}

// Failure reports a failed call outcome.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = b.nowFunc()
		return
	}
	b.consecutive++
	if b.consecutive >= b.fOpen {
		b.state = Open
		b.openedAt = b.nowFunc()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Name() string { return b.name }

// AdaptiveLimiter is the admission-control half of C11: a plain token
// bucket (capacity tokens, refilled at rate tokens per second) whose
// ShouldAdmit is used by the pipeline to shed load before the breaker
// downstream would even see a call, following spec §4.7.6's "may
// degrade to a local fallback for idempotent read operations" guidance
// generalized to write admission as well (writes are never silently
// dropped — ShouldAdmit=false must surface Unavailable, not a fake ack).
type AdaptiveLimiter struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64 // tokens added per second
	last     time.Time
	nowFunc  func() time.Time
}

func NewAdaptiveLimiter(capacity, refillPerSecond float64) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		capacity: capacity,
		tokens:   capacity,
		rate:     refillPerSecond,
		last:     time.Now(),
		nowFunc:  time.Now,
	}
}

// ShouldAdmit consumes one token if available.
func (l *AdaptiveLimiter) ShouldAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
